package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bitfantasy/nimo-mes/internal/process/repository"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// historyEntry 版本历史输出行
type historyEntry struct {
	ID        uint64 `yaml:"id"`
	Version   int    `yaml:"version"`
	Material  string `yaml:"material,omitempty"`
	CreatedBy string `yaml:"created_by"`
	CreatedAt string `yaml:"created_at"`
	EditedBy  string `yaml:"edited_by,omitempty"`
	EditedAt  string `yaml:"edited_at,omitempty"`
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the process tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := repository.AutoMigrate(a.db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migration complete")
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <part-name>",
		Short: "Print the version chain of a part as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			docs, err := a.services.Process.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			entries := make([]historyEntry, 0, len(docs))
			for _, d := range docs {
				e := historyEntry{
					ID:        d.ID,
					Version:   d.Version,
					Material:  d.Material,
					CreatedBy: d.CreatedByName,
					CreatedAt: d.CreatedAt.Format("2006-01-02 15:04:05"),
					EditedBy:  d.EditedByName,
				}
				if d.EditedAt != nil {
					e.EditedAt = d.EditedAt.Format("2006-01-02 15:04:05")
				}
				entries = append(entries, e)
			}

			out := map[string]interface{}{"part_name": args[0], "versions": entries}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(out)
		},
	}
}

func newExportCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a process document to xlsx",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			a, err := openApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			f, filename, err := a.services.Export.Export(cmd.Context(), id)
			if err != nil {
				return err
			}
			defer f.Close()

			if err := os.MkdirAll(outDir, 0755); err != nil {
				return err
			}
			target := filepath.Join(outDir, filename)
			if err := f.SaveAs(target); err != nil {
				return fmt.Errorf("write %s: %w", target, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "processctl %s (built %s)\n", Version, BuildTime)
		},
	}
}
