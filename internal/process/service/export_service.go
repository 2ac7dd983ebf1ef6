package service

import (
	"context"
	"fmt"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path"
	"strings"

	"github.com/bitfantasy/nimo-mes/internal/process/entity"
	"github.com/bitfantasy/nimo-mes/internal/process/repository"
	"github.com/bitfantasy/nimo-mes/internal/shared/storage"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// 单张图片读入上限
const maxExportPictureBytes = 10 << 20

var stepExportHeaders = []string{
	"序号", "部门", "工序内容", "工装夹具", "预计工时", "每次装夹数量", "备注", "图片",
}

// ExportService 工艺文件导出
type ExportService struct {
	repos  *repository.Repositories
	store  storage.Store
	logger *zap.Logger
}

// NewExportService 创建导出服务
func NewExportService(repos *repository.Repositories, store storage.Store, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{repos: repos, store: store, logger: logger}
}

// Export 导出工艺文件为xlsx，返回文件与下载文件名
func (s *ExportService) Export(ctx context.Context, id uint64) (*excelize.File, string, error) {
	doc, err := s.repos.Process.FindWithSteps(ctx, id)
	if err != nil {
		return nil, "", mapRepoError(err, "导出工艺文件失败")
	}

	f := excelize.NewFile()
	sheet := "工艺文件"
	f.SetSheetName("Sheet1", sheet)

	labelStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	})
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	wrapStyle, _ := f.NewStyle(&excelize.Style{
		Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"},
	})

	// 文件头信息
	editor := doc.EditedByName
	if doc.EditedAt != nil {
		editor = fmt.Sprintf("%s %s", doc.EditedByName, doc.EditedAt.Format("2006-01-02 15:04"))
	}
	info := [][2]interface{}{
		{"零件名称", doc.PartName},
		{"版本", fmt.Sprintf("v%d", doc.Version)},
		{"工件尺寸", doc.WorkpieceSize},
		{"材料", doc.Material},
		{"创建人", fmt.Sprintf("%s %s", doc.CreatedByName, doc.CreatedAt.Format("2006-01-02 15:04"))},
		{"最后编辑", editor},
		{"备注", doc.Note},
	}
	for i, kv := range info {
		row := i + 1
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), kv[0])
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), kv[1])
		f.SetCellStyle(sheet, fmt.Sprintf("A%d", row), fmt.Sprintf("A%d", row), labelStyle)
	}
	s.embedPicture(ctx, f, sheet, "E1", doc.Picture)

	// 工序表头
	headerRow := len(info) + 2
	for i, h := range stepExportHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := fmt.Sprintf("%s%d", col, headerRow)
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, headerStyle)
	}

	var totalTime float64
	for i, step := range doc.Steps {
		row := headerRow + 1 + i
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), step.Position)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), step.Department)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), step.Content)
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), step.Fixture)
		f.SetCellValue(sheet, fmt.Sprintf("E%d", row), step.EstimatedTime)
		f.SetCellValue(sheet, fmt.Sprintf("F%d", row), step.QuantityPerSetup)
		f.SetCellValue(sheet, fmt.Sprintf("G%d", row), step.Note)
		f.SetCellStyle(sheet, fmt.Sprintf("C%d", row), fmt.Sprintf("D%d", row), wrapStyle)
		if step.Picture != "" {
			f.SetRowHeight(sheet, row, 80)
			s.embedPicture(ctx, f, sheet, fmt.Sprintf("H%d", row), step.Picture)
		}
		totalTime += step.EstimatedTime
	}

	// 底部汇总行
	summaryRow := headerRow + len(doc.Steps) + 1
	f.SetCellValue(sheet, fmt.Sprintf("A%d", summaryRow), "合计")
	f.SetCellValue(sheet, fmt.Sprintf("C%d", summaryRow), fmt.Sprintf("工序数: %d", len(doc.Steps)))
	f.SetCellValue(sheet, fmt.Sprintf("E%d", summaryRow), totalTime)
	f.SetCellStyle(sheet, fmt.Sprintf("A%d", summaryRow), fmt.Sprintf("H%d", summaryRow), labelStyle)

	colWidths := []float64{10, 14, 40, 20, 10, 12, 20, 24}
	for i, w := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, w)
	}

	return f, ExportFilename(doc), nil
}

// ExportFilename 下载文件名 Process_<part>_v<version>.xlsx
func ExportFilename(doc *entity.ProcessDocument) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "\"", "_").Replace(doc.PartName)
	return fmt.Sprintf("Process_%s_v%d.xlsx", name, doc.Version)
}

// embedPicture 嵌入图片，读取失败或格式不支持时跳过
func (s *ExportService) embedPicture(ctx context.Context, f *excelize.File, sheet, cell, p string) {
	if p == "" {
		return
	}
	ext := strings.ToLower(path.Ext(p))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif":
	default:
		s.logger.Warn("skip unsupported picture format", zap.String("picture", p))
		return
	}

	rc, err := s.store.Open(ctx, p)
	if err != nil {
		s.logger.Warn("skip unreadable picture", zap.String("picture", p), zap.Error(err))
		return
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxExportPictureBytes))
	if err != nil {
		s.logger.Warn("skip unreadable picture", zap.String("picture", p), zap.Error(err))
		return
	}

	err = f.AddPictureFromBytes(sheet, cell, &excelize.Picture{
		Extension: ext,
		File:      data,
		Format: &excelize.GraphicOptions{
			AutoFit:         true,
			LockAspectRatio: true,
			Positioning:     "oneCell",
		},
	})
	if err != nil {
		s.logger.Warn("embed picture failed", zap.String("picture", p), zap.Error(err))
	}
}
