package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Root = filepath.Join(t.TempDir(), "uploads")

	s, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, ok := s.(*LocalStore)
	assert.True(t, ok)

	cfg.Storage.Driver = "ftp"
	_, err = New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "step/a.png", objectKey("", "step/a.png"))
	assert.Equal(t, "mes/step/a.png", objectKey("mes/", "step/a.png"))
}
