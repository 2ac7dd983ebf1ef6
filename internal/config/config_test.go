package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
storage:
  driver: minio
  prefix: process
minio:
  bucket: assets
feishu:
  app_id: cli_x
  app_secret: secret
cache:
  detail_ttl: 1m
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "minio" || cfg.Storage.Prefix != "process" {
		t.Errorf("Unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.MinIO.Bucket != "assets" {
		t.Errorf("Expected bucket assets, got %q", cfg.MinIO.Bucket)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("Expected DB_HOST override, got %q", cfg.Database.Host)
	}
	if cfg.JWT.Secret != "s3cret" {
		t.Errorf("Expected JWT_SECRET override, got %q", cfg.JWT.Secret)
	}
	if cfg.Cache.DetailTTL != time.Minute {
		t.Errorf("Expected detail ttl 1m, got %v", cfg.Cache.DetailTTL)
	}
	// 未配置通知群时不启用飞书通知
	if cfg.Feishu.Enabled() {
		t.Error("Feishu should be disabled without notify_chat_id")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "empty.yaml"))
	if err == nil {
		t.Fatalf("Expected error for missing explicit config file, got cfg %+v", cfg)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "local" || cfg.Storage.Root != "./uploads" {
		t.Errorf("Unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Redis.Enabled() {
		t.Error("Redis should be disabled without host")
	}
	if cfg.Cache.DetailTTL != 5*time.Minute {
		t.Errorf("Expected default detail ttl 5m, got %v", cfg.Cache.DetailTTL)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %q", cfg.Log.Level)
	}
}
