package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/middleware"
	"github.com/bitfantasy/nimo-mes/internal/process/entity"
	"github.com/bitfantasy/nimo-mes/internal/process/repository"
	"github.com/bitfantasy/nimo-mes/internal/shared/storage"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TestSchema = "test_mes"
	JWTSecret  = "nimo-mes-jwt-secret-key-test"
)

var dbSeq int64

// TestEnv holds test environment resources
type TestEnv struct {
	DB     *gorm.DB
	Router *gin.Engine
	T      *testing.T
}

// projectRoot returns the project root directory by looking for go.mod
func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// loadEnv loads .env from the project root
func loadEnv() {
	root := projectRoot()
	if root != "" {
		godotenv.Load(filepath.Join(root, ".env"))
	}
}

// SetupTestDB 创建测试数据库。
// 设置 TEST_DB_DSN 时使用 postgres 独立 schema，否则使用内存 sqlite
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	loadEnv()

	if dsn := os.Getenv("TEST_DB_DSN"); dsn != "" {
		return setupPostgres(t, dsn)
	}

	name := fmt.Sprintf("file:mes_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), atomic.AddInt64(&dbSeq, 1))
	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	// 内存库在所有连接关闭后即销毁，且 sqlite 并发写会锁库
	sqlDB.SetMaxOpenConns(1)

	migrate(t, db)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func setupPostgres(t *testing.T, baseDSN string) *gorm.DB {
	t.Helper()
	schemaName := fmt.Sprintf("%s_%d", TestSchema, time.Now().UnixNano()%1000000)

	setupDB, err := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to database for schema setup: %v", err)
	}
	setupDB.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schemaName))
	sqlSetup, _ := setupDB.DB()
	sqlSetup.Close()

	db, err := gorm.Open(postgres.Open(fmt.Sprintf("%s search_path=%s", baseDSN, schemaName)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	migrate(t, db)

	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		cleanDB, cleanErr := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if cleanErr == nil {
			cleanDB.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
			sqlClean, _ := cleanDB.DB()
			if sqlClean != nil {
				sqlClean.Close()
			}
		}
	})
	return db
}

func migrate(t *testing.T, db *gorm.DB) {
	t.Helper()
	if err := repository.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to migrate test tables: %v", err)
	}
}

// SetupStore 在临时目录创建本地资源存储
func SetupStore(t *testing.T) *storage.LocalStore {
	t.Helper()
	s, err := storage.NewLocalStore(filepath.Join(t.TempDir(), "content"))
	if err != nil {
		t.Fatalf("Failed to create asset store: %v", err)
	}
	return s
}

// RecordingStore 记录删除调用的资源存储
type RecordingStore struct {
	storage.Store

	mu      sync.Mutex
	deletes []string
}

// NewRecordingStore 包装资源存储
func NewRecordingStore(inner storage.Store) *RecordingStore {
	return &RecordingStore{Store: inner}
}

func (s *RecordingStore) Delete(ctx context.Context, p string) error {
	s.mu.Lock()
	s.deletes = append(s.deletes, p)
	s.mu.Unlock()
	return s.Store.Delete(ctx, p)
}

// Deletes 已发生的删除调用
func (s *RecordingStore) Deletes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

// Reset 清空记录
func (s *RecordingStore) Reset() {
	s.mu.Lock()
	s.deletes = nil
	s.mu.Unlock()
}

// SetupRouter creates a gin test router
func SetupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// AuthGroup creates an API group with JWT auth middleware for testing
func AuthGroup(r *gin.Engine, path string) *gin.RouterGroup {
	return r.Group(path, middleware.JWTAuth(JWTSecret))
}

// GenerateTestToken creates a valid JWT token for testing
func GenerateTestToken(userID, name string) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"uid":  userID,
		"name": name,
		"iss":  "nimo-mes",
		"iat":  now.Unix(),
		"exp":  now.Add(24 * time.Hour).Unix(),
		"jti":  fmt.Sprintf("test-jti-%d", now.UnixNano()),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(JWTSecret))
	return tokenString
}

// DefaultTestToken returns a token for a default test user
func DefaultTestToken() string {
	return GenerateTestToken("E001", "Test Operator")
}

// DoRequest executes an HTTP request against the test router
func DoRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// FilePart multipart 文件
type FilePart struct {
	Filename string
	Content  []byte
}

// DoMultipart 以 multipart/form-data 提交表单
func DoMultipart(r *gin.Engine, method, path string, fields map[string]string, files map[string]FilePart, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	for field, fp := range files {
		fw, _ := mw.CreateFormFile(field, fp.Filename)
		io.Copy(fw, bytes.NewReader(fp.Content))
	}
	mw.Close()

	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ParseResponse parses the JSON response body into a handler.Response-like map
func ParseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

// SeedProcess 直接写入一条工艺文件及其工序
func SeedProcess(t *testing.T, db *gorm.DB, partName string, version int, steps ...entity.ProcessStep) *entity.ProcessDocument {
	t.Helper()
	doc := &entity.ProcessDocument{
		PartName:      partName,
		Version:       version,
		RowVersion:    1,
		CreatedBy:     "E001",
		CreatedByName: "Test Operator",
		CreatedAt:     time.Now(),
	}
	if err := db.Omit("Steps").Create(doc).Error; err != nil {
		t.Fatalf("Failed to seed process: %v", err)
	}
	for i := range steps {
		steps[i].ProcessID = doc.ID
		if steps[i].Position == 0 {
			steps[i].Position = i + 1
		}
		if steps[i].QuantityPerSetup == "" {
			steps[i].QuantityPerSetup = entity.DefaultQuantityPerSetup
		}
	}
	if len(steps) > 0 {
		if err := db.Create(&steps).Error; err != nil {
			t.Fatalf("Failed to seed steps: %v", err)
		}
	}
	doc.Steps = steps
	return doc
}
