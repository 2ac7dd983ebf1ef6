package handler

import (
	"errors"
	"strconv"

	"github.com/bitfantasy/nimo-mes/internal/config"
	"github.com/bitfantasy/nimo-mes/internal/middleware"
	"github.com/bitfantasy/nimo-mes/internal/process/service"
	"github.com/bitfantasy/nimo-mes/internal/process/sse"
	"github.com/gin-gonic/gin"
)

// Handlers 处理器集合
type Handlers struct {
	Process *ProcessHandler
	SSE     *SSEHandler
}

// NewHandlers 创建处理器集合
func NewHandlers(svc *service.Services, hub *sse.Hub, cfg *config.Config) *Handlers {
	return &Handlers{
		Process: NewProcessHandler(svc.Process, svc.Export, cfg.Server.MaxUploadMB<<20),
		SSE:     NewSSEHandler(hub),
	}
}

// RegisterRoutes 注册全部业务路由
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/processes/events", h.SSE.Stream)
	h.Process.RegisterRoutes(rg)
}

// Response 通用响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Created 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(201, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

// BadRequest 参数错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

// Unauthorized 未授权响应
func Unauthorized(c *gin.Context, message string) {
	Error(c, 40100, message)
}

// NotFound 资源不存在响应
func NotFound(c *gin.Context, message string) {
	Error(c, 40400, message)
}

// Conflict 并发冲突响应
func Conflict(c *gin.Context, message string) {
	Error(c, 40900, message)
}

// InternalError 服务器错误响应
func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

// ServiceError 按错误类型输出响应
func ServiceError(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case service.IsValidation(err):
		BadRequest(c, err.Error())
	case errors.Is(err, service.ErrNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, service.ErrConcurrency):
		Conflict(c, err.Error())
	default:
		InternalError(c, err.Error())
	}
}

// GetUserID 从上下文获取用户ID
func GetUserID(c *gin.Context) string {
	return c.GetString(middleware.ContextUserID)
}

// GetActor 从上下文获取当前操作人
func GetActor(c *gin.Context) service.Actor {
	return service.Actor{
		Code: GetUserID(c),
		Name: c.GetString(middleware.ContextUserName),
	}
}

// parseID 解析路径中的 :id
func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		BadRequest(c, "无效的工艺文件ID")
		return 0, false
	}
	return id, true
}
