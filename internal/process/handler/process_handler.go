package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitfantasy/nimo-mes/internal/process/entity"
	"github.com/bitfantasy/nimo-mes/internal/process/service"
	"github.com/gin-gonic/gin"
)

// 表单字段
const (
	formDocument         = "document"
	formSteps            = "steps"
	formCreateNewVersion = "create_new_version"
	formHeaderFile       = "HeaderFile"
	formStepFilePrefix   = "StepFile_"
)

// ProcessHandler 工艺文件接口
type ProcessHandler struct {
	svc       *service.ProcessService
	export    *service.ExportService
	maxUpload int64
}

// NewProcessHandler 创建工艺文件处理器；maxUpload 为请求体上限（字节），0 表示不限制
func NewProcessHandler(svc *service.ProcessService, export *service.ExportService, maxUpload int64) *ProcessHandler {
	return &ProcessHandler{svc: svc, export: export, maxUpload: maxUpload}
}

// RegisterRoutes 注册路由
func (h *ProcessHandler) RegisterRoutes(rg *gin.RouterGroup) {
	processes := rg.Group("/processes")
	{
		processes.GET("", h.List)
		processes.GET("/history", h.History)
		processes.GET("/:id", h.Get)
		processes.POST("", h.Save)
		processes.DELETE("/:id", h.Delete)
		processes.GET("/:id/export", h.Export)
	}
	rg.GET("/assets/*path", h.Asset)
}

// List GET /processes?keyword=&newest_only=true
func (h *ProcessHandler) List(c *gin.Context) {
	var q service.ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	docs, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": docs, "total": len(docs)})
}

// Get GET /processes/:id
func (h *ProcessHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	doc, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, doc)
}

// History GET /processes/history?part_name=
func (h *ProcessHandler) History(c *gin.Context) {
	docs, err := h.svc.History(c.Request.Context(), c.Query("part_name"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": docs, "total": len(docs)})
}

// Save POST /processes (multipart/form-data)
func (h *ProcessHandler) Save(c *gin.Context) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			BadRequest(c, "上传文件过大")
			return
		}
		BadRequest(c, "表单解析失败: "+err.Error())
		return
	}

	in, closeFiles, err := parseSaveForm(form)
	defer closeFiles()
	if err != nil {
		BadRequest(c, err.Error())
		return
	}

	result, err := h.svc.Save(c.Request.Context(), GetActor(c), in)
	if err != nil {
		ServiceError(c, err)
		return
	}
	if result.Action == entity.SaveActionUpdated {
		Success(c, result)
		return
	}
	Created(c, result)
}

// parseSaveForm 解析保存表单并打开上传文件，调用方负责 closeFiles
func parseSaveForm(form *multipart.Form) (service.SaveInput, func(), error) {
	var (
		in    service.SaveInput
		files []multipart.File
	)
	closeFiles := func() {
		for _, f := range files {
			f.Close()
		}
	}

	if v := formValue(form, formDocument); v != "" {
		if err := json.Unmarshal([]byte(v), &in.Document); err != nil {
			return in, closeFiles, fmt.Errorf("document 格式错误: %v", err)
		}
	}
	if v := formValue(form, formSteps); v != "" {
		if err := json.Unmarshal([]byte(v), &in.Steps); err != nil {
			return in, closeFiles, fmt.Errorf("steps 格式错误: %v", err)
		}
	}
	if v := formValue(form, formCreateNewVersion); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return in, closeFiles, fmt.Errorf("create_new_version 格式错误: %v", err)
		}
		in.CreateNewVersion = b
	}

	open := func(fh *multipart.FileHeader) (*service.Upload, error) {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("读取上传文件失败: %v", err)
		}
		files = append(files, f)
		return &service.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Reader:      f,
		}, nil
	}

	if fhs := form.File[formHeaderFile]; len(fhs) > 0 {
		up, err := open(fhs[0])
		if err != nil {
			return in, closeFiles, err
		}
		in.HeaderFile = up
	}
	for field, fhs := range form.File {
		if !strings.HasPrefix(field, formStepFilePrefix) || len(fhs) == 0 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(field, formStepFilePrefix))
		if err != nil || idx < 0 || idx >= len(in.Steps) {
			return in, closeFiles, fmt.Errorf("%s 没有对应的工序", field)
		}
		up, err := open(fhs[0])
		if err != nil {
			return in, closeFiles, err
		}
		if in.StepFiles == nil {
			in.StepFiles = make(map[int]*service.Upload)
		}
		in.StepFiles[idx] = up
	}
	return in, closeFiles, nil
}

func formValue(form *multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Delete DELETE /processes/:id
func (h *ProcessHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), GetActor(c), id); err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"message": "删除成功"})
}

// Export GET /processes/:id/export
func (h *ProcessHandler) Export(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	f, filename, err := h.export.Export(c.Request.Context(), id)
	if err != nil {
		ServiceError(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, url.PathEscape(filename)))
	c.Header("Content-Transfer-Encoding", "binary")

	if err := f.Write(c.Writer); err != nil {
		InternalError(c, "导出失败: "+err.Error())
		return
	}
}

// Asset GET /assets/*path
func (h *ProcessHandler) Asset(c *gin.Context) {
	rc, contentType, err := h.svc.OpenAsset(c.Request.Context(), c.Param("path"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Cache-Control", "private, max-age=86400")
	c.DataFromReader(http.StatusOK, -1, contentType, rc, nil)
}
