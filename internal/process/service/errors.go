package service

import (
	"errors"
)

// 错误定义
var (
	// ErrNotFound 操作目标不存在
	ErrNotFound = errors.New("工艺文件不存在")
	// ErrConcurrency 记录已被他人修改，调用方应重新加载后重试
	ErrConcurrency = errors.New("工艺文件已被其他用户修改，请刷新后重试")
)

// ValidationError 输入校验失败，不会产生任何写入
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}

// IsValidation 判断是否为校验错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
