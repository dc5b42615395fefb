package lifecycle

import (
	"errors"
	"fmt"

	"cineshorts/internal/transport"
)

var (
	// ErrBusy 表示当前状态下不接受该命令（上传、检测或删除尚未结束）。
	ErrBusy = errors.New("lifecycle: busy")
	// ErrNotUploading 表示没有可取消的上传。
	ErrNotUploading = errors.New("lifecycle: no upload in progress")
	// ErrStopped 表示事件循环未运行或已退出。
	ErrStopped = errors.New("lifecycle: orchestrator stopped")
)

// ValidationError 在任何 I/O 之前拒绝非法输入。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidation 判断错误是否为输入校验失败。
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrorKind 区分面向用户展示的错误来源。
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindInternal  ErrorKind = "internal"
)

// ErrorInfo 是最近一次失败的可展示信息，直到被新的操作结果取代。
type ErrorInfo struct {
	Kind      ErrorKind `json:"kind"`
	Operation string    `json:"operation,omitempty"`
	Code      string    `json:"code,omitempty"`
	Status    int       `json:"status,omitempty"`
	Message   string    `json:"message"`
	Filename  string    `json:"filename,omitempty"`
}

func newErrorInfo(err error, filename string) *ErrorInfo {
	if te, ok := transport.AsError(err); ok {
		return &ErrorInfo{
			Kind:      KindTransport,
			Operation: te.Op,
			Code:      string(te.Code),
			Status:    te.Status,
			Message:   te.Message,
			Filename:  filename,
		}
	}
	return &ErrorInfo{Kind: KindInternal, Message: err.Error(), Filename: filename}
}
