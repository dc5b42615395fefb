package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound 表示对象不存在。
var ErrNotFound = errors.New("storage: object not found")

// Writer 定义对象存储写接口，支持流式写入。
type Writer interface {
	Write(ctx context.Context, key string, r io.Reader, contentType string) (Location, error)
}

// Reader 定义对象存储读接口，支持流式读取。
type Reader interface {
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}

// Storage 组合了读写能力的完整存储接口。上传源视频从这里读取，检测结果导出到这里。
type Storage interface {
	Writer
	Reader
}

// Location 描述已经写入对象的可访问信息。
type Location struct {
	Path string `json:"path"`
	URL  string `json:"url,omitempty"`
}

// ObjectInfo 描述一个已存在的对象。
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}
