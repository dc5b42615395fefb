package domain

import (
	"context"
	"io"
)

// State 描述编排器当前所处的生命周期阶段。
type State string

const (
	StateIdle       State = "idle"
	StateUploading  State = "uploading"
	StateUploaded   State = "uploaded"
	StateProcessing State = "processing"
	StateProcessed  State = "processed"
	StateDeleting   State = "deleting"
	StateError      State = "error"
)

// Busy 表示该状态下存在尚未完成的远程调用。
func (s State) Busy() bool {
	switch s {
	case StateUploading, StateProcessing, StateDeleting:
		return true
	default:
		return false
	}
}

// UploadFile 是待上传的二进制内容，Open 每次调用都返回新的读取流。
type UploadFile struct {
	Name        string
	SizeBytes   int64
	ContentType string
	Open        func(ctx context.Context) (io.ReadCloser, error)
}

// UploadReceipt 是上传成功后服务端返回的结果。
type UploadReceipt struct {
	Filename string  `json:"filename"`
	SizeMB   float64 `json:"size_mb"`
}

// UploadTask 只在上传进行中存在。
type UploadTask struct {
	ID              string `json:"id"`
	Filename        string `json:"filename"`
	SizeBytes       int64  `json:"size_bytes"`
	ContentType     string `json:"content_type"`
	ProgressPercent int    `json:"progress_percent"`
}

// DetectionResult 是某个资源的场景检测结果，可能来自缓存也可能是新计算的。
type DetectionResult struct {
	Filename          string   `json:"filename"`
	SceneCount        int      `json:"scene_count"`
	Scenes            []Scene  `json:"scenes"`
	FromCache         bool     `json:"from_cache"`
	ProcessingTimeSec *float64 `json:"processing_time_sec,omitempty"`
}

// Clone 返回不共享底层切片的副本。
func (r *DetectionResult) Clone() *DetectionResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Scenes = append([]Scene(nil), r.Scenes...)
	if r.ProcessingTimeSec != nil {
		v := *r.ProcessingTimeSec
		out.ProcessingTimeSec = &v
	}
	return &out
}
