package lifecycle

import (
	"path/filepath"
	"strings"

	"cineshorts/internal/domain"

	"github.com/google/uuid"
)

// validateUpload 补全内容类型并拒绝非视频文件。
func validateUpload(file *domain.UploadFile) error {
	file.Name = strings.TrimSpace(filepath.Base(file.Name))
	if file.Name == "" || file.Name == "." || file.Name == string(filepath.Separator) {
		return &ValidationError{Field: "file", Message: "file name is required"}
	}
	if file.Open == nil {
		return &ValidationError{Field: "file", Message: "file has no content"}
	}
	if file.SizeBytes < 0 {
		return &ValidationError{Field: "file", Message: "size must not be negative"}
	}
	if file.ContentType == "" {
		file.ContentType = domain.ContentTypeFor(file.Name)
	}
	if !domain.IsVideo(file.ContentType) {
		return &ValidationError{Field: "file", Message: "only video files can be uploaded, got " + file.ContentType}
	}
	return nil
}

func newTaskID() string {
	return uuid.NewString()
}
