package domain

import (
	"mime"
	"path/filepath"
	"strings"
)

// 系统 mime 表里常常没有视频扩展名，这里补齐常见格式。
var videoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".ts":   "video/mp2t",
}

// ContentTypeFor 根据文件名推断内容类型，无法识别时返回 application/octet-stream。
func ContentTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := videoExtensions[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// IsVideo 判断内容类型是否属于 video/*。
func IsVideo(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "video/")
}
