// Package transporttest 提供一个内存版的处理服务，供跨包测试使用。
package transporttest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Scene 是服务端返回的场景格式。
type Scene struct {
	SceneID  int     `json:"scene_id"`
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	Duration float64 `json:"duration"`
}

// Service 模拟处理服务：上传、列表、缓存读取、检测与删除。
type Service struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	cache    map[string][]Scene
	detected map[string]int // 文件名 -> 检测时生成的场景数
	failNext map[string]int // 路由 -> 下一次返回的状态码
}

// NewService 启动服务，调用方负责 Close。
func NewService() *Service {
	s := &Service{
		files:    map[string][]byte{},
		cache:    map[string][]Scene{},
		detected: map[string]int{},
		failNext: map[string]int{},
	}

	r := chi.NewRouter()
	r.Get("/uploads/list", s.list)
	r.Post("/upload/", s.upload)
	r.Get("/scenes/{filename}", s.scenes)
	r.Post("/process", s.process)
	r.Delete("/delete/{filename}", s.delete)
	s.Server = httptest.NewServer(r)
	return s
}

// AddFile 直接放入一个已上传的文件。
func (s *Service) AddFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = data
}

// SetCached 为文件预置缓存结果。
func (s *Service) SetCached(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[name] = makeScenes(n)
}

// SetDetected 设置检测某个文件时生成的场景数。
func (s *Service) SetDetected(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detected[name] = n
}

// FailNext 让指定路由（如 "process"）的下一次调用返回 status。
func (s *Service) FailNext(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[route] = status
}

// Files 返回当前文件名。
func (s *Service) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Content 返回已上传文件的内容。
func (s *Service) Content(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[name]
}

func makeScenes(n int) []Scene {
	out := make([]Scene, n)
	for i := range out {
		start := float64(i) * 2.5
		out[i] = Scene{SceneID: i + 1, StartSec: start, EndSec: start + 2.5, Duration: 2.5}
	}
	return out
}

func (s *Service) takeFailure(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.failNext[route]
	delete(s.failNext, route)
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) list(w http.ResponseWriter, r *http.Request) {
	if status := s.takeFailure("list"); status != 0 {
		writeJSON(w, status, map[string]string{"detail": "list unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, s.Files())
}

func (s *Service) upload(w http.ResponseWriter, r *http.Request) {
	if status := s.takeFailure("upload"); status != 0 {
		writeJSON(w, status, map[string]string{"detail": "upload rejected"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	s.AddFile(header.Filename, data)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "uploaded",
		"filename": header.Filename,
		"size_mb":  float64(len(data)) / (1024 * 1024),
	})
}

func (s *Service) scenes(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	s.mu.Lock()
	cached, ok := s.cache[name]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"filename": name, "scene_count": 0, "scenes": []Scene{}, "from_cache": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filename": name, "scene_count": len(cached), "scenes": cached, "from_cache": true})
}

func (s *Service) process(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	if status := s.takeFailure("process"); status != 0 {
		writeJSON(w, status, map[string]string{"detail": "detection failed"})
		return
	}

	s.mu.Lock()
	_, exists := s.files[name]
	n, ok := s.detected[name]
	if !ok {
		n = 3
	}
	var found []Scene
	if exists {
		found = makeScenes(n)
		s.cache[name] = found
	}
	s.mu.Unlock()

	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": fmt.Sprintf("%s not found", name)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"filename":            name,
		"scene_count":         len(found),
		"scenes":              found,
		"from_cache":          false,
		"processing_time_sec": 0.42,
	})
}

func (s *Service) delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if status := s.takeFailure("delete"); status != 0 {
		writeJSON(w, status, map[string]string{"detail": "delete failed"})
		return
	}

	s.mu.Lock()
	_, ok := s.files[name]
	delete(s.files, name)
	delete(s.cache, name)
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "file not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}
