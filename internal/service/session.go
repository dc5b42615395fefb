package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cineshorts/internal/domain"
	"cineshorts/internal/lifecycle"
	"cineshorts/internal/repository"
	"cineshorts/internal/scenes"
	"cineshorts/internal/storage"

	"github.com/rs/zerolog"
)

var (
	// ErrNoResult 表示当前没有可导出的检测结果。
	ErrNoResult = errors.New("no detection result to export")
	// ErrSourceNotFound 表示存储中找不到待上传的对象。
	ErrSourceNotFound = errors.New("upload source not found")
	// ErrJournalDisabled 表示未启用迁移日志。
	ErrJournalDisabled = errors.New("transition journal disabled")
	// ErrStorageDisabled 表示未配置对象存储。
	ErrStorageDisabled = errors.New("storage not configured")
)

// Orchestrator 是会话服务驱动的生命周期命令集合，由 lifecycle.Orchestrator 实现。
type Orchestrator interface {
	Snapshot() lifecycle.Snapshot
	Refresh(ctx context.Context) error
	Select(ctx context.Context, filename string) error
	StartUpload(ctx context.Context, file domain.UploadFile) (string, error)
	CancelUpload(ctx context.Context) error
	Process(ctx context.Context) error
	Delete(ctx context.Context) error
	SetPage(ctx context.Context, page int) (int, error)
}

// SessionService 把外部请求翻译为生命周期命令，并负责上传源读取、结果导出与历史查询。
type SessionService struct {
	orch    Orchestrator
	store   storage.Storage
	history repository.TransitionRepository
	logger  zerolog.Logger
	now     func() time.Time
}

// NewSessionService 创建服务；store 与 history 可以为 nil，对应功能返回明确错误。
func NewSessionService(orch Orchestrator, store storage.Storage, history repository.TransitionRepository, logger zerolog.Logger) *SessionService {
	return &SessionService{
		orch:    orch,
		store:   store,
		history: history,
		logger:  logger.With().Str("component", "session").Logger(),
		now:     time.Now,
	}
}

// SceneView 是当前页的场景视图。
type SceneView struct {
	Filename   string         `json:"filename,omitempty"`
	Items      []domain.Scene `json:"items"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
	TotalPages int            `json:"total_pages"`
	SceneCount int            `json:"scene_count"`
	FromCache  bool           `json:"from_cache"`
}

// SessionView 是快照加上当前页。
type SessionView struct {
	lifecycle.Snapshot
	View SceneView `json:"view"`
}

func (s *SessionService) Session() SessionView {
	snap := s.orch.Snapshot()
	return SessionView{Snapshot: snap, View: sceneView(snap, snap.PageNumber)}
}

// Scenes 返回指定页；page <= 0 时使用快照中的当前页。只读，不改变会话页码。
func (s *SessionService) Scenes(page int) SceneView {
	snap := s.orch.Snapshot()
	if page <= 0 {
		page = snap.PageNumber
	}
	return sceneView(snap, page)
}

func sceneView(snap lifecycle.Snapshot, page int) SceneView {
	page = scenes.ClampPage(page, snap.TotalPages)
	pr := scenes.Page(snap.Scenes(), snap.PageSize, page)
	view := SceneView{
		Items:      pr.Items,
		Page:       page,
		PageSize:   snap.PageSize,
		TotalPages: pr.TotalPages,
		SceneCount: snap.SceneCount(),
	}
	if snap.Result != nil {
		view.Filename = snap.Result.Filename
		view.FromCache = snap.Result.FromCache
	}
	return view
}

func (s *SessionService) Refresh(ctx context.Context) error {
	return s.orch.Refresh(ctx)
}

func (s *SessionService) Select(ctx context.Context, filename string) error {
	return s.orch.Select(ctx, strings.TrimSpace(filename))
}

func (s *SessionService) Process(ctx context.Context) error {
	return s.orch.Process(ctx)
}

func (s *SessionService) Delete(ctx context.Context) error {
	return s.orch.Delete(ctx)
}

func (s *SessionService) CancelUpload(ctx context.Context) error {
	return s.orch.CancelUpload(ctx)
}

func (s *SessionService) SetPage(ctx context.Context, page int) (int, error) {
	return s.orch.SetPage(ctx, page)
}

// UploadFromStorage 以存储中的对象为源开始上传，返回任务 ID。
// 对象内容在上传协程中才被打开。
func (s *SessionService) UploadFromStorage(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", &lifecycle.ValidationError{Field: "key", Message: "must not be empty"}
	}
	if s.store == nil {
		return "", ErrStorageDisabled
	}

	info, err := s.store.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSourceNotFound, key)
		}
		return "", fmt.Errorf("stat upload source: %w", err)
	}

	store := s.store
	file := domain.UploadFile{
		Name:        path.Base(strings.ReplaceAll(key, "\\", "/")),
		SizeBytes:   info.Size,
		ContentType: videoTypeOrEmpty(info.ContentType),
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return store.Read(ctx, key)
		},
	}

	taskID, err := s.orch.StartUpload(ctx, file)
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("key", key).Str("task_id", taskID).Int64("size_bytes", info.Size).Msg("upload started from storage")
	return taskID, nil
}

// videoTypeOrEmpty 丢弃对象存储的通用类型，交给文件名推断。
func videoTypeOrEmpty(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "", "application/octet-stream", "binary/octet-stream":
		return ""
	default:
		return contentType
	}
}

// ExportDocument 是导出到存储的检测结果。
type ExportDocument struct {
	Filename          string         `json:"filename"`
	SceneCount        int            `json:"scene_count"`
	FromCache         bool           `json:"from_cache"`
	ProcessingTimeSec *float64       `json:"processing_time_sec,omitempty"`
	Scenes            []domain.Scene `json:"scenes"`
	ExportedAt        time.Time      `json:"exported_at"`
}

// Export 把当前检测结果写入存储；key 为空时使用 exports/<filename>.scenes.json。
func (s *SessionService) Export(ctx context.Context, key string) (storage.Location, error) {
	if s.store == nil {
		return storage.Location{}, ErrStorageDisabled
	}
	snap := s.orch.Snapshot()
	if snap.Result == nil {
		return storage.Location{}, ErrNoResult
	}
	return WriteExport(ctx, s.store, key, *snap.Result, s.now())
}

// WriteExport 序列化 res 并写入 w。
func WriteExport(ctx context.Context, w storage.Writer, key string, res domain.DetectionResult, at time.Time) (storage.Location, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultExportKey(res.Filename)
	}

	doc := ExportDocument{
		Filename:          res.Filename,
		SceneCount:        res.SceneCount,
		FromCache:         res.FromCache,
		ProcessingTimeSec: res.ProcessingTimeSec,
		Scenes:            res.Scenes,
		ExportedAt:        at.UTC(),
	}
	if doc.Scenes == nil {
		doc.Scenes = []domain.Scene{}
	}

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return storage.Location{}, fmt.Errorf("encode export: %w", err)
	}
	loc, err := w.Write(ctx, key, bytes.NewReader(body), "application/json")
	if err != nil {
		return storage.Location{}, fmt.Errorf("write export: %w", err)
	}
	return loc, nil
}

// DefaultExportKey 返回某个资源的默认导出位置。
func DefaultExportKey(filename string) string {
	return path.Join("exports", path.Base(filename)+".scenes.json")
}

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// History 列出最近的状态迁移。
func (s *SessionService) History(ctx context.Context, params repository.ListTransitionsParams) ([]repository.TransitionRecord, error) {
	if s.history == nil {
		return nil, ErrJournalDisabled
	}
	switch {
	case params.Limit <= 0:
		params.Limit = defaultHistoryLimit
	case params.Limit > maxHistoryLimit:
		params.Limit = maxHistoryLimit
	}
	return s.history.List(ctx, params)
}
