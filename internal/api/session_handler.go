package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cineshorts/internal/lifecycle"
	"cineshorts/internal/repository"
	"cineshorts/internal/service"
	"cineshorts/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Session 是处理器依赖的会话能力，由 service.SessionService 实现。
type Session interface {
	Session() service.SessionView
	Scenes(page int) service.SceneView
	Refresh(ctx context.Context) error
	Select(ctx context.Context, filename string) error
	UploadFromStorage(ctx context.Context, key string) (string, error)
	CancelUpload(ctx context.Context) error
	Process(ctx context.Context) error
	Delete(ctx context.Context) error
	SetPage(ctx context.Context, page int) (int, error)
	Export(ctx context.Context, key string) (storage.Location, error)
	History(ctx context.Context, params repository.ListTransitionsParams) ([]repository.TransitionRecord, error)
}

// Subscriber 提供快照推送，用于 /session/events。
type Subscriber interface {
	Subscribe() (<-chan lifecycle.Snapshot, func())
}

// SessionHandler 提供会话控制相关的 HTTP 端点。
type SessionHandler struct {
	session   Session
	events    Subscriber
	logger    zerolog.Logger
	keepAlive time.Duration
}

// NewSessionHandler 创建处理器；events 为 nil 时不注册事件流端点。
func NewSessionHandler(s Session, events Subscriber, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		session:   s,
		events:    events,
		logger:    logger.With().Str("component", "api").Logger(),
		keepAlive: 15 * time.Second,
	}
}

func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Get("/scenes", h.GetScenes)
		r.Post("/refresh", h.Refresh)
		r.Post("/select", h.Select)
		r.Post("/upload", h.StartUpload)
		r.Delete("/upload", h.CancelUpload)
		r.Post("/process", h.Process)
		r.Delete("/asset", h.DeleteAsset)
		r.Put("/page", h.SetPage)
		r.Post("/export", h.Export)
		r.Get("/history", h.History)
		if h.events != nil {
			r.Get("/events", h.Events)
		}
	})
}

// GetSession 返回当前快照与当前页。
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Data: h.session.Session()})
}

// GetScenes 返回指定页的场景，页码越界时被修正。
func (h *SessionHandler) GetScenes(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: h.session.Scenes(page)})
}

// Refresh 重新拉取资源列表，结果异步生效。
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Refresh(r.Context()); err != nil {
		h.writeCommandError(w, "refresh", err)
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{Data: h.session.Session()})
}

type selectRequest struct {
	Filename string `json:"filename"`
}

// Select 切换选中资源。
func (h *SessionHandler) Select(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.session.Select(r.Context(), req.Filename); err != nil {
		h.writeCommandError(w, "select", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: h.session.Session()})
}

type uploadRequest struct {
	Key string `json:"key"`
}

type uploadResponse struct {
	TaskID  string              `json:"task_id"`
	Session service.SessionView `json:"session"`
}

// StartUpload 以存储中的对象为源开始上传。
func (h *SessionHandler) StartUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	taskID, err := h.session.UploadFromStorage(r.Context(), req.Key)
	if err != nil {
		h.writeCommandError(w, "upload", err)
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{Data: uploadResponse{TaskID: taskID, Session: h.session.Session()}})
}

// CancelUpload 取消进行中的上传。
func (h *SessionHandler) CancelUpload(w http.ResponseWriter, r *http.Request) {
	if err := h.session.CancelUpload(r.Context()); err != nil {
		h.writeCommandError(w, "cancel_upload", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: h.session.Session()})
}

// Process 对选中资源发起检测，立即返回。
func (h *SessionHandler) Process(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Process(r.Context()); err != nil {
		h.writeCommandError(w, "process", err)
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{Data: h.session.Session()})
}

// DeleteAsset 删除选中资源。
func (h *SessionHandler) DeleteAsset(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Delete(r.Context()); err != nil {
		h.writeCommandError(w, "delete", err)
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{Data: h.session.Session()})
}

type pageRequest struct {
	Page *int `json:"page"`
}

// SetPage 设置当前页，返回修正后的页及其内容。
func (h *SessionHandler) SetPage(w http.ResponseWriter, r *http.Request) {
	var req pageRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Page == nil {
		writeError(w, http.StatusBadRequest, "page is required")
		return
	}
	page, err := h.session.SetPage(r.Context(), *req.Page)
	if err != nil {
		h.writeCommandError(w, "set_page", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: h.session.Scenes(page)})
}

type exportRequest struct {
	Key string `json:"key"`
}

// Export 把当前检测结果写入存储。
func (h *SessionHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	loc, err := h.session.Export(r.Context(), req.Key)
	if err != nil {
		h.writeCommandError(w, "export", err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Data: loc})
}

// History 返回最近的状态迁移。
func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.session.History(r.Context(), repository.ListTransitionsParams{
		Filename: strings.TrimSpace(r.URL.Query().Get("filename")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.writeCommandError(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: records})
}

// Events 以 Server-Sent Events 推送快照，连接建立时先发送一次当前快照。
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	ch, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	if err := send(h.session.Session()); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-ch:
			if err := send(h.session.Session()); err != nil {
				return
			}
		}
	}
}

// writeCommandError 把业务错误映射为状态码。
func (h *SessionHandler) writeCommandError(w http.ResponseWriter, command string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lifecycle.ErrBusy), errors.Is(err, lifecycle.ErrNotUploading), errors.Is(err, service.ErrNoResult):
		status = http.StatusConflict
	case lifecycle.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrSourceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrJournalDisabled), errors.Is(err, service.ErrStorageDisabled):
		status = http.StatusNotImplemented
	case errors.Is(err, lifecycle.ErrStopped):
		status = http.StatusServiceUnavailable
	}

	if status >= 500 {
		h.logger.Error().Err(err).Str("command", command).Msg("command failed")
	}
	writeError(w, status, err.Error())
}
