package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound 表示迁移记录不存在。
var ErrNotFound = errors.New("repository: transition not found")

// TransitionRecord 是一次生命周期状态迁移的持久化形式。
type TransitionRecord struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename,omitempty"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Event     string    `json:"event"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListTransitionsParams 用于分页检索迁移记录，Filename 为空时不过滤。
type ListTransitionsParams struct {
	Filename string
	Limit    int
	Offset   int
}

// TransitionRepository 统一迁移日志持久层接口。
type TransitionRepository interface {
	Create(ctx context.Context, record *TransitionRecord) (*TransitionRecord, error)
	GetByID(ctx context.Context, id string) (*TransitionRecord, error)
	List(ctx context.Context, params ListTransitionsParams) ([]TransitionRecord, error)
}
