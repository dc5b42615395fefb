package lifecycle

import (
	"time"

	"cineshorts/internal/domain"
	"cineshorts/internal/scenes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cineshorts_lifecycle_transitions_total",
			Help: "Applied lifecycle state transitions",
		},
		[]string{"from", "to"},
	)

	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cineshorts_lifecycle_rejected_commands_total",
			Help: "Commands rejected by lifecycle guards",
		},
		[]string{"command", "reason"},
	)

	discardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cineshorts_lifecycle_discarded_results_total",
			Help: "Asynchronous results dropped because the selection moved on",
		},
		[]string{"operation"},
	)
)

// Transition 记录一次已生效的状态迁移。
type Transition struct {
	Filename string
	From     domain.State
	To       domain.State
	Event    string
	Error    string
	At       time.Time
}

// TransitionSink 接收迁移记录，实现方不得阻塞调用方。
type TransitionSink interface {
	Record(t Transition)
}

// Snapshot 是编排器状态的只读副本，渲染层只读取它而不保存平行状态。
type Snapshot struct {
	Version    uint64                  `json:"version"`
	State      domain.State            `json:"state"`
	Assets     []string                `json:"assets"`
	Selected   string                  `json:"selected,omitempty"`
	Upload     *domain.UploadTask      `json:"upload,omitempty"`
	Result     *domain.DetectionResult `json:"result,omitempty"`
	PageNumber int                     `json:"page"`
	PageSize   int                     `json:"page_size"`
	TotalPages int                     `json:"total_pages"`
	LastError  *ErrorInfo              `json:"last_error,omitempty"`
	InFlight   int                     `json:"in_flight"`
}

// Scenes 返回当前结果中的场景，没有结果时为空。
func (s Snapshot) Scenes() []domain.Scene {
	if s.Result == nil {
		return nil
	}
	return s.Result.Scenes
}

// CurrentPage 按快照中的页码切出当前页。
func (s Snapshot) CurrentPage() scenes.PageResult {
	return scenes.Page(s.Scenes(), s.PageSize, s.PageNumber)
}

// SceneCount 返回结果中的场景数。
func (s Snapshot) SceneCount() int {
	if s.Result == nil {
		return 0
	}
	return s.Result.SceneCount
}

// Settled 表示没有进行中的远程调用。
func (s Snapshot) Settled() bool {
	return s.InFlight == 0 && !s.State.Busy()
}

// validTransitions 列出状态机允许的边，相同状态之间的迁移视为无操作。
var validTransitions = map[domain.State][]domain.State{
	domain.StateIdle:       {domain.StateUploading, domain.StateProcessing, domain.StateProcessed, domain.StateDeleting, domain.StateError},
	domain.StateUploading:  {domain.StateUploaded, domain.StateIdle, domain.StateError},
	domain.StateUploaded:   {domain.StateUploading, domain.StateProcessing, domain.StateProcessed, domain.StateDeleting, domain.StateIdle, domain.StateError},
	domain.StateProcessing: {domain.StateProcessed, domain.StateError, domain.StateIdle},
	domain.StateProcessed:  {domain.StateUploading, domain.StateProcessing, domain.StateDeleting, domain.StateIdle, domain.StateError},
	domain.StateDeleting:   {domain.StateIdle, domain.StateUploaded, domain.StateProcessed},
	domain.StateError:      {domain.StateIdle, domain.StateProcessed},
}

func isValidTransition(from, to domain.State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
