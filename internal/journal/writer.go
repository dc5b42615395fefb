package journal

import (
	"context"
	"time"

	"cineshorts/internal/lifecycle"
	"cineshorts/internal/repository"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const defaultBuffer = 256

var (
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cineshorts_journal_dropped_total",
		Help: "Transitions dropped because the journal buffer was full",
	})
	writeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cineshorts_journal_write_errors_total",
		Help: "Transitions that failed to persist",
	})
)

// Writer 把迁移记录异步写入仓储，实现 lifecycle.TransitionSink。
// Record 从不阻塞，缓冲区满时丢弃并计数。
type Writer struct {
	repo   repository.TransitionRepository
	queue  chan repository.TransitionRecord
	logger zerolog.Logger

	flushTimeout time.Duration
}

func NewWriter(repo repository.TransitionRepository, buffer int, logger zerolog.Logger) *Writer {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Writer{
		repo:         repo,
		queue:        make(chan repository.TransitionRecord, buffer),
		logger:       logger.With().Str("component", "journal").Logger(),
		flushTimeout: 5 * time.Second,
	}
}

// Record 入队一条迁移。
func (w *Writer) Record(t lifecycle.Transition) {
	rec := repository.TransitionRecord{
		ID:        uuid.NewString(),
		Filename:  t.Filename,
		FromState: string(t.From),
		ToState:   string(t.To),
		Event:     t.Event,
		CreatedAt: t.At,
	}
	if t.Error != "" {
		msg := t.Error
		rec.Error = &msg
	}

	select {
	case w.queue <- rec:
	default:
		droppedTotal.Inc()
		w.logger.Warn().Str("event", t.Event).Str("filename", t.Filename).Msg("journal buffer full, transition dropped")
	}
}

// Run 持续写入直到 ctx 结束，退出前尽量写完已入队的记录。
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return nil
		case rec := <-w.queue:
			w.write(ctx, rec)
		}
	}
}

// RunUntil 立即开始写入，在 done 关闭后写完剩余记录再返回。
// done 通常是编排器的 Done()，这样事件循环发出的最后一批迁移也能落库。
func (w *Writer) RunUntil(done <-chan struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return w.Run(ctx)
}

func (w *Writer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), w.flushTimeout)
	defer cancel()

	for {
		select {
		case rec := <-w.queue:
			w.write(ctx, rec)
		default:
			return
		}
	}
}

func (w *Writer) write(ctx context.Context, rec repository.TransitionRecord) {
	if _, err := w.repo.Create(ctx, &rec); err != nil {
		writeErrorsTotal.Inc()
		w.logger.Error().Err(err).Str("event", rec.Event).Str("filename", rec.Filename).Msg("persist transition failed")
	}
}
