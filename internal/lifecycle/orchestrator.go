package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"cineshorts/internal/domain"
	"cineshorts/internal/registry"
	"cineshorts/internal/scenes"
	"cineshorts/internal/transport"

	"github.com/rs/zerolog"
)

// Transport 是编排器依赖的远程调用集合，由 transport.Client 实现。
type Transport interface {
	Upload(ctx context.Context, file domain.UploadFile, onProgress transport.ProgressFunc) (domain.UploadReceipt, error)
	ListAssets(ctx context.Context) ([]string, error)
	FetchCachedScenes(ctx context.Context, filename string) (domain.DetectionResult, error)
	DetectScenes(ctx context.Context, filename string) (domain.DetectionResult, error)
	DeleteAsset(ctx context.Context, filename string) error
}

// Options 配置 Orchestrator。
type Options struct {
	PageSize int
	Logger   zerolog.Logger
	Sink     TransitionSink
}

// event 是事件循环处理的最小单元；reply 非空时在状态发布之后回传结果。
type event struct {
	apply func() error
	reply chan error
}

type uploadTask struct {
	task   domain.UploadTask
	cancel context.CancelFunc
}

// Orchestrator 驱动 上传 -> 检测 -> 浏览 -> 删除 的生命周期。
//
// 所有状态只在 Run 所在的协程内修改：命令和异步调用的完成通知都以事件形式
// 排队，逐个执行完毕后再处理下一个。读取方通过 Snapshot 或 Subscribe 获取副本。
type Orchestrator struct {
	transport Transport
	registry  *registry.Registry
	resolver  *scenes.Resolver
	pageSize  int
	logger    zerolog.Logger
	sink      TransitionSink

	events   chan event
	stopping chan struct{}
	done     chan struct{}
	running  atomic.Bool
	wg       sync.WaitGroup

	snap   atomic.Pointer[Snapshot]
	subsMu sync.Mutex
	subs   map[int]chan Snapshot
	nextID int

	// 以下字段只由事件循环访问
	runCtx       context.Context
	state        domain.State
	beforeDelete domain.State
	upload       *uploadTask
	result       *domain.DetectionResult
	page         int
	lastErr      *ErrorInfo
	resolveEpoch uint64
	inFlight     int
	version      uint64
}

// New 创建处于 Idle 状态的编排器，需要调用 Run 才会处理命令。
func New(t Transport, opts Options) *Orchestrator {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = scenes.DefaultPageSize
	}
	logger := opts.Logger.With().Str("component", "lifecycle").Logger()

	o := &Orchestrator{
		transport: t,
		registry:  registry.New(),
		resolver:  scenes.NewResolver(t, logger),
		pageSize:  pageSize,
		logger:    logger,
		sink:      opts.Sink,
		events:    make(chan event, 64),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
		subs:      make(map[int]chan Snapshot),
		runCtx:    context.Background(),
		state:     domain.StateIdle,
		page:      1,
	}
	o.publish()
	return o
}

// Run 处理事件直到 ctx 结束；退出前取消所有进行中的调用并等待其返回。
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("lifecycle: already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.runCtx = runCtx
	defer func() {
		cancel()
		close(o.stopping)
		o.wg.Wait()
		close(o.done)
	}()

	o.logger.Debug().Msg("event loop started")
	for {
		select {
		case <-ctx.Done():
			o.logger.Debug().Msg("event loop stopping")
			return nil
		case ev := <-o.events:
			err := ev.apply()
			o.publish()
			if ev.reply != nil {
				ev.reply <- err
			}
		}
	}
}

// Done 在事件循环完全退出后关闭。
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Snapshot 返回最近一次发布的状态副本。
func (o *Orchestrator) Snapshot() Snapshot {
	return *o.snap.Load()
}

// Subscribe 返回一个只保留最新快照的通道，以及取消订阅的函数。
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	o.subsMu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	o.subsMu.Unlock()

	return ch, func() {
		o.subsMu.Lock()
		delete(o.subs, id)
		o.subsMu.Unlock()
	}
}

// Await 阻塞直到快照满足 pred，或 ctx 结束。
func (o *Orchestrator) Await(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	ch, unsubscribe := o.Subscribe()
	defer unsubscribe()

	if s := o.Snapshot(); pred(s) {
		return s, nil
	}
	for {
		select {
		case <-ctx.Done():
			return o.Snapshot(), ctx.Err()
		case <-o.done:
			s := o.Snapshot()
			if pred(s) {
				return s, nil
			}
			return s, ErrStopped
		case s := <-ch:
			if pred(s) {
				return s, nil
			}
		}
	}
}

// Refresh 重新拉取远端资源列表。
func (o *Orchestrator) Refresh(ctx context.Context) error {
	return o.command(ctx, "refresh", func() error {
		if o.state == domain.StateUploading || o.state == domain.StateDeleting {
			return ErrBusy
		}
		o.clearError("refresh")

		o.spawn(func(ctx context.Context) func() {
			names, err := o.transport.ListAssets(ctx)
			return func() { o.onListed(names, err) }
		})
		return nil
	})
}

// Select 切换当前资源并尝试读取其缓存结果。
func (o *Orchestrator) Select(ctx context.Context, filename string) error {
	return o.command(ctx, "select", func() error {
		if filename == "" {
			return &ValidationError{Field: "filename", Message: "must not be empty"}
		}
		if !o.registry.Contains(filename) {
			return &ValidationError{Field: "filename", Message: "unknown asset " + filename}
		}
		if o.state == domain.StateUploading || o.state == domain.StateDeleting {
			return ErrBusy
		}
		if filename == o.registry.Selected() {
			return nil
		}

		o.clearError("select")
		o.registry.Select(filename)
		o.selectionChanged("asset_selected")
		return nil
	})
}

// StartUpload 开始上传视频文件；仅接受 video/* 类型。
func (o *Orchestrator) StartUpload(ctx context.Context, file domain.UploadFile) (string, error) {
	var taskID string
	err := o.command(ctx, "upload", func() error {
		if err := validateUpload(&file); err != nil {
			return err
		}
		if o.state.Busy() {
			return ErrBusy
		}

		o.clearError("upload")
		o.registry.ClearSelection()
		o.result = nil
		o.page = 1
		o.resolveEpoch++

		uploadCtx, cancel := context.WithCancel(o.runCtx)
		task := domain.UploadTask{
			ID:          newTaskID(),
			Filename:    file.Name,
			SizeBytes:   file.SizeBytes,
			ContentType: file.ContentType,
		}
		o.upload = &uploadTask{task: task, cancel: cancel}
		taskID = task.ID
		o.transition(domain.StateUploading, "upload_started", file.Name, nil)

		o.inFlight++
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer cancel()

			receipt, err := o.transport.Upload(uploadCtx, file, func(percent int) {
				o.post(func() { o.onProgress(task.ID, percent) })
			})
			o.post(func() { o.onUploadDone(task.ID, file.Name, receipt, err) })
		}()
		return nil
	})
	return taskID, err
}

// CancelUpload 中止进行中的上传并立即回到 Idle，不产生错误信息。
func (o *Orchestrator) CancelUpload(ctx context.Context) error {
	return o.command(ctx, "cancel_upload", func() error {
		if o.state != domain.StateUploading || o.upload == nil {
			return ErrNotUploading
		}

		name := o.upload.task.Filename
		o.upload.cancel()
		o.upload = nil
		o.lastErr = nil
		o.transition(domain.StateIdle, "upload_canceled", name, nil)
		return nil
	})
}

// Process 对当前选中的资源发起场景检测。检测不可取消。
func (o *Orchestrator) Process(ctx context.Context) error {
	return o.command(ctx, "process", func() error {
		if o.state.Busy() {
			return ErrBusy
		}
		filename := o.registry.Selected()
		if filename == "" {
			return &ValidationError{Field: "filename", Message: "no asset selected"}
		}

		o.clearError("process")
		o.transition(domain.StateProcessing, "process_started", filename, nil)

		o.spawn(func(ctx context.Context) func() {
			res, err := o.transport.DetectScenes(ctx, filename)
			return func() { o.onDetected(filename, res, err) }
		})
		return nil
	})
}

// Delete 删除当前选中的资源。
func (o *Orchestrator) Delete(ctx context.Context) error {
	return o.command(ctx, "delete", func() error {
		if o.state.Busy() {
			return ErrBusy
		}
		filename := o.registry.Selected()
		if filename == "" {
			return &ValidationError{Field: "filename", Message: "no asset selected"}
		}

		o.clearError("delete")
		o.beforeDelete = o.state
		o.transition(domain.StateDeleting, "delete_started", filename, nil)

		o.spawn(func(ctx context.Context) func() {
			err := o.transport.DeleteAsset(ctx, filename)
			return func() { o.onDeleted(filename, err) }
		})
		return nil
	})
}

// SetPage 设置页码，返回修正到 [1, max(totalPages,1)] 之后的值。
func (o *Orchestrator) SetPage(ctx context.Context, page int) (int, error) {
	var applied int
	err := o.command(ctx, "set_page", func() error {
		o.page = scenes.ClampPage(page, o.totalPages())
		applied = o.page
		return nil
	})
	return applied, err
}

// command 把 fn 排入事件循环执行并等待其返回值。
func (o *Orchestrator) command(ctx context.Context, name string, fn func() error) error {
	reply := make(chan error, 1)
	ev := event{reply: reply, apply: func() error {
		err := fn()
		if err != nil {
			rejectedTotal.WithLabelValues(name, rejectReason(err)).Inc()
			o.logger.Debug().Err(err).Str("command", name).Str("state", string(o.state)).Msg("command rejected")
		}
		return err
	}}

	select {
	case o.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopping:
		return ErrStopped
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopping:
		return ErrStopped
	}
}

// post 由 I/O 协程调用，把完成通知送回事件循环；循环退出后丢弃。
func (o *Orchestrator) post(fn func()) {
	ev := event{apply: func() error {
		fn()
		return nil
	}}
	select {
	case o.events <- ev:
	case <-o.stopping:
	}
}

// spawn 在独立协程执行远程调用，call 返回的闭包在事件循环里执行。
func (o *Orchestrator) spawn(call func(ctx context.Context) func()) {
	ctx := o.runCtx
	o.inFlight++
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		complete := call(ctx)
		o.post(func() {
			o.inFlight--
			complete()
		})
	}()
}

func (o *Orchestrator) onListed(names []string, err error) {
	if err != nil {
		if errors.Is(err, transport.ErrCanceled) {
			return
		}
		o.logger.Warn().Err(err).Msg("refresh asset list failed")
		o.fail(err, "", "refresh_failed", false)
		return
	}

	o.applyListing(names, "assets_refreshed")
}

// onResynced 处理上传成功后的列表同步；失败只记日志，不影响当前状态。
func (o *Orchestrator) onResynced(names []string, err error) {
	if err != nil {
		if !errors.Is(err, transport.ErrCanceled) {
			o.logger.Warn().Err(err).Msg("resync after upload failed")
		}
		return
	}
	if o.state == domain.StateUploading || o.state == domain.StateDeleting {
		discardedTotal.WithLabelValues("resync").Inc()
		return
	}
	o.applyListing(names, "assets_resynced")
}

func (o *Orchestrator) applyListing(names []string, event string) {
	previous := o.registry.Selected()
	if _, err := o.registry.Refresh(o.runCtx, listedAssets(names)); err != nil {
		return
	}
	if o.registry.Selected() != previous {
		o.selectionChanged(event)
	}
}

// listedAssets 把已经取回的列表交给 registry.Refresh，事件循环内不做网络调用。
type listedAssets []string

func (l listedAssets) ListAssets(context.Context) ([]string, error) {
	return l, nil
}

func (o *Orchestrator) onResolved(filename string, epoch uint64, res domain.DetectionResult, ok bool) {
	if epoch != o.resolveEpoch || o.registry.Selected() != filename {
		discardedTotal.WithLabelValues("resolve").Inc()
		return
	}
	if o.state.Busy() || !ok {
		return
	}

	o.result = &res
	o.page = 1
	o.transition(domain.StateProcessed, "cache_hit", filename, nil)
}

func (o *Orchestrator) onProgress(taskID string, percent int) {
	if o.upload == nil || o.upload.task.ID != taskID {
		return
	}
	percent = min(max(percent, 0), 100)
	if percent > o.upload.task.ProgressPercent {
		o.upload.task.ProgressPercent = percent
	}
}

func (o *Orchestrator) onUploadDone(taskID, name string, receipt domain.UploadReceipt, err error) {
	o.inFlight--
	if o.upload == nil || o.upload.task.ID != taskID {
		discardedTotal.WithLabelValues("upload").Inc()
		o.logger.Debug().Str("filename", name).Msg("dropping result of canceled upload")
		return
	}
	o.upload = nil

	switch {
	case errors.Is(err, transport.ErrCanceled):
		o.transition(domain.StateIdle, "upload_canceled", name, nil)
	case err != nil:
		o.fail(err, name, "upload_failed", true)
	default:
		o.registry.RecordUploaded(receipt.Filename)
		o.result = nil
		o.page = 1
		o.logger.Info().Str("filename", receipt.Filename).Float64("size_mb", receipt.SizeMB).Msg("upload finished")
		o.transition(domain.StateUploaded, "upload_succeeded", receipt.Filename, nil)

		// 服务端可能改写文件名，重新同步列表
		o.spawn(func(ctx context.Context) func() {
			names, err := o.transport.ListAssets(ctx)
			return func() { o.onResynced(names, err) }
		})
	}
}

func (o *Orchestrator) onDetected(filename string, res domain.DetectionResult, err error) {
	if o.registry.Selected() != filename || o.state == domain.StateDeleting || o.state == domain.StateUploading {
		discardedTotal.WithLabelValues("detect").Inc()
		o.logger.Debug().Str("filename", filename).Msg("dropping stale detection result")
		return
	}
	if errors.Is(err, transport.ErrCanceled) {
		return
	}
	if err != nil {
		// 保留上一次的结果，只切换到 Error
		o.fail(err, filename, "detect_failed", true)
		return
	}

	res.Filename = filename
	res.FromCache = false
	o.result = &res
	o.page = 1
	o.resolveEpoch++
	o.logger.Info().Str("filename", filename).Int("scene_count", res.SceneCount).Msg("scene detection finished")
	o.transition(domain.StateProcessed, "detect_succeeded", filename, nil)
}

func (o *Orchestrator) onDeleted(filename string, err error) {
	if o.state != domain.StateDeleting {
		return
	}
	if err != nil {
		restore := o.beforeDelete
		o.lastErr = newErrorInfo(err, filename)
		o.transition(restore, "delete_failed", filename, err)
		return
	}

	o.registry.RecordDeleted(filename)
	o.result = nil
	o.page = 1
	o.resolveEpoch++
	o.transition(domain.StateIdle, "delete_succeeded", filename, nil)
}

// selectionChanged 清空与旧选中项相关的派生状态，并为新选中项解析缓存。
func (o *Orchestrator) selectionChanged(event string) {
	o.result = nil
	o.page = 1
	o.resolveEpoch++

	selected := o.registry.Selected()
	if !o.state.Busy() || o.state == domain.StateProcessing {
		o.transition(domain.StateIdle, event, selected, nil)
	}
	if selected == "" {
		return
	}

	epoch := o.resolveEpoch
	o.spawn(func(ctx context.Context) func() {
		res, ok := o.resolver.Resolve(ctx, selected)
		return func() { o.onResolved(selected, epoch, res, ok) }
	})
}

// fail 记录错误；toErrorState 为 false 时只更新错误信息不改变状态。
func (o *Orchestrator) fail(err error, filename, event string, toErrorState bool) {
	o.lastErr = newErrorInfo(err, filename)
	if toErrorState {
		o.transition(domain.StateError, event, filename, err)
		return
	}
	o.record(o.state, o.state, event, filename, err)
}

// clearError 在接受新命令时清除旧错误；处于 Error 时回到稳定状态。
func (o *Orchestrator) clearError(event string) {
	o.lastErr = nil
	if o.state != domain.StateError {
		return
	}
	next := domain.StateIdle
	if o.result != nil {
		next = domain.StateProcessed
	}
	o.transition(next, event, o.registry.Selected(), nil)
}

func (o *Orchestrator) transition(to domain.State, event, filename string, cause error) {
	from := o.state
	if from == to {
		return
	}
	if !isValidTransition(from, to) {
		o.logger.Error().Str("from", string(from)).Str("to", string(to)).Str("event", event).Msg("invalid transition ignored")
		return
	}

	o.state = to
	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	o.logger.Debug().Str("from", string(from)).Str("to", string(to)).Str("event", event).Str("filename", filename).Msg("transition")
	o.record(from, to, event, filename, cause)
}

func (o *Orchestrator) record(from, to domain.State, event, filename string, cause error) {
	if o.sink == nil {
		return
	}
	t := Transition{Filename: filename, From: from, To: to, Event: event, At: time.Now().UTC()}
	if cause != nil {
		t.Error = cause.Error()
	}
	o.sink.Record(t)
}

func (o *Orchestrator) totalPages() int {
	if o.result == nil {
		return 0
	}
	return scenes.TotalPages(len(o.result.Scenes), o.pageSize)
}

func (o *Orchestrator) publish() {
	o.version++
	s := Snapshot{
		Version:    o.version,
		State:      o.state,
		Assets:     o.registry.Names(),
		Selected:   o.registry.Selected(),
		Result:     o.result.Clone(),
		PageNumber: o.page,
		PageSize:   o.pageSize,
		TotalPages: o.totalPages(),
		InFlight:   o.inFlight,
	}
	if o.upload != nil {
		task := o.upload.task
		s.Upload = &task
	}
	if o.lastErr != nil {
		info := *o.lastErr
		s.LastError = &info
	}
	o.snap.Store(&s)

	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrNotUploading):
		return "not_uploading"
	case IsValidation(err):
		return "validation"
	default:
		return "other"
	}
}
