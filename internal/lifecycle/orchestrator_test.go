package lifecycle

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"testing"
	"time"

	"cineshorts/internal/domain"
	"cineshorts/internal/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestOrchestrator_UploadThenProcess(t *testing.T) {
	ft := newFakeTransport()
	ft.uploadReceipt = domain.UploadReceipt{Filename: "clip.mp4", SizeMB: 12.4}
	pt := 1.2
	ft.detect["clip.mp4"] = domain.DetectionResult{
		SceneCount: 2,
		Scenes: []domain.Scene{
			{StartSec: 0, DurationSec: 5},
			{StartSec: 5, DurationSec: 7},
		},
		ProcessingTimeSec: &pt,
	}
	sink := &recordingSink{}
	o := startOrchestrator(t, ft, sink)
	ctx := context.Background()

	taskID, err := o.StartUpload(ctx, videoFile("clip.mp4"))
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)

	s := waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateUploaded })
	assert.Equal(t, []string{"clip.mp4"}, s.Assets)
	assert.Equal(t, "clip.mp4", s.Selected)
	assert.Nil(t, s.Upload)

	require.NoError(t, o.Process(ctx))
	s = waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateProcessed })
	require.NotNil(t, s.Result)
	assert.Equal(t, 2, s.SceneCount())
	assert.False(t, s.Result.FromCache)
	assert.Equal(t, 1, s.PageNumber)
	assert.Equal(t, 1, s.TotalPages)
	assert.Len(t, s.CurrentPage().Items, 2)
	assert.Nil(t, s.LastError)

	assert.Equal(t, []string{"upload_started", "upload_succeeded", "process_started", "detect_succeeded"}, sink.events())
}

func TestOrchestrator_CancelUploadBeforeProgress(t *testing.T) {
	ft := newFakeTransport()
	ft.uploadGate = make(chan struct{})
	o := startOrchestrator(t, ft, nil)
	ctx := context.Background()

	_, err := o.StartUpload(ctx, videoFile("clip.mp4"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateUploading, o.Snapshot().State)

	require.NoError(t, o.CancelUpload(ctx))

	s := waitSettled(t, o)
	assert.Equal(t, domain.StateIdle, s.State)
	assert.Empty(t, s.Assets)
	assert.Empty(t, s.Selected)
	assert.Nil(t, s.LastError)
	assert.Nil(t, s.Upload)
}

func TestOrchestrator_CancelWithoutUpload(t *testing.T) {
	o := startOrchestrator(t, newFakeTransport(), nil)
	assert.ErrorIs(t, o.CancelUpload(context.Background()), ErrNotUploading)
}

func TestOrchestrator_UploadProgressIsMonotonic(t *testing.T) {
	ft := newFakeTransport()
	ft.uploadProgress = []int{0, 10, 40, 30, 80}
	ft.uploadGate = make(chan struct{})
	o := startOrchestrator(t, ft, nil)

	_, err := o.StartUpload(context.Background(), videoFile("clip.mp4"))
	require.NoError(t, err)

	s := waitFor(t, o, func(s Snapshot) bool { return s.Upload != nil && s.Upload.ProgressPercent == 80 })
	assert.Equal(t, "clip.mp4", s.Upload.Filename)

	close(ft.uploadGate)
	waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateUploaded })
}

func TestOrchestrator_UploadFailureSurfacesError(t *testing.T) {
	ft := newFakeTransport()
	ft.uploadErr = &transport.Error{Op: "upload", Code: transport.CodeStatus, Status: 413, Message: "too large"}
	o := startOrchestrator(t, ft, nil)

	_, err := o.StartUpload(context.Background(), videoFile("huge.mp4"))
	require.NoError(t, err)

	s := waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateError })
	require.NotNil(t, s.LastError)
	assert.Equal(t, "too large", s.LastError.Message)
	assert.Equal(t, 413, s.LastError.Status)
	assert.Empty(t, s.Assets)
}

func TestOrchestrator_RejectsNonVideoUpload(t *testing.T) {
	ft := newFakeTransport()
	o := startOrchestrator(t, ft, nil)

	file := videoFile("notes.txt")
	file.ContentType = ""
	_, err := o.StartUpload(context.Background(), file)
	assert.True(t, IsValidation(err), "got %v", err)

	file = videoFile("clip.mp4")
	file.ContentType = "image/png"
	_, err = o.StartUpload(context.Background(), file)
	assert.True(t, IsValidation(err), "got %v", err)

	assert.Equal(t, 0, ft.uploadCallCount())
	assert.Equal(t, domain.StateIdle, o.Snapshot().State)
}

func TestOrchestrator_InfersVideoTypeFromName(t *testing.T) {
	ft := newFakeTransport()
	o := startOrchestrator(t, ft, nil)

	file := videoFile("clip.webm")
	file.ContentType = ""
	_, err := o.StartUpload(context.Background(), file)
	require.NoError(t, err)
	waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateUploaded })
}

func TestOrchestrator_CacheHitSkipsDetection(t *testing.T) {
	ft := newFakeTransport()
	ft.list = []string{"a.mp4"}
	ft.cache["a.mp4"] = cached(3)
	o := startOrchestrator(t, ft, nil)

	require.NoError(t, o.Refresh(context.Background()))

	s := waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateProcessed })
	assert.Equal(t, "a.mp4", s.Selected, "first asset is auto-selected")
	assert.Equal(t, 3, s.SceneCount())
	assert.True(t, s.Result.FromCache)
	assert.Nil(t, s.Result.ProcessingTimeSec)
	assert.Equal(t, 0, ft.detectCallCount())
}

func TestOrchestrator_CacheMissRequiresExplicitProcess(t *testing.T) {
	ft := newFakeTransport()
	ft.list = []string{"a.mp4"}
	ft.detect["a.mp4"] = domain.DetectionResult{SceneCount: 4, Scenes: scenesOf(4)}
	o := startOrchestrator(t, ft, nil)
	ctx := context.Background()

	require.NoError(t, o.Refresh(ctx))
	s := waitSettled(t, o)
	assert.Equal(t, domain.StateIdle, s.State)
	assert.Equal(t, "a.mp4", s.Selected)
	assert.Empty(t, s.Scenes())
	assert.Equal(t, 0, ft.detectCallCount())

	require.NoError(t, o.Process(ctx))
	s = waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateProcessed })
	assert.Equal(t, 4, s.SceneCount())
}

func TestOrchestrator_DeleteSelectedAsset(t *testing.T) {
	ft := newFakeTransport()
	ft.list = []string{"a.mp4", "b.mp4"}
	ft.cache["a.mp4"] = cached(30)
	o := startOrchestrator(t, ft, nil)
	ctx := context.Background()

	require.NoError(t, o.Refresh(ctx))
	waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateProcessed })
	page, err := o.SetPage(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, page)

	require.NoError(t, o.Delete(ctx))
	s := waitSettled(t, o)
	assert.Equal(t, domain.StateIdle, s.State)
	assert.Empty(t, s.Selected)
	assert.Nil(t, s.Result)
	assert.Equal(t, 1, s.PageNumber)
	assert.Equal(t, []string{"b.mp4"}, s.Assets)
	assert.Equal(t, []string{"a.mp4"}, ft.deleteCalls)
}

func TestOrchestrator_DeleteFailureRestoresPriorState(t *testing.T) {
	ft := newFakeTransport()
	ft.list = []string{"a.mp4"}
	ft.cache["a.mp4"] = cached(2)
	ft.deleteErr = &transport.Error{Op: "delete asset", Code: transport.CodeStatus, Status: 500, Message: "disk on fire"}
	o := startOrchestrator(t, ft, nil)
	ctx := context.Background()

	require.NoError(t, o.Refresh(ctx))
	waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateProcessed })

	require.NoError(t, o.Delete(ctx))
	s := waitSettled(t, o)
	assert.Equal(t, domain.StateProcessed, s.State)
	assert.Equal(t, "a.mp4", s.Selected)
	assert.Equal(t, 2, s.SceneCount())
	require.NotNil(t, s.LastError)
	assert.Equal(t, "disk on fire", s.LastError.Message)
}

func TestOrchestrator_StaleDetectionIsDiscarded(t *testing.T) {
	ft := newFakeTransport()
	ft.list = []string{"a.mp4", "b.mp4"}
	ft.cache["b.mp4"] = cached(5)
	ft.detect["a.mp4"] = domain.DetectionResult{SceneCount: 9, Scenes: scenesOf(9)}
	gate := make(chan struct{})
	ft.detectGates["a.mp4"] = gate
	o := startOrchestrator(t, ft, nil)
	ctx := context.Background()

	require.NoError(t, o.Refresh(ctx))
	waitSettled(t, o)
	require.NoError(t, o.Process(ctx))
	assert.Equal(t, domain.StateProcessing, o.Snapshot().State)

	require.NoError(t, o.Select(ctx, "b.mp4"), "switching assets while processing is allowed")
	waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateProcessed && s.Selected == "b.mp4" })

	close(gate)
	s := waitFor(t, o, func(s Snapshot) bool { return s.InFlight == 0 })
	assert.Equal(t, "b.mp4", s.Selected)
	assert.Equal(t, 5, s.SceneCount())
	assert.Equal(t, "b.mp4", s.Result.Filename)
}

func TestOrchestrator_DetectFailureKeepsPreviousScenes(t *testing.T) {
	ft := newFakeTransport()
	ft.list = []string{"a.mp4"}
	ft.cache["a.mp4"] = cached(3)
	ft.detectErr = &transport.Error{Op: "detect scenes", Code: transport.CodeNetwork, Message: "connection reset"}
	o := startOrchestrator(t, ft, nil)
	ctx := context.Background()

	require.NoError(t, o.Refresh(ctx))
	waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateProcessed })

	require.NoError(t, o.Process(ctx))
	s := waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateError })
	assert.Equal(t, "a.mp4", s.Selected)
	assert.Equal(t, 3, s.SceneCount(), "previous scenes survive a failed re-detection")
	require.NotNil(t, s.LastError)
	assert.Equal(t, "network", s.LastError.Code)

	// 下一次有效操作清除错误
	ft.mu.Lock()
	ft.detectErr = nil
	ft.detect["a.mp4"] = domain.DetectionResult{SceneCount: 1, Scenes: scenesOf(1)}
	ft.mu.Unlock()

	require.NoError(t, o.Process(ctx))
	assert.Nil(t, o.Snapshot().LastError)
	s = waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateProcessed })
	assert.Equal(t, 1, s.SceneCount())
}

func TestOrchestrator_Guards(t *testing.T) {
	ft := newFakeTransport()
	ft.list = []string{"a.mp4", "b.mp4"}
	gate := make(chan struct{})
	ft.detectGates["a.mp4"] = gate
	o := startOrchestrator(t, ft, nil)
	ctx := context.Background()

	assert.True(t, IsValidation(o.Process(ctx)), "process needs a selection")
	assert.True(t, IsValidation(o.Delete(ctx)), "delete needs a selection")
	assert.True(t, IsValidation(o.Select(ctx, "unknown.mp4")))
	assert.True(t, IsValidation(o.Select(ctx, "")))

	require.NoError(t, o.Refresh(ctx))
	waitSettled(t, o)

	require.NoError(t, o.Process(ctx))
	assert.ErrorIs(t, o.Process(ctx), ErrBusy)
	assert.ErrorIs(t, o.Delete(ctx), ErrBusy)
	_, err := o.StartUpload(ctx, videoFile("c.mp4"))
	assert.ErrorIs(t, err, ErrBusy)
	assert.NoError(t, o.Select(ctx, "a.mp4"), "reselecting the processing asset is a no-op")
	assert.Equal(t, domain.StateProcessing, o.Snapshot().State)

	close(gate)
	waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateProcessed })

	ft.mu.Lock()
	ft.uploadGate = make(chan struct{})
	ft.mu.Unlock()
	_, err = o.StartUpload(ctx, videoFile("c.mp4"))
	require.NoError(t, err)

	_, err = o.StartUpload(ctx, videoFile("d.mp4"))
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, o.Select(ctx, "b.mp4"), ErrBusy)
	assert.ErrorIs(t, o.Process(ctx), ErrBusy)
	assert.ErrorIs(t, o.Delete(ctx), ErrBusy)
	assert.ErrorIs(t, o.Refresh(ctx), ErrBusy)

	require.NoError(t, o.CancelUpload(ctx))
}

func TestOrchestrator_RefreshFailureKeepsRegistry(t *testing.T) {
	ft := newFakeTransport()
	ft.list = []string{"a.mp4"}
	o := startOrchestrator(t, ft, nil)
	ctx := context.Background()

	require.NoError(t, o.Refresh(ctx))
	waitSettled(t, o)

	ft.mu.Lock()
	ft.listErr = &transport.Error{Op: "list assets", Code: transport.CodeNetwork, Message: "refused"}
	ft.mu.Unlock()

	require.NoError(t, o.Refresh(ctx))
	s := waitFor(t, o, func(s Snapshot) bool { return s.LastError != nil })
	assert.Equal(t, []string{"a.mp4"}, s.Assets)
	assert.Equal(t, "a.mp4", s.Selected)
	assert.Equal(t, domain.StateIdle, s.State)
}

func TestOrchestrator_SetPageClamps(t *testing.T) {
	ft := newFakeTransport()
	ft.list = []string{"a.mp4"}
	ft.cache["a.mp4"] = cached(25)
	o := startOrchestrator(t, ft, nil)
	ctx := context.Background()

	page, err := o.SetPage(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, page, "no scenes means a single empty page")

	require.NoError(t, o.Refresh(ctx))
	waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateProcessed })

	page, err = o.SetPage(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 3, page)

	s := o.Snapshot()
	assert.Equal(t, 3, s.TotalPages)
	assert.Len(t, s.CurrentPage().Items, 1)

	page, err = o.SetPage(ctx, -2)
	require.NoError(t, err)
	assert.Equal(t, 1, page)
}

func TestOrchestrator_SelectResetsPage(t *testing.T) {
	ft := newFakeTransport()
	ft.list = []string{"a.mp4", "b.mp4"}
	ft.cache["a.mp4"] = cached(30)
	ft.cache["b.mp4"] = cached(30)
	o := startOrchestrator(t, ft, nil)
	ctx := context.Background()

	require.NoError(t, o.Refresh(ctx))
	waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateProcessed })
	_, err := o.SetPage(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, o.Select(ctx, "b.mp4"))
	assert.Equal(t, 1, o.Snapshot().PageNumber)
	s := waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateProcessed && s.Selected == "b.mp4" })
	assert.Equal(t, 1, s.PageNumber)
}

func TestOrchestrator_CommandsFailAfterStop(t *testing.T) {
	o := New(newFakeTransport(), Options{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = o.Run(ctx) }()
	cancel()
	<-o.Done()

	assert.ErrorIs(t, o.Refresh(context.Background()), ErrStopped)
	assert.Error(t, o.Run(context.Background()), "Run may only be called once")
}

func TestOrchestrator_StopCancelsInFlightCalls(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ft := newFakeTransport()
	ft.list = []string{"a.mp4"}
	ft.detectGates["a.mp4"] = make(chan struct{})
	o := New(ft, Options{Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = o.Run(ctx) }()

	require.NoError(t, o.Refresh(ctx))
	waitSettled(t, o)
	require.NoError(t, o.Process(ctx))

	cancel()
	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

// 随机命令序列下，选中项始终为空或属于资源集合，状态始终是已定义的值。
func TestOrchestrator_RandomCommandSequencesKeepInvariants(t *testing.T) {
	ft := newFakeTransport()
	ft.list = []string{"a.mp4", "b.mp4", "c.mp4"}
	ft.cache["b.mp4"] = cached(7)
	ft.detect["a.mp4"] = domain.DetectionResult{SceneCount: 2, Scenes: scenesOf(2)}
	ft.detect["c.mp4"] = domain.DetectionResult{SceneCount: 13, Scenes: scenesOf(13)}
	o := startOrchestrator(t, ft, nil)
	ctx := context.Background()

	known := []domain.State{
		domain.StateIdle, domain.StateUploading, domain.StateUploaded, domain.StateProcessing,
		domain.StateProcessed, domain.StateDeleting, domain.StateError,
	}
	names := []string{"a.mp4", "b.mp4", "c.mp4", "d.mp4"}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 300; i++ {
		var err error
		switch rng.Intn(7) {
		case 0:
			err = o.Refresh(ctx)
		case 1:
			err = o.Select(ctx, names[rng.Intn(len(names))])
		case 2:
			_, err = o.StartUpload(ctx, videoFile(names[rng.Intn(len(names))]))
		case 3:
			err = o.CancelUpload(ctx)
		case 4:
			err = o.Process(ctx)
		case 5:
			err = o.Delete(ctx)
		case 6:
			_, err = o.SetPage(ctx, rng.Intn(5)-1)
		}
		if err != nil {
			require.True(t,
				errors.Is(err, ErrBusy) || errors.Is(err, ErrNotUploading) || IsValidation(err),
				"unexpected error: %v", err)
		}

		s := o.Snapshot()
		assert.Contains(t, known, s.State)
		if s.Selected != "" {
			assert.True(t, slices.Contains(s.Assets, s.Selected), "selected %q not in %v", s.Selected, s.Assets)
		}
		assert.GreaterOrEqual(t, s.PageNumber, 1)

		if rng.Intn(4) == 0 {
			waitSettled(t, o)
		}
	}
}

func TestOrchestrator_ReselectCurrentKeepsResult(t *testing.T) {
	ft := newFakeTransport()
	ft.list = []string{"a.mp4", "b.mp4"}
	pt := 3.5
	ft.detect["a.mp4"] = domain.DetectionResult{SceneCount: 30, Scenes: scenesOf(30), ProcessingTimeSec: &pt}
	sink := &recordingSink{}
	o := startOrchestrator(t, ft, sink)
	ctx := context.Background()

	require.NoError(t, o.Refresh(ctx))
	waitSettled(t, o)
	require.NoError(t, o.Process(ctx))
	waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateProcessed })
	_, err := o.SetPage(ctx, 2)
	require.NoError(t, err)
	before := len(sink.events())

	require.NoError(t, o.Select(ctx, "a.mp4"))

	s := waitSettled(t, o)
	assert.Equal(t, domain.StateProcessed, s.State)
	assert.Equal(t, "a.mp4", s.Selected)
	assert.Equal(t, 30, s.SceneCount())
	require.NotNil(t, s.Result.ProcessingTimeSec)
	assert.Equal(t, 3.5, *s.Result.ProcessingTimeSec)
	assert.Equal(t, 2, s.PageNumber)
	assert.Len(t, sink.events(), before, "no transition for a reselect")
}

func TestOrchestrator_ReselectAfterUploadKeepsState(t *testing.T) {
	ft := newFakeTransport()
	o := startOrchestrator(t, ft, nil)
	ctx := context.Background()

	_, err := o.StartUpload(ctx, videoFile("clip.mp4"))
	require.NoError(t, err)
	waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateUploaded && s.Settled() })

	require.NoError(t, o.Select(ctx, "clip.mp4"))
	s := waitSettled(t, o)
	assert.Equal(t, domain.StateUploaded, s.State)
	assert.Equal(t, "clip.mp4", s.Selected)
}

func TestOrchestrator_UploadResyncsAssetList(t *testing.T) {
	ft := newFakeTransport()
	ft.list = []string{"other.mp4"}
	ft.uploadReceipt = domain.UploadReceipt{Filename: "clip_1.mp4"}
	sink := &recordingSink{}
	o := startOrchestrator(t, ft, sink)
	ctx := context.Background()

	_, err := o.StartUpload(ctx, videoFile("clip.mp4"))
	require.NoError(t, err)

	s := waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateUploaded && s.Settled() })
	assert.Equal(t, []string{"clip_1.mp4", "other.mp4"}, s.Assets, "names known only to the server are picked up")
	assert.Equal(t, "clip_1.mp4", s.Selected)
	assert.Nil(t, s.LastError)
	assert.Equal(t, []string{"upload_started", "upload_succeeded"}, sink.events())
}

func TestOrchestrator_UploadResyncFailureIsQuiet(t *testing.T) {
	ft := newFakeTransport()
	ft.listErr = &transport.Error{Op: "list assets", Code: transport.CodeNetwork, Message: "refused"}
	o := startOrchestrator(t, ft, nil)
	ctx := context.Background()

	_, err := o.StartUpload(ctx, videoFile("clip.mp4"))
	require.NoError(t, err)

	s := waitFor(t, o, func(s Snapshot) bool { return s.State == domain.StateUploaded && s.Settled() })
	assert.Equal(t, []string{"clip.mp4"}, s.Assets)
	assert.Equal(t, "clip.mp4", s.Selected)
	assert.Nil(t, s.LastError)
}
