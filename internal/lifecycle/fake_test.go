package lifecycle

import (
	"bytes"
	"context"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"cineshorts/internal/domain"
	"cineshorts/internal/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeTransport 模拟处理服务；gate 通道用于控制异步调用何时返回。
type fakeTransport struct {
	mu sync.Mutex

	list    []string
	listErr error

	cache    map[string]domain.DetectionResult
	cacheErr error

	detect      map[string]domain.DetectionResult
	detectErr   error
	detectGates map[string]chan struct{}
	detectCalls []string

	deleteErr   error
	deleteGate  chan struct{}
	deleteCalls []string

	uploadReceipt  domain.UploadReceipt
	uploadErr      error
	uploadProgress []int
	uploadGate     chan struct{}
	uploadCalls    int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		cache:       map[string]domain.DetectionResult{},
		detect:      map[string]domain.DetectionResult{},
		detectGates: map[string]chan struct{}{},
	}
}

func (f *fakeTransport) Upload(ctx context.Context, file domain.UploadFile, onProgress transport.ProgressFunc) (domain.UploadReceipt, error) {
	f.mu.Lock()
	f.uploadCalls++
	progress := append([]int(nil), f.uploadProgress...)
	gate := f.uploadGate
	receipt, err := f.uploadReceipt, f.uploadErr
	f.mu.Unlock()

	for _, p := range progress {
		if onProgress != nil {
			onProgress(p)
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.UploadReceipt{}, transport.ErrCanceled
		}
	}
	if err != nil {
		return domain.UploadReceipt{}, err
	}
	if receipt.Filename == "" {
		receipt.Filename = file.Name
	}
	f.mu.Lock()
	if !slices.Contains(f.list, receipt.Filename) {
		f.list = append(f.list, receipt.Filename)
	}
	f.mu.Unlock()
	return receipt, nil
}

func (f *fakeTransport) ListAssets(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.list...), nil
}

func (f *fakeTransport) FetchCachedScenes(ctx context.Context, filename string) (domain.DetectionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cacheErr != nil {
		return domain.DetectionResult{}, f.cacheErr
	}
	res, ok := f.cache[filename]
	if !ok {
		return domain.DetectionResult{FromCache: false, SceneCount: 0, Scenes: []domain.Scene{}}, nil
	}
	return res, nil
}

func (f *fakeTransport) DetectScenes(ctx context.Context, filename string) (domain.DetectionResult, error) {
	f.mu.Lock()
	f.detectCalls = append(f.detectCalls, filename)
	gate := f.detectGates[filename]
	res, err := f.detect[filename], f.detectErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.DetectionResult{}, transport.ErrCanceled
		}
	}
	if err != nil {
		return domain.DetectionResult{}, err
	}
	return res, nil
}

func (f *fakeTransport) DeleteAsset(ctx context.Context, filename string) error {
	f.mu.Lock()
	f.deleteCalls = append(f.deleteCalls, filename)
	gate, err := f.deleteGate, f.deleteErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return transport.ErrCanceled
		}
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.list = slices.DeleteFunc(f.list, func(name string) bool { return name == filename })
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) detectCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.detectCalls)
}

func (f *fakeTransport) uploadCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploadCalls
}

type recordingSink struct {
	mu          sync.Mutex
	transitions []Transition
}

func (s *recordingSink) Record(t Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, t)
}

func (s *recordingSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.transitions))
	for _, t := range s.transitions {
		out = append(out, t.Event)
	}
	return out
}

func startOrchestrator(t *testing.T, ft *fakeTransport, sink TransitionSink) *Orchestrator {
	t.Helper()

	o := New(ft, Options{PageSize: 12, Logger: zerolog.Nop(), Sink: sink})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = o.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-o.Done():
		case <-time.After(2 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})
	return o
}

func waitFor(t *testing.T, o *Orchestrator, pred func(Snapshot) bool) Snapshot {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := o.Await(ctx, pred)
	require.NoError(t, err, "last snapshot: %+v", s)
	return s
}

func waitSettled(t *testing.T, o *Orchestrator) Snapshot {
	t.Helper()
	return waitFor(t, o, Snapshot.Settled)
}

func videoFile(name string) domain.UploadFile {
	data := []byte("not really a video")
	return domain.UploadFile{
		Name:        name,
		SizeBytes:   int64(len(data)),
		ContentType: "video/mp4",
		Open: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func scenesOf(n int) []domain.Scene {
	out := make([]domain.Scene, n)
	for i := range out {
		out[i] = domain.Scene{StartSec: float64(i * 2), DurationSec: 2}
	}
	return out
}

func cached(n int) domain.DetectionResult {
	return domain.DetectionResult{FromCache: true, SceneCount: n, Scenes: scenesOf(n)}
}
