package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cineshorts/internal/bootstrap"
	"cineshorts/internal/config"
	"cineshorts/internal/domain"
	"cineshorts/internal/lifecycle"
	"cineshorts/internal/logging"

	"github.com/rs/zerolog"
)

// session 是一次命令执行期间的本地编排器。
type session struct {
	cfg    *config.Config
	orch   *lifecycle.Orchestrator
	logger zerolog.Logger

	cancel context.CancelFunc
}

func openSession(ctx context.Context, opts *rootOptions) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.serviceURL != "" {
		cfg.ServiceURL = opts.serviceURL
	}
	if opts.storageDir != "" {
		cfg.StorageDriver = "local"
		cfg.StorageDir = opts.storageDir
	}

	level := cfg.LogLevel
	if !opts.verbose {
		level = "warn"
	}
	logger := logging.New(logging.Options{Level: level, Output: opts.stderr, Service: "scenectl", Pretty: true})

	client, err := bootstrap.Transport(cfg, logging.Component(logger, "transport"))
	if err != nil {
		return nil, err
	}

	orch := lifecycle.New(client, lifecycle.Options{PageSize: cfg.PageSize, Logger: logger})
	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = orch.Run(runCtx) }()

	return &session{cfg: cfg, orch: orch, logger: logger, cancel: cancel}, nil
}

func (s *session) Close() {
	s.cancel()
	<-s.orch.Done()
}

// settle 等待所有进行中的调用结束，并把 Error 状态转成返回值。
func (s *session) settle(ctx context.Context) (lifecycle.Snapshot, error) {
	snap, err := s.orch.Await(ctx, lifecycle.Snapshot.Settled)
	if err != nil {
		return snap, err
	}
	if snap.State == domain.StateError && snap.LastError != nil {
		return snap, errors.New(snap.LastError.Message)
	}
	return snap, nil
}

// refresh 拉取资源列表并等待完成，失败时返回远端错误。
func (s *session) refresh(ctx context.Context) (lifecycle.Snapshot, error) {
	if err := s.orch.Refresh(ctx); err != nil {
		return lifecycle.Snapshot{}, err
	}
	snap, err := s.settle(ctx)
	if err != nil {
		return snap, err
	}
	if snap.LastError != nil {
		return snap, fmt.Errorf("list assets: %s", snap.LastError.Message)
	}
	return snap, nil
}

// open 刷新列表并选中 filename，缓存命中时快照已处于 Processed。
func (s *session) open(ctx context.Context, filename string) (lifecycle.Snapshot, error) {
	if _, err := s.refresh(ctx); err != nil {
		return lifecycle.Snapshot{}, err
	}
	if err := s.orch.Select(ctx, filename); err != nil {
		return lifecycle.Snapshot{}, err
	}
	return s.settle(ctx)
}

// detect 对当前选中项发起检测并等待结果。
func (s *session) detect(ctx context.Context) (lifecycle.Snapshot, error) {
	started := time.Now()
	if err := s.orch.Process(ctx); err != nil {
		return lifecycle.Snapshot{}, err
	}
	snap, err := s.settle(ctx)
	if err == nil {
		s.logger.Debug().Dur("elapsed", time.Since(started)).Msg("detection settled")
	}
	return snap, err
}
