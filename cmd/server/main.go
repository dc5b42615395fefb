package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cineshorts/internal/api"
	"cineshorts/internal/bootstrap"
	"cineshorts/internal/config"
	"cineshorts/internal/database"
	"cineshorts/internal/journal"
	"cineshorts/internal/lifecycle"
	"cineshorts/internal/logging"
	"cineshorts/internal/migrations"
	"cineshorts/internal/repository"
	"cineshorts/internal/repository/postgres"
	"cineshorts/internal/service"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel})
	logger.Info().Str("service_url", cfg.ServiceURL).Msg("配置加载完成，开始启动服务")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := bootstrap.Transport(cfg, logging.Component(logger, "transport"))
	if err != nil {
		return err
	}
	store, err := bootstrap.Storage(ctx, cfg)
	if err != nil {
		return err
	}

	var (
		history repository.TransitionRepository
		writer  *journal.Writer
	)
	if cfg.JournalEnabled {
		db, err := openJournal(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		repo := postgres.NewTransitionRepository(db)
		history = repo
		writer = journal.NewWriter(repo, 0, logger)
	}

	opts := lifecycle.Options{PageSize: cfg.PageSize, Logger: logger}
	if writer != nil {
		opts.Sink = writer
	}
	orch := lifecycle.New(client, opts)

	svc := service.NewSessionService(orch, store, history, logger)
	auth, stopAuth, err := api.NewAuth(cfg, logger)
	if err != nil {
		return err
	}
	defer stopAuth()

	router := api.NewRouter(cfg, logger, auth, api.NewSessionHandler(svc, orch, logger))

	// 事件流是长连接，不设置 WriteTimeout
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
		Handler:           router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	if writer != nil {
		g.Go(func() error {
			// 编排器退出后再停止，保证最后的迁移被写入
			return writer.RunUntil(orch.Done())
		})
	}
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("服务开始监听")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("监听失败: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("优雅关闭失败")
		}
		return nil
	})

	if err := orch.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial refresh rejected")
	}

	err = g.Wait()
	logger.Info().Msg("服务已停止")
	return err
}

func openJournal(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	applied, err := migrations.Apply(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info().Strs("migrations", applied).Msg("journal schema migrated")
	}
	return db, nil
}
