package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cineshorts/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// Pool 描述连接池参数。迁移日志只有一个写入协程，默认值保持很小。
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

var DefaultPool = Pool{MaxOpen: 4, MaxIdle: 2, MaxLifetime: 30 * time.Minute, MaxIdleTime: 5 * time.Minute}

// Connect 按配置打开迁移日志库。
func Connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sql.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	return Open(ctx, cfg.PostgresDSN(), DefaultPool, logger)
}

// Open 打开连接并等待数据库可用；数据库与服务同时启动时，前几次 ping 可能失败。
func Open(ctx context.Context, dsn string, pool Pool, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)
	db.SetConnMaxIdleTime(pool.MaxIdleTime)

	if err := waitReady(ctx, db, 5, time.Second, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func waitReady(ctx context.Context, db *sql.DB, attempts int, backoff time.Duration, logger zerolog.Logger) error {
	var err error
	for i := 1; i <= attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		logger.Warn().Err(err).Int("attempt", i).Msg("postgres not ready, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(i)):
		}
	}
	return fmt.Errorf("ping postgres: %w", err)
}
