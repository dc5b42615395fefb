package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	dbmigrations "cineshorts/db/migrations"
)

// lockKey 是迁移期间持有的 pg_advisory_lock 键，避免多个实例同时迁移。
const lockKey int64 = 0x63696e65

// Migration 是一个 up 脚本及其内容摘要。
type Migration struct {
	Name     string
	SQL      string
	Checksum string
}

// Apply 执行内嵌的迁移脚本，返回本次新应用的文件名。
func Apply(ctx context.Context, db *sql.DB) ([]string, error) {
	return ApplyFS(ctx, db, dbmigrations.FS)
}

// ApplyFS 按文件名顺序执行 fsys 中尚未应用的 *.up.sql。
// 已应用脚本的内容若被修改，返回错误而不是静默跳过。
func ApplyFS(ctx context.Context, db *sql.DB, fsys fs.FS) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("nil database connection")
	}
	migs, err := Load(fsys)
	if err != nil {
		return nil, err
	}

	// advisory lock 绑定在会话上，所以全程使用同一个连接
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockKey)
	}()

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		checksum   TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	recorded, err := recordedChecksums(ctx, conn)
	if err != nil {
		return nil, err
	}
	todo, err := plan(migs, recorded)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, mig := range todo {
		if err := applyOne(ctx, conn, mig); err != nil {
			return names, err
		}
		names = append(names, mig.Name)
	}
	return names, nil
}

// Load 读取 fsys 根目录下的 *.up.sql 并按文件名排序。
func Load(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migration files: %w", err)
	}
	slices.Sort(names)

	migs := make([]Migration, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		sum := sha256.Sum256(data)
		migs = append(migs, Migration{
			Name:     path.Base(name),
			SQL:      string(data),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}
	return migs, nil
}

// plan 返回尚未应用的迁移；已应用脚本的摘要不一致时报错。
func plan(migs []Migration, recorded map[string]string) ([]Migration, error) {
	var todo []Migration
	for _, mig := range migs {
		sum, ok := recorded[mig.Name]
		switch {
		case !ok:
			todo = append(todo, mig)
		case !strings.EqualFold(sum, mig.Checksum):
			return nil, fmt.Errorf("migration %s was modified after it was applied", mig.Name)
		}
	}
	return todo, nil
}

func recordedChecksums(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT name, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("select schema_migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, sum string
		if err := rows.Scan(&name, &sum); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		out[name] = sum
	}
	return out, rows.Err()
}

func applyOne(ctx context.Context, conn *sql.Conn, mig Migration) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", mig.Name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, mig.SQL); err != nil {
		return fmt.Errorf("apply migration %s: %w", mig.Name, err)
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`, mig.Name, mig.Checksum); err != nil {
		return fmt.Errorf("record migration %s: %w", mig.Name, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", mig.Name, err)
	}
	return nil
}
