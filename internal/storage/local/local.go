package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"cineshorts/internal/domain"
	"cineshorts/internal/storage"

	"github.com/google/renameio/v2"
)

// Store 在本地目录中读写对象，key 始终被限制在 BaseDir 之内。
type Store struct {
	BaseDir string
	BaseURL string
}

func New(baseDir, baseURL string) *Store {
	return &Store{BaseDir: baseDir, BaseURL: baseURL}
}

func (s *Store) path(key string) (string, error) {
	cleaned := filepath.Clean(string(filepath.Separator) + filepath.FromSlash(key))
	if cleaned == string(filepath.Separator) {
		return "", fmt.Errorf("empty storage key")
	}
	return filepath.Join(s.BaseDir, cleaned), nil
}

func (s *Store) Write(ctx context.Context, key string, r io.Reader, _ string) (storage.Location, error) {
	if s == nil {
		return storage.Location{}, fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return storage.Location{}, ctx.Err()
	default:
	}

	targetPath, err := s.path(key)
	if err != nil {
		return storage.Location{}, err
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return storage.Location{}, fmt.Errorf("ensure dir: %w", err)
	}

	// 写入临时文件，fsync 后原子替换；失败时临时文件被清理
	pending, err := renameio.NewPendingFile(targetPath, renameio.WithPermissions(0o644))
	if err != nil {
		return storage.Location{}, fmt.Errorf("create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := io.Copy(pending, r); err != nil {
		return storage.Location{}, fmt.Errorf("write file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return storage.Location{}, fmt.Errorf("replace file: %w", err)
	}

	loc := storage.Location{Path: targetPath}
	if s.BaseURL != "" {
		u, err := url.JoinPath(s.BaseURL, filepath.ToSlash(key))
		if err == nil {
			loc.URL = u
		}
	}

	return loc, nil
}

// Read 打开并返回指定 key 对应的文件内容。
func (s *Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if s == nil {
		return nil, fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	targetPath, err := s.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(targetPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}

	return file, nil
}

// Stat 返回文件大小，内容类型按扩展名推断。
func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	if s == nil {
		return storage.ObjectInfo{}, fmt.Errorf("local store uninitialized")
	}

	targetPath, err := s.path(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := os.Stat(targetPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return storage.ObjectInfo{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return storage.ObjectInfo{}, fmt.Errorf("%w: %s is a directory", storage.ErrNotFound, key)
	}

	return storage.ObjectInfo{
		Key:         key,
		Size:        info.Size(),
		ContentType: domain.ContentTypeFor(targetPath),
	}, nil
}
