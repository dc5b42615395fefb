package scenes

import (
	"context"
	"errors"

	"cineshorts/internal/domain"
	"cineshorts/internal/transport"

	"github.com/rs/zerolog"
)

// CacheFetcher 读取服务端已缓存的检测结果。
type CacheFetcher interface {
	FetchCachedScenes(ctx context.Context, filename string) (domain.DetectionResult, error)
}

// Resolver 在选中资源时尝试复用已有结果，永远不会主动发起检测。
type Resolver struct {
	fetcher CacheFetcher
	logger  zerolog.Logger
}

func NewResolver(fetcher CacheFetcher, logger zerolog.Logger) *Resolver {
	return &Resolver{fetcher: fetcher, logger: logger}
}

// Resolve 返回可用的缓存结果；只有 from_cache 为真且 scene_count > 0 才算命中。
// 读取失败按未命中处理，仅记录警告。
func (r *Resolver) Resolve(ctx context.Context, filename string) (domain.DetectionResult, bool) {
	res, err := r.fetcher.FetchCachedScenes(ctx, filename)
	if err != nil {
		if !errors.Is(err, transport.ErrCanceled) {
			r.logger.Warn().Err(err).Str("filename", filename).Msg("cached scenes unavailable")
		}
		return domain.DetectionResult{}, false
	}

	if !Usable(res) {
		r.logger.Debug().Str("filename", filename).Msg("no cached scenes")
		return domain.DetectionResult{}, false
	}

	res.Filename = filename
	r.logger.Debug().Str("filename", filename).Int("scene_count", res.SceneCount).Msg("scenes loaded from cache")
	return res, true
}

// Usable 判断一份结果能否作为缓存命中使用。
func Usable(res domain.DetectionResult) bool {
	return res.FromCache && res.SceneCount > 0
}
