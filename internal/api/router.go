package api

import (
	"net/http"

	"cineshorts/internal/config"
	csmiddleware "cineshorts/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter 构建 HTTP 路由，集中注册所有对外服务的端点。
// auth 为 nil 时会话接口不做鉴权（AUTH_MODE=none）。
func NewRouter(cfg *config.Config, logger zerolog.Logger, auth func(http.Handler) http.Handler, sessionHandler *SessionHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(csmiddleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(csmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(csmiddleware.Metrics())

	// 健康检查与指标不需要鉴权，也不限流
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	if sessionHandler != nil {
		r.Group(func(r chi.Router) {
			r.Use(csmiddleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			if auth != nil {
				r.Use(auth)
			}
			sessionHandler.RegisterRoutes(r)
		})
	}

	return r
}

// NewAuth 按配置选择鉴权中间件，返回的 stop 用于释放后台资源。
func NewAuth(cfg *config.Config, logger zerolog.Logger) (mw func(http.Handler) http.Handler, stop func(), err error) {
	switch cfg.AuthMode {
	case config.AuthAPIKey:
		return csmiddleware.APIKeyAuth(cfg.APIKeys), func() {}, nil
	case config.AuthJWT:
		return csmiddleware.BearerAuth(csmiddleware.JWTOptions{
			Secret:  cfg.JWTSecret,
			JWKSURL: cfg.JWKSURL,
			Logger:  logger,
		})
	default:
		return nil, func() {}, nil
	}
}
