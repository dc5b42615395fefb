package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options 控制日志输出。
type Options struct {
	Level   string    // debug / info / warn / error，默认 info
	Output  io.Writer // 默认 os.Stdout
	Service string    // 默认 cineshorts
	Pretty  bool      // 使用控制台格式，CLI 下更易读
}

// New 创建结构化日志器，每条日志附带 service 与时间戳字段。
func New(opts Options) zerolog.Logger {
	level := zerolog.InfoLevel
	if raw := strings.TrimSpace(opts.Level); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	service := opts.Service
	if service == "" {
		service = "cineshorts"
	}

	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()
}

// Component 派生带 component 字段的子日志器。
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
