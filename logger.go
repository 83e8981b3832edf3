package vqs

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger 为最小日志接口，应用可注入自定义实现。kv 为成对的键值。
type Logger interface {
	Info(ctx context.Context, msg string, kv ...interface{})
	Warn(ctx context.Context, msg string, kv ...interface{})
	Error(ctx context.Context, msg string, kv ...interface{})
}

// zerologLogger 默认实现，输出 JSON 到 stderr。
type zerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger 将 zerolog.Logger 适配为 Logger。
func NewZerologLogger(l zerolog.Logger) Logger {
	return zerologLogger{l: l}
}

func newDefaultLogger(cfg LoggerConfig) Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	l := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "vqs").Logger()
	return zerologLogger{l: l}
}

func (z zerologLogger) Info(ctx context.Context, msg string, kv ...interface{}) {
	z.l.Info().Fields(kv).Msg(msg)
}

func (z zerologLogger) Warn(ctx context.Context, msg string, kv ...interface{}) {
	z.l.Warn().Fields(kv).Msg(msg)
}

func (z zerologLogger) Error(ctx context.Context, msg string, kv ...interface{}) {
	z.l.Error().Fields(kv).Msg(msg)
}
