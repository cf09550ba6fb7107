// Package logging builds the process logger and the adapters that route
// gin and gorm output through it.
package logging

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// New returns a console logger in dev and a JSON logger otherwise.
func New(env, level string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if env == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component returns a sub-logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Gin logs one line per request.
func Gin(l zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := l.Info()
		if c.Writer.Status() >= 500 {
			ev = l.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("x-forwarded-for", c.GetHeader("x-forwarded-for")).
			Msg("req")
	}
}

// Gorm adapts a zerolog.Logger to gorm's logger interface.
type Gorm struct {
	Log           zerolog.Logger
	SlowThreshold time.Duration
	level         gormlogger.LogLevel
}

func NewGorm(l zerolog.Logger) *Gorm {
	return &Gorm{Log: l, SlowThreshold: 200 * time.Millisecond, level: gormlogger.Warn}
}

func (g *Gorm) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *Gorm) Info(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Info {
		g.Log.Info().Msgf(msg, args...)
	}
}

func (g *Gorm) Warn(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Warn {
		g.Log.Warn().Msgf(msg, args...)
	}
}

func (g *Gorm) Error(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Error {
		g.Log.Error().Msgf(msg, args...)
	}
}

func (g *Gorm) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && g.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		g.Log.Error().Err(err).Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query failed")
	case g.SlowThreshold > 0 && elapsed > g.SlowThreshold && g.level >= gormlogger.Warn:
		sql, rows := fc()
		g.Log.Warn().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("slow query")
	case g.level >= gormlogger.Info:
		sql, rows := fc()
		g.Log.Debug().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query")
	}
}
