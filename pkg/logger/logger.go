// Package logger wires a logr.Logger backed by zerolog for the whole module.
//
// Packages keep a package level logger (var log = logger.GetLogger().WithName(...))
// taken at init time, so Init only adjusts the level and output format of the shared
// zerolog sink rather than replacing the logger.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

// Logger is the module-wide logger type.
type Logger = logr.Logger

// Config for the logger, read from the [log] section.
type Config struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type swapWriter struct {
	mu sync.RWMutex
	w  io.Writer
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.Write(p)
}

func (s *swapWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

var (
	out    = &swapWriter{w: console(os.Stderr)}
	global = newLogger(out)
)

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
}

func newLogger(w io.Writer) logr.Logger {
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"
	// logr V(1) is debug, V(2) trace

	zl := zerolog.New(w).With().Timestamp().Logger()
	return zerologr.New(&zl)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Init applies level and output format to every logger handed out by this package.
func Init(conf Config) {
	zerolog.SetGlobalLevel(parseLevel(conf.Level))
	if conf.JSON {
		out.set(os.Stderr)
	} else {
		out.set(console(os.Stderr))
	}
}

// GetLogger returns the shared logger.
func GetLogger() logr.Logger {
	return global
}
