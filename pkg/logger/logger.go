package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("logger",
	fx.Provide(NewLogger),
	fx.Provide(NewHTTPLogger),
)

// NewLogger builds the process logger. LOG_LEVEL selects the level
// (debug, info, warn|warning, error; anything else is info) and
// GO_ENV=production switches to JSON output.
func NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))}

	var handler slog.Handler
	if os.Getenv("GO_ENV") == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Scope tags log lines with the component that produced them.
func Scope(name string) slog.Attr {
	return slog.String("scope", name)
}

// Error attaches an error to a log line.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// HTTPLogger writes one access-log line per request. Output goes to the
// file named by HTTP_LOG_FILE, or is discarded when unset.
type HTTPLogger struct {
	mu  sync.Mutex
	out io.Writer
}

// NewHTTPLogger opens the access log.
func NewHTTPLogger(lc fx.Lifecycle) (*HTTPLogger, error) {
	path := os.Getenv("HTTP_LOG_FILE")
	if path == "" {
		return &HTTPLogger{out: io.Discard}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open http log: %w", err)
	}
	lc.Append(fx.StopHook(f.Close))
	return &HTTPLogger{out: f}, nil
}

// NewHTTPLoggerWriter returns an access logger writing to w.
func NewHTTPLoggerWriter(w io.Writer) *HTTPLogger {
	return &HTTPLogger{out: w}
}

// LogRequest writes a combined-style access line.
func (l *HTTPLogger) LogRequest(ip, method, uri string, status int, latency time.Duration, userAgent, requestID string) {
	if l == nil || l.out == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %s %q %d %dms %q %s\n",
		time.Now().UTC().Format(time.RFC3339), ip, method+" "+uri, status, latency.Milliseconds(), userAgent, requestID)
}
