package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

const redacted = "[redacted]"

// secretKeys are redacted as whole keys or as a "_"-separated suffix.
var secretKeys = []string{"password", "api_key", "apikey", "token", "secret", "authorization"}

// SetupLogger logs text to stderr and, when logFile is set, JSON to that file.
// attrs are attached to every record. The returned func closes the file.
func SetupLogger(logFile string, level slog.Level, attrs ...any) (*slog.Logger, func() error) {
	noop := func() error { return nil }
	stderr := slog.NewTextHandler(os.Stderr, handlerOptions(level))
	if logFile == "" {
		return slog.New(stderr).With(attrs...), noop
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(stderr).With(attrs...)
		logger.Error("failed to open log file, using stderr only", "error", err, "file", logFile)
		return logger, noop
	}
	return newFanout(stderr, file, level).With(attrs...), file.Close
}

// SetupLoggerWithWriters is SetupLogger over arbitrary writers.
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	return newFanout(slog.NewTextHandler(stderr, handlerOptions(level)), file, level)
}

func newFanout(text slog.Handler, file io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slogmulti.Fanout(text, slog.NewJSONHandler(file, handlerOptions(level))))
}

func handlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{Level: level, ReplaceAttr: redactSecrets}
}

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if key == s || strings.HasSuffix(key, "_"+s) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}
