package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// ENVIRONMENT=production selects JSON output, anything else the text handler.
func Init() {
	slog.SetDefault(New(os.Getenv("ENVIRONMENT"), os.Stdout))
}

// New builds a logger for the given environment writing to w
func New(env string, w io.Writer) *slog.Logger {
	if strings.EqualFold(env, "production") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// WithSession returns a logger carrying the identifiers of one workflow session
func WithSession(logger *slog.Logger, sessionID, examID, userID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(
		"session_id", sessionID,
		"exam_id", examID,
		"user_id", userID,
	)
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
