package sink

import (
	"context"
	"log/slog"

	"github.com/andresmejia3/facemood/internal/types"
)

// Log writes status changes and fresh classifications to a slog logger.
// Repeated identical statuses are logged once.
type Log struct {
	Logger *slog.Logger

	lastStatus string
	lastLabel  string
}

// NewLog returns a logging sink.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Logger: logger}
}

func (l *Log) Present(s types.Snapshot) {
	if s.Fresh {
		level := slog.LevelDebug
		if s.Emotion.Label != l.lastLabel {
			level = slog.LevelInfo
		}
		l.lastLabel = s.Emotion.Label
		l.Logger.Log(context.Background(), level, "emotion",
			slog.Uint64("seq", s.Seq),
			slog.String("label", s.Emotion.Label),
			slog.Float64("confidence", s.Emotion.Confidence),
			slog.Int("faces", len(s.Detections)),
		)
	}

	if s.Status == l.lastStatus {
		return
	}
	l.lastStatus = s.Status
	l.Logger.Info("status", slog.String("status", s.Status))
}
