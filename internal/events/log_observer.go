package events

import (
	"log/slog"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// LogObserver writes one structured line per transition
type LogObserver struct {
	Logger *slog.Logger
}

// NewLogObserver returns a LogObserver; a nil logger uses slog.Default()
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{Logger: logger}
}

// Observe logs failures at warn level and everything else at info
func (l *LogObserver) Observe(t types.Transition) error {
	attrs := []any{
		"job_id", t.JobID,
		"type", t.JobType,
		"from", t.From,
		"to", t.To,
		"attempts", t.Attempts,
	}
	if t.Error != "" {
		attrs = append(attrs, "error", t.Error)
	}

	switch t.Kind {
	case types.KindFailed, types.KindRetrying:
		l.Logger.Warn("job "+string(t.Kind), attrs...)
	default:
		l.Logger.Info("job "+string(t.Kind), attrs...)
	}
	return nil
}
