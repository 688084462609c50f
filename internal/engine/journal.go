package engine

import (
	"context"
	"time"

	"roadwatch-sync-server/internal/domain"
	"roadwatch-sync-server/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier receives sync events for live dashboards.
type Notifier interface {
	Notify(event domain.LogEvent, data interface{})
}

type nopNotifier struct{}

func (nopNotifier) Notify(domain.LogEvent, interface{}) {}

// Journal writes the durable, queryable sync log. A failing write is logged
// and never interrupts the caller.
type Journal struct {
	logs   repository.LogRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewJournal(logs repository.LogRepository, logger *zap.Logger) *Journal {
	return &Journal{logs: logs, logger: logger.Named("journal"), now: time.Now}
}

// Entry builds an entry stamped with a fresh id and the current time.
func (j *Journal) Entry(level domain.LogLevel, event domain.LogEvent, msg string) *domain.LogEntry {
	return &domain.LogEntry{
		ID:        uuid.NewString(),
		Timestamp: j.now().UTC(),
		Level:     level,
		Event:     event,
		Message:   msg,
	}
}

func (j *Journal) Write(ctx context.Context, e *domain.LogEntry) {
	if err := j.logs.Append(ctx, e); err != nil {
		j.logger.Warn("failed to journal sync event",
			zap.String("event", string(e.Event)),
			zap.Error(err),
		)
	}
}

func (j *Journal) Log(ctx context.Context, level domain.LogLevel, event domain.LogEvent, msg string) {
	j.Write(ctx, j.Entry(level, event, msg))
}
