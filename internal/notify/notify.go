package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/types"
)

// Notifier delivers events best-effort. Implementations must not block the
// caller on slow sinks and never report failures back.
type Notifier interface {
	Notify(ctx context.Context, event types.Event)
}

type Nil struct{}

func (Nil) Notify(context.Context, types.Event) {}

type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event types.Event) {
	event = withID(event)
	for _, n := range m {
		n.Notify(ctx, event)
	}
}

type Log struct {
	logger *logrus.Entry
}

func NewLog(logger *logrus.Logger) *Log {
	return &Log{logger: logger.WithField("pkg", "notify.Log")}
}

func (l *Log) Notify(_ context.Context, event types.Event) {
	event = withID(event)
	l.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	}).WithFields(logrus.Fields(event.Data)).Info("event")
}

func withID(event types.Event) types.Event {
	if event.ID == "" {
		event.ID = "evt_" + uuid.New().String()
	}
	return event
}
