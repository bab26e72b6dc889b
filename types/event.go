package types

import "time"

type EventType string

const (
	EventExecutionPending   EventType = "payroll.execution.pending"
	EventExecutionCompleted EventType = "payroll.execution.completed"
	EventExecutionPartial   EventType = "payroll.execution.partial"
	EventExecutionFailed    EventType = "payroll.execution.failed"
	EventExecutionCancelled EventType = "payroll.execution.cancelled"
	EventExecutionMissed    EventType = "payroll.execution.missed"
	EventScheduleExpired    EventType = "payroll.schedule.expired"
	EventBatchSubmitted     EventType = "batch.submitted"
	EventBatchCompleted     EventType = "batch.completed"
	EventBatchFailed        EventType = "batch.failed"
)

type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}
