package tasks

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const defaultQueueName = "payroll"

var QUEUE_NAME = getQueueName()

func getQueueName() string {
	if name := os.Getenv("TASK_QUEUE_NAME"); name != "" {
		return name
	}
	return defaultQueueName
}

const (
	TypeProcessSchedule = "payroll:process"
)

// ProcessSchedulePayload asks a worker to start the run of ScheduleID that
// fell due at ScheduledFor.
type ProcessSchedulePayload struct {
	ScheduleID   uuid.UUID `json:"schedule_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// ProcessScheduleTaskID is unique per scheduled run so overlapping sweeps
// enqueue it once.
func ProcessScheduleTaskID(scheduleID uuid.UUID, scheduledFor time.Time) string {
	return fmt.Sprintf("%s:%s:%d", TypeProcessSchedule, scheduleID, scheduledFor.Unix())
}

func NewProcessScheduleTask(p ProcessSchedulePayload) (*asynq.Task, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(TypeProcessSchedule, buf), nil
}

func ParseProcessSchedulePayload(t *asynq.Task) (ProcessSchedulePayload, error) {
	var p ProcessSchedulePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return ProcessSchedulePayload{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if p.ScheduleID == uuid.Nil {
		return ProcessSchedulePayload{}, fmt.Errorf("payload is missing schedule_id")
	}
	return p, nil
}
