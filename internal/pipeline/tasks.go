// Package pipeline is the event processing backbone: it carries durable inbox
// rows through the engines over per-family asynq queues and owns the retry
// and dead-letter transitions.
package pipeline

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// TaskProcessEvent carries one inbox row id to its family queue. The task is
// transport only: all processing state lives on the row.
const TaskProcessEvent = "pipeline.event.process"

type ProcessEventPayload struct {
	EventRowID string `json:"eventRowId"`
}

func NewProcessEventTask(payload ProcessEventPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProcessEvent, data), nil
}

func ParseProcessEventPayload(task *asynq.Task) (ProcessEventPayload, error) {
	var payload ProcessEventPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ProcessEventPayload{}, err
	}
	return payload, nil
}
