package events

import (
	platformevents "fieldsync_backend/platform/events"
	"fieldsync_backend/platform/logger"
)

// InMemoryBus aliases the platform bus so modules only import this package.
type InMemoryBus = platformevents.InMemoryBus

func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return platformevents.NewInMemoryBus(log)
}
