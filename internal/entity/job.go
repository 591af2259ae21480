package entity

import (
	"time"

	"github.com/google/uuid"
)

// Job is the unit of work handed to a worker.
type Job struct {
	ReceiptID    uuid.UUID `json:"receipt_id"`
	AttemptCount int       `json:"attempt_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	TraceID      string    `json:"trace_id,omitempty"`
}

// Lease is a dequeued job plus the token that proves ownership of it.
type Lease struct {
	Job
	Token    uuid.UUID
	Deadline time.Time
}
