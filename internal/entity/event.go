package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
)

// StatusEvent is published whenever a receipt reaches a terminal state.
type StatusEvent struct {
	ReceiptID    uuid.UUID               `json:"receipt_id"`
	OwnerID      string                  `json:"owner_id"`
	Status       constants.ReceiptStatus `json:"status"`
	ErrorDetail  string                  `json:"error_detail,omitempty"`
	AttemptCount int                     `json:"attempt_count"`
	At           time.Time               `json:"at"`
}
