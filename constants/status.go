package constants

import "slices"

// ReceiptStatus is the lifecycle state stored in receipts.status.
type ReceiptStatus string

// Stable values (store these exact strings in DB).
const (
	StatusPending    ReceiptStatus = "pending"    // registered, waiting for a worker
	StatusProcessing ReceiptStatus = "processing" // leased by a worker or queued for reprocess
	StatusDone       ReceiptStatus = "done"       // extracted and validated
	StatusError      ReceiptStatus = "error"      // terminal failure, see error_detail
)

// Values recorded in receipts.error_detail.
const (
	ErrorDetailExtractionFailed  = "extraction_failed"
	ErrorDetailValidationFailed  = "validation_failed"
	ErrorDetailAttemptsExhausted = "attempts_exhausted"
	ErrorDetailContentMissing    = "content_missing"
)

// transitions lists every legal status change. processing -> processing is a
// lease hand-over after redelivery, not a new lifecycle step.
var transitions = map[ReceiptStatus][]ReceiptStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusProcessing, StatusDone, StatusError},
	StatusDone:       {StatusProcessing},
	StatusError:      {StatusProcessing},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to ReceiptStatus) bool {
	return slices.Contains(transitions[from], to)
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []ReceiptStatus {
	return []ReceiptStatus{StatusPending, StatusProcessing, StatusDone, StatusError}
}

// LeasableStatuses are the states a dequeued job may move into processing.
func LeasableStatuses() []ReceiptStatus {
	return []ReceiptStatus{StatusPending, StatusProcessing}
}

// TerminalStatuses are the states from which reprocess is accepted.
func TerminalStatuses() []ReceiptStatus {
	return []ReceiptStatus{StatusDone, StatusError}
}

func (s ReceiptStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

func (s ReceiptStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// ParseStatus returns the status for a stored string.
func ParseStatus(s string) (ReceiptStatus, bool) {
	st := ReceiptStatus(s)
	return st, st.Valid()
}
