package domain

import "time"

type ReceiptStatus string

const (
	ReceiptProcessing ReceiptStatus = "PROCESSING"
	ReceiptCompleted  ReceiptStatus = "COMPLETED"
)

// CallbackReceipt is the idempotency ledger row for one callback id.
type CallbackReceipt struct {
	CallbackID     string
	RunID          string
	StepRunID      string
	Status         ReceiptStatus
	ResultLocation string
	ReceivedAt     time.Time
	CompletedAt    *time.Time
}
