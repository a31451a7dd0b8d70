package models

import "time"

type ReceiptStatus string

const (
	ReceiptStatusClaimed ReceiptStatus = "CLAIMED"
	ReceiptStatusDone    ReceiptStatus = "DONE"
	ReceiptStatusFailed  ReceiptStatus = "FAILED"
)

// RunMessageReceipt records each queued run message a handler has seen so that
// Pub/Sub redeliveries do not start the same run twice.
// One row per (business_id, handler, message_id).
type RunMessageReceipt struct {
	ID         int           `gorm:"primary_key" json:"id"`
	BusinessId string        `gorm:"size:64;not null;index:uniq_run_msg,unique" json:"business_id"`
	Handler    string        `gorm:"size:64;not null;index:uniq_run_msg,unique" json:"handler"`
	MessageId  string        `gorm:"size:255;not null;index:uniq_run_msg,unique" json:"message_id"`
	Status     ReceiptStatus `gorm:"size:16;not null;index" json:"status"`
	Deliveries int           `gorm:"not null;default:1" json:"deliveries"`
	LastError  *string       `gorm:"type:text" json:"last_error"`
	ClaimedAt  time.Time     `gorm:"not null" json:"claimed_at"`
	FinishedAt *time.Time    `json:"finished_at"`
}
