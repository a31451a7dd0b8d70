package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ImportedStatusSubmitted = "submitted"
	ImportedStatusDryRun    = "dry_run"
)

// ImportedDocument is the idempotency ledger: one row per source mutation, written in
// the same transaction as the target document. Unique on (business_id, source_mutation_id).
type ImportedDocument struct {
	ID               uint            `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"uniqueIndex:idx_imported_source,priority:1;size:64;not null" json:"business_id"`
	SourceMutationId int64           `gorm:"uniqueIndex:idx_imported_source,priority:2;not null" json:"source_mutation_id"`
	TransactionType  TransactionType `gorm:"size:30;index" json:"transaction_type"`
	TargetDocType    DocType         `gorm:"size:40;not null" json:"target_doc_type"`
	TargetDocId      int             `gorm:"not null" json:"target_doc_id"`
	TargetDocName    string          `gorm:"size:140" json:"target_doc_name"`
	Status           string          `gorm:"size:20;not null" json:"status"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	PostingDate      time.Time       `gorm:"type:date;index" json:"posting_date"`
	RunId            uint            `gorm:"index" json:"run_id"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
