package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentEntry struct {
	ID                int                `gorm:"primary_key" json:"id"`
	BusinessId        string             `gorm:"index;not null" json:"business_id"`
	Company           string             `gorm:"size:140" json:"company"`
	PaymentType       PaymentType        `gorm:"size:20;not null" json:"payment_type"`
	PartyKind         PartyKind          `gorm:"size:20;not null" json:"party_kind"`
	PartyId           int                `gorm:"index;not null" json:"party_id"`
	PostingDate       time.Time          `gorm:"type:date;not null" json:"posting_date"`
	PaidAmount        decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"paid_amount"`
	UnallocatedAmount decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"unallocated_amount"`
	BankAccountId     int                `gorm:"index;not null" json:"bank_account_id"`
	ReferenceNo       string             `gorm:"size:255;index" json:"reference_no"`
	Remarks           string             `gorm:"type:text" json:"remarks"`
	SourceMutationId  int64              `gorm:"index" json:"source_mutation_id"`
	References        []PaymentReference `gorm:"foreignKey:PaymentEntryId" json:"references"`
	CreatedAt         time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

type PaymentReference struct {
	ID                int             `gorm:"primary_key" json:"id"`
	PaymentEntryId    int             `gorm:"index;not null" json:"payment_entry_id"`
	InvoiceId         int             `gorm:"index;not null" json:"invoice_id"`
	InvoiceDocType    DocType         `gorm:"size:40" json:"invoice_doc_type"`
	InvoiceName       string          `gorm:"size:140" json:"invoice_name"`
	OutstandingBefore decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"outstanding_before"`
	AllocatedAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"allocated_amount"`
}

// AllocatedTotal sums every reference on the entry.
func (p *PaymentEntry) AllocatedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, ref := range p.References {
		total = total.Add(ref.AllocatedAmount)
	}
	return total
}
