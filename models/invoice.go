package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Invoice covers both Sales and Purchase invoices; DocType tells them apart.
type Invoice struct {
	ID                    int             `gorm:"primary_key" json:"id"`
	BusinessId            string          `gorm:"index;not null" json:"business_id"`
	DocType               DocType         `gorm:"size:40;index;not null" json:"doc_type"`
	Name                  string          `gorm:"size:140;index;not null" json:"name"`
	Company               string          `gorm:"size:140" json:"company"`
	PartyId               int             `gorm:"index;not null" json:"party_id"`
	ExternalInvoiceNumber string          `gorm:"size:140;index" json:"external_invoice_number"`
	PostingDate           time.Time       `gorm:"type:date;not null" json:"posting_date"`
	DueDate               time.Time       `gorm:"type:date;not null" json:"due_date"`
	ReceivableAccountId   int             `gorm:"index" json:"receivable_account_id"`
	NetTotal              decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"net_total"`
	TaxTotal              decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax_total"`
	GrandTotal            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"grand_total"`
	OutstandingAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"outstanding_amount"`
	Remarks               string          `gorm:"type:text" json:"remarks"`
	SourceMutationId      int64           `gorm:"index" json:"source_mutation_id"`
	Items                 []InvoiceItem   `gorm:"foreignKey:InvoiceId" json:"items"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type InvoiceItem struct {
	ID          int              `gorm:"primary_key" json:"id"`
	InvoiceId   int              `gorm:"index;not null" json:"invoice_id"`
	AccountId   int              `gorm:"index;not null" json:"account_id"`
	Description string           `gorm:"size:255" json:"description"`
	Qty         decimal.Decimal  `gorm:"type:decimal(20,4);default:1" json:"qty"`
	Rate        decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"rate"`
	Amount      decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"amount"`
	VatCode     string           `gorm:"size:20" json:"vat_code"`
	VatAmount   *decimal.Decimal `gorm:"type:decimal(20,4)" json:"vat_amount"`
}
