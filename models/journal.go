package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type JournalEntry struct {
	ID               int               `gorm:"primary_key" json:"id"`
	BusinessId       string            `gorm:"index;not null" json:"business_id"`
	Company          string            `gorm:"size:140" json:"company"`
	VoucherType      string            `gorm:"size:40" json:"voucher_type"`
	PostingDate      time.Time         `gorm:"type:date;not null" json:"posting_date"`
	UserRemark       string            `gorm:"type:text" json:"user_remark"`
	TotalDebit       decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"total_debit"`
	TotalCredit      decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"total_credit"`
	SourceMutationId int64             `gorm:"index" json:"source_mutation_id"`
	Rows             []JournalEntryRow `gorm:"foreignKey:JournalEntryId" json:"rows"`
	CreatedAt        time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type JournalEntryRow struct {
	ID             int             `gorm:"primary_key" json:"id"`
	JournalEntryId int             `gorm:"index;not null" json:"journal_entry_id"`
	AccountId      int             `gorm:"index;not null" json:"account_id"`
	PartyId        int             `gorm:"index" json:"party_id"`
	Description    string          `gorm:"size:255" json:"description"`
	Debit          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"debit"`
	Credit         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"credit"`
}

// Totals returns the debit and credit sums of the rows.
func (j *JournalEntry) Totals() (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, r := range j.Rows {
		debit = debit.Add(r.Debit)
		credit = credit.Add(r.Credit)
	}
	return debit, credit
}

// Balanced compares the totals to the cent.
func (j *JournalEntry) Balanced() bool {
	debit, credit := j.Totals()
	return debit.Round(2).Equal(credit.Round(2))
}
