package models

import (
	"time"
)

// Account is a chart-of-accounts entry in the host ledger. LedgerCode/LedgerId
// link it to the E-Boekhouden grootboekrekening it was created for.
type Account struct {
	ID         int               `gorm:"primary_key" json:"id"`
	BusinessId string            `gorm:"index;not null" json:"business_id"`
	Company    string            `gorm:"size:140;index" json:"company"`
	Name       string            `gorm:"index;size:140;not null" json:"name"`
	LedgerCode string            `gorm:"index;size:20" json:"ledger_code"`
	LedgerId   string            `gorm:"index;size:40" json:"ledger_id"`
	DetailType AccountDetailType `gorm:"size:50;index;not null;default:'Expense'" json:"detail_type"`
	IsActive   *bool             `gorm:"not null;default:true" json:"is_active"`
	IsSystem   bool              `gorm:"not null;default:false" json:"is_system"`
	CreatedAt  time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a *Account) Active() bool {
	return a.IsActive == nil || *a.IsActive
}

// SuspenseAccountName is the holding account for journal sides with no known counter-account.
const SuspenseAccountName = "E-Boekhouden Suspense"
