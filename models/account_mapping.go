package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MappingSourceInferred = "inferred"
	MappingSourceManual   = "manual"
)

// AccountMapping routes a ledger code to a target document type and host account.
// Active rows are consulted by the classifier, highest priority first.
type AccountMapping struct {
	ID                     uint            `gorm:"primary_key" json:"id"`
	BusinessId             string          `gorm:"index:idx_mapping_lookup,priority:1;size:64;not null" json:"business_id"`
	LedgerCode             string          `gorm:"index:idx_mapping_lookup,priority:2;size:20;not null" json:"ledger_code"`
	LedgerName             string          `gorm:"size:255" json:"ledger_name"`
	ErpnextAccount         string          `gorm:"size:140" json:"erpnext_account"`
	DocumentType           DocType         `gorm:"size:40" json:"document_type"`
	Category               string          `gorm:"size:60" json:"category"`
	Priority               int             `gorm:"not null;default:0" json:"priority"`
	Confidence             decimal.Decimal `gorm:"type:decimal(5,2);default:0" json:"confidence"`
	IsActive               bool            `gorm:"index:idx_mapping_lookup,priority:3;not null;default:false" json:"is_active"`
	Source                 string          `gorm:"size:20" json:"source"`
	SampleDescriptionsJSON []byte          `gorm:"type:json" json:"-"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (m *AccountMapping) SampleDescriptions() []string {
	if len(m.SampleDescriptionsJSON) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(m.SampleDescriptionsJSON, &out); err != nil {
		return nil
	}
	return out
}

func (m *AccountMapping) SetSampleDescriptions(samples []string) {
	b, _ := json.Marshal(samples)
	m.SampleDescriptionsJSON = b
}
