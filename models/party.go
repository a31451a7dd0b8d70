package models

import (
	"fmt"
	"time"
)

// Party is a customer or supplier. ExternalId holds the E-Boekhouden relation id.
type Party struct {
	ID                 int       `gorm:"primary_key" json:"id"`
	BusinessId         string    `gorm:"uniqueIndex:idx_party_external,priority:1;size:64;not null" json:"business_id"`
	Kind               PartyKind `gorm:"uniqueIndex:idx_party_external,priority:2;size:20;not null" json:"kind"`
	ExternalId         string    `gorm:"uniqueIndex:idx_party_external,priority:3;size:128;not null" json:"external_id"`
	Name               string    `gorm:"index;size:255;not null" json:"name"`
	Email              string    `gorm:"size:255" json:"email"`
	Phone              string    `gorm:"size:40" json:"phone"`
	CreatedByMigration bool      `gorm:"not null;default:false" json:"created_by_migration"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FallbackPartyName is the name the simplified creator gives to a stand-in party.
func FallbackPartyName(relationId string) string {
	return fmt.Sprintf("E-Boekhouden Import: %s", relationId)
}
