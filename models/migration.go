package models

import (
	"log"

	"github.com/verenigingen/eboekhouden/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Account{}, &Party{},
		&Invoice{}, &InvoiceItem{},
		&PaymentEntry{}, &PaymentReference{},
		&JournalEntry{}, &JournalEntryRow{},
		&ImportedDocument{}, &AccountMapping{},
		&MigrationRun{}, &MigrationRunError{}, &MigrationSettings{},
		&RunMessageReceipt{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
