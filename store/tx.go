package store

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/models"
	"gorm.io/gorm"
)

type gormTx struct {
	db         *gorm.DB
	businessId string
}

// '!' is the escape char; a backslash breaks under NO_BACKSLASH_ESCAPES.
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// escapeLike makes s match literally inside a LIKE pattern.
func escapeLike(s string) string { return likeEscaper.Replace(s) }

func (t *gormTx) BusinessId() string { return t.businessId }

func (t *gormTx) q(ctx context.Context) *gorm.DB {
	return t.db.WithContext(ctx)
}

func (t *gormTx) FindAccountByLedger(ctx context.Context, ledgerID, ledgerCode string) (*models.Account, error) {
	var out models.Account
	q := t.q(ctx).Where("business_id = ?", t.businessId)
	switch {
	case ledgerID != "" && ledgerCode != "":
		q = q.Where("ledger_id = ? OR ledger_code = ?", ledgerID, ledgerCode)
	case ledgerID != "":
		q = q.Where("ledger_id = ?", ledgerID)
	case ledgerCode != "":
		q = q.Where("ledger_code = ?", ledgerCode)
	default:
		return nil, ErrNotFound
	}
	if err := q.Order("id").First(&out).Error; err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func (t *gormTx) FindAccountByName(ctx context.Context, name string) (*models.Account, error) {
	var out models.Account
	if err := t.q(ctx).Where("business_id = ? AND name = ?", t.businessId, name).First(&out).Error; err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func (t *gormTx) FindAccountsByType(ctx context.Context, types ...models.AccountDetailType) ([]models.Account, error) {
	var out []models.Account
	err := t.q(ctx).
		Where("business_id = ? AND detail_type IN ? AND is_active = ?", t.businessId, types, true).
		Order("id").
		Find(&out).Error
	return out, translate(err)
}

func (t *gormTx) CreateAccount(ctx context.Context, account *models.Account) error {
	account.BusinessId = t.businessId
	return translate(t.q(ctx).Create(account).Error)
}

func (t *gormTx) UpdateAccountType(ctx context.Context, accountId int, detailType models.AccountDetailType) error {
	res := t.q(ctx).Model(&models.Account{}).
		Where("business_id = ? AND id = ?", t.businessId, accountId).
		Update("detail_type", detailType)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *gormTx) FindParty(ctx context.Context, kind models.PartyKind, externalId string) (*models.Party, error) {
	var out models.Party
	err := t.q(ctx).
		Where("business_id = ? AND kind = ? AND external_id = ?", t.businessId, kind, externalId).
		First(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func (t *gormTx) FindPartiesByExternalId(ctx context.Context, externalId string) ([]models.Party, error) {
	var out []models.Party
	err := t.q(ctx).Where("business_id = ? AND external_id = ?", t.businessId, externalId).Order("id").Find(&out).Error
	return out, translate(err)
}

func (t *gormTx) CreateParty(ctx context.Context, party *models.Party) error {
	party.BusinessId = t.businessId
	return translate(t.q(ctx).Create(party).Error)
}

func (t *gormTx) FindInvoices(ctx context.Context, iq host.InvoiceQuery) ([]models.Invoice, error) {
	q := t.q(ctx).Where("business_id = ? AND doc_type = ?", t.businessId, iq.DocType)
	if iq.PartyId != 0 {
		q = q.Where("party_id = ?", iq.PartyId)
	}
	switch {
	case iq.ExternalNumber != "":
		q = q.Where("external_invoice_number = ?", iq.ExternalNumber)
	case iq.Name != "":
		q = q.Where("name = ?", iq.Name)
	case iq.Like != "":
		like := "%" + escapeLike(iq.Like) + "%"
		q = q.Where("external_invoice_number LIKE ? ESCAPE '!' OR name LIKE ? ESCAPE '!'", like, like)
	}
	if iq.Limit > 0 {
		q = q.Limit(iq.Limit)
	}
	var out []models.Invoice
	err := q.Order("posting_date").Order("id").Find(&out).Error
	return out, translate(err)
}

func (t *gormTx) InvoiceNumberExists(ctx context.Context, docType models.DocType, externalNumber string) (bool, error) {
	var count int64
	err := t.q(ctx).Model(&models.Invoice{}).
		Where("business_id = ? AND doc_type = ? AND external_invoice_number = ?", t.businessId, docType, externalNumber).
		Count(&count).Error
	return count > 0, translate(err)
}

func (t *gormTx) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	invoice.BusinessId = t.businessId
	return translate(t.q(ctx).Create(invoice).Error)
}

func (t *gormTx) UpdateInvoiceOutstanding(ctx context.Context, invoiceId int, outstanding decimal.Decimal) error {
	return translate(t.q(ctx).Model(&models.Invoice{}).
		Where("business_id = ? AND id = ?", t.businessId, invoiceId).
		Update("outstanding_amount", outstanding).Error)
}

func (t *gormTx) PaymentExists(ctx context.Context, key host.PaymentKey) (bool, error) {
	var count int64
	err := t.q(ctx).Model(&models.PaymentEntry{}).
		Where("business_id = ? AND payment_type = ? AND party_id = ? AND paid_amount = ? AND posting_date = ? AND reference_no = ?",
			t.businessId, key.PaymentType, key.PartyId, key.Amount, key.PostingDate, key.ReferenceNo).
		Count(&count).Error
	return count > 0, translate(err)
}

func (t *gormTx) CreatePaymentEntry(ctx context.Context, payment *models.PaymentEntry) error {
	payment.BusinessId = t.businessId
	return translate(t.q(ctx).Create(payment).Error)
}

func (t *gormTx) CreateJournalEntry(ctx context.Context, journal *models.JournalEntry) error {
	journal.BusinessId = t.businessId
	return translate(t.q(ctx).Create(journal).Error)
}

func (t *gormTx) FindImported(ctx context.Context, sourceMutationId int64) (*models.ImportedDocument, error) {
	var out models.ImportedDocument
	err := t.q(ctx).Where("business_id = ? AND source_mutation_id = ?", t.businessId, sourceMutationId).First(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func (t *gormTx) RecordImported(ctx context.Context, doc *models.ImportedDocument) error {
	doc.BusinessId = t.businessId
	return translate(t.q(ctx).Create(doc).Error)
}
