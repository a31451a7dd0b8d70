// Package storetest provides an in-memory host.Store for tests. Transactions work on
// a copy of the document tables that replaces the original only on success.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/models"
)

type tables struct {
	accounts []models.Account
	parties  []models.Party
	invoices []models.Invoice
	payments []models.PaymentEntry
	journals []models.JournalEntry
	imported []models.ImportedDocument
}

func (t tables) clone() tables {
	return tables{
		accounts: append([]models.Account(nil), t.accounts...),
		parties:  append([]models.Party(nil), t.parties...),
		invoices: append([]models.Invoice(nil), t.invoices...),
		payments: append([]models.PaymentEntry(nil), t.payments...),
		journals: append([]models.JournalEntry(nil), t.journals...),
		imported: append([]models.ImportedDocument(nil), t.imported...),
	}
}

type Memory struct {
	mu     sync.Mutex
	docs   tables
	nextID int

	runs      []models.MigrationRun
	runErrors []models.MigrationRunError
	mappings  []models.AccountMapping
	settings  map[string]models.MigrationSettings
	messages  map[string]models.ReceiptStatus

	// Fail makes the named Tx operation return the error, e.g. "CreatePaymentEntry".
	Fail map[string]error
	// FailOnce is like Fail but the entry is removed after it fired.
	FailOnce map[string]error
	// Commits and Rollbacks count finished transactions.
	Commits   int
	Rollbacks int
}

func NewMemory() *Memory {
	return &Memory{
		settings: map[string]models.MigrationSettings{},
		messages: map[string]models.ReceiptStatus{},
		Fail:     map[string]error{},
		FailOnce: map[string]error{},
	}
}

func (m *Memory) id() int {
	m.nextID++
	return m.nextID
}

func (m *Memory) Transaction(ctx context.Context, businessId string, fn func(tx host.Tx) error) error {
	m.mu.Lock()
	work := m.docs.clone()
	m.mu.Unlock()

	tx := &memTx{m: m, businessId: businessId, t: &work}
	if err := fn(tx); err != nil {
		m.mu.Lock()
		m.Rollbacks++
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.docs = work
	m.Commits++
	m.mu.Unlock()
	return nil
}

// Seed helpers write outside any transaction.

func (m *Memory) AddAccount(a models.Account) models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == 0 {
		a.ID = m.id()
	}
	m.docs.accounts = append(m.docs.accounts, a)
	return a
}

func (m *Memory) AddParty(p models.Party) models.Party {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.id()
	}
	m.docs.parties = append(m.docs.parties, p)
	return p
}

func (m *Memory) AddInvoice(inv models.Invoice) models.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv.ID == 0 {
		inv.ID = m.id()
	}
	m.docs.invoices = append(m.docs.invoices, inv)
	return inv
}

func (m *Memory) AddMapping(mp models.AccountMapping) models.AccountMapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp.ID == 0 {
		mp.ID = uint(m.id())
	}
	m.mappings = append(m.mappings, mp)
	return mp
}

// Snapshot accessors for assertions.

func (m *Memory) Accounts() []models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Account(nil), m.docs.accounts...)
}

func (m *Memory) Parties() []models.Party {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Party(nil), m.docs.parties...)
}

func (m *Memory) Invoices() []models.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Invoice(nil), m.docs.invoices...)
}

func (m *Memory) Invoice(name string) (models.Invoice, bool) {
	for _, inv := range m.Invoices() {
		if inv.Name == name || inv.ExternalInvoiceNumber == name {
			return inv, true
		}
	}
	return models.Invoice{}, false
}

func (m *Memory) Payments() []models.PaymentEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PaymentEntry(nil), m.docs.payments...)
}

func (m *Memory) Journals() []models.JournalEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JournalEntry(nil), m.docs.journals...)
}

func (m *Memory) Imported() []models.ImportedDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ImportedDocument(nil), m.docs.imported...)
}

// RunStore

func (m *Memory) CreateRun(ctx context.Context, run *models.MigrationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = uint(m.id())
	run.CreatedAt = time.Now()
	m.runs = append(m.runs, *run)
	return nil
}

func (m *Memory) UpdateRun(ctx context.Context, run *models.MigrationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			run.UpdatedAt = time.Now()
			m.runs[i] = *run
			return nil
		}
	}
	return host.ErrNotFound
}

func (m *Memory) GetRun(ctx context.Context, businessId string, runId uint) (*models.MigrationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == runId && r.BusinessId == businessId {
			run := r
			return &run, nil
		}
	}
	return nil, host.ErrNotFound
}

func (m *Memory) ListRuns(ctx context.Context, businessId string, limit int) ([]models.MigrationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MigrationRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].BusinessId == businessId {
			out = append(out, m.runs[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) LastHighWaterMark(ctx context.Context, businessId string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mark int64
	for _, r := range m.runs {
		if r.BusinessId == businessId && r.Mode == models.RunModeID && !r.DryRun && r.HighWaterMark > mark {
			mark = r.HighWaterMark
		}
	}
	return mark, nil
}

func (m *Memory) AddRunError(ctx context.Context, runErr *models.MigrationRunError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	runErr.ID = uint(m.id())
	m.runErrors = append(m.runErrors, *runErr)
	return nil
}

func (m *Memory) RunErrors(ctx context.Context, runId uint) ([]models.MigrationRunError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MigrationRunError
	for _, e := range m.runErrors {
		if e.RunId == runId {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) MarkRunErrorsRelabeled(ctx context.Context, ids []uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := map[uint]bool{}
	for _, id := range ids {
		set[id] = true
	}
	for i := range m.runErrors {
		if set[m.runErrors[i].ID] {
			m.runErrors[i].Relabeled = true
		}
	}
	return nil
}

// MappingStore

func (m *Memory) ListMappings(ctx context.Context, businessId string, activeOnly bool) ([]models.AccountMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AccountMapping
	for _, mp := range m.mappings {
		if mp.BusinessId != businessId || (activeOnly && !mp.IsActive) {
			continue
		}
		out = append(out, mp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetMapping(ctx context.Context, businessId string, id uint) (*models.AccountMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mp := range m.mappings {
		if mp.ID == id && mp.BusinessId == businessId {
			out := mp
			return &out, nil
		}
	}
	return nil, host.ErrNotFound
}

func (m *Memory) SaveMapping(ctx context.Context, mapping *models.AccountMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mapping.ID != 0 {
		for i := range m.mappings {
			if m.mappings[i].ID == mapping.ID {
				m.mappings[i] = *mapping
				return nil
			}
		}
	}
	mapping.ID = uint(m.id())
	m.mappings = append(m.mappings, *mapping)
	return nil
}

// SettingsStore

func (m *Memory) GetSettings(ctx context.Context, businessId string) (*models.MigrationSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[businessId]
	if !ok {
		return nil, host.ErrNotFound
	}
	return &s, nil
}

func (m *Memory) SaveSettings(ctx context.Context, settings *models.MigrationSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[settings.BusinessId] = *settings
	return nil
}

// ReportReader

func (m *Memory) ImportedTotals(ctx context.Context, businessId string, scope host.ImportScope) (map[models.TransactionType]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[models.TransactionType]decimal.Decimal{}
	for _, d := range m.docs.imported {
		if d.BusinessId != businessId || d.Status != models.ImportedStatusSubmitted {
			continue
		}
		if scope.ByID() {
			if d.SourceMutationId < scope.FromId || d.SourceMutationId > scope.ToId {
				continue
			}
		} else if d.PostingDate.Before(scope.From) || d.PostingDate.After(scope.To) {
			continue
		}
		out[d.TransactionType] = out[d.TransactionType].Add(d.Amount)
	}
	return out, nil
}

func (m *Memory) ImportedSourceIds(ctx context.Context, businessId string, sourceIds []int64) (map[int64]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[int64]bool{}
	for _, id := range sourceIds {
		want[id] = true
	}
	out := map[int64]bool{}
	for _, d := range m.docs.imported {
		if d.BusinessId == businessId && want[d.SourceMutationId] {
			out[d.SourceMutationId] = true
		}
	}
	return out, nil
}

func (m *Memory) AccountBalance(ctx context.Context, businessId string, accountId int) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, j := range m.docs.journals {
		if j.BusinessId != businessId {
			continue
		}
		for _, r := range j.Rows {
			if r.AccountId == accountId {
				total = total.Add(r.Debit).Sub(r.Credit)
			}
		}
	}
	return total, nil
}

func (m *Memory) AccountByName(ctx context.Context, businessId, name string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.docs.accounts {
		if a.BusinessId == businessId && a.Name == name {
			out := a
			return &out, nil
		}
	}
	return nil, host.ErrNotFound
}

// MessageLedger

func messageKey(businessId, handler, messageId string) string {
	return businessId + "|" + handler + "|" + messageId
}

func (m *Memory) BeginMessage(ctx context.Context, businessId, handler, messageId string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := messageKey(businessId, handler, messageId)
	switch m.messages[key] {
	case models.ReceiptStatusDone:
		return true, nil
	case models.ReceiptStatusClaimed:
		return false, host.ErrMessageInProgress
	}
	m.messages[key] = models.ReceiptStatusClaimed
	return false, nil
}

func (m *Memory) FinishMessage(ctx context.Context, businessId, handler, messageId string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := models.ReceiptStatusDone
	if cause != nil {
		status = models.ReceiptStatusFailed
	}
	m.messages[messageKey(businessId, handler, messageId)] = status
	return nil
}

type memTx struct {
	m          *Memory
	businessId string
	t          *tables
}

func (tx *memTx) fail(op string) error {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	if err, ok := tx.m.FailOnce[op]; ok {
		delete(tx.m.FailOnce, op)
		return err
	}
	return tx.m.Fail[op]
}

func (tx *memTx) newID() int {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	return tx.m.id()
}

func (tx *memTx) BusinessId() string { return tx.businessId }

func (tx *memTx) FindAccountByLedger(ctx context.Context, ledgerID, ledgerCode string) (*models.Account, error) {
	for _, a := range tx.t.accounts {
		if a.BusinessId != tx.businessId {
			continue
		}
		if (ledgerID != "" && a.LedgerId == ledgerID) || (ledgerCode != "" && a.LedgerCode == ledgerCode) {
			out := a
			return &out, nil
		}
	}
	return nil, host.ErrNotFound
}

func (tx *memTx) FindAccountByName(ctx context.Context, name string) (*models.Account, error) {
	for _, a := range tx.t.accounts {
		if a.BusinessId == tx.businessId && strings.EqualFold(a.Name, name) {
			out := a
			return &out, nil
		}
	}
	return nil, host.ErrNotFound
}

func (tx *memTx) FindAccountsByType(ctx context.Context, types ...models.AccountDetailType) ([]models.Account, error) {
	var out []models.Account
	for _, a := range tx.t.accounts {
		if a.BusinessId != tx.businessId || !a.Active() {
			continue
		}
		for _, t := range types {
			if a.DetailType == t {
				out = append(out, a)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) CreateAccount(ctx context.Context, account *models.Account) error {
	if err := tx.fail("CreateAccount"); err != nil {
		return err
	}
	for _, a := range tx.t.accounts {
		if a.BusinessId == tx.businessId && a.Name == account.Name && a.Company == account.Company {
			return host.ErrDuplicate
		}
	}
	account.ID = tx.newID()
	account.BusinessId = tx.businessId
	tx.t.accounts = append(tx.t.accounts, *account)
	return nil
}

func (tx *memTx) UpdateAccountType(ctx context.Context, accountId int, detailType models.AccountDetailType) error {
	for i := range tx.t.accounts {
		if tx.t.accounts[i].ID == accountId && tx.t.accounts[i].BusinessId == tx.businessId {
			tx.t.accounts[i].DetailType = detailType
			return nil
		}
	}
	return host.ErrNotFound
}

func (tx *memTx) FindParty(ctx context.Context, kind models.PartyKind, externalId string) (*models.Party, error) {
	for _, p := range tx.t.parties {
		if p.BusinessId == tx.businessId && p.Kind == kind && p.ExternalId == externalId {
			out := p
			return &out, nil
		}
	}
	return nil, host.ErrNotFound
}

func (tx *memTx) FindPartiesByExternalId(ctx context.Context, externalId string) ([]models.Party, error) {
	var out []models.Party
	for _, p := range tx.t.parties {
		if p.BusinessId == tx.businessId && p.ExternalId == externalId {
			out = append(out, p)
		}
	}
	return out, nil
}

func (tx *memTx) CreateParty(ctx context.Context, party *models.Party) error {
	if err := tx.fail("CreateParty"); err != nil {
		return err
	}
	if _, err := tx.FindParty(ctx, party.Kind, party.ExternalId); err == nil {
		return host.ErrDuplicate
	}
	party.ID = tx.newID()
	party.BusinessId = tx.businessId
	tx.t.parties = append(tx.t.parties, *party)
	return nil
}

func (tx *memTx) FindInvoices(ctx context.Context, q host.InvoiceQuery) ([]models.Invoice, error) {
	var out []models.Invoice
	for _, inv := range tx.t.invoices {
		if inv.BusinessId != tx.businessId || inv.DocType != q.DocType {
			continue
		}
		if q.PartyId != 0 && inv.PartyId != q.PartyId {
			continue
		}
		switch {
		case q.ExternalNumber != "":
			if inv.ExternalInvoiceNumber != q.ExternalNumber {
				continue
			}
		case q.Name != "":
			if inv.Name != q.Name {
				continue
			}
		case q.Like != "":
			if !strings.Contains(inv.ExternalInvoiceNumber, q.Like) && !strings.Contains(inv.Name, q.Like) {
				continue
			}
		}
		out = append(out, inv)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (tx *memTx) InvoiceNumberExists(ctx context.Context, docType models.DocType, externalNumber string) (bool, error) {
	for _, inv := range tx.t.invoices {
		if inv.BusinessId == tx.businessId && inv.DocType == docType && inv.ExternalInvoiceNumber == externalNumber {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	if err := tx.fail("CreateInvoice"); err != nil {
		return err
	}
	invoice.ID = tx.newID()
	invoice.BusinessId = tx.businessId
	for i := range invoice.Items {
		invoice.Items[i].InvoiceId = invoice.ID
	}
	tx.t.invoices = append(tx.t.invoices, *invoice)
	return nil
}

func (tx *memTx) UpdateInvoiceOutstanding(ctx context.Context, invoiceId int, outstanding decimal.Decimal) error {
	for i := range tx.t.invoices {
		if tx.t.invoices[i].ID == invoiceId && tx.t.invoices[i].BusinessId == tx.businessId {
			tx.t.invoices[i].OutstandingAmount = outstanding
			return nil
		}
	}
	return host.ErrNotFound
}

func (tx *memTx) PaymentExists(ctx context.Context, key host.PaymentKey) (bool, error) {
	for _, p := range tx.t.payments {
		if p.BusinessId == tx.businessId && p.PaymentType == key.PaymentType && p.PartyId == key.PartyId &&
			p.PaidAmount.Equal(key.Amount) && p.PostingDate.Equal(key.PostingDate) && p.ReferenceNo == key.ReferenceNo {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) CreatePaymentEntry(ctx context.Context, payment *models.PaymentEntry) error {
	if err := tx.fail("CreatePaymentEntry"); err != nil {
		return err
	}
	payment.ID = tx.newID()
	payment.BusinessId = tx.businessId
	for i := range payment.References {
		payment.References[i].PaymentEntryId = payment.ID
	}
	tx.t.payments = append(tx.t.payments, *payment)
	return nil
}

func (tx *memTx) CreateJournalEntry(ctx context.Context, journal *models.JournalEntry) error {
	if err := tx.fail("CreateJournalEntry"); err != nil {
		return err
	}
	journal.ID = tx.newID()
	journal.BusinessId = tx.businessId
	for i := range journal.Rows {
		journal.Rows[i].JournalEntryId = journal.ID
	}
	tx.t.journals = append(tx.t.journals, *journal)
	return nil
}

func (tx *memTx) FindImported(ctx context.Context, sourceMutationId int64) (*models.ImportedDocument, error) {
	for _, d := range tx.t.imported {
		if d.BusinessId == tx.businessId && d.SourceMutationId == sourceMutationId {
			out := d
			return &out, nil
		}
	}
	return nil, host.ErrNotFound
}

func (tx *memTx) RecordImported(ctx context.Context, doc *models.ImportedDocument) error {
	if _, err := tx.FindImported(ctx, doc.SourceMutationId); err == nil {
		return host.ErrDuplicate
	}
	doc.ID = uint(tx.newID())
	doc.BusinessId = tx.businessId
	doc.CreatedAt = time.Now()
	tx.t.imported = append(tx.t.imported, *doc)
	return nil
}
