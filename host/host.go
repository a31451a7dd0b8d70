// Package host describes what the migration needs from the ledger it writes into:
// document primitives inside a unit of work, run bookkeeping, settings and a
// progress channel. Components receive these explicitly and never reach for globals.
package host

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/config"
	"github.com/verenigingen/eboekhouden/models"
)

var (
	ErrNotFound = errors.New("host: record not found")
	// ErrDuplicate is returned when a unique index rejects an insert.
	ErrDuplicate = errors.New("host: duplicate record")
	// ErrMessageInProgress asks the queue to redeliver later.
	ErrMessageInProgress = errors.New("host: message is being processed")
)

// InvoiceQuery filters invoices of one doc type owned by one party. Exactly one of
// ExternalNumber, Name or Like is expected to be set.
type InvoiceQuery struct {
	DocType        models.DocType
	PartyId        int
	ExternalNumber string
	Name           string
	Like           string
	Limit          int
}

// PaymentKey identifies a payment by what a human would compare.
type PaymentKey struct {
	PaymentType models.PaymentType
	PartyId     int
	Amount      decimal.Decimal
	PostingDate time.Time
	ReferenceNo string
}

// Tx is one unit of work scoped to a business.
type Tx interface {
	BusinessId() string

	FindAccountByLedger(ctx context.Context, ledgerID, ledgerCode string) (*models.Account, error)
	FindAccountByName(ctx context.Context, name string) (*models.Account, error)
	FindAccountsByType(ctx context.Context, types ...models.AccountDetailType) ([]models.Account, error)
	CreateAccount(ctx context.Context, account *models.Account) error
	UpdateAccountType(ctx context.Context, accountId int, detailType models.AccountDetailType) error

	FindParty(ctx context.Context, kind models.PartyKind, externalId string) (*models.Party, error)
	FindPartiesByExternalId(ctx context.Context, externalId string) ([]models.Party, error)
	CreateParty(ctx context.Context, party *models.Party) error

	FindInvoices(ctx context.Context, q InvoiceQuery) ([]models.Invoice, error)
	InvoiceNumberExists(ctx context.Context, docType models.DocType, externalNumber string) (bool, error)
	CreateInvoice(ctx context.Context, invoice *models.Invoice) error
	UpdateInvoiceOutstanding(ctx context.Context, invoiceId int, outstanding decimal.Decimal) error

	PaymentExists(ctx context.Context, key PaymentKey) (bool, error)
	CreatePaymentEntry(ctx context.Context, payment *models.PaymentEntry) error

	CreateJournalEntry(ctx context.Context, journal *models.JournalEntry) error

	FindImported(ctx context.Context, sourceMutationId int64) (*models.ImportedDocument, error)
	// RecordImported returns ErrDuplicate when the source mutation is already recorded.
	RecordImported(ctx context.Context, doc *models.ImportedDocument) error
}

type RunStore interface {
	CreateRun(ctx context.Context, run *models.MigrationRun) error
	UpdateRun(ctx context.Context, run *models.MigrationRun) error
	GetRun(ctx context.Context, businessId string, runId uint) (*models.MigrationRun, error)
	ListRuns(ctx context.Context, businessId string, limit int) ([]models.MigrationRun, error)
	// LastHighWaterMark is the highest mark any id-mode run of the business reached.
	LastHighWaterMark(ctx context.Context, businessId string) (int64, error)
	AddRunError(ctx context.Context, runErr *models.MigrationRunError) error
	RunErrors(ctx context.Context, runId uint) ([]models.MigrationRunError, error)
	MarkRunErrorsRelabeled(ctx context.Context, ids []uint) error
}

type MappingStore interface {
	ListMappings(ctx context.Context, businessId string, activeOnly bool) ([]models.AccountMapping, error)
	GetMapping(ctx context.Context, businessId string, id uint) (*models.AccountMapping, error)
	SaveMapping(ctx context.Context, mapping *models.AccountMapping) error
}

type SettingsStore interface {
	GetSettings(ctx context.Context, businessId string) (*models.MigrationSettings, error)
	SaveSettings(ctx context.Context, settings *models.MigrationSettings) error
}

// ImportScope selects the imported documents a reconciliation compares against. With
// ToId set the source id range decides, otherwise the posting date window.
type ImportScope struct {
	FromId int64
	ToId   int64
	From   time.Time
	To     time.Time
}

func (s ImportScope) ByID() bool { return s.ToId > 0 }

// ReportReader answers the reconciliation and categorizer queries.
type ReportReader interface {
	ImportedTotals(ctx context.Context, businessId string, scope ImportScope) (map[models.TransactionType]decimal.Decimal, error)
	ImportedSourceIds(ctx context.Context, businessId string, sourceIds []int64) (map[int64]bool, error)
	// AccountBalance is debit minus credit over journal rows on the account.
	AccountBalance(ctx context.Context, businessId string, accountId int) (decimal.Decimal, error)
	AccountByName(ctx context.Context, businessId, name string) (*models.Account, error)
}

type Store interface {
	// Transaction runs fn in one unit of work. Any error returned by fn rolls it back.
	Transaction(ctx context.Context, businessId string, fn func(tx Tx) error) error
	RunStore
	MappingStore
	SettingsStore
	ReportReader
}

// MessageLedger gives queued run messages at-most-once handling.
type MessageLedger interface {
	// BeginMessage claims a message. skip is true when it already succeeded.
	BeginMessage(ctx context.Context, businessId, handler, messageId string) (skip bool, err error)
	// FinishMessage records the handler outcome; a nil cause marks success.
	FinishMessage(ctx context.Context, businessId, handler, messageId string, cause error) error
}

// Progress is the snapshot published every K mutations.
type Progress struct {
	RunId         uint             `json:"run_id"`
	BusinessId    string           `json:"business_id"`
	Status        models.RunStatus `json:"status"`
	Fraction      float64          `json:"fraction"`
	Counts        models.RunCounts `json:"counts"`
	WindowFrom    int64            `json:"window_from"`
	WindowTo      int64            `json:"window_to"`
	HighWaterMark int64            `json:"high_water_mark"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type ProgressPublisher interface {
	PublishProgress(ctx context.Context, p Progress) error
}

type CancelChecker interface {
	Cancelled(ctx context.Context, businessId string, runId uint) (bool, error)
}

type noopProgress struct{}

func (noopProgress) PublishProgress(context.Context, Progress) error { return nil }

type neverCancelled struct{}

func (neverCancelled) Cancelled(context.Context, string, uint) (bool, error) { return false, nil }

var (
	NoopProgress   ProgressPublisher = noopProgress{}
	NeverCancelled CancelChecker     = neverCancelled{}
)

// Context is handed to the coordinator and every component it drives.
type Context struct {
	BusinessId string
	User       string
	Settings   models.MigrationSettings
	Store      Store
	Progress   ProgressPublisher
	Cancel     CancelChecker
	Logger     *logrus.Logger
}

// WithDefaults fills the optional collaborators.
func (h Context) WithDefaults() Context {
	if h.Progress == nil {
		h.Progress = NoopProgress
	}
	if h.Cancel == nil {
		h.Cancel = NeverCancelled
	}
	if h.Logger == nil {
		h.Logger = config.GetLogger()
	}
	h.Settings = h.Settings.WithDefaults()
	return h
}

func (h Context) LogError(funcName, context string, data any, err error) {
	config.LogError(h.Logger, "eboekhouden", funcName, context, data, err)
}
