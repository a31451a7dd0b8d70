package migration

import (
	"github.com/shopspring/decimal"
	"github.com/verenigingen/eboekhouden/audit"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/models"
)

type StartRunRequest struct {
	Mode     string `json:"mode" validate:"omitempty,oneof=id date"`
	FromId   int64  `json:"from_id" validate:"gte=0"`
	ToId     int64  `json:"to_id" validate:"gte=0"`
	FromDate string `json:"from_date" validate:"omitempty,datetime=2006-01-02"`
	ToDate   string `json:"to_date" validate:"omitempty,datetime=2006-01-02"`
	DryRun   bool   `json:"dry_run"`
	Resume   bool   `json:"resume"`
}

type AnalyzeRequest struct {
	FromId   int64  `json:"from_id" validate:"gte=0"`
	ToId     int64  `json:"to_id" validate:"gte=0"`
	FromDate string `json:"from_date" validate:"omitempty,datetime=2006-01-02"`
	ToDate   string `json:"to_date" validate:"omitempty,datetime=2006-01-02"`
	// Limit caps the id-mode sample; 0 means DefaultSampleSize.
	Limit int `json:"limit" validate:"gte=0,lte=5000"`
}

type MappingRequest struct {
	LedgerCode     string          `json:"ledger_code" validate:"required,max=20"`
	LedgerName     string          `json:"ledger_name" validate:"max=255"`
	ErpnextAccount string          `json:"erpnext_account" validate:"max=140"`
	DocumentType   models.DocType  `json:"document_type" validate:"required,oneof='Sales Invoice' 'Purchase Invoice' 'Payment Entry' 'Journal Entry'"`
	Category       string          `json:"category" validate:"max=60"`
	Priority       int             `json:"priority" validate:"gte=0"`
	Confidence     decimal.Decimal `json:"confidence"`
	IsActive       bool            `json:"is_active"`
}

type ApplyMappingsResponse struct {
	Created  []models.AccountMapping `json:"created"`
	Existing int                     `json:"existing"`
}

// SettingsRequest carries credentials write-only: an empty secret keeps the stored one.
type SettingsRequest struct {
	Company                  string               `json:"company" validate:"max=140"`
	Dialect                  models.Dialect       `json:"dialect" validate:"omitempty,oneof=soap rest"`
	SoapURL                  string               `json:"soap_url" validate:"omitempty,url"`
	SoapUsername             string               `json:"soap_username" validate:"max=100"`
	SoapSecurityCode1        string               `json:"soap_security_code_1" validate:"max=100"`
	SoapSecurityCode2        string               `json:"soap_security_code_2" validate:"max=100"`
	RestURL                  string               `json:"rest_url" validate:"omitempty,url"`
	RestAPIToken             string               `json:"rest_api_token"`
	RestSource               string               `json:"rest_source" validate:"max=40"`
	DefaultBankAccount       string               `json:"default_bank_account" validate:"max=140"`
	DefaultReceivableAccount string               `json:"default_receivable_account" validate:"max=140"`
	DefaultPayableAccount    string               `json:"default_payable_account" validate:"max=140"`
	DefaultIncomeAccount     string               `json:"default_income_account" validate:"max=140"`
	DefaultExpenseAccount    string               `json:"default_expense_account" validate:"max=140"`
	PaymentTermDays          *int                 `json:"payment_term_days" validate:"omitempty,gte=0,lte=365"`
	SoapWindow               int                  `json:"soap_window" validate:"gte=0,lte=500"`
	RestWindow               int                  `json:"rest_window" validate:"gte=0,lte=10000"`
	DateWindowDays           int                  `json:"date_window_days" validate:"gte=0,lte=366"`
	HTTPTimeoutSeconds       int                  `json:"http_timeout_seconds" validate:"gte=0,lte=600"`
	RetryAttempts            int                  `json:"retry_attempts" validate:"gte=0,lte=10"`
	ProgressInterval         int                  `json:"progress_interval" validate:"gte=0"`
	ReconcileTolerance       *decimal.Decimal     `json:"reconcile_tolerance"`
	PartyStrategy            models.PartyStrategy `json:"party_strategy" validate:"omitempty,oneof=primary primary_with_fallback simplified"`
	FetchDetail              bool                 `json:"fetch_detail"`
	DataFrom                 string               `json:"data_from" validate:"omitempty,datetime=2006-01-02"`
	DataTo                   string               `json:"data_to" validate:"omitempty,datetime=2006-01-02"`
	PaymentConfigYAML        string               `json:"payment_config_yaml"`
}

// SettingsResponse never echoes secrets, only whether they are set.
type SettingsResponse struct {
	models.MigrationSettings
	HasSoapCredentials bool `json:"has_soap_credentials"`
	HasRestToken       bool `json:"has_rest_token"`
}

type RunDetailResponse struct {
	Run            models.MigrationRun   `json:"run"`
	Summary        audit.Summary         `json:"summary"`
	Reconciliation *audit.Reconciliation `json:"reconciliation,omitempty"`
	Progress       *host.Progress        `json:"progress,omitempty"`
}

// PubSubPushEnvelope is the body Pub/Sub posts to a push endpoint. Data arrives
// base64 encoded, which []byte decodes.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}
