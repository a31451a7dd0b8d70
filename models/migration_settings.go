package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultPaymentTermDays    = 30
	DefaultSoapWindow         = 500
	DefaultRestWindow         = 2000
	DefaultHTTPTimeoutSeconds = 60
	DefaultRetryAttempts      = 3
	DefaultProgressInterval   = 25
	DefaultDateWindowDays     = 31
)

var DefaultReconcileTolerance = decimal.NewFromFloat(0.01)

// MigrationSettings is the per-business settings object: API credentials and the
// defaults the builders fall back to.
type MigrationSettings struct {
	ID                       uint             `gorm:"primary_key" json:"id"`
	BusinessId               string           `gorm:"uniqueIndex;size:64;not null" json:"business_id"`
	Company                  string           `gorm:"size:140" json:"company"`
	Dialect                  Dialect          `gorm:"size:10;not null;default:'rest'" json:"dialect"`
	SoapURL                  string           `gorm:"size:255" json:"soap_url"`
	SoapUsername             string           `gorm:"size:100" json:"soap_username"`
	SoapSecurityCode1        string           `gorm:"size:100" json:"-"`
	SoapSecurityCode2        string           `gorm:"size:100" json:"-"`
	RestURL                  string           `gorm:"size:255" json:"rest_url"`
	RestAPIToken             string           `gorm:"type:text" json:"-"`
	RestSource               string           `gorm:"size:40" json:"rest_source"`
	DefaultBankAccount       string           `gorm:"size:140" json:"default_bank_account"`
	DefaultReceivableAccount string           `gorm:"size:140" json:"default_receivable_account"`
	DefaultPayableAccount    string           `gorm:"size:140" json:"default_payable_account"`
	DefaultIncomeAccount     string           `gorm:"size:140" json:"default_income_account"`
	DefaultExpenseAccount    string           `gorm:"size:140" json:"default_expense_account"`
	PaymentTermDays          *int             `json:"payment_term_days"`
	SoapWindow               int              `json:"soap_window"`
	RestWindow               int              `json:"rest_window"`
	DateWindowDays           int              `json:"date_window_days"`
	HTTPTimeoutSeconds       int              `json:"http_timeout_seconds"`
	RetryAttempts            int              `json:"retry_attempts"`
	ProgressInterval         int              `json:"progress_interval"`
	ReconcileTolerance       *decimal.Decimal `gorm:"type:decimal(20,4)" json:"reconcile_tolerance"`
	PartyStrategy            PartyStrategy    `gorm:"size:30" json:"party_strategy"`
	FetchDetail              bool             `gorm:"not null;default:false" json:"fetch_detail"`
	DataFrom                 *time.Time       `gorm:"type:date" json:"data_from"`
	DataTo                   *time.Time       `gorm:"type:date" json:"data_to"`
	PaymentConfigYAML        string           `gorm:"type:text" json:"payment_config_yaml"`
	CreatedAt                time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// WithDefaults returns a copy with every zero knob replaced by its default.
func (s MigrationSettings) WithDefaults() MigrationSettings {
	if s.Dialect == "" {
		s.Dialect = DialectREST
	}
	if s.PaymentTermDays == nil {
		days := DefaultPaymentTermDays
		s.PaymentTermDays = &days
	}
	if s.SoapWindow <= 0 {
		s.SoapWindow = DefaultSoapWindow
	}
	if s.RestWindow <= 0 {
		s.RestWindow = DefaultRestWindow
	}
	if s.DateWindowDays <= 0 {
		s.DateWindowDays = DefaultDateWindowDays
	}
	if s.HTTPTimeoutSeconds <= 0 {
		s.HTTPTimeoutSeconds = DefaultHTTPTimeoutSeconds
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = DefaultRetryAttempts
	}
	if s.ProgressInterval <= 0 {
		s.ProgressInterval = DefaultProgressInterval
	}
	if s.ReconcileTolerance == nil {
		tol := DefaultReconcileTolerance
		s.ReconcileTolerance = &tol
	}
	if s.PartyStrategy == "" {
		s.PartyStrategy = PartyStrategyPrimary
	}
	return s
}

// Window is the batch size the coordinator walks the ID range with.
func (s MigrationSettings) Window() int {
	if s.Dialect == DialectSOAP {
		return s.SoapWindow
	}
	return s.RestWindow
}

func (s MigrationSettings) HTTPTimeout() time.Duration {
	return time.Duration(s.HTTPTimeoutSeconds) * time.Second
}
