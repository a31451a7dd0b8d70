package models

import (
	"errors"
	"strings"
)

// TransactionType is the internal mutation type every vendor alias collapses to.
type TransactionType string

const (
	TransactionSalesInvoice    TransactionType = "SALES_INVOICE"
	TransactionPurchaseInvoice TransactionType = "PURCHASE_INVOICE"
	TransactionCustomerPayment TransactionType = "CUSTOMER_PAYMENT"
	TransactionSupplierPayment TransactionType = "SUPPLIER_PAYMENT"
	TransactionMoneyIn         TransactionType = "MONEY_IN"
	TransactionMoneyOut        TransactionType = "MONEY_OUT"
	TransactionMemorial        TransactionType = "MEMORIAL"
	TransactionUnknown         TransactionType = "UNKNOWN"
)

var AllTransactionTypes = []TransactionType{
	TransactionSalesInvoice,
	TransactionPurchaseInvoice,
	TransactionCustomerPayment,
	TransactionSupplierPayment,
	TransactionMoneyIn,
	TransactionMoneyOut,
	TransactionMemorial,
	TransactionUnknown,
}

func (t TransactionType) IsInvoice() bool {
	return t == TransactionSalesInvoice || t == TransactionPurchaseInvoice
}

func (t TransactionType) IsPayment() bool {
	return t == TransactionCustomerPayment || t == TransactionSupplierPayment
}

func (t TransactionType) IsJournal() bool {
	return t == TransactionMoneyIn || t == TransactionMoneyOut || t == TransactionMemorial
}

// DocType names a target document in the host ledger.
type DocType string

const (
	DocTypeSalesInvoice    DocType = "Sales Invoice"
	DocTypePurchaseInvoice DocType = "Purchase Invoice"
	DocTypePaymentEntry    DocType = "Payment Entry"
	DocTypeJournalEntry    DocType = "Journal Entry"
)

func (d DocType) IsValid() bool {
	switch d {
	case DocTypeSalesInvoice, DocTypePurchaseInvoice, DocTypePaymentEntry, DocTypeJournalEntry:
		return true
	}
	return false
}

type PaymentType string

const (
	PaymentTypeReceive PaymentType = "Receive"
	PaymentTypePay     PaymentType = "Pay"
)

type PartyKind string

const (
	PartyKindCustomer PartyKind = "Customer"
	PartyKindSupplier PartyKind = "Supplier"
)

type AccountDetailType string

const (
	AccountDetailTypeOtherAsset            AccountDetailType = "OtherAsset"
	AccountDetailTypeOtherCurrentAsset     AccountDetailType = "OtherCurrentAsset"
	AccountDetailTypeCash                  AccountDetailType = "Cash"
	AccountDetailTypeBank                  AccountDetailType = "Bank"
	AccountDetailTypeFixedAsset            AccountDetailType = "FixedAsset"
	AccountDetailTypeInputTax              AccountDetailType = "InputTax"
	AccountDetailTypeOtherCurrentLiability AccountDetailType = "OtherCurrentLiability"
	AccountDetailTypeOtherLiability        AccountDetailType = "OtherLiability"
	AccountDetailTypeOutputTax             AccountDetailType = "OutputTax"
	AccountDetailTypeEquity                AccountDetailType = "Equity"
	AccountDetailTypeIncome                AccountDetailType = "Income"
	AccountDetailTypeExpense               AccountDetailType = "Expense"
	AccountDetailTypeCostOfGoodsSold       AccountDetailType = "CostOfGoodsSold"
	AccountDetailTypeAccountsReceivable    AccountDetailType = "AccountsReceivable"
	AccountDetailTypeAccountsPayable       AccountDetailType = "AccountsPayable"
	AccountDetailTypeSuspense              AccountDetailType = "Suspense"
)

// IsGeneric reports whether the type carries no receivable/payable meaning yet
// and may be upgraded on first use.
func (t AccountDetailType) IsGeneric() bool {
	switch t {
	case "", AccountDetailTypeOtherAsset, AccountDetailTypeOtherCurrentAsset,
		AccountDetailTypeOtherCurrentLiability, AccountDetailTypeOtherLiability:
		return true
	}
	return false
}

func (t AccountDetailType) IsMoney() bool {
	return t == AccountDetailTypeBank || t == AccountDetailTypeCash
}

// SkipReason is the audit taxonomy for mutations that did not produce a document.
type SkipReason string

const (
	SkipNoInvoiceNumber  SkipReason = "no_invoice_number"
	SkipAlreadyImported  SkipReason = "already_imported"
	SkipInvoiceNotFound  SkipReason = "invoice_not_found"
	SkipAlreadyPaid      SkipReason = "already_paid"
	SkipZeroAmount       SkipReason = "zero_amount"
	SkipImbalance        SkipReason = "imbalance"
	SkipDuplicatePayment SkipReason = "duplicate_payment"
	SkipUnhandledType    SkipReason = "unhandled_type"
	SkipNoParty          SkipReason = "no_party"
	SkipNoAccount        SkipReason = "no_account"
	SkipUnparseable      SkipReason = "unparseable"
	SkipOther            SkipReason = "other"
)

var AllSkipReasons = []SkipReason{
	SkipNoInvoiceNumber,
	SkipAlreadyImported,
	SkipInvoiceNotFound,
	SkipAlreadyPaid,
	SkipZeroAmount,
	SkipImbalance,
	SkipDuplicatePayment,
	SkipUnhandledType,
	SkipNoParty,
	SkipNoAccount,
	SkipUnparseable,
	SkipOther,
}

// ParseSkipReason maps unknown labels to SkipOther.
func ParseSkipReason(s string) SkipReason {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, r := range AllSkipReasons {
		if string(r) == s {
			return r
		}
	}
	return SkipOther
}

type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeAlreadyExists Outcome = "already_exists"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeFailed        Outcome = "failed"
)

type Phase string

const (
	PhaseFetch     Phase = "fetch"
	PhaseNormalize Phase = "normalize"
	PhaseClassify  Phase = "classify"
	PhaseResolve   Phase = "resolve"
	PhaseBuild     Phase = "build"
)

const (
	ErrorClassTransport   = "transport_failure"
	ErrorClassAuth        = "auth_failure"
	ErrorClassBuildFailed = "build_failed"
	ErrorClassSkip        = "skip"
	ErrorClassSetup       = "setup_failure"
	ErrorClassLockLost    = "lock_lost"
	ErrorClassRelabeled   = "already_exists"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

type RunMode string

const (
	RunModeID   RunMode = "id"
	RunModeDate RunMode = "date"
)

func ParseRunMode(s string) (RunMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "id":
		return RunModeID, nil
	case "date":
		return RunModeDate, nil
	}
	return "", errors.New("invalid run mode")
}

// PartyStrategy selects how missing customers/suppliers are created.
type PartyStrategy string

const (
	PartyStrategyPrimary             PartyStrategy = "primary"
	PartyStrategyPrimaryWithFallback PartyStrategy = "primary_with_fallback"
	PartyStrategySimplified          PartyStrategy = "simplified"
)

type Dialect string

const (
	DialectSOAP Dialect = "soap"
	DialectREST Dialect = "rest"
)
