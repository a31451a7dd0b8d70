package mutation

import (
	"sort"

	"github.com/verenigingen/eboekhouden/models"
)

// Route is the classifier's decision for one mutation.
type Route struct {
	Type        models.TransactionType
	Target      models.DocType
	Reference   models.DocType
	PaymentType models.PaymentType
	PartyKind   models.PartyKind
	Skip        models.SkipReason
	Rule        *Rule
}

func (r Route) Skipped() bool { return r.Skip != "" }

// Rule is the in-memory form of an active AccountMapping.
type Rule struct {
	LedgerCode   string
	DocumentType models.DocType
	Category     string
	Account      string
	Priority     int
}

// RuleSet keeps the highest priority active rule per ledger code.
type RuleSet struct {
	byCode map[string]Rule
}

// NewRuleSet ignores inactive mappings. Equal priorities resolve to the lowest id
// so the result does not depend on query order.
func NewRuleSet(mappings []models.AccountMapping) RuleSet {
	active := make([]models.AccountMapping, 0, len(mappings))
	for _, m := range mappings {
		if m.IsActive && m.LedgerCode != "" {
			active = append(active, m)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].ID < active[j].ID
	})
	rs := RuleSet{byCode: map[string]Rule{}}
	for _, m := range active {
		if _, ok := rs.byCode[m.LedgerCode]; ok {
			continue
		}
		rs.byCode[m.LedgerCode] = Rule{
			LedgerCode:   m.LedgerCode,
			DocumentType: m.DocumentType,
			Category:     m.Category,
			Account:      m.ErpnextAccount,
			Priority:     m.Priority,
		}
	}
	return rs
}

func (rs RuleSet) Lookup(code string) (Rule, bool) {
	if rs.byCode == nil || code == "" {
		return Rule{}, false
	}
	r, ok := rs.byCode[code]
	return r, ok
}

func (rs RuleSet) Len() int { return len(rs.byCode) }

// LedgerCodes translates a ledger id to its chart code. SOAP ids already are codes.
type LedgerCodes interface {
	Code(ledgerID string) (string, bool)
}

type identityCodes struct{}

func (identityCodes) Code(id string) (string, bool) { return id, id != "" }

// IdentityCodes treats every ledger id as its own code.
var IdentityCodes LedgerCodes = identityCodes{}

// DefaultRoute is the fixed type table without mapping overrides.
func DefaultRoute(t models.TransactionType) Route {
	r := Route{Type: t}
	switch t {
	case models.TransactionSalesInvoice:
		r.Target = models.DocTypeSalesInvoice
		r.PartyKind = models.PartyKindCustomer
	case models.TransactionPurchaseInvoice:
		r.Target = models.DocTypePurchaseInvoice
		r.PartyKind = models.PartyKindSupplier
	case models.TransactionCustomerPayment:
		r.Target = models.DocTypePaymentEntry
		r.Reference = models.DocTypeSalesInvoice
		r.PaymentType = models.PaymentTypeReceive
		r.PartyKind = models.PartyKindCustomer
	case models.TransactionSupplierPayment:
		r.Target = models.DocTypePaymentEntry
		r.Reference = models.DocTypePurchaseInvoice
		r.PaymentType = models.PaymentTypePay
		r.PartyKind = models.PartyKindSupplier
	case models.TransactionMoneyIn, models.TransactionMoneyOut, models.TransactionMemorial:
		r.Target = models.DocTypeJournalEntry
	default:
		r.Type = models.TransactionUnknown
		r.Skip = models.SkipUnhandledType
	}
	return r
}

// Classify routes a mutation. A mapping on the primary ledger code may move an invoice
// or journal type to another invoice/journal target; payment routing is fixed so the
// direction and party kind always follow the source type.
func Classify(m Mutation, rules RuleSet, codes LedgerCodes) Route {
	r := DefaultRoute(m.Type)
	if r.Skipped() || m.Type.IsPayment() {
		return r
	}
	if codes == nil {
		codes = IdentityCodes
	}
	code, ok := codes.Code(m.LedgerID)
	if !ok {
		return r
	}
	rule, ok := rules.Lookup(code)
	if !ok {
		return r
	}
	r.Rule = &rule
	switch rule.DocumentType {
	case models.DocTypeSalesInvoice:
		r.Target = models.DocTypeSalesInvoice
		r.PartyKind = models.PartyKindCustomer
	case models.DocTypePurchaseInvoice:
		r.Target = models.DocTypePurchaseInvoice
		r.PartyKind = models.PartyKindSupplier
	case models.DocTypeJournalEntry:
		r.Target = models.DocTypeJournalEntry
		r.PartyKind = ""
	}
	return r
}
