package mutation

import (
	"encoding/json"
	"testing"

	"github.com/verenigingen/eboekhouden/models"
)

func TestParseTransactionType_Totality(t *testing.T) {
	cases := []struct {
		in   any
		want models.TransactionType
	}{
		{"FactuurVerstuurd", models.TransactionSalesInvoice},
		{"FactuurOntvangen", models.TransactionPurchaseInvoice},
		{"FactuurbetalingOntvangen", models.TransactionCustomerPayment},
		{"FactuurbetalingVerstuurd", models.TransactionSupplierPayment},
		{"GeldOntvangen", models.TransactionMoneyIn},
		{"GeldUitgegeven", models.TransactionMoneyOut},
		{"Memoriaal", models.TransactionMemorial},
		{"memoriaal", models.TransactionMemorial},
		{1, models.TransactionPurchaseInvoice},
		{2, models.TransactionSalesInvoice},
		{3, models.TransactionCustomerPayment},
		{4, models.TransactionSupplierPayment},
		{json.Number("5"), models.TransactionMoneyIn},
		{"6", models.TransactionMoneyOut},
		{float64(7), models.TransactionMemorial},
		{0, models.TransactionUnknown},
		{8, models.TransactionUnknown},
		{-3, models.TransactionUnknown},
		{float64(2.5), models.TransactionUnknown},
		{"BeginBalans", models.TransactionUnknown},
		{"", models.TransactionUnknown},
		{nil, models.TransactionUnknown},
	}
	for _, tc := range cases {
		if got := ParseTransactionType(tc.in); got != tc.want {
			t.Fatalf("ParseTransactionType(%#v) expected %s, got %s", tc.in, tc.want, got)
		}
	}
}

func TestDefaultRoute_Table(t *testing.T) {
	cases := []struct {
		in        models.TransactionType
		target    models.DocType
		reference models.DocType
		payment   models.PaymentType
		party     models.PartyKind
	}{
		{models.TransactionSalesInvoice, models.DocTypeSalesInvoice, "", "", models.PartyKindCustomer},
		{models.TransactionPurchaseInvoice, models.DocTypePurchaseInvoice, "", "", models.PartyKindSupplier},
		{models.TransactionCustomerPayment, models.DocTypePaymentEntry, models.DocTypeSalesInvoice, models.PaymentTypeReceive, models.PartyKindCustomer},
		{models.TransactionSupplierPayment, models.DocTypePaymentEntry, models.DocTypePurchaseInvoice, models.PaymentTypePay, models.PartyKindSupplier},
		{models.TransactionMoneyIn, models.DocTypeJournalEntry, "", "", ""},
		{models.TransactionMoneyOut, models.DocTypeJournalEntry, "", "", ""},
		{models.TransactionMemorial, models.DocTypeJournalEntry, "", "", ""},
	}
	for _, tc := range cases {
		r := DefaultRoute(tc.in)
		if r.Skipped() {
			t.Fatalf("%s: unexpected skip %s", tc.in, r.Skip)
		}
		if r.Target != tc.target || r.Reference != tc.reference || r.PaymentType != tc.payment || r.PartyKind != tc.party {
			t.Fatalf("%s: unexpected route %+v", tc.in, r)
		}
	}
	if r := DefaultRoute(models.TransactionUnknown); r.Skip != models.SkipUnhandledType {
		t.Fatalf("expected unhandled_type for UNKNOWN, got %+v", r)
	}
}

func TestClassify_MappingOverride(t *testing.T) {
	rules := NewRuleSet([]models.AccountMapping{
		{ID: 1, LedgerCode: "4000", DocumentType: models.DocTypeJournalEntry, Category: "wages", Priority: 10, IsActive: true},
		{ID: 2, LedgerCode: "4000", DocumentType: models.DocTypePurchaseInvoice, Priority: 5, IsActive: true},
		{ID: 3, LedgerCode: "1600", DocumentType: models.DocTypeJournalEntry, Priority: 50, IsActive: false},
		{ID: 4, LedgerCode: "1010", DocumentType: models.DocTypeJournalEntry, Priority: 1, IsActive: true},
	})

	wages := Mutation{SourceID: 1, Type: models.TransactionPurchaseInvoice, LedgerID: "4000"}
	r := Classify(wages, rules, nil)
	if r.Target != models.DocTypeJournalEntry || r.Rule == nil || r.Rule.Category != "wages" {
		t.Fatalf("expected wages override to Journal Entry, got %+v", r)
	}

	inactive := Mutation{SourceID: 2, Type: models.TransactionPurchaseInvoice, LedgerID: "1600"}
	if r := Classify(inactive, rules, nil); r.Target != models.DocTypePurchaseInvoice || r.Rule != nil {
		t.Fatalf("inactive mapping must not override, got %+v", r)
	}

	payment := Mutation{SourceID: 3, Type: models.TransactionCustomerPayment, LedgerID: "1010"}
	if r := Classify(payment, rules, nil); r.Target != models.DocTypePaymentEntry || r.PartyKind != models.PartyKindCustomer {
		t.Fatalf("payment routing must not be overridden, got %+v", r)
	}

	unknown := Mutation{SourceID: 4, Type: models.TransactionUnknown, LedgerID: "4000"}
	if r := Classify(unknown, rules, nil); r.Skip != models.SkipUnhandledType {
		t.Fatalf("expected unhandled_type, got %+v", r)
	}
}

type mapCodes map[string]string

func (m mapCodes) Code(id string) (string, bool) {
	c, ok := m[id]
	return c, ok
}

func TestClassify_UsesLedgerCodes(t *testing.T) {
	rules := NewRuleSet([]models.AccountMapping{
		{ID: 1, LedgerCode: "7000", DocumentType: models.DocTypePurchaseInvoice, IsActive: true},
	})
	memorial := Mutation{SourceID: 1, Type: models.TransactionMemorial, LedgerID: "991"}
	r := Classify(memorial, rules, mapCodes{"991": "7000"})
	if r.Target != models.DocTypePurchaseInvoice || r.PartyKind != models.PartyKindSupplier {
		t.Fatalf("expected explicit mapping to route memorial to Purchase Invoice, got %+v", r)
	}
	if r := Classify(memorial, rules, mapCodes{}); r.Target != models.DocTypeJournalEntry {
		t.Fatalf("expected default Journal Entry without a ledger code, got %+v", r)
	}
}
