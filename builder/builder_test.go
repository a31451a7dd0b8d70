package builder

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/verenigingen/eboekhouden/eboekhouden"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/mutation"
	"github.com/verenigingen/eboekhouden/resolver"
	"github.com/verenigingen/eboekhouden/store/storetest"
)

const biz = "b1"

type fixture struct {
	mem      *storetest.Memory
	res      *resolver.Resolver
	set      *Set
	hook     *logtest.Hook
	customer models.Party
	supplier models.Party
	bank     models.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	mem := storetest.NewMemory()
	f := &fixture{mem: mem, hook: hook}
	f.bank = mem.AddAccount(models.Account{BusinessId: biz, Name: "ING Zakelijk", LedgerId: "L10", DetailType: models.AccountDetailTypeBank})
	mem.AddAccount(models.Account{BusinessId: biz, Name: "Debiteuren", LedgerId: "L13", DetailType: models.AccountDetailTypeOtherCurrentAsset})
	mem.AddAccount(models.Account{BusinessId: biz, Name: "Crediteuren", LedgerId: "L16", DetailType: models.AccountDetailTypeAccountsPayable})
	mem.AddAccount(models.Account{BusinessId: biz, Name: "Algemene kosten", LedgerId: "L40", DetailType: models.AccountDetailTypeExpense})
	mem.AddAccount(models.Account{BusinessId: biz, Name: "Contributies", LedgerId: "L80", DetailType: models.AccountDetailTypeIncome})
	f.customer = mem.AddParty(models.Party{BusinessId: biz, Kind: models.PartyKindCustomer, ExternalId: "C7", Name: "Jansen"})
	f.supplier = mem.AddParty(models.Party{BusinessId: biz, Kind: models.PartyKindSupplier, ExternalId: "S3", Name: "Drukkerij"})

	settings := models.MigrationSettings{
		BusinessId:            biz,
		Company:               "Vereniging",
		DefaultBankAccount:    "ING Zakelijk",
		DefaultExpenseAccount: "Algemene kosten",
		DefaultIncomeAccount:  "Contributies",
	}.WithDefaults()
	f.res = resolver.New(resolver.Config{
		Settings: settings,
		Ledgers: resolver.NewLedgerIndex([]eboekhouden.Ledger{
			{ID: "L10", Code: "1010", Name: "ING"},
			{ID: "L13", Code: "1300", Name: "Debiteuren"},
			{ID: "L16", Code: "1600", Name: "Crediteuren"},
			{ID: "L40", Code: "4000", Name: "Algemene kosten"},
			{ID: "L80", Code: "8000", Name: "Contributies"},
		}),
		Logger: logger,
	})
	f.set = NewSet(f.res, settings, logger)
	return f
}

func (f *fixture) invoice(docType models.DocType, number string, party models.Party, date string, outstanding string) models.Invoice {
	return f.mem.AddInvoice(models.Invoice{
		BusinessId:            biz,
		DocType:               docType,
		Name:                  number,
		ExternalInvoiceNumber: number,
		PartyId:               party.ID,
		PostingDate:           mustDate(date),
		GrandTotal:            d(outstanding),
		OutstandingAmount:     d(outstanding),
	})
}

// build runs one mutation in its own unit of work. Skips commit like the coordinator does.
func (f *fixture) build(t *testing.T, m mutation.Mutation) (Result, error) {
	t.Helper()
	var res Result
	var buildErr error
	err := f.mem.Transaction(context.Background(), biz, func(tx host.Tx) error {
		route := mutation.Classify(m, mutation.RuleSet{}, f.res.Ledgers())
		res, buildErr = f.set.Build(context.Background(), tx, m, route)
		if _, ok := AsSkip(buildErr); ok {
			return nil
		}
		return buildErr
	})
	if err != nil {
		f.res.Discard()
	} else {
		f.res.Commit()
	}
	return res, buildErr
}

func mustDate(s string) time.Time {
	out, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return out
}

func expectSkip(t *testing.T, err error, reason models.SkipReason) {
	t.Helper()
	s, ok := AsSkip(err)
	if !ok {
		t.Fatalf("expected skip %s, got %v", reason, err)
	}
	if s.Reason != reason {
		t.Fatalf("expected skip %s, got %s (%s)", reason, s.Reason, s.Detail)
	}
}

func assertBalanced(t *testing.T, mem *storetest.Memory) {
	t.Helper()
	for _, je := range mem.Journals() {
		debit, credit := je.Totals()
		if !debit.Equal(credit) {
			t.Fatalf("journal %d unbalanced: debit %s credit %s", je.SourceMutationId, debit, credit)
		}
		for _, r := range je.Rows {
			if r.Debit.IsNegative() || r.Credit.IsNegative() {
				t.Fatalf("journal %d has a negative side: %+v", je.SourceMutationId, r)
			}
		}
	}
}

func TestPayment_SingleInvoice(t *testing.T) {
	f := newFixture(t)
	f.invoice(models.DocTypeSalesInvoice, "INV-42", f.customer, "2024-01-10", "150")

	res, err := f.build(t, mutation.Mutation{
		SourceID:      1001,
		Type:          models.TransactionCustomerPayment,
		Date:          mustDate("2024-02-01"),
		InvoiceNumber: "INV-42",
		RelationID:    "C7",
		LedgerID:      "L10",
		Amount:        d("150"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.DocType != models.DocTypePaymentEntry || !res.Amount.Equal(d("150")) {
		t.Fatalf("unexpected result %+v", res)
	}

	payments := f.mem.Payments()
	if len(payments) != 1 {
		t.Fatalf("expected one payment, got %d", len(payments))
	}
	pe := payments[0]
	if pe.PaymentType != models.PaymentTypeReceive || pe.BankAccountId != f.bank.ID || pe.PartyId != f.customer.ID {
		t.Fatalf("unexpected payment %+v", pe)
	}
	if len(pe.References) != 1 || !pe.References[0].AllocatedAmount.Equal(d("150")) {
		t.Fatalf("expected one allocation of 150, got %+v", pe.References)
	}
	if !pe.UnallocatedAmount.IsZero() {
		t.Fatalf("expected nothing unallocated, got %s", pe.UnallocatedAmount)
	}
	inv, _ := f.mem.Invoice("INV-42")
	if !inv.OutstandingAmount.IsZero() {
		t.Fatalf("expected INV-42 settled, outstanding %s", inv.OutstandingAmount)
	}
}

func TestPayment_FIFOAcrossInvoices(t *testing.T) {
	f := newFixture(t)
	f.invoice(models.DocTypePurchaseInvoice, "INV-41", f.supplier, "2024-02-01", "200")
	f.invoice(models.DocTypePurchaseInvoice, "INV-40", f.supplier, "2024-01-01", "200")

	_, err := f.build(t, mutation.Mutation{
		SourceID:      1002,
		Type:          models.TransactionSupplierPayment,
		Date:          mustDate("2024-03-01"),
		InvoiceNumber: "INV-41,INV-40",
		RelationID:    "S3",
		LedgerID:      "L10",
		Amount:        d("-300"),
		Rows:          []mutation.Row{{LedgerID: "L16", Amount: d("-300")}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pe := f.mem.Payments()[0]
	if pe.PaymentType != models.PaymentTypePay || !pe.PaidAmount.Equal(d("300")) {
		t.Fatalf("unexpected payment %+v", pe)
	}
	if !strings.Contains(pe.Remarks, "Source amount was negative") {
		t.Fatalf("remarks should record the source sign: %q", pe.Remarks)
	}
	want := map[string]string{"INV-40": "0", "INV-41": "100"}
	for name, outstanding := range want {
		inv, _ := f.mem.Invoice(name)
		if !inv.OutstandingAmount.Equal(d(outstanding)) {
			t.Fatalf("%s: expected outstanding %s, got %s", name, outstanding, inv.OutstandingAmount)
		}
	}
}

func TestPayment_OneToOneRows(t *testing.T) {
	f := newFixture(t)
	f.invoice(models.DocTypeSalesInvoice, "A", f.customer, "2024-03-01", "100")
	f.invoice(models.DocTypeSalesInvoice, "B", f.customer, "2024-01-01", "150")
	f.invoice(models.DocTypeSalesInvoice, "C", f.customer, "2024-02-01", "250")

	_, err := f.build(t, mutation.Mutation{
		SourceID:      1003,
		Type:          models.TransactionCustomerPayment,
		Date:          mustDate("2024-04-01"),
		InvoiceNumber: "A, B, C",
		RelationID:    "C7",
		LedgerID:      "L10",
		Amount:        d("500"),
		Rows: []mutation.Row{
			{LedgerID: "L13", Amount: d("100")},
			{LedgerID: "L13", Amount: d("150")},
			{LedgerID: "L13", Amount: d("250")},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	refs := f.mem.Payments()[0].References
	if len(refs) != 3 {
		t.Fatalf("expected three references, got %+v", refs)
	}
	for i, want := range []string{"100", "150", "250"} {
		if !refs[i].AllocatedAmount.Equal(d(want)) {
			t.Fatalf("reference %d: expected %s, got %s", i, want, refs[i].AllocatedAmount)
		}
	}
	for _, inv := range f.mem.Invoices() {
		if !inv.OutstandingAmount.IsZero() {
			t.Fatalf("%s still has %s outstanding", inv.Name, inv.OutstandingAmount)
		}
	}
}

func TestPayment_Skips(t *testing.T) {
	cases := []struct {
		name   string
		seed   func(f *fixture)
		m      mutation.Mutation
		reason models.SkipReason
	}{
		{
			name:   "invoice not found",
			m:      mutation.Mutation{SourceID: 1005, Type: models.TransactionCustomerPayment, InvoiceNumber: "INV-999", RelationID: "C7", LedgerID: "L10", Amount: d("80")},
			reason: models.SkipInvoiceNotFound,
		},
		{
			name: "already paid",
			seed: func(f *fixture) {
				f.invoice(models.DocTypeSalesInvoice, "INV-50", f.customer, "2024-01-01", "0")
			},
			m:      mutation.Mutation{SourceID: 1006, Type: models.TransactionCustomerPayment, InvoiceNumber: "INV-50", RelationID: "C7", LedgerID: "L10", Amount: d("80")},
			reason: models.SkipAlreadyPaid,
		},
		{
			name:   "zero amount",
			m:      mutation.Mutation{SourceID: 1007, Type: models.TransactionCustomerPayment, InvoiceNumber: "INV-1", RelationID: "C7", Amount: d("0")},
			reason: models.SkipZeroAmount,
		},
		{
			name:   "no relation",
			m:      mutation.Mutation{SourceID: 1008, Type: models.TransactionSupplierPayment, InvoiceNumber: "INV-1", Amount: d("10")},
			reason: models.SkipNoParty,
		},
		{
			name:   "unknown type",
			m:      mutation.Mutation{SourceID: 1009, Type: models.TransactionUnknown, RawType: "Onbekend", Amount: d("10")},
			reason: models.SkipUnhandledType,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.seed != nil {
				tc.seed(f)
			}
			_, err := f.build(t, tc.m)
			expectSkip(t, err, tc.reason)
			if n := len(f.mem.Payments()); n != 0 {
				t.Fatalf("expected no payment, got %d", n)
			}
		})
	}
}

func TestPayment_DuplicateIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.invoice(models.DocTypeSalesInvoice, "INV-42", f.customer, "2024-01-10", "300")
	m := mutation.Mutation{
		SourceID:      1010,
		Type:          models.TransactionCustomerPayment,
		Date:          mustDate("2024-02-01"),
		InvoiceNumber: "INV-42",
		RelationID:    "C7",
		LedgerID:      "L10",
		Amount:        d("150"),
	}
	if _, err := f.build(t, m); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	m.SourceID = 1011
	_, err := f.build(t, m)
	expectSkip(t, err, models.SkipDuplicatePayment)
	if n := len(f.mem.Payments()); n != 1 {
		t.Fatalf("expected one payment, got %d", n)
	}
}

func TestPayment_UnallocatedResidual(t *testing.T) {
	f := newFixture(t)
	_, err := f.build(t, mutation.Mutation{
		SourceID:    1012,
		Type:        models.TransactionCustomerPayment,
		Date:        mustDate("2024-02-01"),
		RelationID:  "C7",
		LedgerID:    "L10",
		Amount:      d("42.50"),
		Description: "Contributie 2024",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pe := f.mem.Payments()[0]
	if pe.ReferenceNo != "EB-1012" || !pe.UnallocatedAmount.Equal(d("42.50")) || len(pe.References) != 0 {
		t.Fatalf("unexpected payment %+v", pe)
	}
	entry := f.hook.LastEntry()
	if entry == nil || entry.Message != "payment has unallocated residual" || entry.Data["residual"] != "42.50" {
		t.Fatalf("expected residual log entry, got %+v", entry)
	}
}

func TestPayment_HostFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.invoice(models.DocTypeSalesInvoice, "INV-42", f.customer, "2024-01-10", "150")
	f.mem.Fail["CreatePaymentEntry"] = errors.New("connection reset")

	_, err := f.build(t, mutation.Mutation{
		SourceID:      1013,
		Type:          models.TransactionCustomerPayment,
		InvoiceNumber: "INV-42",
		RelationID:    "C7",
		LedgerID:      "L10",
		Amount:        d("150"),
	})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if _, ok := AsSkip(err); ok {
		t.Fatalf("a host failure must fail, not skip: %v", err)
	}
	if f.mem.Rollbacks != 1 || len(f.mem.Payments()) != 0 {
		t.Fatalf("expected the unit of work to roll back, rollbacks=%d", f.mem.Rollbacks)
	}
	inv, _ := f.mem.Invoice("INV-42")
	if !inv.OutstandingAmount.Equal(d("150")) {
		t.Fatalf("outstanding must be untouched, got %s", inv.OutstandingAmount)
	}
}

func TestJournal_Directions(t *testing.T) {
	cases := []struct {
		name  string
		m     mutation.Mutation
		lines map[string][2]string // account name -> debit, credit
	}{
		{
			name: "money in",
			m: mutation.Mutation{SourceID: 2001, Type: models.TransactionMoneyIn, LedgerID: "L10", Amount: d("60"),
				Rows: []mutation.Row{{LedgerID: "L80", Amount: d("60")}}},
			lines: map[string][2]string{"ING Zakelijk": {"60", "0"}, "Contributies": {"0", "60"}},
		},
		{
			name: "money out",
			m: mutation.Mutation{SourceID: 2002, Type: models.TransactionMoneyOut, LedgerID: "L10", Amount: d("-30"),
				Rows: []mutation.Row{{LedgerID: "L40", Amount: d("25"), VAT: ptr(d("5"))}}},
			lines: map[string][2]string{"ING Zakelijk": {"0", "30"}, "Algemene kosten": {"30", "0"}},
		},
		{
			name: "money in on an unknown ledger parks on suspense",
			m: mutation.Mutation{SourceID: 2003, Type: models.TransactionMoneyIn, LedgerID: "L10", Amount: d("50"),
				Rows: []mutation.Row{{LedgerID: "L99", Amount: d("50")}}},
			lines: map[string][2]string{"ING Zakelijk": {"50", "0"}, models.SuspenseAccountName: {"0", "50"}},
		},
		{
			name: "balanced memorial",
			m: mutation.Mutation{SourceID: 2004, Type: models.TransactionMemorial,
				Rows: []mutation.Row{{LedgerID: "L40", Amount: d("100")}, {LedgerID: "L80", Amount: d("-100")}}},
			lines: map[string][2]string{"Algemene kosten": {"100", "0"}, "Contributies": {"0", "100"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.build(t, tc.m)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			journals := f.mem.Journals()
			if len(journals) != 1 {
				t.Fatalf("expected one journal, got %d", len(journals))
			}
			assertBalanced(t, f.mem)
			if res.DocType != models.DocTypeJournalEntry || !res.Amount.Equal(journals[0].TotalDebit) {
				t.Fatalf("unexpected result %+v", res)
			}
			names := map[int]string{}
			for _, a := range f.mem.Accounts() {
				names[a.ID] = a.Name
			}
			got := map[string][2]string{}
			for _, r := range journals[0].Rows {
				got[names[r.AccountId]] = [2]string{r.Debit.String(), r.Credit.String()}
			}
			if len(got) != len(tc.lines) {
				t.Fatalf("expected %v, got %v", tc.lines, got)
			}
			for name, want := range tc.lines {
				if got[name] != want {
					t.Fatalf("%s: expected %v, got %v", name, want, got[name])
				}
			}
		})
	}
}

func TestJournal_UnbalancedMemorialLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	before := len(f.mem.Accounts())
	_, err := f.build(t, mutation.Mutation{
		SourceID: 2005,
		Type:     models.TransactionMemorial,
		Rows: []mutation.Row{
			{LedgerID: "L40", Amount: d("100")},
			{LedgerID: "L99", Amount: d("-90")},
		},
	})
	expectSkip(t, err, models.SkipImbalance)
	if n := len(f.mem.Journals()); n != 0 {
		t.Fatalf("expected no journal, got %d", n)
	}
	if after := len(f.mem.Accounts()); after != before {
		t.Fatalf("no account should be created, had %d now %d", before, after)
	}
}

func TestJournal_ZeroRows(t *testing.T) {
	f := newFixture(t)
	_, err := f.build(t, mutation.Mutation{
		SourceID: 2006,
		Type:     models.TransactionMoneyIn,
		LedgerID: "L10",
		Rows:     []mutation.Row{{LedgerID: "L80", Amount: d("0")}},
	})
	expectSkip(t, err, models.SkipZeroAmount)
}

func TestInvoice_Sales(t *testing.T) {
	f := newFixture(t)
	term := 14
	res, err := f.build(t, mutation.Mutation{
		SourceID:        3001,
		Type:            models.TransactionSalesInvoice,
		Date:            mustDate("2024-05-01"),
		InvoiceNumber:   "F2024-001",
		RelationID:      "C7",
		LedgerID:        "L13",
		PaymentTermDays: &term,
		Rows: []mutation.Row{
			{LedgerID: "L80", Amount: d("100"), VAT: ptr(d("21")), VATCode: "HOOG_VERK_21"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.DocName != "SINV-3001" || !res.Amount.Equal(d("121")) {
		t.Fatalf("unexpected result %+v", res)
	}
	inv, ok := f.mem.Invoice("F2024-001")
	if !ok {
		t.Fatalf("invoice not stored")
	}
	if !inv.NetTotal.Equal(d("100")) || !inv.TaxTotal.Equal(d("21")) || !inv.OutstandingAmount.Equal(d("121")) {
		t.Fatalf("unexpected totals %+v", inv)
	}
	if want := mustDate("2024-05-15"); !inv.DueDate.Equal(want) {
		t.Fatalf("expected due %s, got %s", want, inv.DueDate)
	}
	for _, a := range f.mem.Accounts() {
		if a.Name == "Debiteuren" && a.DetailType != models.AccountDetailTypeAccountsReceivable {
			t.Fatalf("control account should be upgraded, got %s", a.DetailType)
		}
	}

	_, err = f.build(t, mutation.Mutation{
		SourceID:      3002,
		Type:          models.TransactionSalesInvoice,
		InvoiceNumber: "F2024-001",
		RelationID:    "C7",
		Amount:        d("10"),
	})
	expectSkip(t, err, models.SkipAlreadyImported)
}

func TestInvoice_PurchaseDefaultLine(t *testing.T) {
	f := newFixture(t)
	_, err := f.build(t, mutation.Mutation{
		SourceID:      3003,
		Type:          models.TransactionPurchaseInvoice,
		Date:          mustDate("2024-05-01"),
		InvoiceNumber: "D-77",
		RelationID:    "S3",
		Amount:        d("45"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv, _ := f.mem.Invoice("D-77")
	if inv.Name != "PINV-3003" || len(inv.Items) != 1 || !inv.GrandTotal.Equal(d("45")) {
		t.Fatalf("unexpected invoice %+v", inv)
	}
	if want := mustDate("2024-05-31"); !inv.DueDate.Equal(want) {
		t.Fatalf("expected default 30 day term, due %s", inv.DueDate)
	}
}

func TestInvoice_Skips(t *testing.T) {
	cases := []struct {
		name   string
		m      mutation.Mutation
		reason models.SkipReason
	}{
		{"no number", mutation.Mutation{SourceID: 3004, Type: models.TransactionSalesInvoice, RelationID: "C7", Amount: d("1")}, models.SkipNoInvoiceNumber},
		{"no relation", mutation.Mutation{SourceID: 3005, Type: models.TransactionSalesInvoice, InvoiceNumber: "X1", Amount: d("1")}, models.SkipNoParty},
		{"unknown row ledger", mutation.Mutation{SourceID: 3006, Type: models.TransactionSalesInvoice, InvoiceNumber: "X2", RelationID: "C7", LedgerID: "L13",
			Rows: []mutation.Row{{LedgerID: "L99", Amount: d("5")}}}, models.SkipNoAccount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.build(t, tc.m)
			expectSkip(t, err, tc.reason)
			if n := len(f.mem.Invoices()); n != 0 {
				t.Fatalf("expected no invoice, got %d", n)
			}
		})
	}
}

func TestDueDays(t *testing.T) {
	neg, zero, fourteen := -5, 0, 14
	cases := []struct {
		name     string
		mutation *int
		settings *int
		want     int
	}{
		{"mutation term", &fourteen, nil, 14},
		{"settings term", nil, &zero, 0},
		{"default", nil, nil, models.DefaultPaymentTermDays},
		{"negative clamps", &neg, &fourteen, 0},
	}
	for _, tc := range cases {
		got := DueDays(mutation.Mutation{PaymentTermDays: tc.mutation}, models.MigrationSettings{PaymentTermDays: tc.settings})
		if got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }
