package mutation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/verenigingen/eboekhouden/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMagnitude(t *testing.T) {
	vat := dec("21")
	cases := []struct {
		name string
		m    Mutation
		want string
	}{
		{"payment uses amount", Mutation{Type: models.TransactionSupplierPayment, Amount: dec("-300"),
			Rows: []Row{{Amount: dec("-100")}}}, "300"},
		{"no rows uses amount", Mutation{Type: models.TransactionMoneyOut, Amount: dec("-12.50")}, "12.50"},
		{"invoice sums gross rows", Mutation{Type: models.TransactionSalesInvoice, Amount: dec("1"),
			Rows: []Row{{Amount: dec("100"), VAT: &vat}, {Amount: dec("50")}}}, "171"},
		{"memorial takes the larger side", Mutation{Type: models.TransactionMemorial,
			Rows: []Row{{Amount: dec("100")}, {Amount: dec("-60")}, {Amount: dec("-40")}}}, "100"},
		{"unbalanced journal", Mutation{Type: models.TransactionMoneyIn, Amount: dec("10"),
			Rows: []Row{{Amount: dec("-80")}, {Amount: dec("30")}}}, "80"},
	}
	for _, tc := range cases {
		if got := tc.m.Magnitude(); !got.Equal(dec(tc.want)) {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestLedgerIDs(t *testing.T) {
	m := Mutation{LedgerID: "L1", Rows: []Row{{LedgerID: "L2"}, {LedgerID: "L1"}, {LedgerID: ""}, {LedgerID: "L3"}, {LedgerID: "L2"}}}
	got := m.LedgerIDs()
	if len(got) != 3 || got[0] != "L1" || got[1] != "L2" || got[2] != "L3" {
		t.Fatalf("unexpected ledger ids %v", got)
	}
}
