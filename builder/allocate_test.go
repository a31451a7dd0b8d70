package builder

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(y int, m time.Month, dd int) time.Time { return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC) }

func TestAllocate_Strategies(t *testing.T) {
	cases := []struct {
		name      string
		amount    string
		rows      []string
		invoices  []OpenInvoice
		strategy  string
		want      []string
		remaining string
	}{
		{
			name:   "fifo over two invoices",
			amount: "300",
			rows:   []string{"300"},
			invoices: []OpenInvoice{
				{InvoiceID: 2, Name: "INV-41", PostingDate: day(2024, 2, 1), Outstanding: d("200")},
				{InvoiceID: 1, Name: "INV-40", PostingDate: day(2024, 1, 1), Outstanding: d("200")},
			},
			strategy:  StrategyFIFO,
			want:      []string{"INV-40:200", "INV-41:100"},
			remaining: "0",
		},
		{
			name:   "one to one mirrors rows",
			amount: "500",
			rows:   []string{"100", "150", "250"},
			invoices: []OpenInvoice{
				{InvoiceID: 1, Name: "INV-A", PostingDate: day(2024, 3, 1), Outstanding: d("400")},
				{InvoiceID: 2, Name: "INV-B", PostingDate: day(2024, 1, 1), Outstanding: d("400")},
				{InvoiceID: 3, Name: "INV-C", PostingDate: day(2024, 2, 1), Outstanding: d("400")},
			},
			strategy:  StrategyOneToOne,
			want:      []string{"INV-A:100", "INV-B:150", "INV-C:250"},
			remaining: "0",
		},
		{
			name:   "one to one capped by outstanding",
			amount: "300",
			rows:   []string{"-200", "100"},
			invoices: []OpenInvoice{
				{InvoiceID: 1, Name: "A", Outstanding: d("50")},
				{InvoiceID: 2, Name: "B", Outstanding: d("100")},
			},
			strategy:  StrategyOneToOne,
			want:      []string{"A:50", "B:100"},
			remaining: "150",
		},
		{
			name:      "single invoice without rows",
			amount:    "150",
			invoices:  []OpenInvoice{{InvoiceID: 1, Name: "INV-42", Outstanding: d("150")}},
			strategy:  StrategyFIFO,
			want:      []string{"INV-42:150"},
			remaining: "0",
		},
		{
			name:   "residual after all invoices",
			amount: "250",
			invoices: []OpenInvoice{
				{InvoiceID: 1, Name: "A", PostingDate: day(2024, 1, 1), Outstanding: d("100")},
				{InvoiceID: 2, Name: "B", PostingDate: day(2024, 1, 2), Outstanding: d("0")},
			},
			strategy:  StrategyFIFO,
			want:      []string{"A:100"},
			remaining: "150",
		},
		{
			name:      "no invoices",
			amount:    "75",
			strategy:  StrategyFIFO,
			remaining: "75",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rows []decimal.Decimal
			for _, r := range tc.rows {
				rows = append(rows, d(r))
			}
			res := Allocate(d(tc.amount), rows, tc.invoices)
			if res.Strategy != tc.strategy {
				t.Fatalf("expected %s, got %s", tc.strategy, res.Strategy)
			}
			if len(res.Allocations) != len(tc.want) {
				t.Fatalf("expected %v, got %+v", tc.want, res.Allocations)
			}
			for i, a := range res.Allocations {
				if got := a.Name + ":" + a.Allocated.String(); got != tc.want[i] {
					t.Fatalf("allocation %d: expected %s, got %s", i, tc.want[i], got)
				}
			}
			if !res.Remaining.Equal(d(tc.remaining)) {
				t.Fatalf("expected remaining %s, got %s", tc.remaining, res.Remaining)
			}
		})
	}
}

func TestAllocate_FIFOMonotonicity(t *testing.T) {
	p := d("80")
	older := OpenInvoice{InvoiceID: 7, Name: "I1", PostingDate: day(2023, 5, 1), Outstanding: d("80")}
	newer := OpenInvoice{InvoiceID: 3, Name: "I2", PostingDate: day(2023, 6, 1), Outstanding: d("500")}
	for _, order := range [][]OpenInvoice{{older, newer}, {newer, older}} {
		res := Allocate(p, nil, order)
		if len(res.Allocations) != 1 || res.Allocations[0].Name != "I1" || !res.Allocations[0].Allocated.Equal(p) {
			t.Fatalf("payment should go entirely to the older invoice, got %+v", res.Allocations)
		}
	}
}

func TestAllocate_Bounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		amount := decimal.New(rng.Int63n(100000), -2)
		n := rng.Intn(4) + 1
		invoices := make([]OpenInvoice, n)
		for j := range invoices {
			invoices[j] = OpenInvoice{
				InvoiceID:   j + 1,
				PostingDate: day(2024, 1, 1).AddDate(0, 0, rng.Intn(60)),
				Outstanding: decimal.New(rng.Int63n(50000)-5000, -2),
			}
		}
		var rows []decimal.Decimal
		nrows := rng.Intn(n + 1)
		for j := 0; j < nrows; j++ {
			rows = append(rows, decimal.New(rng.Int63n(60000)-10000, -2))
		}
		res := Allocate(amount, rows, invoices)

		total := decimal.Zero
		for _, a := range res.Allocations {
			if !a.Allocated.IsPositive() {
				t.Fatalf("non-positive allocation %+v", a)
			}
			if a.Allocated.GreaterThan(a.BalanceBefore) {
				t.Fatalf("allocation exceeds outstanding: %+v", a)
			}
			total = total.Add(a.Allocated)
		}
		if total.GreaterThan(amount) {
			t.Fatalf("allocated %s of a %s payment", total, amount)
		}
		if !total.Add(res.Remaining).Equal(amount) {
			t.Fatalf("allocated plus remaining must equal the payment")
		}
	}
}
