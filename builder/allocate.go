package builder

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StrategyOneToOne = "one_to_one"
	StrategyFIFO     = "fifo"
)

// OpenInvoice is an allocation candidate.
type OpenInvoice struct {
	InvoiceID   int
	Name        string
	PostingDate time.Time
	Outstanding decimal.Decimal
}

type Allocation struct {
	InvoiceID     int
	Name          string
	BalanceBefore decimal.Decimal
	Allocated     decimal.Decimal
	BalanceAfter  decimal.Decimal
}

type AllocationResult struct {
	Strategy       string
	Allocations    []Allocation
	TotalAllocated decimal.Decimal
	// Remaining is the part of the payment no invoice absorbed.
	Remaining decimal.Decimal
}

// Allocate spreads a payment over invoices. With more than one invoice and exactly
// one row per invoice, row i pays invoice i (invoices in the order they were
// referenced). Otherwise invoices are paid oldest first with the row total, or the
// payment amount when there are no rows. The total allocated never exceeds amount and
// no invoice receives more than it has outstanding.
func Allocate(amount decimal.Decimal, rows []decimal.Decimal, invoices []OpenInvoice) AllocationResult {
	amount = amount.Abs()
	res := AllocationResult{Remaining: amount, TotalAllocated: decimal.Zero}

	give := func(inv OpenInvoice, want decimal.Decimal) {
		outstanding := decimal.Max(inv.Outstanding, decimal.Zero)
		alloc := decimal.Min(want.Abs(), outstanding, res.Remaining)
		if !alloc.IsPositive() {
			return
		}
		res.Allocations = append(res.Allocations, Allocation{
			InvoiceID:     inv.InvoiceID,
			Name:          inv.Name,
			BalanceBefore: inv.Outstanding,
			Allocated:     alloc,
			BalanceAfter:  inv.Outstanding.Sub(alloc),
		})
		res.TotalAllocated = res.TotalAllocated.Add(alloc)
		res.Remaining = res.Remaining.Sub(alloc)
	}

	if len(invoices) > 1 && len(rows) == len(invoices) {
		res.Strategy = StrategyOneToOne
		for i, inv := range invoices {
			give(inv, rows[i])
		}
		return res
	}

	res.Strategy = StrategyFIFO
	budget := amount
	if len(rows) > 0 {
		budget = decimal.Zero
		for _, r := range rows {
			budget = budget.Add(r.Abs())
		}
		budget = decimal.Min(budget, amount)
	}
	ordered := make([]OpenInvoice, len(invoices))
	copy(ordered, invoices)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].PostingDate.Equal(ordered[j].PostingDate) {
			return ordered[i].PostingDate.Before(ordered[j].PostingDate)
		}
		return ordered[i].InvoiceID < ordered[j].InvoiceID
	})
	for _, inv := range ordered {
		if !budget.IsPositive() {
			break
		}
		before := res.TotalAllocated
		give(inv, budget)
		budget = budget.Sub(res.TotalAllocated.Sub(before))
	}
	return res
}
