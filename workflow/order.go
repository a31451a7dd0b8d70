package workflow

import (
	"sort"

	"github.com/verenigingen/eboekhouden/mutation"
)

// Order sorts a window ascending by source id, except that a payment whose invoice is
// in the same window moves behind that invoice. Each mutation is keyed by the highest
// of its own id and the ids of the in-window invoices it references; invoices win ties.
func Order(batch []mutation.Mutation) []mutation.Mutation {
	invoiceIDs := map[string]int64{}
	for _, m := range batch {
		if !m.Type.IsInvoice() || m.InvoiceNumber == "" {
			continue
		}
		if id, ok := invoiceIDs[m.InvoiceNumber]; !ok || m.SourceID < id {
			invoiceIDs[m.InvoiceNumber] = m.SourceID
		}
	}

	type keyed struct {
		m       mutation.Mutation
		key     int64
		invoice bool
	}
	items := make([]keyed, len(batch))
	for i, m := range batch {
		k := keyed{m: m, key: m.SourceID, invoice: m.Type.IsInvoice()}
		if m.Type.IsPayment() {
			numbers := m.InvoiceNumbers
			if numbers == nil {
				numbers = mutation.SplitInvoiceNumbers(m.InvoiceNumber)
			}
			for _, n := range numbers {
				if id, ok := invoiceIDs[n]; ok && id > k.key {
					k.key = id
				}
			}
		}
		items[i] = k
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.key != b.key {
			return a.key < b.key
		}
		if a.invoice != b.invoice {
			return a.invoice
		}
		return a.m.SourceID < b.m.SourceID
	})

	out := make([]mutation.Mutation, len(items))
	for i, k := range items {
		out[i] = k.m
	}
	return out
}
