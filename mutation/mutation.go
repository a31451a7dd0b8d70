// Package mutation turns raw E-Boekhouden payloads into Mutation records and
// routes them to the host document type that should represent them.
package mutation

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/verenigingen/eboekhouden/models"
)

// Raw is a vendor payload with its original keys. SOAP values are strings, REST
// values come from a json.Decoder with UseNumber.
type Raw map[string]any

// Row is a line item of a mutation.
type Row struct {
	LedgerID    string           `json:"ledger_id"`
	Amount      decimal.Decimal  `json:"amount"`
	VAT         *decimal.Decimal `json:"vat,omitempty"`
	VATCode     string           `json:"vat_code,omitempty"`
	Description string           `json:"description,omitempty"`
}

// Gross is the row amount including VAT.
func (r Row) Gross() decimal.Decimal {
	if r.VAT == nil {
		return r.Amount
	}
	return r.Amount.Add(*r.VAT)
}

type Mutation struct {
	SourceID        int64                  `json:"source_id"`
	Type            models.TransactionType `json:"type"`
	RawType         string                 `json:"raw_type"`
	Date            time.Time              `json:"date"`
	InvoiceNumber   string                 `json:"invoice_number"`
	InvoiceNumbers  []string               `json:"invoice_numbers"`
	RelationID      string                 `json:"relation_id"`
	LedgerID        string                 `json:"ledger_id"`
	Amount          decimal.Decimal        `json:"amount"`
	Description     string                 `json:"description"`
	PaymentTermDays *int                   `json:"payment_term_days,omitempty"`
	Rows            []Row                  `json:"rows"`
	Dialect         models.Dialect         `json:"dialect"`
}

// RowsTotal sums the absolute row amounts.
func (m Mutation) RowsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, r := range m.Rows {
		total = total.Add(r.Amount.Abs())
	}
	return total
}

// LedgerIDs lists the primary ledger followed by every distinct row ledger.
func (m Mutation) LedgerIDs() []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	add(m.LedgerID)
	for _, r := range m.Rows {
		add(r.LedgerID)
	}
	return out
}

// SplitInvoiceNumbers splits a comma separated reference list, trimming and dropping blanks.
func SplitInvoiceNumbers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Magnitude is the unsigned total of the document the mutation should become. The
// reconciliation report compares it with the amount recorded for created documents.
func (m Mutation) Magnitude() decimal.Decimal {
	switch {
	case len(m.Rows) == 0 || m.Type.IsPayment():
		return m.Amount.Abs()
	case m.Type.IsInvoice():
		total := decimal.Zero
		for _, r := range m.Rows {
			total = total.Add(r.Gross())
		}
		return total.Abs()
	}
	debit, credit := decimal.Zero, decimal.Zero
	for _, r := range m.Rows {
		if g := r.Gross(); g.IsPositive() {
			debit = debit.Add(g)
		} else {
			credit = credit.Sub(g)
		}
	}
	return decimal.Max(debit, credit)
}
