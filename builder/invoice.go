package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/mutation"
	"github.com/verenigingen/eboekhouden/resolver"
)

// InvoiceBuilder creates Sales and Purchase invoices, keyed by the vendor invoice number.
type InvoiceBuilder struct {
	Resolver *resolver.Resolver
	Settings models.MigrationSettings
}

// DueDays is the payment term of the mutation or the configured default, clamped at 0.
func DueDays(m mutation.Mutation, settings models.MigrationSettings) int {
	days := models.DefaultPaymentTermDays
	switch {
	case m.PaymentTermDays != nil:
		days = *m.PaymentTermDays
	case settings.PaymentTermDays != nil:
		days = *settings.PaymentTermDays
	}
	if days < 0 {
		return 0
	}
	return days
}

func (b *InvoiceBuilder) Build(ctx context.Context, tx host.Tx, m mutation.Mutation, route mutation.Route) (Result, error) {
	number := strings.TrimSpace(m.InvoiceNumber)
	if number == "" {
		return Result{}, skip(models.SkipNoInvoiceNumber, "mutation %d", m.SourceID)
	}
	if m.RelationID == "" {
		return Result{}, skip(models.SkipNoParty, "mutation %d has no relation", m.SourceID)
	}
	exists, err := tx.InvoiceNumberExists(ctx, route.Target, number)
	if err != nil {
		return Result{}, err
	}
	if exists {
		return Result{}, skip(models.SkipAlreadyImported, "%s %s exists", route.Target, number)
	}

	kind := models.PartyKindCustomer
	prefix := "SINV"
	if route.Target == models.DocTypePurchaseInvoice {
		kind = models.PartyKindSupplier
		prefix = "PINV"
	}
	party, err := b.Resolver.ResolveParty(ctx, tx, kind, m.RelationID)
	if err != nil {
		return Result{}, resolutionSkip(err)
	}
	control, err := b.Resolver.ResolveReceivablePayable(ctx, tx, m.LedgerID, kind)
	if err != nil {
		return Result{}, resolutionSkip(err)
	}
	items, err := b.items(ctx, tx, m, route, kind)
	if err != nil {
		return Result{}, resolutionSkip(err)
	}

	net, tax := decimal.Zero, decimal.Zero
	for _, it := range items {
		net = net.Add(it.Amount)
		if it.VatAmount != nil {
			tax = tax.Add(*it.VatAmount)
		}
	}
	grand := net.Add(tax)

	inv := &models.Invoice{
		DocType:               route.Target,
		Name:                  fmt.Sprintf("%s-%d", prefix, m.SourceID),
		Company:               b.Settings.Company,
		PartyId:               party.ID,
		ExternalInvoiceNumber: number,
		PostingDate:           m.Date,
		DueDate:               m.Date.AddDate(0, 0, DueDays(m, b.Settings)),
		ReceivableAccountId:   control.ID,
		NetTotal:              net,
		TaxTotal:              tax,
		GrandTotal:            grand,
		OutstandingAmount:     grand,
		Remarks:               strings.TrimSpace(fmt.Sprintf("%s [E-Boekhouden %d]", m.Description, m.SourceID)),
		SourceMutationId:      m.SourceID,
		Items:                 items,
	}
	if err := tx.CreateInvoice(ctx, inv); err != nil {
		return Result{}, err
	}
	return Result{DocType: inv.DocType, DocID: inv.ID, DocName: inv.Name, Amount: grand.Abs()}, nil
}

// items builds one line per row. A mutation without rows gets a single line on the
// configured income or expense account.
func (b *InvoiceBuilder) items(ctx context.Context, tx host.Tx, m mutation.Mutation, route mutation.Route, kind models.PartyKind) ([]models.InvoiceItem, error) {
	// Journal types routed here by a mapping carry signed bank amounts.
	negate := !m.Type.IsInvoice() && m.Amount.IsNegative()
	signed := func(d decimal.Decimal) decimal.Decimal {
		if negate {
			return d.Neg()
		}
		return d
	}

	if len(m.Rows) == 0 {
		name := b.Settings.DefaultIncomeAccount
		if kind == models.PartyKindSupplier {
			name = b.Settings.DefaultExpenseAccount
		}
		if route.Rule != nil && route.Rule.Account != "" {
			name = route.Rule.Account
		}
		if name == "" {
			return nil, fmt.Errorf("%w: no line account for mutation %d", resolver.ErrNoAccount, m.SourceID)
		}
		acc, err := tx.FindAccountByName(ctx, name)
		if errors.Is(err, host.ErrNotFound) {
			return nil, fmt.Errorf("%w: line account %q", resolver.ErrNoAccount, name)
		}
		if err != nil {
			return nil, err
		}
		amount := signed(m.Amount)
		return []models.InvoiceItem{{
			AccountId:   acc.ID,
			Description: m.Description,
			Qty:         decimal.NewFromInt(1),
			Rate:        amount,
			Amount:      amount,
		}}, nil
	}

	items := make([]models.InvoiceItem, 0, len(m.Rows))
	for _, row := range m.Rows {
		acc, err := b.Resolver.ResolveAccount(ctx, tx, row.LedgerID)
		if err != nil {
			return nil, err
		}
		desc := row.Description
		if desc == "" {
			desc = m.Description
		}
		item := models.InvoiceItem{
			AccountId:   acc.ID,
			Description: desc,
			Qty:         decimal.NewFromInt(1),
			Rate:        signed(row.Amount),
			Amount:      signed(row.Amount),
			VatCode:     row.VATCode,
		}
		if row.VAT != nil {
			vat := signed(*row.VAT)
			item.VatAmount = &vat
		}
		items = append(items, item)
	}
	return items, nil
}
