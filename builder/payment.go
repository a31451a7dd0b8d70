package builder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/mutation"
	"github.com/verenigingen/eboekhouden/resolver"
)

// PaymentBuilder creates Payment Entries and allocates them against the invoices the
// mutation references.
type PaymentBuilder struct {
	Resolver *resolver.Resolver
	Settings models.MigrationSettings
	Logger   *logrus.Logger
}

func (b *PaymentBuilder) Build(ctx context.Context, tx host.Tx, m mutation.Mutation, route mutation.Route) (Result, error) {
	if _, err := tx.FindImported(ctx, m.SourceID); err == nil {
		return Result{}, skip(models.SkipAlreadyImported, "mutation %d", m.SourceID)
	} else if !errors.Is(err, host.ErrNotFound) {
		return Result{}, err
	}

	numbers := m.InvoiceNumbers
	if numbers == nil {
		numbers = mutation.SplitInvoiceNumbers(m.InvoiceNumber)
	}
	amount := m.Amount.Abs()
	if amount.IsZero() {
		return Result{}, skip(models.SkipZeroAmount, "mutation %d", m.SourceID)
	}
	if m.RelationID == "" {
		return Result{}, skip(models.SkipNoParty, "mutation %d has no relation", m.SourceID)
	}

	party, err := b.Resolver.ResolveParty(ctx, tx, route.PartyKind, m.RelationID)
	if err != nil {
		return Result{}, resolutionSkip(err)
	}
	bank, err := b.Resolver.ResolveBankAccount(ctx, tx, m)
	if err != nil {
		return Result{}, resolutionSkip(err)
	}

	reference := strings.TrimSpace(m.InvoiceNumber)
	if reference == "" {
		reference = fmt.Sprintf("EB-%d", m.SourceID)
	}
	dup, err := tx.PaymentExists(ctx, host.PaymentKey{
		PaymentType: route.PaymentType,
		PartyId:     party.ID,
		Amount:      amount,
		PostingDate: m.Date,
		ReferenceNo: reference,
	})
	if err != nil {
		return Result{}, err
	}
	if dup {
		return Result{}, skip(models.SkipDuplicatePayment, "%s %s %s", route.PaymentType, amount.StringFixed(2), reference)
	}

	invoices, err := b.findInvoices(ctx, tx, route.Reference, party.ID, numbers)
	if err != nil {
		return Result{}, err
	}
	if len(numbers) > 0 && len(invoices) == 0 {
		return Result{}, skip(models.SkipInvoiceNotFound, "%s", strings.Join(numbers, ","))
	}
	if len(invoices) > 0 && allPaid(invoices) {
		return Result{}, skip(models.SkipAlreadyPaid, "%s", strings.Join(numbers, ","))
	}

	rows := make([]decimal.Decimal, 0, len(m.Rows))
	for _, r := range m.Rows {
		rows = append(rows, r.Amount)
	}
	candidates := make([]OpenInvoice, 0, len(invoices))
	byID := make(map[int]models.Invoice, len(invoices))
	for _, inv := range invoices {
		byID[inv.ID] = inv
		candidates = append(candidates, OpenInvoice{
			InvoiceID:   inv.ID,
			Name:        inv.Name,
			PostingDate: inv.PostingDate,
			Outstanding: inv.OutstandingAmount,
		})
	}
	alloc := Allocate(amount, rows, candidates)

	pe := &models.PaymentEntry{
		Company:           b.Settings.Company,
		PaymentType:       route.PaymentType,
		PartyKind:         route.PartyKind,
		PartyId:           party.ID,
		PostingDate:       m.Date,
		PaidAmount:        amount,
		UnallocatedAmount: alloc.Remaining,
		BankAccountId:     bank.Account.ID,
		ReferenceNo:       reference,
		SourceMutationId:  m.SourceID,
	}
	for _, a := range alloc.Allocations {
		pe.References = append(pe.References, models.PaymentReference{
			InvoiceId:         a.InvoiceID,
			InvoiceDocType:    route.Reference,
			InvoiceName:       a.Name,
			OutstandingBefore: a.BalanceBefore,
			AllocatedAmount:   a.Allocated,
		})
	}
	pe.Remarks = paymentRemarks(m, route, bank, party, numbers, alloc)

	if err := tx.CreatePaymentEntry(ctx, pe); err != nil {
		return Result{}, err
	}
	for _, a := range alloc.Allocations {
		if err := tx.UpdateInvoiceOutstanding(ctx, a.InvoiceID, a.BalanceAfter); err != nil {
			return Result{}, fmt.Errorf("update outstanding of %s: %w", byID[a.InvoiceID].Name, err)
		}
	}
	if alloc.Remaining.IsPositive() {
		b.Logger.WithFields(logrus.Fields{
			"business_id": tx.BusinessId(),
			"source_id":   m.SourceID,
			"residual":    alloc.Remaining.StringFixed(2),
			"invoices":    len(alloc.Allocations),
		}).Info("payment has unallocated residual")
	}
	return Result{DocType: models.DocTypePaymentEntry, DocID: pe.ID, DocName: reference, Amount: amount}, nil
}

// findInvoices tries, per reference: exact external number, exact host name, then a
// partial match. Results are deduplicated and kept in reference order.
func (b *PaymentBuilder) findInvoices(ctx context.Context, tx host.Tx, docType models.DocType, partyID int, numbers []string) ([]models.Invoice, error) {
	seen := map[int]bool{}
	var out []models.Invoice
	for _, n := range numbers {
		queries := []host.InvoiceQuery{
			{DocType: docType, PartyId: partyID, ExternalNumber: n},
			{DocType: docType, PartyId: partyID, Name: n},
			{DocType: docType, PartyId: partyID, Like: n, Limit: 1},
		}
		for _, q := range queries {
			found, err := tx.FindInvoices(ctx, q)
			if err != nil {
				return nil, err
			}
			if len(found) == 0 {
				continue
			}
			sort.SliceStable(found, func(i, j int) bool { return found[i].PostingDate.Before(found[j].PostingDate) })
			for _, inv := range found {
				if !seen[inv.ID] {
					seen[inv.ID] = true
					out = append(out, inv)
				}
			}
			break
		}
	}
	return out, nil
}

func allPaid(invoices []models.Invoice) bool {
	for _, inv := range invoices {
		if inv.OutstandingAmount.IsPositive() {
			return false
		}
	}
	return true
}

func paymentRemarks(m mutation.Mutation, route mutation.Route, bank resolver.BankResolution, party *models.Party, numbers []string, alloc AllocationResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "E-Boekhouden mutation %d (%s)\n", m.SourceID, m.Type)
	fmt.Fprintf(&sb, "Direction: %s\n", route.PaymentType)
	fmt.Fprintf(&sb, "Bank account: %s (via %s)\n", bank.Account.Name, bank.Source)
	fmt.Fprintf(&sb, "Party: %s (relation %s)\n", party.Name, m.RelationID)
	if len(numbers) > 0 {
		fmt.Fprintf(&sb, "Invoices: %s\n", strings.Join(numbers, ", "))
	}
	if m.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", m.Description)
	}
	fmt.Fprintf(&sb, "Rows: %d\n", len(m.Rows))
	fmt.Fprintf(&sb, "Allocation: %s, allocated %s, unallocated %s\n",
		alloc.Strategy, alloc.TotalAllocated.StringFixed(2), alloc.Remaining.StringFixed(2))
	if m.Amount.IsNegative() {
		fmt.Fprintf(&sb, "Source amount was negative: %s\n", m.Amount.StringFixed(2))
	}
	fmt.Fprintf(&sb, "Original ledger: %s", m.LedgerID)
	if bank.Remark != "" {
		fmt.Fprintf(&sb, "\nNote: %s", bank.Remark)
	}
	return sb.String()
}
