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

// JournalBuilder creates Journal Entries for money movements, memorials and any type
// a mapping routes to a journal.
type JournalBuilder struct {
	Resolver *resolver.Resolver
	Settings models.MigrationSettings
}

type direction int

const (
	// debit the primary account, credit the rows
	dirIn direction = iota
	// credit the primary account, debit the rows
	dirOut
	// rows carry their own sign, positive is debit
	dirSigned
)

func directionOf(t models.TransactionType) direction {
	switch t {
	case models.TransactionMoneyIn, models.TransactionSalesInvoice, models.TransactionCustomerPayment:
		return dirIn
	case models.TransactionMoneyOut, models.TransactionPurchaseInvoice, models.TransactionSupplierPayment:
		return dirOut
	}
	return dirSigned
}

func (b *JournalBuilder) Build(ctx context.Context, tx host.Tx, m mutation.Mutation, route mutation.Route) (Result, error) {
	rows := m.Rows
	if len(rows) == 0 {
		rows = []mutation.Row{{Amount: m.Amount, Description: m.Description}}
	}
	dir := directionOf(m.Type)
	if dir == dirSigned && m.LedgerID == "" {
		sum := decimal.Zero
		for _, r := range rows {
			sum = sum.Add(r.Gross())
		}
		if !sum.Round(2).IsZero() {
			return Result{}, skip(models.SkipImbalance, "rows sum to %s", sum.StringFixed(2))
		}
	}

	je := &models.JournalEntry{
		Company:          b.Settings.Company,
		VoucherType:      voucherType(m.Type),
		PostingDate:      m.Date,
		UserRemark:       strings.TrimSpace(fmt.Sprintf("%s [E-Boekhouden %d %s]", m.Description, m.SourceID, m.Type)),
		SourceMutationId: m.SourceID,
	}

	// net is what the primary side has to absorb, as a debit when positive.
	net := decimal.Zero
	for _, r := range rows {
		amount := r.Gross()
		if amount.IsZero() {
			continue
		}
		acc, err := b.counterAccount(ctx, tx, r.LedgerID)
		if err != nil {
			return Result{}, err
		}
		if dir == dirIn {
			amount = amount.Neg()
		}
		desc := r.Description
		if desc == "" {
			desc = m.Description
		}
		je.Rows = append(je.Rows, journalRow(acc.ID, amount, desc))
		net = net.Sub(amount)
	}
	if len(je.Rows) == 0 {
		return Result{}, skip(models.SkipZeroAmount, "mutation %d", m.SourceID)
	}

	if !net.IsZero() {
		primary, err := b.primaryAccount(ctx, tx, m, dir)
		if err != nil {
			return Result{}, err
		}
		if primary != nil {
			je.Rows = append(je.Rows, journalRow(primary.ID, net, m.Description))
		}
	}

	debit, credit := je.Totals()
	je.TotalDebit, je.TotalCredit = debit, credit
	if !je.Balanced() {
		return Result{}, skip(models.SkipImbalance, "debit %s credit %s", debit.StringFixed(2), credit.StringFixed(2))
	}
	if debit.IsZero() {
		return Result{}, skip(models.SkipZeroAmount, "mutation %d", m.SourceID)
	}
	if err := tx.CreateJournalEntry(ctx, je); err != nil {
		return Result{}, err
	}
	return Result{
		DocType: models.DocTypeJournalEntry,
		DocID:   je.ID,
		DocName: fmt.Sprintf("JV-%d", m.SourceID),
		Amount:  debit,
	}, nil
}

// journalRow books a positive amount as a debit and a negative one as a credit.
func journalRow(accountID int, amount decimal.Decimal, desc string) models.JournalEntryRow {
	row := models.JournalEntryRow{AccountId: accountID, Description: desc, Debit: decimal.Zero, Credit: decimal.Zero}
	if amount.IsNegative() {
		row.Credit = amount.Neg()
	} else {
		row.Debit = amount
	}
	return row
}

// counterAccount is the row ledger's account, or suspense when it is unknown.
func (b *JournalBuilder) counterAccount(ctx context.Context, tx host.Tx, ledgerID string) (*models.Account, error) {
	acc, err := b.Resolver.ResolveAccount(ctx, tx, ledgerID)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, resolver.ErrNoAccount) {
		return nil, err
	}
	return b.Resolver.SuspenseAccount(ctx, tx)
}

// primaryAccount is the balancing side. Money movements resolve a bank account; a
// memorial without a primary ledger returns nil so an unbalanced set of rows is
// rejected instead of parked on suspense.
func (b *JournalBuilder) primaryAccount(ctx context.Context, tx host.Tx, m mutation.Mutation, dir direction) (*models.Account, error) {
	switch {
	case m.Type == models.TransactionMoneyIn || m.Type == models.TransactionMoneyOut:
		bank, err := b.Resolver.ResolveBankAccount(ctx, tx, m)
		if err != nil {
			return nil, resolutionSkip(err)
		}
		return bank.Account, nil
	case dir == dirSigned && m.LedgerID == "":
		return nil, nil
	}
	return b.counterAccount(ctx, tx, m.LedgerID)
}

func voucherType(t models.TransactionType) string {
	switch t {
	case models.TransactionMoneyIn, models.TransactionMoneyOut:
		return "Bank Entry"
	}
	return "Journal Entry"
}
