package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/mutation"
)

const (
	BankSourceLedger    = "ledger"
	BankSourceCodeTable = "code_table"
	BankSourcePattern   = "description_pattern"
	BankSourceDefault   = "default"
	BankSourceAnyBank   = "any_bank"
	BankSourceAnyCash   = "any_cash"
)

// BankResolution is the account a payment is booked against and how it was found.
// Remark is set when a candidate was rejected and names the original ledger.
type BankResolution struct {
	Account *models.Account
	Source  string
	Remark  string
}

// ResolveBankAccount tries, in order: the mutation's ledger, the payment-config code
// table, the description patterns and finally the configured default. A candidate
// that is not a Bank or Cash account is rejected with a warning and the next step is
// tried; the first rejected ledger is kept in the remark.
func (r *Resolver) ResolveBankAccount(ctx context.Context, tx host.Tx, m mutation.Mutation) (BankResolution, error) {
	res := BankResolution{}
	steps := []func(context.Context, host.Tx, mutation.Mutation) (*models.Account, error){
		r.ledgerCandidate,
		r.codeTableCandidate,
		r.patternCandidate,
	}
	sources := []string{BankSourceLedger, BankSourceCodeTable, BankSourcePattern}
	for i, step := range steps {
		candidate, err := step(ctx, tx, m)
		if err != nil {
			return BankResolution{}, err
		}
		if candidate == nil {
			continue
		}
		if candidate.DetailType.IsMoney() {
			res.Account = candidate
			res.Source = sources[i]
			return res, nil
		}
		if res.Remark == "" {
			res.Remark = r.rejectRemark(m, candidate)
		}
		r.log(tx).WithFields(logrus.Fields{
			"source_id": m.SourceID,
			"ledger_id": m.LedgerID,
			"account":   candidate.Name,
			"type":      candidate.DetailType,
			"via":       sources[i],
		}).Warn("payment ledger is not a bank or cash account, trying the next candidate")
	}

	acc, source, err := r.defaultBank(ctx, tx)
	if err != nil {
		return BankResolution{}, err
	}
	res.Account = acc
	res.Source = source
	return res, nil
}

func (r *Resolver) rejectRemark(m mutation.Mutation, candidate *models.Account) string {
	code, _ := r.ledgers.Code(m.LedgerID)
	return fmt.Sprintf("original ledger %s (code %s, account %s, type %s) is not a bank/cash account",
		m.LedgerID, code, candidate.Name, candidate.DetailType)
}

func (r *Resolver) ledgerCandidate(ctx context.Context, tx host.Tx, m mutation.Mutation) (*models.Account, error) {
	if m.LedgerID == "" {
		return nil, nil
	}
	return noAccountIsNil(r.ResolveAccount(ctx, tx, m.LedgerID))
}

func (r *Resolver) codeTableCandidate(ctx context.Context, tx host.Tx, m mutation.Mutation) (*models.Account, error) {
	code, ok := r.ledgers.Code(m.LedgerID)
	if m.LedgerID == "" || !ok {
		return nil, nil
	}
	name, ok := r.payments.AccountForCode(code)
	if !ok {
		return nil, nil
	}
	return noAccountIsNil(r.accountByName(ctx, tx, name))
}

func (r *Resolver) patternCandidate(ctx context.Context, tx host.Tx, m mutation.Mutation) (*models.Account, error) {
	name, ok := r.payments.AccountForDescription(m.Description)
	if !ok {
		return nil, nil
	}
	return noAccountIsNil(r.accountByName(ctx, tx, name))
}

func noAccountIsNil(acc *models.Account, err error) (*models.Account, error) {
	if errors.Is(err, ErrNoAccount) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (r *Resolver) defaultBank(ctx context.Context, tx host.Tx) (*models.Account, string, error) {
	if name := r.settings.DefaultBankAccount; name != "" {
		acc, err := r.accountByName(ctx, tx, name)
		if err == nil {
			return acc, BankSourceDefault, nil
		}
		if !errors.Is(err, ErrNoAccount) {
			return nil, "", err
		}
	}
	for _, t := range []models.AccountDetailType{models.AccountDetailTypeBank, models.AccountDetailTypeCash} {
		accounts, err := tx.FindAccountsByType(ctx, t)
		if err != nil {
			return nil, "", err
		}
		if len(accounts) > 0 {
			source := BankSourceAnyBank
			if t == models.AccountDetailTypeCash {
				source = BankSourceAnyCash
			}
			return &accounts[0], source, nil
		}
	}
	return nil, "", fmt.Errorf("%w: no bank or cash account", ErrNoAccount)
}
