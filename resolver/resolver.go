// Package resolver maps source ledgers to host accounts and source relations to
// customers and suppliers. It owns party creation and the few chart-of-accounts
// changes the migration makes. A Resolver lives for one run and is driven by a single
// goroutine.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/config"
	"github.com/verenigingen/eboekhouden/eboekhouden"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/mutation"
)

var (
	ErrNoAccount = errors.New("resolver: no account")
	ErrNoParty   = errors.New("resolver: no party")
	// ErrPartyKindMismatch means the resolved party is not of the kind the payment
	// direction demands.
	ErrPartyKindMismatch = errors.New("resolver: party kind mismatch")
)

type Config struct {
	Settings  models.MigrationSettings
	Payments  *PaymentConfig
	Ledgers   *LedgerIndex
	Relations []eboekhouden.Relation
	Rules     mutation.RuleSet
	Logger    *logrus.Logger
}

type partyKey struct {
	kind       models.PartyKind
	relationID string
}

type Resolver struct {
	settings  models.MigrationSettings
	payments  PaymentConfig
	ledgers   *LedgerIndex
	relations map[string]eboekhouden.Relation
	rules     mutation.RuleSet
	logger    *logrus.Logger

	byLedger *layered[string, *models.Account]
	byName   *layered[string, *models.Account]
	parties  *layered[partyKey, *models.Party]
	suspense *layered[string, *models.Account]
	upgraded *layered[int, models.AccountDetailType]

	fallbacks int
}

func New(cfg Config) *Resolver {
	payments := DefaultPaymentConfig()
	if cfg.Payments != nil {
		payments = *cfg.Payments
	}
	logger := cfg.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	r := &Resolver{
		settings:  cfg.Settings.WithDefaults(),
		payments:  payments,
		ledgers:   cfg.Ledgers,
		relations: make(map[string]eboekhouden.Relation, len(cfg.Relations)),
		rules:     cfg.Rules,
		logger:    logger,
		byLedger:  newLayered[string, *models.Account](),
		byName:    newLayered[string, *models.Account](),
		parties:   newLayered[partyKey, *models.Party](),
		suspense:  newLayered[string, *models.Account](),
		upgraded:  newLayered[int, models.AccountDetailType](),
	}
	for _, rel := range cfg.Relations {
		r.relations[rel.ID] = rel
	}
	return r
}

// Commit keeps what the last unit of work cached.
func (r *Resolver) Commit() {
	r.byLedger.commit()
	r.byName.commit()
	r.parties.commit()
	r.suspense.commit()
	r.upgraded.commit()
}

// Discard forgets what the last unit of work cached; its writes were rolled back.
func (r *Resolver) Discard() {
	r.byLedger.discard()
	r.byName.discard()
	r.parties.discard()
	r.suspense.discard()
	r.upgraded.discard()
}

// FallbackCount is the number of parties created by the simplified creator in this run.
func (r *Resolver) FallbackCount() int { return r.fallbacks }

func (r *Resolver) Ledgers() *LedgerIndex { return r.ledgers }

func (r *Resolver) log(tx host.Tx) *logrus.Entry {
	return r.logger.WithField("business_id", tx.BusinessId())
}

func (r *Resolver) accountByName(ctx context.Context, tx host.Tx, name string) (*models.Account, error) {
	if name == "" {
		return nil, ErrNoAccount
	}
	if acc, ok := r.byName.get(name); ok {
		return acc, nil
	}
	acc, err := tx.FindAccountByName(ctx, name)
	if errors.Is(err, host.ErrNotFound) || (err == nil && !acc.Active()) {
		return nil, fmt.Errorf("%w: %q", ErrNoAccount, name)
	}
	if err != nil {
		return nil, err
	}
	r.byName.put(name, acc)
	return acc, nil
}

// ResolveAccount maps a source ledger to the host account created for it, falling
// back to the account named on an active mapping for the ledger code.
func (r *Resolver) ResolveAccount(ctx context.Context, tx host.Tx, ledgerID string) (*models.Account, error) {
	if ledgerID == "" {
		return nil, fmt.Errorf("%w: empty ledger", ErrNoAccount)
	}
	if acc, ok := r.byLedger.get(ledgerID); ok {
		return acc, nil
	}
	code, _ := r.ledgers.Code(ledgerID)
	acc, err := tx.FindAccountByLedger(ctx, ledgerID, code)
	switch {
	case err == nil && acc.Active():
		r.byLedger.put(ledgerID, acc)
		return acc, nil
	case err != nil && !errors.Is(err, host.ErrNotFound):
		return nil, err
	}
	if rule, ok := r.rules.Lookup(code); ok && rule.Account != "" {
		acc, err := r.accountByName(ctx, tx, rule.Account)
		if err == nil {
			r.byLedger.put(ledgerID, acc)
			return acc, nil
		}
		if !errors.Is(err, ErrNoAccount) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: ledger %s", ErrNoAccount, ledgerID)
}

// EnsureReceivablePayable upgrades a generically typed account to Receivable or
// Payable the first time it is used as one. The returned copy carries the new type.
func (r *Resolver) EnsureReceivablePayable(ctx context.Context, tx host.Tx, acc *models.Account, kind models.PartyKind) (*models.Account, error) {
	if acc == nil {
		return nil, nil
	}
	if t, ok := r.upgraded.get(acc.ID); ok {
		out := *acc
		out.DetailType = t
		return &out, nil
	}
	if !acc.DetailType.IsGeneric() {
		return acc, nil
	}
	target := models.AccountDetailTypeAccountsReceivable
	if kind == models.PartyKindSupplier {
		target = models.AccountDetailTypeAccountsPayable
	}
	if err := tx.UpdateAccountType(ctx, acc.ID, target); err != nil {
		return nil, fmt.Errorf("upgrade account %s: %w", acc.Name, err)
	}
	r.log(tx).WithFields(logrus.Fields{
		"account": acc.Name,
		"from":    acc.DetailType,
		"to":      target,
	}).Info("account type upgraded")
	r.upgraded.put(acc.ID, target)
	out := *acc
	out.DetailType = target
	return &out, nil
}

// ResolveReceivablePayable picks the control account of an invoice: the primary
// ledger when it maps, else the configured default, else the first account of the
// right type. The account is upgraded when still generic.
func (r *Resolver) ResolveReceivablePayable(ctx context.Context, tx host.Tx, ledgerID string, kind models.PartyKind) (*models.Account, error) {
	wantType := models.AccountDetailTypeAccountsReceivable
	defaultName := r.settings.DefaultReceivableAccount
	if kind == models.PartyKindSupplier {
		wantType = models.AccountDetailTypeAccountsPayable
		defaultName = r.settings.DefaultPayableAccount
	}

	acc, err := r.ResolveAccount(ctx, tx, ledgerID)
	if err != nil && !errors.Is(err, ErrNoAccount) {
		return nil, err
	}
	if acc != nil && acc.DetailType != wantType && !acc.DetailType.IsGeneric() {
		acc = nil
	}
	if acc == nil && defaultName != "" {
		if acc, err = r.accountByName(ctx, tx, defaultName); err != nil && !errors.Is(err, ErrNoAccount) {
			return nil, err
		}
	}
	if acc == nil {
		accounts, err := tx.FindAccountsByType(ctx, wantType)
		if err != nil {
			return nil, err
		}
		if len(accounts) == 0 {
			return nil, fmt.Errorf("%w: no %s account", ErrNoAccount, wantType)
		}
		acc = &accounts[0]
	}
	return r.EnsureReceivablePayable(ctx, tx, acc, kind)
}

// SuspenseAccount returns the company's suspense account, creating it on first use.
func (r *Resolver) SuspenseAccount(ctx context.Context, tx host.Tx) (*models.Account, error) {
	if acc, ok := r.suspense.get(tx.BusinessId()); ok {
		return acc, nil
	}
	acc, err := tx.FindAccountByName(ctx, models.SuspenseAccountName)
	if errors.Is(err, host.ErrNotFound) {
		acc = &models.Account{
			Company:    r.settings.Company,
			Name:       models.SuspenseAccountName,
			DetailType: models.AccountDetailTypeSuspense,
			IsSystem:   true,
		}
		if err = tx.CreateAccount(ctx, acc); err != nil {
			return nil, fmt.Errorf("create suspense account: %w", err)
		}
		r.log(tx).WithField("account_id", acc.ID).Info("suspense account created")
	} else if err != nil {
		return nil, err
	}
	r.suspense.put(tx.BusinessId(), acc)
	return acc, nil
}
