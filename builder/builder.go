// Package builder turns classified mutations into host documents. A builder either
// creates exactly one document, returns a *SkipError, or fails; in every case the
// caller owns the unit of work and decides whether it commits.
package builder

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/config"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/mutation"
	"github.com/verenigingen/eboekhouden/resolver"
)

// Result describes the created document.
type Result struct {
	DocType models.DocType  `json:"doc_type"`
	DocID   int             `json:"doc_id"`
	DocName string          `json:"doc_name"`
	Amount  decimal.Decimal `json:"amount"`
}

type Builder interface {
	Build(ctx context.Context, tx host.Tx, m mutation.Mutation, route mutation.Route) (Result, error)
}

// SkipError reports a mutation that deliberately produced no document.
type SkipError struct {
	Reason models.SkipReason
	Detail string
	Err    error
}

func (e *SkipError) Error() string {
	if e.Detail == "" {
		return "skipped: " + string(e.Reason)
	}
	return fmt.Sprintf("skipped: %s: %s", e.Reason, e.Detail)
}

func (e *SkipError) Unwrap() error { return e.Err }

func skip(reason models.SkipReason, format string, args ...any) error {
	return &SkipError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsSkip extracts the skip from an error chain.
func AsSkip(err error) (*SkipError, bool) {
	var s *SkipError
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// resolutionSkip turns the resolver's "not obtainable" errors into skips; anything
// else is returned unchanged.
func resolutionSkip(err error) error {
	switch {
	case errors.Is(err, resolver.ErrNoParty):
		return &SkipError{Reason: models.SkipNoParty, Detail: err.Error(), Err: err}
	case errors.Is(err, resolver.ErrNoAccount):
		return &SkipError{Reason: models.SkipNoAccount, Detail: err.Error(), Err: err}
	}
	return err
}

// Set dispatches to the builder of the route's target.
type Set struct {
	Invoice Builder
	Payment Builder
	Journal Builder
}

func NewSet(res *resolver.Resolver, settings models.MigrationSettings, logger *logrus.Logger) *Set {
	if logger == nil {
		logger = config.GetLogger()
	}
	settings = settings.WithDefaults()
	return &Set{
		Invoice: &InvoiceBuilder{Resolver: res, Settings: settings},
		Payment: &PaymentBuilder{Resolver: res, Settings: settings, Logger: logger},
		Journal: &JournalBuilder{Resolver: res, Settings: settings},
	}
}

func (s *Set) Build(ctx context.Context, tx host.Tx, m mutation.Mutation, route mutation.Route) (Result, error) {
	if route.Skipped() {
		return Result{}, skip(route.Skip, "type %s", m.RawType)
	}
	switch route.Target {
	case models.DocTypeSalesInvoice, models.DocTypePurchaseInvoice:
		return s.Invoice.Build(ctx, tx, m, route)
	case models.DocTypePaymentEntry:
		return s.Payment.Build(ctx, tx, m, route)
	case models.DocTypeJournalEntry:
		return s.Journal.Build(ctx, tx, m, route)
	}
	return Result{}, skip(models.SkipUnhandledType, "no builder for %q", route.Target)
}
