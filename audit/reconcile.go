package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/metrics"
	"github.com/verenigingen/eboekhouden/models"
)

// Line compares one transaction type.
type Line struct {
	Type       models.TransactionType `json:"type"`
	Source     decimal.Decimal        `json:"source"`
	Created    decimal.Decimal        `json:"created"`
	Difference decimal.Decimal        `json:"difference"`
	Flagged    bool                   `json:"flagged"`
}

type Reconciliation struct {
	BusinessId      string          `json:"business_id"`
	FromId          int64           `json:"from_id,omitempty"`
	ToId            int64           `json:"to_id,omitempty"`
	From            time.Time       `json:"from"`
	To              time.Time       `json:"to"`
	Tolerance       decimal.Decimal `json:"tolerance"`
	Lines           []Line          `json:"lines"`
	Flagged         int             `json:"flagged"`
	SuspenseFound   bool            `json:"suspense_found"`
	SuspenseBalance decimal.Decimal `json:"suspense_balance"`
}

// OK reports whether every line is within tolerance.
func (r Reconciliation) OK() bool { return r.Flagged == 0 }

// Reconcile compares the source totals of a scope with the amounts of the documents
// imported for it. A difference above tolerance, in either direction, is flagged.
func Reconcile(ctx context.Context, reader host.ReportReader, businessId string, scope host.ImportScope,
	source map[models.TransactionType]decimal.Decimal, tolerance decimal.Decimal) (Reconciliation, error) {
	created, err := reader.ImportedTotals(ctx, businessId, scope)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("imported totals: %w", err)
	}
	rec := Reconciliation{
		BusinessId: businessId,
		FromId:     scope.FromId,
		ToId:       scope.ToId,
		From:       scope.From,
		To:         scope.To,
		Tolerance:  tolerance,
		Lines:      []Line{},
	}
	for _, t := range models.AllTransactionTypes {
		src, doc := source[t], created[t]
		if src.IsZero() && doc.IsZero() {
			continue
		}
		line := Line{Type: t, Source: src, Created: doc, Difference: src.Sub(doc)}
		if line.Difference.Abs().GreaterThan(tolerance) {
			line.Flagged = true
			rec.Flagged++
			metrics.ReconciliationDiscrepancies.WithLabelValues(string(t)).Inc()
		}
		rec.Lines = append(rec.Lines, line)
	}

	balance, found, err := SuspenseBalance(ctx, reader, businessId)
	if err != nil {
		return rec, err
	}
	rec.SuspenseFound, rec.SuspenseBalance = found, balance
	return rec, nil
}

// SuspenseBalance is the KPI of what still waits on manual clearing. found is false
// when no mutation ever needed the suspense account.
func SuspenseBalance(ctx context.Context, reader host.ReportReader, businessId string) (decimal.Decimal, bool, error) {
	acc, err := reader.AccountByName(ctx, businessId, models.SuspenseAccountName)
	if errors.Is(err, host.ErrNotFound) {
		metrics.SuspenseBalance.WithLabelValues(businessId).Set(0)
		return decimal.Zero, false, nil
	} else if err != nil {
		return decimal.Zero, false, fmt.Errorf("suspense account: %w", err)
	}
	balance, err := reader.AccountBalance(ctx, businessId, acc.ID)
	if err != nil {
		return decimal.Zero, true, fmt.Errorf("suspense balance: %w", err)
	}
	f, _ := balance.Abs().Float64()
	metrics.SuspenseBalance.WithLabelValues(businessId).Set(f)
	return balance, true, nil
}

// RunScope is what a run's source totals cover: the mutation id range it walked, or
// its date window. Documents imported by earlier runs for the same mutations count,
// documents for mutations outside the scope do not.
func RunScope(run *models.MigrationRun) host.ImportScope {
	if run.Mode != models.RunModeDate && run.ToId > 0 {
		return host.ImportScope{FromId: run.FromId, ToId: run.ToId}
	}
	scope := host.ImportScope{To: time.Now().UTC()}
	if run.EndedAt != nil {
		scope.To = *run.EndedAt
	}
	if run.FromDate != nil {
		scope.From = *run.FromDate
	}
	if run.ToDate != nil {
		scope.To = *run.ToDate
	}
	return scope
}

// ReconcileRun reconciles the scope of a finished run with its own source totals.
func ReconcileRun(ctx context.Context, reader host.ReportReader, run *models.MigrationRun, tolerance decimal.Decimal) (Reconciliation, error) {
	return Reconcile(ctx, reader, run.BusinessId, RunScope(run), run.SourceTotals(), tolerance)
}
