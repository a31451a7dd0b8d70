// Package audit turns a finished run into something an operator can read: outcome
// counts, the skip taxonomy, the error list and a reconciliation against the source.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/verenigingen/eboekhouden/models"
)

// ReasonCount is one line of the skip breakdown.
type ReasonCount struct {
	Reason models.SkipReason `json:"reason"`
	Count  int               `json:"count"`
}

type Summary struct {
	RunId         uint                       `json:"run_id"`
	BusinessId    string                     `json:"business_id"`
	Mode          models.RunMode             `json:"mode"`
	Status        models.RunStatus           `json:"status"`
	DryRun        bool                       `json:"dry_run"`
	FromId        int64                      `json:"from_id"`
	ToId          int64                      `json:"to_id"`
	FromDate      *time.Time                 `json:"from_date,omitempty"`
	ToDate        *time.Time                 `json:"to_date,omitempty"`
	HighWaterMark int64                      `json:"high_water_mark"`
	StartedAt     *time.Time                 `json:"started_at"`
	EndedAt       *time.Time                 `json:"ended_at"`
	DurationMs    int64                      `json:"duration_ms"`
	Counts        models.RunCounts           `json:"counts"`
	SkipReasons   []ReasonCount              `json:"skip_reasons"`
	Errors        []models.MigrationRunError `json:"errors"`
	Relabeled     int                        `json:"relabeled"`
	AbortReason   string                     `json:"abort_reason,omitempty"`
	AbortMessage  string                     `json:"abort_message,omitempty"`
}

// Summarize reports the run as persisted. Relabeled error rows are counted but left
// out of the error list; their outcome already moved to already_exists.
func Summarize(run *models.MigrationRun, errs []models.MigrationRunError) Summary {
	s := Summary{
		RunId:         run.ID,
		BusinessId:    run.BusinessId,
		Mode:          run.Mode,
		Status:        run.Status,
		DryRun:        run.DryRun,
		FromId:        run.FromId,
		ToId:          run.ToId,
		FromDate:      run.FromDate,
		ToDate:        run.ToDate,
		HighWaterMark: run.HighWaterMark,
		StartedAt:     run.StartedAt,
		EndedAt:       run.EndedAt,
		DurationMs:    run.DurationMs,
		Counts:        run.Counts(),
		Errors:        []models.MigrationRunError{},
		AbortReason:   run.AbortReason,
		AbortMessage:  run.AbortMessage,
	}
	for _, r := range models.AllSkipReasons {
		s.SkipReasons = append(s.SkipReasons, ReasonCount{Reason: r, Count: s.Counts.SkipReasons[r]})
	}
	for _, e := range errs {
		if e.Relabeled {
			s.Relabeled++
			continue
		}
		s.Errors = append(s.Errors, e)
	}
	return s
}

// retryMarkers are host messages that mean the record was already there.
var retryMarkers = []string{"duplicate entry", "already exists", "duplicate record"}

// Categorize picks the failure rows that were really retries against idempotent
// records: the source mutation is recorded as imported, or the host said so itself.
func Categorize(errs []models.MigrationRunError, imported map[int64]bool) []uint {
	var ids []uint
	for _, e := range errs {
		if e.Relabeled || e.ErrorClass != models.ErrorClassBuildFailed {
			continue
		}
		if imported[e.SourceMutationId] || isRetryMessage(e.Message) {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func isRetryMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range retryMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RelabelStore is the slice of host.Store the categorizer writes through.
type RelabelStore interface {
	RunErrors(ctx context.Context, runId uint) ([]models.MigrationRunError, error)
	ImportedSourceIds(ctx context.Context, businessId string, sourceIds []int64) (map[int64]bool, error)
	MarkRunErrorsRelabeled(ctx context.Context, ids []uint) error
	UpdateRun(ctx context.Context, run *models.MigrationRun) error
}

// Relabel moves retry failures of a finished run to already_exists and persists the
// corrected counters. Running it twice changes nothing the second time.
func Relabel(ctx context.Context, store RelabelStore, run *models.MigrationRun) (int, error) {
	errs, err := store.RunErrors(ctx, run.ID)
	if err != nil {
		return 0, fmt.Errorf("load run errors: %w", err)
	}
	var sourceIds []int64
	for _, e := range errs {
		if e.ErrorClass == models.ErrorClassBuildFailed && e.SourceMutationId != 0 {
			sourceIds = append(sourceIds, e.SourceMutationId)
		}
	}
	if len(sourceIds) == 0 {
		return 0, nil
	}
	imported, err := store.ImportedSourceIds(ctx, run.BusinessId, sourceIds)
	if err != nil {
		return 0, fmt.Errorf("load imported ids: %w", err)
	}

	ids := Categorize(errs, imported)
	if len(ids) == 0 {
		return 0, nil
	}
	if err := store.MarkRunErrorsRelabeled(ctx, ids); err != nil {
		return 0, err
	}
	n := len(ids)
	if n > run.Failed {
		n = run.Failed
	}
	run.Failed -= n
	run.AlreadyExists += n
	if err := store.UpdateRun(ctx, run); err != nil {
		return 0, err
	}
	return len(ids), nil
}
