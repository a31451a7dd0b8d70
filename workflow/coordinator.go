package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/builder"
	"github.com/verenigingen/eboekhouden/eboekhouden"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/metrics"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/mutation"
	"github.com/verenigingen/eboekhouden/resolver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrCancelled is returned by Run when the operator cancelled the run.
	ErrCancelled = errors.New("workflow: migration run cancelled")
	// ErrNoDateWindow means a date-mode run has neither request bounds nor a settings window.
	ErrNoDateWindow = errors.New("workflow: no date window for date mode run")

	errDryRun = errors.New("dry run")
	// errSkipped rolls back whatever a skipped mutation created while resolving.
	errSkipped = errors.New("mutation skipped")
)

const maxErrorMessage = 100

// RunRequest is what an operator asks for. Zero ids mean "from the start" and "up to
// the highest id".
type RunRequest struct {
	Mode        models.RunMode
	FromID      int64
	ToID        int64
	FromDate    *time.Time
	ToDate      *time.Time
	DryRun      bool
	Resume      bool
	TriggeredBy string
	RequestedBy string
	ParentRunId *uint
	// RunId picks up a run row created when the request was queued.
	RunId uint
}

// Coordinator drives one migration run for the business in Host.
type Coordinator struct {
	Host     host.Context
	Source   eboekhouden.MutationSource
	Locker   RunLocker
	Payments *resolver.PaymentConfig
	Tracer   trace.Tracer
	// LockRefresh is how often the run lock is extended while a run is busy.
	// Zero means a third of DefaultLockTTL.
	LockRefresh time.Duration
}

func NewCoordinator(h host.Context, source eboekhouden.MutationSource, locker RunLocker) *Coordinator {
	if locker == nil {
		locker = NewMemoryRunLocker()
	}
	return &Coordinator{
		Host:   h.WithDefaults(),
		Source: source,
		Locker: locker,
		Tracer: otel.Tracer("github.com/verenigingen/eboekhouden/workflow"),
	}
}

// runState is everything that lives for exactly one run.
type runState struct {
	c        *Coordinator
	h        host.Context
	req      RunRequest
	run      *models.MigrationRun
	counts   models.RunCounts
	totals   map[models.TransactionType]decimal.Decimal
	rules    mutation.RuleSet
	resolver *resolver.Resolver
	builders *builder.Set
	lock     RunLock
	since    int
	current  int64
	window   [2]int64
	dates    [2]time.Time
	progress func() float64
	logger   *logrus.Entry
}

// Run executes a run to completion, cancellation or abort and returns the final run
// row. A nil run with an error means the run could not start.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (*models.MigrationRun, error) {
	h := c.Host
	if req.Mode == "" {
		req.Mode = models.RunModeID
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = models.RunTriggeredManual
	}

	lock, err := c.Locker.Acquire(ctx, h.BusinessId)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			h.LogError("Run", "release run lock", h.BusinessId, err)
		}
	}()

	ctx, span := c.Tracer.Start(ctx, "migration.run", trace.WithAttributes(
		attribute.String("business_id", h.BusinessId),
		attribute.String("mode", string(req.Mode)),
		attribute.Bool("dry_run", req.DryRun),
	))
	defer span.End()

	s := &runState{
		c:      c,
		h:      h,
		req:    req,
		lock:   lock,
		counts: models.NewRunCounts(),
		totals: map[models.TransactionType]decimal.Decimal{},
	}
	if err := s.start(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("run_id", int64(s.run.ID)))
	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	ctx, stop := s.keepAlive(ctx)
	defer stop()

	runErr := s.execute(ctx)
	s.finish(runErr)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	return s.run, runErr
}

// keepAlive refreshes the run lock in the background. A failed refresh cancels ctx with
// ErrLockLost as the cause.
func (s *runState) keepAlive(ctx context.Context) (context.Context, func()) {
	every := s.c.LockRefresh
	if every <= 0 {
		every = DefaultLockTTL / 3
	}
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.refreshLock(ctx); err != nil {
					cancel(err)
					return
				}
			}
		}
	}()
	return ctx, func() {
		cancel(nil)
		<-done
	}
}

// refreshLock extends the lock. Any refresh error is reported as ErrLockLost.
func (s *runState) refreshLock(ctx context.Context) error {
	err := s.lock.Refresh(ctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	s.h.LogError("refreshLock", "refresh run lock", s.run.ID, err)
	if errors.Is(err, ErrLockLost) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrLockLost, err)
}

// interrupted tells an operator cancel apart from a lost lock once ctx is done.
func interrupted(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrLockLost) {
		return cause
	}
	return ErrCancelled
}

func (s *runState) start(ctx context.Context) error {
	now := time.Now()
	store := s.h.Store
	if s.req.RunId != 0 {
		run, err := store.GetRun(ctx, s.h.BusinessId, s.req.RunId)
		if err != nil {
			return fmt.Errorf("load queued run %d: %w", s.req.RunId, err)
		}
		if run.Status.IsTerminal() {
			return fmt.Errorf("run %d already %s", run.ID, run.Status)
		}
		s.run = run
	} else {
		s.run = &models.MigrationRun{BusinessId: s.h.BusinessId}
	}
	s.run.Mode = s.req.Mode
	s.run.Dialect = s.c.Source.Dialect()
	s.run.DryRun = s.req.DryRun
	s.run.Status = models.RunStatusRunning
	s.run.TriggeredBy = s.req.TriggeredBy
	s.run.RequestedBy = s.req.RequestedBy
	s.run.ParentRunId = s.req.ParentRunId
	s.run.StartedAt = &now

	var err error
	if s.run.ID == 0 {
		err = store.CreateRun(ctx, s.run)
	} else {
		err = store.UpdateRun(ctx, s.run)
	}
	if err != nil {
		s.h.LogError("Run", "persist run", s.run, err)
		return err
	}
	s.logger = s.h.Logger.WithFields(logrus.Fields{
		"business_id": s.h.BusinessId,
		"run_id":      s.run.ID,
	})
	return nil
}

// execute returns nil on completion, ErrCancelled, or the abort cause.
func (s *runState) execute(ctx context.Context) error {
	if err := s.prepare(ctx); err != nil {
		return err
	}
	if s.req.Mode == models.RunModeDate {
		return s.walkDates(ctx)
	}
	return s.walkIDs(ctx)
}

// prepare loads the mapping rules and the source chart, then builds the per-run resolver.
func (s *runState) prepare(ctx context.Context) error {
	mappings, err := s.h.Store.ListMappings(ctx, s.h.BusinessId, true)
	if err != nil {
		return fmt.Errorf("load mappings: %w", err)
	}
	s.rules = mutation.NewRuleSet(mappings)

	ledgers, err := s.c.Source.FetchLedgers(ctx)
	if err != nil {
		return err
	}
	relations, err := s.c.Source.FetchRelations(ctx)
	if err != nil {
		return err
	}

	payments := s.c.Payments
	if payments == nil && s.h.Settings.PaymentConfigYAML != "" {
		cfg, err := resolver.LoadPaymentConfig([]byte(s.h.Settings.PaymentConfigYAML))
		if err != nil {
			return fmt.Errorf("payment config: %w", err)
		}
		payments = &cfg
	}
	s.resolver = resolver.New(resolver.Config{
		Settings:  s.h.Settings,
		Payments:  payments,
		Ledgers:   resolver.NewLedgerIndex(ledgers),
		Relations: relations,
		Rules:     s.rules,
		Logger:    s.h.Logger,
	})
	s.builders = builder.NewSet(s.resolver, s.h.Settings, s.h.Logger)
	s.logger.WithFields(logrus.Fields{
		"ledgers":   len(ledgers),
		"relations": len(relations),
		"mappings":  s.rules.Len(),
	}).Info("migration run prepared")
	return nil
}

func (s *runState) walkIDs(ctx context.Context) error {
	from, to := s.req.FromID, s.req.ToID
	if s.req.Resume {
		mark, err := s.h.Store.LastHighWaterMark(ctx, s.h.BusinessId)
		if err != nil {
			return fmt.Errorf("load high water mark: %w", err)
		}
		if mark+1 > from {
			from = mark + 1
		}
	}
	if from < 1 {
		from = 1
	}
	if to <= 0 {
		highest, err := s.c.Source.FetchHighestID(ctx)
		if err != nil {
			return err
		}
		to = highest
	}
	s.run.FromId, s.run.ToId = from, to
	s.progress = func() float64 { return fraction(s.current-from+1, to-from+1) }
	s.logger.WithFields(logrus.Fields{"from_id": from, "to_id": to}).Info("migration run discovered id range")

	size := int64(s.h.Settings.Window())
	for lo := from; lo <= to; lo += size {
		hi := lo + size - 1
		if hi > to {
			hi = to
		}
		s.window = [2]int64{lo, hi}
		if err := s.batch(ctx, func(ctx context.Context) ([]mutation.Raw, error) {
			return s.c.Source.FetchMutations(ctx, lo, hi)
		}); err != nil {
			return err
		}
		s.current = hi
		if !s.req.DryRun {
			s.run.HighWaterMark = hi
		}
		s.checkpoint(ctx)
	}
	return nil
}

func (s *runState) walkDates(ctx context.Context) error {
	from, to, err := s.dateBounds()
	if err != nil {
		return err
	}
	s.run.FromDate, s.run.ToDate = &from, &to
	total := to.Sub(from).Hours()/24 + 1
	s.progress = func() float64 {
		if total <= 0 {
			return 1
		}
		done := s.dates[1].Sub(from).Hours()/24 + 1
		return clamp01(done / total)
	}

	days := s.h.Settings.DateWindowDays
	for lo := from; !lo.After(to); lo = lo.AddDate(0, 0, days) {
		hi := lo.AddDate(0, 0, days-1)
		if hi.After(to) {
			hi = to
		}
		s.dates = [2]time.Time{lo, hi}
		if err := s.batch(ctx, func(ctx context.Context) ([]mutation.Raw, error) {
			return s.c.Source.FetchMutationsByDate(ctx, lo, hi)
		}); err != nil {
			return err
		}
		s.checkpoint(ctx)
	}
	return nil
}

func (s *runState) dateBounds() (time.Time, time.Time, error) {
	from, to := s.req.FromDate, s.req.ToDate
	if from == nil {
		from = s.h.Settings.DataFrom
	}
	if to == nil {
		to = s.h.Settings.DataTo
	}
	if from == nil {
		return time.Time{}, time.Time{}, ErrNoDateWindow
	}
	end := time.Now().UTC().Truncate(24 * time.Hour)
	if to != nil {
		end = *to
	}
	if end.Before(*from) {
		return time.Time{}, time.Time{}, fmt.Errorf("date window ends %s before it starts %s", end.Format("2006-01-02"), from.Format("2006-01-02"))
	}
	return *from, end, nil
}

// batch fetches one window, normalizes it and processes it in dependency order.
func (s *runState) batch(ctx context.Context, fetch func(ctx context.Context) ([]mutation.Raw, error)) error {
	if err := s.checkCancelled(ctx); err != nil {
		return err
	}
	if err := s.refreshLock(ctx); err != nil {
		return err
	}

	ctx, span := s.c.Tracer.Start(ctx, "migration.batch", trace.WithAttributes(
		attribute.Int64("window_from", s.window[0]),
		attribute.Int64("window_to", s.window[1]),
	))
	defer span.End()

	raws, err := fetch(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("mutations", len(raws)))

	batch := make([]mutation.Mutation, 0, len(raws))
	for _, raw := range raws {
		m, err := mutation.Normalize(raw)
		if err != nil {
			s.unparseable(ctx, raw, err)
			continue
		}
		batch = append(batch, m)
	}
	for _, m := range Order(batch) {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		s.current = m.SourceID
		s.addSourceTotal(m)
		s.process(ctx, m)
		s.since++
		if s.since >= s.h.Settings.ProgressInterval {
			s.since = 0
			s.publish(ctx)
			if err := s.checkCancelled(ctx); err != nil {
				return err
			}
			if err := s.refreshLock(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// process runs one mutation in its own unit of work and records the outcome. Nothing
// escapes: every error ends up as a counter and, where useful, a run error row.
func (s *runState) process(ctx context.Context, m mutation.Mutation) {
	ctx, span := s.c.Tracer.Start(ctx, "migration.mutation", trace.WithAttributes(
		attribute.Int64("source_id", m.SourceID),
		attribute.String("transaction_type", string(m.Type)),
	))
	defer span.End()

	route := mutation.Classify(m, s.rules, s.resolver.Ledgers())
	var (
		result builder.Result
		skip   *builder.SkipError
	)
	err := s.h.Store.Transaction(ctx, s.h.BusinessId, func(tx host.Tx) error {
		res, err := s.builders.Build(ctx, tx, m, route)
		if sk, ok := builder.AsSkip(err); ok {
			skip = sk
			return errSkipped
		} else if err != nil {
			return err
		} else {
			result = res
			status := models.ImportedStatusSubmitted
			if s.req.DryRun {
				status = models.ImportedStatusDryRun
			}
			if err := tx.RecordImported(ctx, &models.ImportedDocument{
				SourceMutationId: m.SourceID,
				TransactionType:  m.Type,
				TargetDocType:    res.DocType,
				TargetDocId:      res.DocID,
				TargetDocName:    res.DocName,
				Status:           status,
				Amount:           res.Amount,
				PostingDate:      m.Date,
				RunId:            s.run.ID,
			}); err != nil {
				return err
			}
		}
		if s.req.DryRun {
			return errDryRun
		}
		return nil
	})
	if s.req.DryRun || err != nil {
		s.resolver.Discard()
	} else {
		s.resolver.Commit()
	}
	if errors.Is(err, errDryRun) || errors.Is(err, errSkipped) {
		err = nil
	}

	entry := s.logger.WithFields(logrus.Fields{"source_id": m.SourceID, "type": m.Type})
	switch {
	case err != nil && ctx.Err() != nil:
		// cancelled mid-unit; the rollback leaves nothing to count
		entry.WithError(err).Debug("mutation interrupted")
	case errors.Is(err, host.ErrDuplicate):
		s.record(m, models.OutcomeAlreadyExists, "")
		entry.Debug("mutation already imported")
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.record(m, models.OutcomeFailed, "")
		s.addError(ctx, m.SourceID, models.PhaseBuild, models.ErrorClassBuildFailed, err.Error(), nil)
		entry.WithError(err).Warn("mutation failed")
	case skip != nil && skip.Reason == models.SkipAlreadyImported:
		s.record(m, models.OutcomeAlreadyExists, "")
		entry.WithField("detail", skip.Detail).Debug("mutation already imported")
	case skip != nil:
		s.record(m, models.OutcomeSkipped, skip.Reason)
		s.addError(ctx, m.SourceID, skipPhase(skip.Reason), string(skip.Reason), skip.Error(), nil)
		entry.WithFields(logrus.Fields{"reason": skip.Reason, "detail": skip.Detail}).Info("mutation skipped")
	default:
		s.record(m, models.OutcomeCreated, "")
		entry.WithFields(logrus.Fields{"doc_type": result.DocType, "doc_name": result.DocName}).Debug("mutation imported")
	}
}

func (s *runState) record(m mutation.Mutation, outcome models.Outcome, reason models.SkipReason) {
	s.counts.Record(outcome, reason)
	metrics.MutationsTotal.WithLabelValues(string(m.Type), string(outcome)).Inc()
	if outcome == models.OutcomeSkipped {
		metrics.SkipsTotal.WithLabelValues(string(reason)).Inc()
	}
}

func (s *runState) unparseable(ctx context.Context, raw mutation.Raw, err error) {
	var sourceID int64
	var ne *mutation.NormalizeError
	if errors.As(err, &ne) {
		sourceID = ne.SourceID
	}
	payload, _ := json.Marshal(raw)
	s.counts.Record(models.OutcomeSkipped, models.SkipUnparseable)
	metrics.MutationsTotal.WithLabelValues(string(models.TransactionUnknown), string(models.OutcomeSkipped)).Inc()
	metrics.SkipsTotal.WithLabelValues(string(models.SkipUnparseable)).Inc()
	s.addError(ctx, sourceID, models.PhaseNormalize, string(models.SkipUnparseable), err.Error(), payload)
	s.logger.WithError(err).WithField("source_id", sourceID).Warn("unparseable mutation")
}

func (s *runState) addError(ctx context.Context, sourceID int64, phase models.Phase, class, message string, payload []byte) {
	runErr := &models.MigrationRunError{
		RunId:            s.run.ID,
		BusinessId:       s.h.BusinessId,
		SourceMutationId: sourceID,
		Phase:            phase,
		ErrorClass:       class,
		Message:          Truncate(message, maxErrorMessage),
		PayloadJSON:      payload,
	}
	if err := s.h.Store.AddRunError(ctx, runErr); err != nil {
		s.h.LogError("addError", "persist run error", runErr, err)
	}
}

func skipPhase(reason models.SkipReason) models.Phase {
	switch reason {
	case models.SkipUnhandledType:
		return models.PhaseClassify
	case models.SkipNoParty, models.SkipNoAccount:
		return models.PhaseResolve
	case models.SkipUnparseable:
		return models.PhaseNormalize
	}
	return models.PhaseBuild
}

func (s *runState) addSourceTotal(m mutation.Mutation) {
	s.totals[m.Type] = s.totals[m.Type].Add(m.Magnitude())
}

func (s *runState) checkCancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return interrupted(ctx)
	}
	cancelled, err := s.h.Cancel.Cancelled(ctx, s.h.BusinessId, s.run.ID)
	if err != nil {
		s.h.LogError("checkCancelled", "read cancel flag", s.run.ID, err)
		return nil
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

// checkpoint persists counters and the high-water mark after a window.
func (s *runState) checkpoint(ctx context.Context) {
	s.run.Apply(s.counts)
	s.run.SetSourceTotals(s.totals)
	if err := s.h.Store.UpdateRun(ctx, s.run); err != nil {
		s.h.LogError("checkpoint", "update run", s.run.ID, err)
	}
	s.publish(ctx)
}

func (s *runState) publish(ctx context.Context) {
	p := host.Progress{
		RunId:         s.run.ID,
		BusinessId:    s.h.BusinessId,
		Status:        s.run.Status,
		Counts:        s.counts,
		WindowFrom:    s.window[0],
		WindowTo:      s.window[1],
		HighWaterMark: s.run.HighWaterMark,
		UpdatedAt:     time.Now(),
	}
	if s.progress != nil {
		p.Fraction = s.progress()
	}
	if s.run.Status == models.RunStatusCompleted {
		p.Fraction = 1
	}
	if err := s.h.Progress.PublishProgress(ctx, p); err != nil {
		s.h.LogError("publish", "publish progress", p, err)
	}
}

// finish settles the final status. It runs on a fresh context so a cancelled run can
// still be written.
func (s *runState) finish(runErr error) {
	ctx := context.Background()
	now := time.Now()
	s.run.EndedAt = &now
	if s.run.StartedAt != nil {
		s.run.DurationMs = now.Sub(*s.run.StartedAt).Milliseconds()
	}

	switch {
	case runErr == nil:
		s.run.Status = models.RunStatusCompleted
	case errors.Is(runErr, ErrCancelled):
		s.run.Status = models.RunStatusCancelled
	default:
		s.run.Status = models.RunStatusFailed
		s.run.AbortReason, s.run.AbortMessage = abortReason(runErr), Truncate(runErr.Error(), 1000)
		s.addError(ctx, 0, models.PhaseFetch, s.run.AbortReason, runErr.Error(), nil)
	}
	s.run.Apply(s.counts)
	s.run.SetSourceTotals(s.totals)
	if err := s.h.Store.UpdateRun(ctx, s.run); err != nil {
		s.h.LogError("finish", "update run", s.run.ID, err)
	}
	s.publish(ctx)

	metrics.RunsTotal.WithLabelValues(string(s.run.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(s.run.Mode), strconv.FormatBool(s.run.DryRun)).
		Observe(float64(s.run.DurationMs) / 1000)

	fields := logrus.Fields{
		"status":         s.run.Status,
		"processed":      s.counts.Processed,
		"created":        s.counts.Created,
		"already_exists": s.counts.AlreadyExists,
		"skipped":        s.counts.Skipped,
		"failed":         s.counts.Failed,
		"party_fallback": s.fallbacks(),
	}
	if runErr != nil && !errors.Is(runErr, ErrCancelled) {
		s.logger.WithFields(fields).WithError(runErr).Error("migration run aborted")
		return
	}
	s.logger.WithFields(fields).Info("migration run finished")
}

func (s *runState) fallbacks() int {
	if s.resolver == nil {
		return 0
	}
	return s.resolver.FallbackCount()
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, ErrLockLost):
		return models.ErrorClassLockLost
	case errors.Is(err, eboekhouden.ErrAuth):
		return models.ErrorClassAuth
	case errors.Is(err, eboekhouden.ErrTransport):
		return models.ErrorClassTransport
	}
	return models.ErrorClassSetup
}

func fraction(done, total int64) float64 {
	if total <= 0 {
		return 1
	}
	return clamp01(float64(done) / float64(total))
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
