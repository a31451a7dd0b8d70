// Package migration is the operator surface of the engine: it queues runs, executes
// queued runs on a worker, and serves run reports, mappings and settings over HTTP.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/audit"
	"github.com/verenigingen/eboekhouden/config"
	"github.com/verenigingen/eboekhouden/eboekhouden"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/utils"
	"github.com/verenigingen/eboekhouden/workflow"
	"github.com/xuri/excelize/v2"
)

var (
	ErrInvalidRequest = errors.New("migration: invalid request")
	ErrNoSettings     = errors.New("migration: settings are not configured")
	ErrRunFinished    = errors.New("migration: run already finished")
)

// SourceFactory opens the API client for a business.
type SourceFactory func(settings models.MigrationSettings) (eboekhouden.MutationSource, error)

func defaultSources(settings models.MigrationSettings) (eboekhouden.MutationSource, error) {
	return eboekhouden.NewSource(settings, eboekhouden.Options{Logger: config.GetLogger()})
}

// Queue hands a queued run to a worker.
type Queue interface {
	Enqueue(ctx context.Context, msg config.RunMessage) error
}

// PubSubQueue publishes run messages to the run topic.
type PubSubQueue struct {
	Topic string
}

func (q PubSubQueue) Enqueue(ctx context.Context, msg config.RunMessage) error {
	topic := q.Topic
	if topic == "" {
		topic = config.RunTopicName()
	}
	_, err := config.PublishRun(ctx, topic, msg)
	return err
}

// InlineQueue executes the run in a goroutine of the current process.
type InlineQueue struct {
	Service *Service
}

func (q InlineQueue) Enqueue(ctx context.Context, msg config.RunMessage) error {
	go func() {
		if _, err := q.Service.Execute(context.Background(), msg); err != nil {
			q.Service.logError("InlineQueue", "execute run", msg, err)
		}
	}()
	return nil
}

type Service struct {
	Store    host.Store
	Messages host.MessageLedger
	Locker   workflow.RunLocker
	Progress ProgressStore
	Cancel   CancelFlag
	Sources  SourceFactory
	Queue    Queue

	Reports      *storage.Client
	ReportBucket string

	Logger   *logrus.Logger
	Validate *validator.Validate
}

// NewService wires single-process defaults; the service binary swaps in Redis and Pub/Sub.
func NewService(store host.Store, messages host.MessageLedger) *Service {
	s := &Service{
		Store:    store,
		Messages: messages,
		Locker:   workflow.NewMemoryRunLocker(),
		Progress: NewMemoryProgress(),
		Cancel:   NewMemoryCancelFlag(),
		Sources:  defaultSources,
		Logger:   config.GetLogger(),
		Validate: validator.New(),
	}
	s.Queue = InlineQueue{Service: s}
	return s
}

func (s *Service) logError(funcName, context string, data any, err error) {
	config.LogError(s.Logger, "migration", funcName, context, data, err)
}

func (s *Service) runLogger(ctx context.Context) *logrus.Entry {
	return s.Logger.WithFields(utils.LogFields(ctx))
}

func (s *Service) settings(ctx context.Context, businessId string) (models.MigrationSettings, error) {
	settings, err := s.Store.GetSettings(ctx, businessId)
	if errors.Is(err, host.ErrNotFound) {
		return models.MigrationSettings{}, ErrNoSettings
	} else if err != nil {
		return models.MigrationSettings{}, err
	}
	return settings.WithDefaults(), nil
}

func (s *Service) validate(req any) error {
	if err := s.Validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, utils.ProcessValidationErrors(err))
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// StartRun records a queued run and hands it to the queue.
func (s *Service) StartRun(ctx context.Context, businessId, requestedBy string, req StartRunRequest) (*models.MigrationRun, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	mode, err := models.ParseRunMode(req.Mode)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if req.ToId != 0 && req.FromId > req.ToId {
		return nil, invalid("from_id is after to_id")
	}
	fromDate, _ := utils.ParseDay(req.FromDate)
	toDate, _ := utils.ParseDay(req.ToDate)
	if fromDate != nil && toDate != nil && fromDate.After(*toDate) {
		return nil, invalid("from_date is after to_date")
	}
	if _, err := s.settings(ctx, businessId); err != nil {
		return nil, err
	}

	triggeredBy := models.RunTriggeredManual
	if req.Resume {
		triggeredBy = models.RunTriggeredResume
	}
	run := &models.MigrationRun{
		BusinessId:  businessId,
		Mode:        mode,
		FromId:      req.FromId,
		ToId:        req.ToId,
		FromDate:    fromDate,
		ToDate:      toDate,
		DryRun:      req.DryRun || config.DryRunOnly(),
		Status:      models.RunStatusQueued,
		TriggeredBy: triggeredBy,
		RequestedBy: requestedBy,
	}
	return run, s.enqueue(ctx, run)
}

func (s *Service) enqueue(ctx context.Context, run *models.MigrationRun) error {
	if err := s.Store.CreateRun(ctx, run); err != nil {
		return err
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	err := s.Queue.Enqueue(ctx, config.RunMessage{RunId: run.ID, BusinessId: run.BusinessId, CorrelationId: cid})
	if err == nil {
		return nil
	}
	s.logError("enqueue", "enqueue run", run.ID, err)
	now := time.Now()
	run.Status = models.RunStatusFailed
	run.AbortReason = models.ErrorClassSetup
	run.AbortMessage = "enqueue: " + err.Error()
	run.EndedAt = &now
	if uerr := s.Store.UpdateRun(ctx, run); uerr != nil {
		s.logError("enqueue", "mark run failed", run.ID, uerr)
	}
	return err
}

// RetryRun queues a resume of a finished run, linked to it as parent.
func (s *Service) RetryRun(ctx context.Context, businessId, requestedBy string, runId uint) (*models.MigrationRun, error) {
	prev, err := s.Store.GetRun(ctx, businessId, runId)
	if err != nil {
		return nil, err
	}
	if !prev.Status.IsTerminal() {
		return nil, invalid("run %d is still %s", prev.ID, prev.Status)
	}
	run := &models.MigrationRun{
		BusinessId:  businessId,
		Mode:        prev.Mode,
		FromId:      prev.FromId,
		ToId:        prev.ToId,
		FromDate:    prev.FromDate,
		ToDate:      prev.ToDate,
		DryRun:      prev.DryRun || config.DryRunOnly(),
		Status:      models.RunStatusQueued,
		TriggeredBy: models.RunTriggeredResume,
		RequestedBy: requestedBy,
		ParentRunId: &prev.ID,
	}
	return run, s.enqueue(ctx, run)
}

// CancelRun stops a queued run at once and flags a running one; the coordinator
// honours the flag at its next batch boundary.
func (s *Service) CancelRun(ctx context.Context, businessId string, runId uint) (*models.MigrationRun, error) {
	run, err := s.Store.GetRun(ctx, businessId, runId)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case models.RunStatusQueued:
		now := time.Now()
		run.Status = models.RunStatusCancelled
		run.EndedAt = &now
		if err := s.Store.UpdateRun(ctx, run); err != nil {
			return nil, err
		}
	case models.RunStatusRunning:
		if err := s.Cancel.Cancel(ctx, businessId, runId); err != nil {
			return nil, err
		}
	default:
		return run, ErrRunFinished
	}
	return run, nil
}

// Execute runs a queued run to the end on this worker. It returns the final run row;
// a nil row means the run could not be picked up and the message should come back.
func (s *Service) Execute(ctx context.Context, msg config.RunMessage) (*models.MigrationRun, error) {
	ctx = utils.WithRun(ctx, msg.BusinessId, msg.RunId, msg.CorrelationId)

	run, err := s.Store.GetRun(ctx, msg.BusinessId, msg.RunId)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	settings, err := s.settings(ctx, msg.BusinessId)
	if err != nil {
		return s.failSetup(ctx, run, err)
	}
	source, err := s.Sources(settings)
	if err != nil {
		return s.failSetup(ctx, run, fmt.Errorf("open source: %w", err))
	}
	defer func() {
		if err := source.Close(context.Background()); err != nil {
			s.logError("Execute", "close source", msg, err)
		}
	}()

	h := host.Context{
		BusinessId: msg.BusinessId,
		User:       run.RequestedBy,
		Settings:   settings,
		Store:      s.Store,
		Progress:   s.Progress,
		Cancel:     s.Cancel,
		Logger:     s.Logger,
	}
	coordinator := workflow.NewCoordinator(h, source, s.Locker)
	final, runErr := coordinator.Run(ctx, workflow.RunRequest{
		Mode:        run.Mode,
		FromID:      run.FromId,
		ToID:        run.ToId,
		FromDate:    run.FromDate,
		ToDate:      run.ToDate,
		DryRun:      run.DryRun,
		Resume:      run.TriggeredBy == models.RunTriggeredResume,
		TriggeredBy: run.TriggeredBy,
		RequestedBy: run.RequestedBy,
		ParentRunId: run.ParentRunId,
		RunId:       run.ID,
	})
	if final == nil {
		return nil, runErr
	}

	if n, err := audit.Relabel(ctx, s.Store, final); err != nil {
		s.logError("Execute", "relabel retries", final.ID, err)
	} else if n > 0 {
		s.runLogger(ctx).WithField("relabeled", n).Info("retry failures relabeled as already_exists")
	}
	if s.Reports != nil && s.ReportBucket != "" {
		if _, err := s.ArchiveReport(ctx, final); err != nil {
			s.logError("Execute", "archive report", final.ID, err)
		}
	}
	return final, runErr
}

func (s *Service) failSetup(ctx context.Context, run *models.MigrationRun, cause error) (*models.MigrationRun, error) {
	now := time.Now()
	run.Status = models.RunStatusFailed
	run.AbortReason = models.ErrorClassSetup
	run.AbortMessage = workflow.Truncate(cause.Error(), 1000)
	run.EndedAt = &now
	if err := s.Store.UpdateRun(ctx, run); err != nil {
		s.logError("failSetup", "update run", run.ID, err)
	}
	return run, cause
}

// RunDetail is the run row with its summary, the latest progress snapshot and, once
// the run is finished, the reconciliation of its window.
func (s *Service) RunDetail(ctx context.Context, businessId string, runId uint) (*RunDetailResponse, error) {
	run, err := s.Store.GetRun(ctx, businessId, runId)
	if err != nil {
		return nil, err
	}
	errs, err := s.Store.RunErrors(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	resp := &RunDetailResponse{Run: *run, Summary: audit.Summarize(run, errs)}

	if snap, err := s.Progress.Latest(ctx, businessId, runId); err != nil {
		s.logError("RunDetail", "read progress", runId, err)
	} else {
		resp.Progress = snap
	}

	if run.Status.IsTerminal() {
		rec, err := s.reconcile(ctx, run)
		if err != nil {
			return nil, err
		}
		resp.Reconciliation = &rec
	}
	return resp, nil
}

func (s *Service) reconcile(ctx context.Context, run *models.MigrationRun) (audit.Reconciliation, error) {
	tolerance := models.DefaultReconcileTolerance
	if settings, err := s.settings(ctx, run.BusinessId); err == nil && settings.ReconcileTolerance != nil {
		tolerance = *settings.ReconcileTolerance
	}
	return audit.ReconcileRun(ctx, s.Store, run, tolerance)
}

// Workbook builds the xlsx report of a run.
func (s *Service) Workbook(ctx context.Context, businessId string, runId uint) (*excelize.File, *models.MigrationRun, error) {
	detail, err := s.RunDetail(ctx, businessId, runId)
	if err != nil {
		return nil, nil, err
	}
	f, err := audit.ExportWorkbook(detail.Summary, detail.Reconciliation)
	if err != nil {
		return nil, nil, err
	}
	return f, &detail.Run, nil
}

// ArchiveReport uploads the run workbook to the report bucket and returns the object name.
func (s *Service) ArchiveReport(ctx context.Context, run *models.MigrationRun) (string, error) {
	if s.Reports == nil || s.ReportBucket == "" {
		return "", errors.New("report archive is not configured")
	}
	f, _, err := s.Workbook(ctx, run.BusinessId, run.ID)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return audit.UploadReport(ctx, s.Reports, s.ReportBucket, run.BusinessId, run.ID, f)
}

// Settings returns the stored settings, or the defaults when none were saved yet.
func (s *Service) Settings(ctx context.Context, businessId string) (SettingsResponse, error) {
	settings, err := s.Store.GetSettings(ctx, businessId)
	if errors.Is(err, host.ErrNotFound) {
		settings = &models.MigrationSettings{BusinessId: businessId}
	} else if err != nil {
		return SettingsResponse{}, err
	}
	return settingsResponse(*settings), nil
}

func settingsResponse(settings models.MigrationSettings) SettingsResponse {
	return SettingsResponse{
		MigrationSettings:  settings.WithDefaults(),
		HasSoapCredentials: settings.SoapUsername != "" && settings.SoapSecurityCode1 != "" && settings.SoapSecurityCode2 != "",
		HasRestToken:       settings.RestAPIToken != "",
	}
}

// SaveSettings overwrites the settings of a business. Empty secrets keep what is stored.
func (s *Service) SaveSettings(ctx context.Context, businessId string, req SettingsRequest) (SettingsResponse, error) {
	if err := s.validate(req); err != nil {
		return SettingsResponse{}, err
	}
	dataFrom, _ := utils.ParseDay(req.DataFrom)
	dataTo, _ := utils.ParseDay(req.DataTo)
	if dataFrom != nil && dataTo != nil && dataFrom.After(*dataTo) {
		return SettingsResponse{}, invalid("data_from is after data_to")
	}
	if req.ReconcileTolerance != nil && req.ReconcileTolerance.IsNegative() {
		return SettingsResponse{}, invalid("reconcile_tolerance is negative")
	}

	current, err := s.Store.GetSettings(ctx, businessId)
	if errors.Is(err, host.ErrNotFound) {
		current = &models.MigrationSettings{BusinessId: businessId}
	} else if err != nil {
		return SettingsResponse{}, err
	}

	next := *current
	next.Company = strings.TrimSpace(req.Company)
	next.Dialect = req.Dialect
	next.SoapURL = req.SoapURL
	next.SoapUsername = req.SoapUsername
	next.SoapSecurityCode1 = keepSecret(req.SoapSecurityCode1, current.SoapSecurityCode1)
	next.SoapSecurityCode2 = keepSecret(req.SoapSecurityCode2, current.SoapSecurityCode2)
	next.RestURL = req.RestURL
	next.RestAPIToken = keepSecret(req.RestAPIToken, current.RestAPIToken)
	next.RestSource = req.RestSource
	next.DefaultBankAccount = req.DefaultBankAccount
	next.DefaultReceivableAccount = req.DefaultReceivableAccount
	next.DefaultPayableAccount = req.DefaultPayableAccount
	next.DefaultIncomeAccount = req.DefaultIncomeAccount
	next.DefaultExpenseAccount = req.DefaultExpenseAccount
	next.PaymentTermDays = req.PaymentTermDays
	next.SoapWindow = req.SoapWindow
	next.RestWindow = req.RestWindow
	next.DateWindowDays = req.DateWindowDays
	next.HTTPTimeoutSeconds = req.HTTPTimeoutSeconds
	next.RetryAttempts = req.RetryAttempts
	next.ProgressInterval = req.ProgressInterval
	next.ReconcileTolerance = req.ReconcileTolerance
	next.PartyStrategy = req.PartyStrategy
	next.FetchDetail = req.FetchDetail
	next.DataFrom = dataFrom
	next.DataTo = dataTo
	next.PaymentConfigYAML = req.PaymentConfigYAML
	if err := checkPaymentConfig(next.PaymentConfigYAML); err != nil {
		return SettingsResponse{}, err
	}

	if err := s.Store.SaveSettings(ctx, &next); err != nil {
		return SettingsResponse{}, err
	}
	return settingsResponse(next), nil
}

func keepSecret(next, current string) string {
	if strings.TrimSpace(next) == "" {
		return current
	}
	return strings.TrimSpace(next)
}
