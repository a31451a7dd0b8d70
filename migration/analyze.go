package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/verenigingen/eboekhouden/eboekhouden"
	"github.com/verenigingen/eboekhouden/mapping"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/mutation"
	"github.com/verenigingen/eboekhouden/resolver"
	"github.com/verenigingen/eboekhouden/utils"
)

const DefaultSampleSize = 500

// Analyze samples the source administration and reports its type and ledger
// distribution with suggested mappings. Nothing is written.
func (s *Service) Analyze(ctx context.Context, businessId string, req AnalyzeRequest) (mapping.Analysis, error) {
	if err := s.validate(req); err != nil {
		return mapping.Analysis{}, err
	}
	settings, err := s.settings(ctx, businessId)
	if err != nil {
		return mapping.Analysis{}, err
	}
	source, err := s.Sources(settings)
	if err != nil {
		return mapping.Analysis{}, fmt.Errorf("open source: %w", err)
	}
	defer func() {
		if err := source.Close(context.Background()); err != nil {
			s.logError("Analyze", "close source", businessId, err)
		}
	}()

	raws, err := fetchSample(ctx, source, req)
	if err != nil {
		return mapping.Analysis{}, err
	}
	ledgers, err := source.FetchLedgers(ctx)
	if err != nil {
		return mapping.Analysis{}, err
	}

	sample := make([]mutation.Mutation, 0, len(raws))
	unparseable := 0
	for _, raw := range raws {
		m, err := mutation.Normalize(raw)
		if err != nil {
			unparseable++
			continue
		}
		sample = append(sample, m)
	}
	analysis := mapping.Analyze(sample, resolver.NewLedgerIndex(ledgers), mapping.Options{})
	analysis.Total = len(raws)
	analysis.Unparseable = unparseable
	return analysis, nil
}

func fetchSample(ctx context.Context, source eboekhouden.MutationSource, req AnalyzeRequest) ([]mutation.Raw, error) {
	fromDate, err := utils.ParseDay(req.FromDate)
	if err != nil {
		return nil, invalid("%v", err)
	}
	toDate, err := utils.ParseDay(req.ToDate)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if fromDate != nil && toDate != nil {
		if fromDate.After(*toDate) {
			return nil, invalid("from_date is after to_date")
		}
		return source.FetchMutationsByDate(ctx, *fromDate, *toDate)
	}

	limit := int64(req.Limit)
	if limit <= 0 {
		limit = DefaultSampleSize
	}
	to := req.ToId
	if to <= 0 {
		to, err = source.FetchHighestID(ctx)
		if err != nil {
			return nil, err
		}
	}
	from := req.FromId
	if from < 1 || to-from+1 > limit {
		from = to - limit + 1
	}
	if from < 1 {
		from = 1
	}
	if from > to {
		return nil, nil
	}
	return source.FetchMutations(ctx, from, to)
}

// ApplySuggestions analyzes the source and stores each suggestion as an inactive draft,
// leaving ledger codes that already have a mapping alone.
func (s *Service) ApplySuggestions(ctx context.Context, businessId string, req AnalyzeRequest) (ApplyMappingsResponse, error) {
	analysis, err := s.Analyze(ctx, businessId, req)
	if err != nil {
		return ApplyMappingsResponse{}, err
	}
	existing, err := s.Store.ListMappings(ctx, businessId, false)
	if err != nil {
		return ApplyMappingsResponse{}, err
	}
	mapped := make(map[string]bool, len(existing))
	for _, m := range existing {
		mapped[m.LedgerCode] = true
	}

	resp := ApplyMappingsResponse{Created: []models.AccountMapping{}}
	for _, sug := range analysis.Suggestions {
		if sug.LedgerCode == "" {
			continue
		}
		if mapped[sug.LedgerCode] {
			resp.Existing++
			continue
		}
		draft := sug.ToAccountMapping(businessId)
		if err := s.Store.SaveMapping(ctx, &draft); err != nil {
			return resp, err
		}
		mapped[sug.LedgerCode] = true
		resp.Created = append(resp.Created, draft)
	}
	return resp, nil
}

// Mappings lists the mappings of a business, highest priority first.
func (s *Service) Mappings(ctx context.Context, businessId string, activeOnly bool) ([]models.AccountMapping, error) {
	list, err := s.Store.ListMappings(ctx, businessId, activeOnly)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].LedgerCode != list[j].LedgerCode {
			return list[i].LedgerCode < list[j].LedgerCode
		}
		return list[i].Priority > list[j].Priority
	})
	return list, nil
}

func (s *Service) CreateMapping(ctx context.Context, businessId string, req MappingRequest) (*models.AccountMapping, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	m := &models.AccountMapping{BusinessId: businessId, Source: models.MappingSourceManual}
	applyMapping(m, req)
	if err := s.Store.SaveMapping(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateMapping overwrites a mapping. An edited inferred draft becomes a manual one.
func (s *Service) UpdateMapping(ctx context.Context, businessId string, id uint, req MappingRequest) (*models.AccountMapping, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	m, err := s.Store.GetMapping(ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	applyMapping(m, req)
	m.Source = models.MappingSourceManual
	if err := s.Store.SaveMapping(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func applyMapping(m *models.AccountMapping, req MappingRequest) {
	m.LedgerCode = strings.TrimSpace(req.LedgerCode)
	m.LedgerName = strings.TrimSpace(req.LedgerName)
	m.ErpnextAccount = strings.TrimSpace(req.ErpnextAccount)
	m.DocumentType = req.DocumentType
	m.Category = req.Category
	m.Priority = req.Priority
	m.Confidence = req.Confidence
	m.IsActive = req.IsActive
}

func checkPaymentConfig(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if _, err := resolver.LoadPaymentConfig([]byte(raw)); err != nil {
		return errors.Join(ErrInvalidRequest, fmt.Errorf("payment_config_yaml: %w", err))
	}
	return nil
}
