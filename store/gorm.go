// Package store implements host.Store on gorm/MySQL.
package store

import (
	"context"
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/utils"
	"gorm.io/gorm"
)

var (
	ErrDuplicate = host.ErrDuplicate
	ErrNotFound  = host.ErrNotFound
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// translate maps driver errors onto the host sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case isDuplicateKeyErr(err):
		return ErrDuplicate
	}
	return err
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) scoped(ctx context.Context, businessId string) *gorm.DB {
	return s.db.WithContext(utils.SetBusinessIdInContext(ctx, businessId))
}

func (s *GormStore) Transaction(ctx context.Context, businessId string, fn func(tx host.Tx) error) error {
	return s.scoped(ctx, businessId).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db, businessId: businessId})
	})
}

func (s *GormStore) CreateRun(ctx context.Context, run *models.MigrationRun) error {
	return translate(s.scoped(ctx, run.BusinessId).Create(run).Error)
}

func (s *GormStore) UpdateRun(ctx context.Context, run *models.MigrationRun) error {
	return translate(s.scoped(ctx, run.BusinessId).Save(run).Error)
}

func (s *GormStore) GetRun(ctx context.Context, businessId string, runId uint) (*models.MigrationRun, error) {
	var run models.MigrationRun
	err := s.scoped(ctx, businessId).Where("business_id = ? AND id = ?", businessId, runId).First(&run).Error
	if err != nil {
		return nil, translate(err)
	}
	return &run, nil
}

func (s *GormStore) ListRuns(ctx context.Context, businessId string, limit int) ([]models.MigrationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []models.MigrationRun
	err := s.scoped(ctx, businessId).
		Where("business_id = ?", businessId).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, translate(err)
}

func (s *GormStore) LastHighWaterMark(ctx context.Context, businessId string) (int64, error) {
	var out struct{ Mark int64 }
	err := s.scoped(ctx, businessId).
		Model(&models.MigrationRun{}).
		Where("business_id = ? AND mode = ? AND dry_run = ?", businessId, models.RunModeID, false).
		Select("COALESCE(MAX(high_water_mark), 0) AS mark").
		Scan(&out).Error
	return out.Mark, translate(err)
}

func (s *GormStore) AddRunError(ctx context.Context, runErr *models.MigrationRunError) error {
	return translate(s.scoped(ctx, runErr.BusinessId).Create(runErr).Error)
}

func (s *GormStore) RunErrors(ctx context.Context, runId uint) ([]models.MigrationRunError, error) {
	var out []models.MigrationRunError
	err := s.db.WithContext(ctx).Where("run_id = ?", runId).Order("id").Find(&out).Error
	return out, translate(err)
}

func (s *GormStore) MarkRunErrorsRelabeled(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return translate(s.db.WithContext(ctx).
		Model(&models.MigrationRunError{}).
		Where("id IN ?", ids).
		Update("relabeled", true).Error)
}

func (s *GormStore) ListMappings(ctx context.Context, businessId string, activeOnly bool) ([]models.AccountMapping, error) {
	q := s.scoped(ctx, businessId).Where("business_id = ?", businessId)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var out []models.AccountMapping
	err := q.Order("priority DESC").Order("id").Find(&out).Error
	return out, translate(err)
}

func (s *GormStore) GetMapping(ctx context.Context, businessId string, id uint) (*models.AccountMapping, error) {
	var out models.AccountMapping
	if err := s.scoped(ctx, businessId).Where("business_id = ? AND id = ?", businessId, id).First(&out).Error; err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func (s *GormStore) SaveMapping(ctx context.Context, mapping *models.AccountMapping) error {
	return translate(s.scoped(ctx, mapping.BusinessId).Save(mapping).Error)
}

func (s *GormStore) GetSettings(ctx context.Context, businessId string) (*models.MigrationSettings, error) {
	var out models.MigrationSettings
	if err := s.scoped(ctx, businessId).Where("business_id = ?", businessId).First(&out).Error; err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func (s *GormStore) SaveSettings(ctx context.Context, settings *models.MigrationSettings) error {
	return translate(s.scoped(ctx, settings.BusinessId).Save(settings).Error)
}

type typeTotal struct {
	TransactionType models.TransactionType
	Total           decimal.Decimal
}

func (s *GormStore) ImportedTotals(ctx context.Context, businessId string, scope host.ImportScope) (map[models.TransactionType]decimal.Decimal, error) {
	var rows []typeTotal
	q := s.scoped(ctx, businessId).
		Model(&models.ImportedDocument{}).
		Select("transaction_type, COALESCE(SUM(amount), 0) AS total").
		Where("business_id = ? AND status = ?", businessId, models.ImportedStatusSubmitted)
	if scope.ByID() {
		q = q.Where("source_mutation_id BETWEEN ? AND ?", scope.FromId, scope.ToId)
	} else {
		q = q.Where("posting_date BETWEEN ? AND ?", scope.From, scope.To)
	}
	err := q.Group("transaction_type").Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	out := map[models.TransactionType]decimal.Decimal{}
	for _, r := range rows {
		out[r.TransactionType] = r.Total
	}
	return out, nil
}

func (s *GormStore) ImportedSourceIds(ctx context.Context, businessId string, sourceIds []int64) (map[int64]bool, error) {
	out := map[int64]bool{}
	if len(sourceIds) == 0 {
		return out, nil
	}
	var found []int64
	err := s.scoped(ctx, businessId).
		Model(&models.ImportedDocument{}).
		Where("business_id = ? AND source_mutation_id IN ?", businessId, sourceIds).
		Pluck("source_mutation_id", &found).Error
	if err != nil {
		return nil, translate(err)
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func (s *GormStore) AccountBalance(ctx context.Context, businessId string, accountId int) (decimal.Decimal, error) {
	var out struct{ Total decimal.Decimal }
	err := s.scoped(ctx, businessId).
		Table("journal_entry_rows").
		Joins("JOIN journal_entries ON journal_entries.id = journal_entry_rows.journal_entry_id").
		Where("journal_entries.business_id = ? AND journal_entry_rows.account_id = ?", businessId, accountId).
		Select("COALESCE(SUM(journal_entry_rows.debit - journal_entry_rows.credit), 0) AS total").
		Scan(&out).Error
	return out.Total, translate(err)
}

func (s *GormStore) AccountByName(ctx context.Context, businessId, name string) (*models.Account, error) {
	var out models.Account
	if err := s.scoped(ctx, businessId).Where("business_id = ? AND name = ?", businessId, name).First(&out).Error; err != nil {
		return nil, translate(err)
	}
	return &out, nil
}
