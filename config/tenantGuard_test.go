package config

import (
	"context"
	"database/sql/driver"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/verenigingen/eboekhouden/appctx"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type guardedRow struct {
	ID         int
	BusinessId string
	Name       string
}

type unguardedRow struct {
	ID   int
	Name string
}

func newGuardedDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger:                 logger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("gorm.Open error: %v", err)
	}
	if err := db.Use(NewTenantGuardPlugin()); err != nil {
		t.Fatalf("install tenant guard: %v", err)
	}
	return db, mock
}

func TestTenantGuard_Query(t *testing.T) {
	tests := []struct {
		name  string
		ctx   func() context.Context
		query func(db *gorm.DB) error
		sql   string
		args  []driver.Value
	}{
		{
			name:  "scoped to context business",
			ctx:   func() context.Context { return appctx.Set(context.Background(), appctx.ContextKeyBusinessId, "b1") },
			query: func(db *gorm.DB) error { var rows []guardedRow; return db.Find(&rows).Error },
			sql:   "SELECT * FROM `guarded_rows` WHERE `guarded_rows`.`business_id` = ?",
			args:  []driver.Value{"b1"},
		},
		{
			name: "explicit filter kept",
			ctx:  func() context.Context { return appctx.Set(context.Background(), appctx.ContextKeyBusinessId, "b1") },
			query: func(db *gorm.DB) error {
				var rows []guardedRow
				return db.Where("business_id = ?", "b1").Find(&rows).Error
			},
			sql:  "SELECT * FROM `guarded_rows` WHERE business_id = ?",
			args: []driver.Value{"b1"},
		},
		{
			name: "skip flag",
			ctx: func() context.Context {
				ctx := appctx.Set(context.Background(), appctx.ContextKeyBusinessId, "b1")
				return appctx.Set(ctx, appctx.ContextKeySkipTenantScope, true)
			},
			query: func(db *gorm.DB) error { var rows []guardedRow; return db.Find(&rows).Error },
			sql:   "SELECT * FROM `guarded_rows`",
		},
		{
			name:  "table without business_id",
			ctx:   func() context.Context { return appctx.Set(context.Background(), appctx.ContextKeyBusinessId, "b1") },
			query: func(db *gorm.DB) error { var rows []unguardedRow; return db.Find(&rows).Error },
			sql:   "SELECT * FROM `unguarded_rows`",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newGuardedDB(t)
			q := mock.ExpectQuery(tc.sql)
			if len(tc.args) > 0 {
				q = q.WithArgs(tc.args...)
			}
			q.WillReturnRows(sqlmock.NewRows([]string{"id"}))

			if err := tc.query(db.WithContext(tc.ctx())); err != nil {
				t.Fatalf("query: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestTenantGuard_RefusesForeignInsert(t *testing.T) {
	db, mock := newGuardedDB(t)
	ctx := appctx.Set(context.Background(), appctx.ContextKeyBusinessId, "b1")

	err := db.WithContext(ctx).Create(&guardedRow{BusinessId: "b2", Name: "x"}).Error
	if err == nil || !strings.Contains(err.Error(), "tenant guard") {
		t.Fatalf("expected tenant guard error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statement should reach the database: %v", err)
	}
}
