package workflow

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestMemoryRunLocker_OneWinnerPerBusiness(t *testing.T) {
	for round := 0; round < 50; round++ {
		l := NewMemoryRunLocker()
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners = map[string]int{}
			busy    int
		)
		for i := 0; i < 20; i++ {
			for _, business := range []string{"b1", "b2"} {
				wg.Add(1)
				go func(business string) {
					defer wg.Done()
					_, err := l.Acquire(context.Background(), business)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						winners[business]++
					case errors.Is(err, ErrRunInProgress):
						busy++
					default:
						t.Errorf("unexpected error %v", err)
					}
				}(business)
			}
		}
		wg.Wait()

		if winners["b1"] != 1 || winners["b2"] != 1 || busy != 38 {
			t.Fatalf("round=%d expected one winner per business, got %v (busy %d)", round, winners, busy)
		}
	}
}

func TestMemoryRunLocker_ReleaseFreesBusiness(t *testing.T) {
	l := NewMemoryRunLocker()
	ctx := context.Background()
	first, err := l.Acquire(ctx, "b1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := l.Acquire(ctx, "b1")
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	// A stale handle must not free the new holder.
	_ = first.Release(ctx)
	if _, err := l.Acquire(ctx, "b1"); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected the second holder to keep the lock, got %v", err)
	}
	_ = second.Release(ctx)
}

func TestMemoryRunLocker_ExpiredHoldIsLost(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryRunLocker()
	l.Now = func() time.Time { return now }
	ctx := context.Background()

	first, err := l.Acquire(ctx, "b1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(DefaultLockTTL - time.Second)
	if err := first.Refresh(ctx); err != nil {
		t.Fatalf("refresh before expiry: %v", err)
	}
	now = now.Add(DefaultLockTTL - time.Second)
	if _, err := l.Acquire(ctx, "b1"); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("refresh should have extended the hold, got %v", err)
	}

	now = now.Add(2 * time.Second)
	second, err := l.Acquire(ctx, "b1")
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if err := first.Refresh(ctx); !errors.Is(err, ErrLockLost) || !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrLockLost for the expired holder, got %v", err)
	}
	if err := second.Refresh(ctx); err != nil {
		t.Fatalf("new holder refresh: %v", err)
	}
}

func TestMySQLRunLocker_RefreshAfterLoss(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, 0)")).
		WithArgs("eboekhouden-run:b1").
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT IS_USED_LOCK(?) = CONNECTION_ID()")).
		WithArgs("eboekhouden-run:b1").
		WillReturnRows(sqlmock.NewRows([]string{"owner"}).AddRow(nil))

	lock, err := (&MySQLRunLocker{DB: db}).Acquire(context.Background(), "b1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lock.Refresh(context.Background()); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLRunLocker(t *testing.T) {
	tests := []struct {
		name    string
		granted int64
		wantErr error
	}{
		{"granted", 1, nil},
		{"held elsewhere", 0, ErrRunInProgress},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("sqlmock.New error: %v", err)
			}
			defer db.Close()

			mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, 0)")).
				WithArgs("eboekhouden-run:b1").
				WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(tc.granted))
			if tc.wantErr == nil {
				mock.ExpectQuery(regexp.QuoteMeta("SELECT IS_USED_LOCK(?) = CONNECTION_ID()")).
					WithArgs("eboekhouden-run:b1").
					WillReturnRows(sqlmock.NewRows([]string{"owner"}).AddRow(1))
				mock.ExpectQuery(regexp.QuoteMeta("SELECT RELEASE_LOCK(?)")).
					WithArgs("eboekhouden-run:b1").
					WillReturnRows(sqlmock.NewRows([]string{"released"}).AddRow(1))
			}

			ctx := context.Background()
			lock, err := (&MySQLRunLocker{DB: db}).Acquire(ctx, "b1")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if lock != nil {
				if err := lock.Refresh(ctx); err != nil {
					t.Fatalf("refresh: %v", err)
				}
				if err := lock.Release(ctx); err != nil {
					t.Fatalf("release: %v", err)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}
