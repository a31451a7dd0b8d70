package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/models"
)

func receiptRows(status models.ReceiptStatus, claimedAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "business_id", "handler", "message_id", "status", "deliveries", "claimed_at"}).
		AddRow(9, "b1", "eboekhouden-run", "m-1", string(status), 1, claimedAt)
}

func TestGormStore_BeginMessage(t *testing.T) {
	duplicate := &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}

	cases := []struct {
		name     string
		setup    func(mock sqlmock.Sqlmock)
		wantSkip bool
		wantErr  error
	}{
		{
			name: "first delivery claims",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO `run_message_receipts`").WillReturnResult(sqlmock.NewResult(9, 1))
			},
		},
		{
			name: "finished message is skipped",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO `run_message_receipts`").WillReturnError(duplicate)
				mock.ExpectQuery("SELECT \\* FROM `run_message_receipts` WHERE").
					WillReturnRows(receiptRows(models.ReceiptStatusDone, time.Now().Add(-time.Hour)))
			},
			wantSkip: true,
		},
		{
			name: "fresh claim blocks redelivery",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO `run_message_receipts`").WillReturnError(duplicate)
				mock.ExpectQuery("SELECT \\* FROM `run_message_receipts` WHERE").
					WillReturnRows(receiptRows(models.ReceiptStatusClaimed, time.Now()))
			},
			wantErr: host.ErrMessageInProgress,
		},
		{
			name: "stale claim is taken over",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO `run_message_receipts`").WillReturnError(duplicate)
				mock.ExpectQuery("SELECT \\* FROM `run_message_receipts` WHERE").
					WillReturnRows(receiptRows(models.ReceiptStatusClaimed, time.Now().Add(-time.Hour)))
				mock.ExpectExec("UPDATE `run_message_receipts` SET").WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "failed message is retried",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO `run_message_receipts`").WillReturnError(duplicate)
				mock.ExpectQuery("SELECT \\* FROM `run_message_receipts` WHERE").
					WillReturnRows(receiptRows(models.ReceiptStatusFailed, time.Now()))
				mock.ExpectExec("UPDATE `run_message_receipts` SET").WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tc.setup(mock)

			skip, err := s.BeginMessage(context.Background(), "b1", "eboekhouden-run", "m-1")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if skip != tc.wantSkip {
				t.Fatalf("skip = %v, want %v", skip, tc.wantSkip)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestGormStore_FinishMessageRecordsFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE `run_message_receipts` SET `finished_at`=\\?,`last_error`=\\?,`status`=\\? WHERE").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.FinishMessage(context.Background(), "b1", "eboekhouden-run", "m-1", errors.New("boom"))
	if err != nil {
		t.Fatalf("FinishMessage error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
