package workflow

import (
	"context"
	"database/sql"
	"fmt"
)

// MySQLRunLocker serializes runs per business with MySQL advisory locks, for
// deployments without Redis.
// GET_LOCK is connection-scoped, so each lock pins one pooled connection until release.
type MySQLRunLocker struct {
	DB *sql.DB
}

func advisoryLockName(businessId string) string {
	return fmt.Sprintf("eboekhouden-run:%s", businessId)
}

func (l *MySQLRunLocker) Acquire(ctx context.Context, businessId string) (RunLock, error) {
	conn, err := l.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve lock connection: %w", err)
	}
	var ok sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", advisoryLockName(businessId)).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("get advisory lock: %w", err)
	}
	if !ok.Valid || ok.Int64 != 1 {
		_ = conn.Close()
		return nil, ErrRunInProgress
	}
	return &mysqlRunLock{conn: conn, name: advisoryLockName(businessId)}, nil
}

type mysqlRunLock struct {
	conn *sql.Conn
	name string
}

// Refresh checks the session still owns the lock; a dropped connection loses it.
func (l *mysqlRunLock) Refresh(ctx context.Context) error {
	var owner sql.NullInt64
	if err := l.conn.QueryRowContext(ctx, "SELECT IS_USED_LOCK(?) = CONNECTION_ID()", l.name).Scan(&owner); err != nil {
		return fmt.Errorf("check advisory lock: %w", err)
	}
	if !owner.Valid || owner.Int64 != 1 {
		return fmt.Errorf("advisory lock %s: %w", l.name, ErrLockLost)
	}
	return nil
}

func (l *mysqlRunLock) Release(ctx context.Context) error {
	defer l.conn.Close()
	var released sql.NullInt64
	return l.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", l.name).Scan(&released)
}
