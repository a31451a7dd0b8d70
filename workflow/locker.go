package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
)

var (
	// ErrRunInProgress is returned when another run holds the business lock.
	ErrRunInProgress = errors.New("workflow: a migration run is already in progress")
	// ErrLockLost means a held lock expired or was taken over. It matches ErrRunInProgress.
	ErrLockLost = fmt.Errorf("%w: run lock lost", ErrRunInProgress)
)

// RunLock is held for the whole run. Refresh extends it and returns ErrLockLost once
// another holder may have it.
type RunLock interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

type RunLocker interface {
	Acquire(ctx context.Context, businessId string) (RunLock, error)
}

const DefaultLockTTL = 5 * time.Minute

// RedisRunLocker serializes runs per business across instances.
type RedisRunLocker struct {
	Client *redislock.Client
	TTL    time.Duration
}

func runLockKey(businessId string) string {
	return fmt.Sprintf("eboekhouden:run:%s", businessId)
}

func (l *RedisRunLocker) ttl() time.Duration {
	if l.TTL <= 0 {
		return DefaultLockTTL
	}
	return l.TTL
}

func (l *RedisRunLocker) Acquire(ctx context.Context, businessId string) (RunLock, error) {
	if l.Client == nil {
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lock, err := l.Client.Obtain(ctx, runLockKey(businessId), l.ttl(), &redislock.Options{Metadata: uuid.NewString()})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrRunInProgress
	} else if err != nil {
		return nil, fmt.Errorf("obtain run lock: %w", err)
	}
	return &redisRunLock{lock: lock, ttl: l.ttl()}, nil
}

type redisRunLock struct {
	lock *redislock.Lock
	ttl  time.Duration
}

func (l *redisRunLock) Refresh(ctx context.Context) error {
	err := l.lock.Refresh(ctx, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrLockLost
	}
	return err
}

func (l *redisRunLock) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// MemoryRunLocker is the single-process locker used by the CLI and tests. Holds expire
// after TTL unless refreshed, like the Redis lock.
type MemoryRunLocker struct {
	TTL time.Duration
	Now func() time.Time

	mu   sync.Mutex
	held map[string]memoryHold
}

type memoryHold struct {
	token   string
	expires time.Time
}

func NewMemoryRunLocker() *MemoryRunLocker {
	return &MemoryRunLocker{TTL: DefaultLockTTL, Now: time.Now, held: map[string]memoryHold{}}
}

func (l *MemoryRunLocker) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

func (l *MemoryRunLocker) ttl() time.Duration {
	if l.TTL <= 0 {
		return DefaultLockTTL
	}
	return l.TTL
}

func (l *MemoryRunLocker) Acquire(ctx context.Context, businessId string) (RunLock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if hold, ok := l.held[businessId]; ok && now.Before(hold.expires) {
		return nil, ErrRunInProgress
	}
	token := uuid.NewString()
	l.held[businessId] = memoryHold{token: token, expires: now.Add(l.ttl())}
	return &memoryRunLock{owner: l, businessId: businessId, token: token}, nil
}

type memoryRunLock struct {
	owner      *MemoryRunLocker
	businessId string
	token      string
}

func (l *memoryRunLock) Refresh(ctx context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	now := l.owner.now()
	hold, ok := l.owner.held[l.businessId]
	if !ok || hold.token != l.token || !now.Before(hold.expires) {
		return ErrLockLost
	}
	hold.expires = now.Add(l.owner.ttl())
	l.owner.held[l.businessId] = hold
	return nil
}

func (l *memoryRunLock) Release(ctx context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.held[l.businessId].token == l.token {
		delete(l.owner.held, l.businessId)
	}
	return nil
}
