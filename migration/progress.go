package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/verenigingen/eboekhouden/host"
)

const DefaultSnapshotTTL = 24 * time.Hour

// ProgressStore publishes run snapshots and serves the latest one back.
type ProgressStore interface {
	host.ProgressPublisher
	// Latest returns nil when no snapshot was published or it expired.
	Latest(ctx context.Context, businessId string, runId uint) (*host.Progress, error)
}

// CancelFlag is how an operator stops a running run between batches.
type CancelFlag interface {
	host.CancelChecker
	Cancel(ctx context.Context, businessId string, runId uint) error
}

func progressKey(businessId string, runId uint) string {
	return fmt.Sprintf("eboekhouden:progress:%s:%d", businessId, runId)
}

func cancelKey(businessId string, runId uint) string {
	return fmt.Sprintf("eboekhouden:cancel:%s:%d", businessId, runId)
}

// RedisProgress keeps the last snapshot of each run as a JSON string.
type RedisProgress struct {
	Client *redis.Client
	TTL    time.Duration
}

func (p *RedisProgress) ttl() time.Duration {
	if p.TTL <= 0 {
		return DefaultSnapshotTTL
	}
	return p.TTL
}

func (p *RedisProgress) PublishProgress(ctx context.Context, snap host.Progress) error {
	if p.Client == nil {
		return nil
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.Client.Set(ctx, progressKey(snap.BusinessId, snap.RunId), b, p.ttl()).Err()
}

func (p *RedisProgress) Latest(ctx context.Context, businessId string, runId uint) (*host.Progress, error) {
	if p.Client == nil {
		return nil, nil
	}
	val, err := p.Client.Get(ctx, progressKey(businessId, runId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var snap host.Progress
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RedisCancelFlag is visible to whichever instance runs the coordinator.
type RedisCancelFlag struct {
	Client *redis.Client
	TTL    time.Duration
}

func (f *RedisCancelFlag) Cancel(ctx context.Context, businessId string, runId uint) error {
	if f.Client == nil {
		return errors.New("service not ready (redis not initialized)")
	}
	ttl := f.TTL
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return f.Client.Set(ctx, cancelKey(businessId, runId), "1", ttl).Err()
}

func (f *RedisCancelFlag) Cancelled(ctx context.Context, businessId string, runId uint) (bool, error) {
	if f.Client == nil {
		return false, nil
	}
	n, err := f.Client.Exists(ctx, cancelKey(businessId, runId)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemoryProgress serves a single process: the CLI, inline runs and tests.
type MemoryProgress struct {
	mu    sync.Mutex
	snaps map[string]host.Progress
}

func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{snaps: map[string]host.Progress{}}
}

func (p *MemoryProgress) PublishProgress(ctx context.Context, snap host.Progress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps[progressKey(snap.BusinessId, snap.RunId)] = snap
	return nil
}

func (p *MemoryProgress) Latest(ctx context.Context, businessId string, runId uint) (*host.Progress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snaps[progressKey(businessId, runId)]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

type MemoryCancelFlag struct {
	mu  sync.Mutex
	set map[string]bool
}

func NewMemoryCancelFlag() *MemoryCancelFlag {
	return &MemoryCancelFlag{set: map[string]bool{}}
}

func (f *MemoryCancelFlag) Cancel(ctx context.Context, businessId string, runId uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set[cancelKey(businessId, runId)] = true
	return nil
}

func (f *MemoryCancelFlag) Cancelled(ctx context.Context, businessId string, runId uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set[cancelKey(businessId, runId)], nil
}
