package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// GetRedisDB holds run progress counters and cancel flags. Nil until connected.
func GetRedisDB() *redis.Client {
	return rdb
}

// GetRedisLock serializes runs per business.
func GetRedisLock() *redislock.Client {
	return locker
}

// GetRedisValue reports found=false both for a missing key and when Redis is not configured.
func GetRedisValue(ctx context.Context, key string) (string, bool, error) {
	if rdb == nil {
		return "", false, nil
	}
	val, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func SetRedisValue(ctx context.Context, key string, value string, exp time.Duration) error {
	if rdb == nil {
		return nil
	}
	return rdb.Set(ctx, key, value, exp).Err()
}

func redisOptions() *redis.Options {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		addr = "localhost:6379"
	}
	return &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       intFromEnv("REDIS_DB", 0),
		PoolSize: intFromEnv("REDIS_POOL_SIZE", 10),
	}
}

// ConnectRedisWithRetry sets the shared client and the lock client. maxAttempts <= 0
// retries forever.
func ConnectRedisWithRetry(maxAttempts int) error {
	opts := redisOptions()
	var lastErr error
	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			rdb = client
			locker = redislock.New(client)
			logg.WithFields(logrus.Fields{"attempt": attempt, "addr": opts.Addr}).Info("connected to redis")
			return nil
		}
		_ = client.Close()
		lastErr = err
		sleep := backoff(attempt)
		logg.WithFields(logrus.Fields{"attempt": attempt, "addr": opts.Addr, "retry_in": sleep.String()}).Warnf("redis connect failed: %v", err)
		time.Sleep(sleep)
	}
	return fmt.Errorf("redis: gave up after %d attempts: %w", maxAttempts, lastErr)
}
