package eboekhouden

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/metrics"
)

// callError classifies one failed API call.
type callError struct {
	status    int
	message   string
	auth      bool
	transient bool
}

func (e *callError) Error() string {
	if e.status > 0 {
		return fmt.Sprintf("status %d: %s", e.status, e.message)
	}
	return e.message
}

func isAuth(err error) bool {
	var ce *callError
	return errors.As(err, &ce) && ce.auth
}

func isTransient(err error) bool {
	var ce *callError
	if errors.As(err, &ce) {
		return ce.transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return !errors.Is(err, context.Canceled)
}

func statusError(status int, body string) error {
	return &callError{
		status:    status,
		message:   truncate(body, 300),
		auth:      status == 401 || status == 403,
		transient: status == 429 || status >= 500,
	}
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	// base * 2^(attempt-1), capped.
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > max {
		return max
	}
	return delay
}

// retry runs fn until it succeeds, fails with a non-transient error or the attempts
// are used up. Auth errors are returned unchanged so the caller can refresh once.
func retry(ctx context.Context, client, op string, opts Options, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= opts.RetryAttempts; attempt++ {
		started := time.Now()
		err := fn()
		metrics.APIRequestDuration.WithLabelValues(client, op).Observe(time.Since(started).Seconds())
		if err == nil {
			metrics.APIRequestsTotal.WithLabelValues(client, op, "ok").Inc()
			return nil
		}
		lastErr = err
		if isAuth(err) {
			metrics.APIRequestsTotal.WithLabelValues(client, op, "auth").Inc()
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isTransient(err) {
			metrics.APIRequestsTotal.WithLabelValues(client, op, "error").Inc()
			return fmt.Errorf("%s %s: %w", client, op, err)
		}
		metrics.APIRequestsTotal.WithLabelValues(client, op, "transient").Inc()
		if attempt == opts.RetryAttempts {
			break
		}
		delay := backoff(attempt, opts.BaseBackoff, opts.MaxBackoff)
		metrics.APIRetriesTotal.WithLabelValues(client, "transport").Inc()
		opts.Logger.WithFields(logrus.Fields{
			"client":    client,
			"operation": op,
			"attempt":   attempt,
			"delay":     delay.String(),
		}).Warn("eboekhouden call failed, retrying: " + err.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: %s %s after %d attempts: %v", ErrTransport, client, op, opts.RetryAttempts, lastErr)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
