// Package ratelimit throttles chat turns per identity.
//
// Quota exhaustion and backing store failures are reported separately: a
// rejected Decision is a business outcome, while a store error is counted
// as a connection error, timeout or retry and the request is let through.
package ratelimit

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// Limiter decides whether a key may perform one more request.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Store failure kinds exported to metrics.
const (
	FailureConnection = "connection"
	FailureTimeout    = "timeout"
	FailureRetry      = "retry"
)

// Recorder receives limiter counters. observability.Metrics implements it.
type Recorder interface {
	RateLimitChecked()
	RateLimitAllowed()
	RateLimitRejected()
	RateLimitStoreFailure(kind string)
}

type nopRecorder struct{}

func (nopRecorder) RateLimitChecked()            {}
func (nopRecorder) RateLimitAllowed()            {}
func (nopRecorder) RateLimitRejected()           {}
func (nopRecorder) RateLimitStoreFailure(string) {}

// classify maps a store error to a failure kind.
func classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, goredis.ErrPoolTimeout) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureConnection
}

// transient reports whether a retry may succeed.
func transient(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, goredis.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func record(rec Recorder, d Decision) Decision {
	if d.Allowed {
		rec.RateLimitAllowed()
	} else {
		rec.RateLimitRejected()
	}
	return d
}
