package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgchat/internal/audit"
	"kgchat/internal/worker"
)

type closingStore struct {
	mu     sync.Mutex
	closed bool
	lines  int
}

func (s *closingStore) Append(context.Context, string, []byte) error {
	time.Sleep(5 * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("client closed")
	}
	s.lines++
	return nil
}

func (s *closingStore) Create(context.Context, string) error { return nil }

func (s *closingStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestDrainAuditFlushesQueuedAppendsBeforeClosingStore(t *testing.T) {
	store := &closingStore{}
	logger := audit.NewLogger(store)
	jobs := worker.NewDispatcher(worker.Config{MinWorkers: 1, MaxWorkers: 2, QueueSize: 32}, nil)

	var failed sync.Map
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, jobs.Submit(worker.Job{Key: "u1", Name: "audit.append", Fn: func(ctx context.Context) error {
			err := logger.Append(ctx, audit.Entry{UserID: "u1", Question: "q", Response: "a"})
			if err != nil {
				failed.Store(i, err)
			}
			return err
		}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, drainAudit(ctx, jobs, store.Close))

	failed.Range(func(k, v any) bool {
		t.Errorf("append %v failed: %v", k, v)
		return true
	})
	assert.Equal(t, 10, store.lines)
	assert.True(t, store.closed)
}

func TestDrainAuditWithoutStore(t *testing.T) {
	jobs := worker.NewDispatcher(worker.Config{MaxWorkers: 1}, nil)
	assert.NoError(t, drainAudit(context.Background(), jobs, nil))
}
