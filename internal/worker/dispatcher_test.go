package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newQueueOnlyDispatcher() *Dispatcher {
	return &Dispatcher{
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		wake:      make(chan struct{}, 1),
	}
}

func TestDispatcherServesKeysRoundRobin(t *testing.T) {
	d := newQueueOnlyDispatcher()
	for _, j := range []Job{
		{Key: "a", Name: "a1"}, {Key: "a", Name: "a2"}, {Key: "a", Name: "a3"},
		{Key: "b", Name: "b1"},
		{Key: "c", Name: "c1"}, {Key: "c", Name: "c2"},
	} {
		d.enqueueJob(j)
	}

	var got []string
	for {
		job, ok := d.next()
		if !ok {
			break
		}
		got = append(got, job.Name)
		d.finish(job.Key)
	}
	want := []string{"a1", "b1", "c1", "a2", "c2", "a3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if len(d.queues) != 0 || len(d.positions) != 0 || d.ready.Len() != 0 {
		t.Fatalf("queues not cleaned up: %d %d %d", len(d.queues), len(d.positions), d.ready.Len())
	}
}

func TestDispatcherHoldsKeyWhileItsJobRuns(t *testing.T) {
	d := newQueueOnlyDispatcher()
	d.enqueueJob(Job{Key: "a", Name: "a1"})
	d.enqueueJob(Job{Key: "a", Name: "a2"})
	d.enqueueJob(Job{Key: "b", Name: "b1"})

	first, _ := d.next()
	second, _ := d.next()
	if first.Name != "a1" || second.Name != "b1" {
		t.Fatalf("got %s then %s", first.Name, second.Name)
	}
	if job, ok := d.next(); ok {
		t.Fatalf("key a handed out %s while a1 is running", job.Name)
	}
	d.finish("a")
	if job, ok := d.next(); !ok || job.Name != "a2" {
		t.Fatalf("expected a2 after a1 finished, got %v %v", job.Name, ok)
	}
}

func TestDispatcherRunsSameKeyJobsSequentially(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 2, MaxWorkers: 2, QueueSize: 10}, nil)

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	release := make(chan struct{})
	firstStarted := make(chan struct{})
	otherKeyRan := make(chan struct{})

	if err := d.Submit(Job{Key: "u1", Name: "first", Fn: func(context.Context) error {
		record("first-start")
		close(firstStarted)
		<-release
		record("first-end")
		return nil
	}}); err != nil {
		t.Fatalf("submit first: %v", err)
	}
	<-firstStarted
	if err := d.Submit(Job{Key: "u1", Name: "second", Fn: func(context.Context) error {
		record("second-start")
		return nil
	}}); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if err := d.Submit(Job{Key: "u2", Name: "other", Fn: func(context.Context) error {
		close(otherKeyRan)
		return nil
	}}); err != nil {
		t.Fatalf("submit other: %v", err)
	}

	select {
	case <-otherKeyRan:
	case <-time.After(2 * time.Second):
		t.Fatalf("a different key was blocked by the running job")
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	want := []string{"first-start", "first-end", "second-start"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestDispatcherRunsAllJobsBeforeClose(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 3, QueueSize: 100}, nil)

	var ran atomic.Int64
	var mu sync.Mutex
	perKey := map[string][]int{}
	for i := 0; i < 30; i++ {
		key := []string{"u1", "u2", "u3"}[i%3]
		seq := i
		if err := d.Submit(Job{Key: key, Name: "append", Fn: func(context.Context) error {
			mu.Lock()
			perKey[key] = append(perKey[key], seq)
			mu.Unlock()
			ran.Add(1)
			return nil
		}}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ran.Load() != 30 {
		t.Fatalf("expected 30 jobs to run, got %d", ran.Load())
	}
	for key, seqs := range perKey {
		for i := 1; i < len(seqs); i++ {
			if seqs[i] < seqs[i-1] {
				t.Fatalf("jobs of %s ran out of order: %v", key, seqs)
			}
		}
	}
	if n := d.pool.size(); n > 3 {
		t.Fatalf("pool grew past max: %d", n)
	}
	if err := d.Submit(Job{Key: "u1", Fn: func(context.Context) error { return nil }}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDispatcherSurvivesFailingJobs(t *testing.T) {
	d := NewDispatcher(Config{MaxWorkers: 1, QueueSize: 10}, nil)
	var ran atomic.Int64
	_ = d.Submit(Job{Key: "u", Fn: func(context.Context) error { return errors.New("boom") }})
	_ = d.Submit(Job{Key: "u", Fn: func(context.Context) error { panic("bad job") }})
	_ = d.Submit(Job{Key: "u", Fn: func(context.Context) error { ran.Add(1); return nil }})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ran.Load() != 1 {
		t.Fatalf("job after failures did not run")
	}
}

func TestDispatcherCloseHonoursDeadline(t *testing.T) {
	d := NewDispatcher(Config{MaxWorkers: 1, QueueSize: 10}, nil)
	cancelled := make(chan struct{})
	_ = d.Submit(Job{Key: "u", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("running job was not cancelled")
	}
}

func TestPoolRetiresIdleWorkersDownToMin(t *testing.T) {
	p := newJobChannelPool(1, 3, time.Hour, func(Job) {})
	defer close(p.quit)
	p.spawnWorker()
	p.spawnWorker()
	p.spawnWorker()

	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		idle := len(p.idle)
		p.mu.Unlock()
		if idle == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workers never became idle")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.shutdownExpired(time.Now().Add(2*time.Hour), p.min)
	deadline = time.Now().Add(2 * time.Second)
	for p.size() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 worker, got %d", p.size())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
