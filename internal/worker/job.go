package worker

import "context"

// JobType tells a worker what to do with a Job.
type JobType int

const (
	// Run executes Job.Fn.
	Run JobType = iota
	// Stop retires the receiving worker.
	Stop
)

// Job is a unit of background work owned by Key. Jobs sharing a key run in
// submission order; keys are served round robin.
type Job struct {
	Type JobType
	Key  string
	Name string
	Fn   func(ctx context.Context) error
}
