package worker

// Worker runs jobs handed to it through its private channel.
type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
	handle     func(Job)
}

func newWorker(pool *jobChannelPool, handle func(Job)) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
		handle:     handle,
	}
}

// Start registers the worker as idle and serves jobs until told to stop.
func (w *Worker) Start() {
	go func() {
		for {
			w.pool.Release(w.jobChannel)
			job := <-w.jobChannel
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.handle(job)
		}
	}()
}
