package pending

import "sync"

// serialQueue runs enqueued jobs one at a time in FIFO order. A panic or
// failure in one job never cancels the ones behind it. One queue exists
// per tracker key so reaction ordering is preserved per instance without
// serializing unrelated instances.
type serialQueue struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
	idle    chan struct{} // closed when the queue drains; replaced on wake
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{idle: make(chan struct{})}
	close(q.idle)
	return q
}

// enqueue appends a job and starts the drain goroutine if needed.
func (q *serialQueue) enqueue(job func()) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.idle = make(chan struct{})
	q.mu.Unlock()

	go q.drain()
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		runJob(job)
	}
}

func runJob(job func()) {
	defer func() {
		// A failed reaction update must not take down the queue.
		_ = recover()
	}()
	job()
}

// wait blocks until the queue is drained. Used by tests and shutdown.
func (q *serialQueue) wait() {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	<-idle
}
