package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Queue stores jobs and orders their execution. Dequeue returns "" when
// nothing became ready within wait.
type Queue interface {
	Save(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)

	Enqueue(ctx context.Context, id string) error
	Schedule(ctx context.Context, id string, at time.Time) error
	Dequeue(ctx context.Context, wait time.Duration) (string, error)
	// PromoteDue moves scheduled jobs whose time has come to the ready queue.
	PromoteDue(ctx context.Context, now time.Time) (int, error)
}

type scheduledJob struct {
	id string
	at time.Time
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	ready   []string
	delayed []scheduledJob
	notify  chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:   make(map[string]*Job),
		notify: make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Save(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *job
	q.jobs[job.ID] = &cp
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (q *MemoryQueue) Enqueue(ctx context.Context, id string) error {
	q.mu.Lock()
	q.ready = append(q.ready, id)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Schedule(ctx context.Context, id string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, scheduledJob{id: id, at: at})
	sort.Slice(q.delayed, func(i, j int) bool { return q.delayed[i].at.Before(q.delayed[j].at) })
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if id, ok := q.pop(); ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", nil
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return "", false
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	if len(q.ready) > 0 {
		q.signal()
	}
	return id, true
}

func (q *MemoryQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	n := 0
	for n < len(q.delayed) && !q.delayed[n].at.After(now) {
		q.ready = append(q.ready, q.delayed[n].id)
		n++
	}
	q.delayed = q.delayed[n:]
	q.mu.Unlock()
	if n > 0 {
		q.signal()
	}
	return n, nil
}
