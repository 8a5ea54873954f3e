package ingest

import (
	"database/sql"
	"sync"

	"github.com/graphloom/loom/errors"
)

// SubscriberChannelBufferSize is the depth of each subscriber channel.
// Notifications are dropped rather than allowed to block the queue.
const SubscriberChannelBufferSize = 100

// Queue wraps the job store with wake-up notifications for workers and
// observers.
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewQueue creates a queue over db.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		subscribers: make([]chan *Job, 0),
	}
}

// Store exposes the underlying job store for read paths.
func (q *Queue) Store() *Store { return q.store }

// Enqueue persists a new job and wakes workers.
func (q *Queue) Enqueue(job *Job) error {
	if err := q.store.Create(job); err != nil {
		return errors.Wrap(err, "failed to enqueue job")
	}
	q.notifySubscribers(job)
	return nil
}

// Claim takes the next waiting job, or nil when none are ready.
func (q *Queue) Claim() (*Job, error) {
	job, err := q.store.ClaimNext()
	if err != nil {
		return nil, err
	}
	if job != nil {
		q.notifySubscribers(job)
	}
	return job, nil
}

// Update persists job changes and notifies subscribers.
func (q *Queue) Update(job *Job) error {
	if err := q.store.Update(job); err != nil {
		return err
	}
	q.notifySubscribers(job)
	return nil
}

// Get retrieves a job by id.
func (q *Queue) Get(id string) (*Job, error) {
	return q.store.Get(id)
}

// Depth returns the number of waiting jobs.
func (q *Queue) Depth() (int, error) {
	return q.store.QueueDepth()
}

// Subscribe returns a channel that receives every job state change. The
// channel is buffered; slow consumers miss updates instead of blocking the
// pipeline.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (q *Queue) notifySubscribers(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
			// Subscriber buffer full, skip
		}
	}
}
