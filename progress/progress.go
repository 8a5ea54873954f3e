// Package progress fans out per-job progress events to subscribers and keeps
// the last observed state for poll-based clients.
package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one progress update for a job. Seq is monotonic per job and never
// repeats, so consumers can detect gaps and discard stale updates.
type Event struct {
	JobID     string    `json:"job_id"`
	Seq       uint64    `json:"seq"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Percent   float64   `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Terminal  bool      `json:"terminal"`
	Timestamp time.Time `json:"timestamp"`
}

type jobState struct {
	seq      uint64
	last     Event
	terminal bool
}

// Broadcaster distributes events to push subscribers in publish order. Slow
// subscribers are dropped rather than allowed to stall the publisher.
type Broadcaster struct {
	mu   sync.RWMutex
	jobs map[string]*jobState
	subs map[string]map[chan Event]struct{}
	log  *zap.SugaredLogger
}

// SubscriberBuffer is the channel depth given to each subscriber.
const SubscriberBuffer = 64

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(log *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{
		jobs: make(map[string]*jobState),
		subs: make(map[string]map[chan Event]struct{}),
		log:  log,
	}
}

// Publish records a progress update and fans it out. Events published after a
// job's terminal event are dropped, so each job emits exactly one terminal
// event. Returns the sequenced event, or nil if it was suppressed.
func (b *Broadcaster) Publish(jobID, stage, status string, percent float64, message string, terminal bool) *Event {
	b.mu.Lock()

	state, ok := b.jobs[jobID]
	if !ok {
		state = &jobState{}
		b.jobs[jobID] = state
	}
	if state.terminal {
		b.mu.Unlock()
		return nil
	}

	state.seq++
	ev := Event{
		JobID:     jobID,
		Seq:       state.seq,
		Stage:     stage,
		Status:    status,
		Percent:   percent,
		Message:   message,
		Terminal:  terminal,
		Timestamp: time.Now().UTC(),
	}
	state.last = ev
	state.terminal = terminal

	// Sends happen under the same mutex that Unsubscribe and Forget close
	// channels under, so a send can never race a close. Buffered channels
	// keep this from blocking; a full buffer means the subscriber is stuck
	// and gets dropped.
	for ch := range b.subs[jobID] {
		select {
		case ch <- ev:
		default:
			b.log.Warnw("dropping slow progress subscriber", "job_id", jobID)
			delete(b.subs[jobID], ch)
			close(ch)
		}
	}
	if set, ok := b.subs[jobID]; ok && len(set) == 0 {
		delete(b.subs, jobID)
	}
	b.mu.Unlock()
	return &ev
}

// Subscribe registers a push subscriber for one job. The returned channel
// receives events in publish order; the caller must Unsubscribe when done.
// If the job already has state, its last event is delivered first so late
// subscribers start from the current position.
func (b *Broadcaster) Subscribe(jobID string) chan Event {
	ch := make(chan Event, SubscriberBuffer)

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan Event]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	if state, ok := b.jobs[jobID]; ok && state.seq > 0 {
		ch <- state.last
	}
	b.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(jobID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[jobID]; ok {
		if _, present := set[ch]; present {
			delete(set, ch)
			close(ch)
			if len(set) == 0 {
				delete(b.subs, jobID)
			}
		}
	}
}

// Last returns the most recent event for a job, for poll-based clients that
// missed the push stream. ok is false when the job has never published.
func (b *Broadcaster) Last(jobID string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state, ok := b.jobs[jobID]
	if !ok || state.seq == 0 {
		return Event{}, false
	}
	return state.last, true
}

// Forget drops retained state for a job. Called when jobs age out of the
// store.
func (b *Broadcaster) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.jobs, jobID)
	for ch := range b.subs[jobID] {
		close(ch)
	}
	delete(b.subs, jobID)
}
