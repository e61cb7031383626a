// Package events carries index job progress to interested listeners: an
// in-process Bus fans events out to subscribers, and Hub relays them over
// websockets.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event is one progress report for a job.
type Event struct {
	JobID            string    `json:"jobId"`
	RepoID           string    `json:"repoId,omitempty"`
	Phase            string    `json:"phase"`
	Percentage       int       `json:"percentage"`
	FilesProcessed   int       `json:"filesProcessed"`
	TotalFiles       int       `json:"totalFiles"`
	FunctionsIndexed int       `json:"functionsIndexed"`
	Error            string    `json:"error,omitempty"`
	Cancelled        bool      `json:"cancelled,omitempty"`
	Time             time.Time `json:"time"`
}

// Publisher accepts job events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

type subscriber struct {
	job string // empty receives every job
	ch  chan Event
}

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses events rather than stalling the publisher.
type Bus struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	buffer  int
	dropped int
	logger  *slog.Logger
}

type BusOption func(*Bus)

func WithBuffer(n int) BusOption {
	return func(b *Bus) { b.buffer = n }
}

func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   map[*subscriber]struct{}{},
		buffer: DefaultBuffer,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe returns a channel of events for jobID, or for every job when
// jobID is empty. The returned func unsubscribes and closes the channel.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	s := &subscriber{job: jobID, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.job != "" && s.job != ev.JobID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped++
			b.logger.Warn("events.dropped", "job", ev.JobID, "phase", ev.Phase)
		}
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
