// Package eventhub fans job events out to live subscribers.
//
// Delivery is best-effort and at-most-once: there is no retry and no history
// replay. A subscriber whose Send fails (error or panic) is removed and
// closed; the remaining subscribers still receive the event.
package eventhub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event names on the wire.
const (
	EventHello = "hello"
	EventLog   = "log"
	EventStage = "stage"
	EventFile  = "file"
	EventEnd   = "end"
)

var (
	ErrSinkClosed     = errors.New("eventhub: sink closed")
	ErrSlowSubscriber = errors.New("eventhub: subscriber queue full")
)

// Sink is one open streaming connection.
//
// Send must not block: the hub calls it while holding its lock so that
// per-job event order is preserved across subscribers.
type Sink interface {
	Send(event string, data any) error
	Close() error
}

// Subscriber is a Sink registered against one job.
type Subscriber struct {
	id    string
	jobID string
	sink  Sink

	closeOnce sync.Once
}

func (s *Subscriber) ID() string    { return s.id }
func (s *Subscriber) JobID() string { return s.jobID }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { _ = s.sink.Close() })
}

// Hub holds the subscriber sets of every job.
//
// Hub is safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[string]*Subscriber
	logger *zap.Logger
}

func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[string]*Subscriber),
		logger: logger,
	}
}

// Attach registers sink for jobID. When hello is non-nil its result is sent
// as the first event before any broadcast can reach the new subscriber; a
// failed hello leaves the sink unregistered and closed.
func (h *Hub) Attach(jobID string, sink Sink, hello func() any) (*Subscriber, error) {
	if sink == nil {
		return nil, errors.New("eventhub: sink is nil")
	}
	sub := &Subscriber{id: uuid.NewString(), jobID: jobID, sink: sink}

	h.mu.Lock()
	if hello != nil {
		if err := safeSend(sink, EventHello, hello()); err != nil {
			h.mu.Unlock()
			sub.close()
			return nil, fmt.Errorf("send hello: %w", err)
		}
	}
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[string]*Subscriber)
		h.subs[jobID] = set
	}
	set[sub.id] = sub
	h.mu.Unlock()

	h.logger.Debug("Subscriber attached",
		zap.String("job_id", jobID),
		zap.String("subscriber_id", sub.id))
	return sub, nil
}

// Broadcast delivers event to every subscriber of jobID and returns how many
// accepted it. Broadcasting to a job without subscribers is a no-op.
func (h *Hub) Broadcast(jobID, event string, data any) int {
	var failed []*Subscriber
	delivered := 0

	h.mu.Lock()
	for id, sub := range h.subs[jobID] {
		if err := safeSend(sub.sink, event, data); err != nil {
			delete(h.subs[jobID], id)
			failed = append(failed, sub)
			h.logger.Debug("Dropping subscriber after failed send",
				zap.String("job_id", jobID),
				zap.String("subscriber_id", id),
				zap.String("event", event),
				zap.Error(err))
			continue
		}
		delivered++
	}
	if set, ok := h.subs[jobID]; ok && len(set) == 0 {
		delete(h.subs, jobID)
	}
	h.mu.Unlock()

	for _, sub := range failed {
		sub.close()
	}
	return delivered
}

// Detach removes and closes sub. It reports whether sub was still registered.
func (h *Hub) Detach(sub *Subscriber) bool {
	if sub == nil {
		return false
	}
	h.mu.Lock()
	set := h.subs[sub.jobID]
	_, ok := set[sub.id]
	if ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(h.subs, sub.jobID)
		}
	}
	h.mu.Unlock()

	sub.close()
	return ok
}

// CloseJob detaches and closes every subscriber of jobID.
func (h *Hub) CloseJob(jobID string) int {
	h.mu.Lock()
	set := h.subs[jobID]
	delete(h.subs, jobID)
	h.mu.Unlock()

	for _, sub := range set {
		sub.close()
	}
	return len(set)
}

// Count returns the number of live subscribers of jobID.
func (h *Hub) Count(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

func safeSend(sink Sink, event string, data any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventhub: sink panic: %v", r)
		}
	}()
	return sink.Send(event, data)
}
