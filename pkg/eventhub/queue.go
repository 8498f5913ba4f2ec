package eventhub

import "sync"

// DefaultQueueSize is the per-subscriber buffer used by the HTTP stream.
const DefaultQueueSize = 256

// Message is one queued event.
type Message struct {
	Event string
	Data  any
}

// QueueSink is a Sink backed by a bounded channel. Send never blocks: a full
// queue is reported as ErrSlowSubscriber, which makes the hub drop the
// subscriber. Close closes the channel so a consumer ranging over Messages
// drains what was queued and then stops.
type QueueSink struct {
	mu     sync.Mutex
	ch     chan Message
	closed bool
}

func NewQueueSink(size int) *QueueSink {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &QueueSink{ch: make(chan Message, size)}
}

func (q *QueueSink) Send(event string, data any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrSinkClosed
	}
	select {
	case q.ch <- Message{Event: event, Data: data}:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

func (q *QueueSink) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

// Messages returns the receive side of the queue.
func (q *QueueSink) Messages() <-chan Message {
	return q.ch
}

var _ Sink = (*QueueSink)(nil)
