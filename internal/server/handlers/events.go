package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/coursepipe/pkg/eventhub"
	"github.com/3leaps/coursepipe/pkg/jobregistry"
	"github.com/3leaps/coursepipe/pkg/sse"
)

// Events streams a job's events as server-sent events. The first event is a
// hello snapshot; the stream ends after the end event, or right after hello
// when the job had already finished.
func (h *Jobs) Events(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var hello jobregistry.Snapshot
	queue := eventhub.NewQueueSink(eventhub.DefaultQueueSize)
	sub, err := h.hub.Attach(job.ID(), queue, func() any {
		hello = h.reg.Snapshot(job)
		return hello
	})
	if err != nil {
		h.logger.Warn("Failed to attach event stream", zap.String("job_id", job.ID()), zap.Error(err))
		return
	}
	defer h.hub.Detach(sub)

	logger := h.logger.With(zap.String("job_id", job.ID()), zap.String("subscriber_id", sub.ID()))
	logger.Debug("Event stream opened")
	defer logger.Debug("Event stream closed")

	ctx := r.Context()
	sw := sse.NewWriter(w)
	defer func() { _ = sw.Close() }()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sw.WriteHeartbeat(ctx); err != nil {
				return
			}
		case msg, ok := <-queue.Messages():
			if !ok {
				// Closed by the hub: job removed or this stream fell behind.
				return
			}
			if err := sw.WriteEvent(ctx, msg.Event, msg.Data); err != nil {
				logger.Debug("Event write failed", zap.Error(err))
				return
			}
			switch {
			case msg.Event == eventhub.EventEnd:
				return
			case msg.Event == eventhub.EventHello && hello.Status.Terminal():
				return
			}
		}
	}
}
