// Package events implements resumable tailing of the append-only job
// event log for Server-Sent Events delivery: a since-cursor poll loop
// over the store plus synthetic heartbeats, with an optional wake
// accelerator to shorten the poll's effective latency.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nimbuschain/fetch/internal/domain"
	"github.com/nimbuschain/fetch/internal/store"
)

// Frame is one SSE frame ready to be written to a ResponseWriter. A
// heartbeat frame is synthetic (never persisted) and carries no id.
type Frame struct {
	ID    int64
	Event string
	Data  []byte
}

const HeartbeatEvent = "heartbeat"

// Waker is satisfied by an optional accelerator that can signal "new
// events likely exist" sooner than the next poll tick would. Wake is
// expected to be a best-effort, non-blocking channel producer.
type Waker interface {
	Wake(ctx context.Context) <-chan struct{}
}

// Config bounds the tailer's poll cadence and heartbeat interval.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	BatchSize         int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Tailer streams job events to a single subscriber starting after since.
type Tailer struct {
	cfg   Config
	store store.JobStore
}

func New(st store.JobStore, cfg Config) *Tailer {
	return &Tailer{store: st, cfg: cfg.withDefaults()}
}

// Stream polls scope's event timeline starting after since, sending each
// batch of new events (in id order) plus periodic heartbeats to out,
// until ctx is cancelled or the client disconnects. waker, if non-nil, is
// consulted in addition to the poll ticker so newly appended events can
// be delivered before the next scheduled tick.
func (t *Tailer) Stream(ctx context.Context, scope store.EventScope, since int64, waker Waker, out chan<- Frame) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(t.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var wakeCh <-chan struct{}
	if waker != nil {
		wakeCh = waker.Wake(ctx)
	}

	cursor := since
	emit := func() error {
		evs, err := t.store.TailEvents(ctx, scope, cursor, t.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("tail events: %w", err)
		}
		for _, ev := range evs {
			frame, err := toFrame(ev)
			if err != nil {
				return err
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
			cursor = ev.ID
		}
		return nil
	}

	if err := emit(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := emit(); err != nil {
				return err
			}
		case <-wakeCh:
			if err := emit(); err != nil {
				return err
			}
		case <-heartbeat.C:
			select {
			case out <- Frame{Event: HeartbeatEvent, Data: []byte(`{}`)}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func toFrame(ev domain.JobEvent) (Frame, error) {
	data, err := json.Marshal(map[string]interface{}{
		"job_id":    ev.JobID.String(),
		"type":      ev.Type,
		"timestamp": ev.Timestamp,
		"payload":   json.RawMessage(ev.Payload),
	})
	if err != nil {
		return Frame{}, fmt.Errorf("marshal event frame: %w", err)
	}
	return Frame{ID: ev.ID, Event: ev.Type, Data: data}, nil
}

// Encode renders a Frame in the text/event-stream wire format. Heartbeat
// frames (ID == 0) omit the id: line — id is reserved for real,
// persisted event ids and must never be reused as a resume cursor.
func Encode(f Frame) []byte {
	if f.Event == HeartbeatEvent {
		return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", f.Event, f.Data))
	}
	return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", f.ID, f.Event, f.Data))
}
