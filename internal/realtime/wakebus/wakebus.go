// Package wakebus implements an optional Redis pub/sub accelerator that
// lets event tailers wake up as soon as a new job event is appended,
// instead of waiting for their next poll tick. It is purely an
// optimization: a tailer with no Bus, or a Bus whose Redis connection is
// down, still makes progress on its own poll ticker alone.
package wakebus

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/nimbuschain/fetch/internal/platform/logger"
)

const channel = "nimbuschain:fetch:job-events"

// Bus publishes and subscribes to a single best-effort wake channel.
type Bus struct {
	client *redis.Client
	log    *logger.Logger
}

func New(client *redis.Client, log *logger.Logger) *Bus {
	return &Bus{client: client, log: log}
}

// Publish notifies subscribers that at least one new event exists. It
// never blocks callers on Redis availability: publish errors are logged
// and swallowed, since the poll loop is always a correct fallback.
func (b *Bus) Publish(ctx context.Context) {
	if b == nil || b.client == nil {
		return
	}
	if err := b.client.Publish(ctx, channel, "1").Err(); err != nil {
		b.log.Warn("wakebus publish failed", "error", err)
	}
}

// Wake returns a channel that receives a value shortly after any
// Publish call anywhere in the fleet. Cancelling ctx ends the
// subscription; the returned channel is not closed. A Bus with a nil
// client (wake bus disabled)
// returns a channel that is never written to.
func (b *Bus) Wake(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	if b == nil || b.client == nil {
		return out
	}

	sub := b.client.Subscribe(ctx, channel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
