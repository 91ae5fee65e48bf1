package pubsub

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBus is a Bus backed by redis pub/sub. Frames travel on the wire in
// SSE form so any subscriber, including ones in other processes, can relay
// them to an HTTP stream without re-encoding.
type RedisBus struct {
	client   *redis.Client
	metaKeys []string
}

func NewRedisBus(client *redis.Client, metaKeys []string) *RedisBus {
	return &RedisBus{
		client:   client,
		metaKeys: metaKeys,
	}
}

func (b *RedisBus) Publish(ctx context.Context, channel, event string, payload map[string]any) error {
	frame, err := encodeFrame(event, payload, b.metaKeys)
	if err != nil {
		return err
	}

	return b.client.Publish(ctx, channel, frame.WireForm()).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)

	// Wait for the subscription to be established so events published right
	// after Subscribe returns are not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Frame, 64)

	go func() {
		defer close(out)

		for msg := range ps.Channel() {
			frame, err := ParseFrame([]byte(msg.Payload))
			if err != nil {
				slog.Warn("Dropping malformed frame", slog.String("channel", channel), slog.Any("error", err))
				continue
			}

			select {
			case out <- frame:
			default:
				// Slow subscriber; drop rather than block.
			}
		}
	}()

	return &Subscription{
		C: out,
		close: func() {
			_ = ps.Close()
		},
	}, nil
}
