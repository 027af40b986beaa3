package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const defaultChannel = "streamchat:identity:changes"

// RedisBroadcaster fans identity changes out over Redis pub/sub.
type RedisBroadcaster struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewRedisBroadcaster(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = defaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{client: client, channel: channel, logger: logger}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, c Change) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode identity change: %w", err)
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

func (b *RedisBroadcaster) Run(ctx context.Context, deliver func(Change)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	// wait for the subscription to be confirmed so nothing published after Run starts is missed
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				b.logger.Warn("drop malformed identity change", "err", err)
				continue
			}
			deliver(c)
		}
	}
}
