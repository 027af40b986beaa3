package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"streamchat/internal/util"
	"streamchat/pkg/events"
)

// Handler processes one event. A non-nil error requeues it until MaxRetries.
type Handler func(ctx context.Context, e events.Event) error

// EventStream carries domain events over a Redis stream with a consumer
// group. It implements events.Publisher.
type EventStream struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	logger       *slog.Logger
	once         sync.Once
}

type StreamConfig struct {
	Client     redis.UniversalClient
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
	Logger     *slog.Logger
}

func NewEventStream(cfg StreamConfig) (*EventStream, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("event stream name required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &EventStream{
		client:       cfg.Client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
		logger:       logger.With("stream", stream, "group", group),
	}, nil
}

// Publish appends e to the stream, filling in id and time when missing.
func (q *EventStream) Publish(ctx context.Context, e events.Event) error {
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.ID == "" {
		e.ID = util.NewID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return q.add(ctx, q.client, e.Type, body, 0)
}

// Close is a no-op; the redis client is owned by the caller.
func (q *EventStream) Close() error { return nil }

func (q *EventStream) add(ctx context.Context, c redis.Cmdable, typ string, body []byte, attempts int) error {
	err := c.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":     typ,
			"event":    string(body),
			"attempts": strconv.Itoa(attempts),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", q.stream, err)
	}
	return nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *EventStream) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

// Run is Start with a single consumer, blocking until ctx is done.
func (q *EventStream) Run(ctx context.Context, handler Handler) error {
	q.ensureGroup(ctx)
	q.consumeLoop(ctx, q.consumerBase, handler)
	return nil
}

func (q *EventStream) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.logger.Warn("create consumer group failed", "err", err)
		}
	})
}

func (q *EventStream) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				q.logger.Warn("read event stream failed", "err", err)
				q.sleep(ctx, q.retryDelay)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *EventStream) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *EventStream) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	raw, _ := msg.Values["event"].(string)
	var e events.Event
	if raw == "" || json.Unmarshal([]byte(raw), &e) != nil || e.Type == "" {
		q.logger.Warn("drop malformed event", "msg_id", msg.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	attempts := 0
	if v, ok := msg.Values["attempts"].(string); ok {
		attempts, _ = strconv.Atoi(v)
	}
	attempts++

	err := handler(ctx, e)
	if err == nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if attempts >= q.maxRetries {
		q.logger.Error("event handling failed, giving up", "event_id", e.ID, "type", e.Type, "attempts", attempts, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	q.logger.Warn("event handling failed, requeueing", "event_id", e.ID, "type", e.Type, "attempts", attempts, "err", err)
	if !q.sleep(ctx, q.retryDelay) {
		return
	}
	if err := q.requeueAndAck(ctx, msg.ID, e.Type, raw, attempts); err != nil {
		q.logger.Warn("requeue event failed", "event_id", e.ID, "err", err)
	}
}

func (q *EventStream) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (q *EventStream) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *EventStream) requeueAndAck(ctx context.Context, msgID, typ, raw string, attempts int) error {
	pipe := q.client.TxPipeline()
	if err := q.add(ctx, pipe, typ, []byte(raw), attempts); err != nil {
		return err
	}
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}
