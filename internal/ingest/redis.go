// Package ingest reads producer events from a Redis stream so capture
// processes on other hosts can feed the buffers.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/ambient/internal/buffer"
	"github.com/stellarlinkco/ambient/internal/config"
	"github.com/stellarlinkco/ambient/internal/logger"
)

// Stream entry kinds. A "feed" entry carries text, priority, source and
// channel fields; a "sense" entry carries the JSON SenseEvent in "event".
const (
	KindFeed  = "feed"
	KindSense = "sense"
)

const (
	readCount  = 32
	readBlock  = 5 * time.Second
	retryPause = 500 * time.Millisecond
)

var ErrUnknownKind = errors.New("ingest: unknown entry kind")

// Sink receives decoded entries.
type Sink interface {
	PushFeedItem(text string, priority int, source buffer.Source, channel string)
	PushSenseEvent(ev buffer.SenseEvent) bool
}

// Consumer reads a stream through a consumer group and acknowledges every
// entry after handing it to the sink, including malformed ones.
type Consumer struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	sink     Sink
	log      zerolog.Logger

	handled atomic.Uint64
	invalid atomic.Uint64
}

func New(cfg config.RedisIngestConfig, sink Sink) (*Consumer, error) {
	rdb, err := newClient(cfg.URL)
	if err != nil {
		return nil, err
	}
	return NewWithClient(rdb, cfg, sink), nil
}

func NewWithClient(rdb *redis.Client, cfg config.RedisIngestConfig, sink Sink) *Consumer {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = config.DefaultRedisStream
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = config.DefaultRedisGroup
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Consumer{
		rdb:      rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		sink:     sink,
		log:      logger.Component("ingest").With().Str("stream", stream).Logger(),
	}
}

func newClient(raw string) (*redis.Client, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("ingest: redis url is required")
	}
	if strings.HasPrefix(raw, "redis://") || strings.HasPrefix(raw, "rediss://") {
		opt, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("ingest: parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: raw}), nil
}

// Run consumes until ctx is done. Read errors are logged and retried.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ingest: ping redis: %w", err)
	}
	if err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err(); err != nil &&
		!strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("ingest: create group: %w", err)
	}
	c.log.Info().Str("group", c.group).Str("consumer", c.consumer).Msg("consuming")

	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn().Err(err).Msg("read failed")
			select {
			case <-time.After(retryPause):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if err := c.Handle(msg); err != nil {
					c.invalid.Add(1)
					c.log.Warn().Err(err).Str("id", msg.ID).Msg("dropped entry")
				} else {
					c.handled.Add(1)
				}
				if err := c.rdb.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
					c.log.Debug().Err(err).Str("id", msg.ID).Msg("ack failed")
				}
			}
		}
	}
}

// Handle decodes one stream entry and pushes it into the sink.
func (c *Consumer) Handle(msg redis.XMessage) error {
	get := func(k string) string {
		v, ok := msg.Values[k]
		if !ok || v == nil {
			return ""
		}
		s, _ := v.(string)
		return s
	}

	switch kind := get("kind"); kind {
	case KindFeed, "":
		text := strings.TrimSpace(get("text"))
		if text == "" {
			return errors.New("ingest: feed entry without text")
		}
		priority := 0
		if p := get("priority"); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return fmt.Errorf("ingest: priority %q: %w", p, err)
			}
			priority = n
		}
		source := buffer.Source(get("source"))
		if source == "" {
			source = buffer.SourceAudio
		}
		c.sink.PushFeedItem(text, priority, source, get("channel"))
		return nil

	case KindSense:
		raw := get("event")
		if raw == "" {
			return errors.New("ingest: sense entry without event")
		}
		var ev buffer.SenseEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return fmt.Errorf("ingest: decode sense event: %w", err)
		}
		if ev.Type == "" {
			ev.Type = buffer.SenseText
		}
		c.sink.PushSenseEvent(ev)
		return nil

	default:
		return fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
}

// Stats reports handled and dropped entry counts.
func (c *Consumer) Stats() (handled, invalid uint64) {
	return c.handled.Load(), c.invalid.Load()
}

func (c *Consumer) Close() error {
	return c.rdb.Close()
}
