package ingest

import (
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/stellarlinkco/ambient/internal/buffer"
	"github.com/stellarlinkco/ambient/internal/config"
)

type recordingSink struct {
	feed  []buffer.FeedItem
	sense []buffer.SenseEvent
}

func (s *recordingSink) PushFeedItem(text string, priority int, source buffer.Source, channel string) {
	s.feed = append(s.feed, buffer.FeedItem{Text: text, Priority: priority, Source: source, Channel: channel})
}

func (s *recordingSink) PushSenseEvent(ev buffer.SenseEvent) bool {
	s.sense = append(s.sense, ev)
	return false
}

func newTestConsumer(sink Sink) *Consumer {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	return NewWithClient(rdb, config.RedisIngestConfig{Consumer: "test"}, sink)
}

func TestNewWithClient_Defaults(t *testing.T) {
	c := newTestConsumer(nil)
	defer c.Close()
	if c.stream != config.DefaultRedisStream || c.group != config.DefaultRedisGroup {
		t.Errorf("stream/group = %q/%q", c.stream, c.group)
	}
	if c.consumer != "test" {
		t.Errorf("consumer = %q", c.consumer)
	}
}

func TestNew_URL(t *testing.T) {
	if _, err := New(config.RedisIngestConfig{}, nil); err == nil {
		t.Error("expected error for empty url")
	}
	if _, err := New(config.RedisIngestConfig{URL: "redis://localhost:6379/notadb"}, nil); err == nil {
		t.Error("expected parse error")
	}
	c, err := New(config.RedisIngestConfig{URL: "redis://localhost:6379/2"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	if opt := c.rdb.Options(); opt.Addr != "localhost:6379" || opt.DB != 2 {
		t.Errorf("options = %s db %d", opt.Addr, opt.DB)
	}
	c2, err := New(config.RedisIngestConfig{URL: "cache:6380"}, nil)
	if err != nil {
		t.Fatalf("New plain addr: %v", err)
	}
	defer c2.Close()
	if c2.rdb.Options().Addr != "cache:6380" {
		t.Errorf("addr = %s", c2.rdb.Options().Addr)
	}
}

func TestHandle_Feed(t *testing.T) {
	sink := &recordingSink{}
	c := newTestConsumer(sink)
	defer c.Close()

	err := c.Handle(redis.XMessage{ID: "1-0", Values: map[string]any{
		"kind": "feed", "text": " let's ship it ", "priority": "2", "source": "hud", "channel": "mic",
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	// kind defaults to feed, source to audio
	if err := c.Handle(redis.XMessage{ID: "2-0", Values: map[string]any{"text": "hello"}}); err != nil {
		t.Fatalf("Handle default kind: %v", err)
	}

	if len(sink.feed) != 2 {
		t.Fatalf("feed = %+v", sink.feed)
	}
	if got := sink.feed[0]; got.Text != "let's ship it" || got.Priority != 2 || got.Source != buffer.SourceHUD || got.Channel != "mic" {
		t.Errorf("feed[0] = %+v", got)
	}
	if sink.feed[1].Source != buffer.SourceAudio {
		t.Errorf("default source = %q", sink.feed[1].Source)
	}
}

func TestHandle_Sense(t *testing.T) {
	sink := &recordingSink{}
	c := newTestConsumer(sink)
	defer c.Close()

	event := `{"type":"visual","timestamp":"2026-03-01T09:00:00Z","ocr":"func main()","app":{"name":"Code"},"ssim":0.42,"image":{"mediaType":"image/png","data":"iVBORw0K"}}`
	if err := c.Handle(redis.XMessage{ID: "1-0", Values: map[string]any{"kind": "sense", "event": event}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sink.sense) != 1 {
		t.Fatalf("sense = %d", len(sink.sense))
	}
	ev := sink.sense[0]
	if ev.Type != buffer.SenseVisual || ev.App.Name != "Code" || ev.SSIM != 0.42 || !ev.HasImage() {
		t.Errorf("event = %+v", ev)
	}
}

func TestHandle_Invalid(t *testing.T) {
	sink := &recordingSink{}
	c := newTestConsumer(sink)
	defer c.Close()

	cases := []map[string]any{
		{"kind": "feed"},
		{"kind": "feed", "text": "x", "priority": "high"},
		{"kind": "sense"},
		{"kind": "sense", "event": "{not json"},
	}
	for _, values := range cases {
		if err := c.Handle(redis.XMessage{ID: "1-0", Values: values}); err == nil {
			t.Errorf("Handle(%v) should fail", values)
		}
	}
	err := c.Handle(redis.XMessage{ID: "1-0", Values: map[string]any{"kind": "video"}})
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("err = %v, want ErrUnknownKind", err)
	}
	if len(sink.feed)+len(sink.sense) != 0 {
		t.Error("invalid entries must not reach the sink")
	}
}
