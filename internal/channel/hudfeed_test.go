package channel

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/stellarlinkco/ambient/internal/buffer"
	"github.com/stellarlinkco/ambient/internal/bus"
	"github.com/stellarlinkco/ambient/internal/config"
)

func dialHUD(t *testing.T, h *HUDFeed) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func readHUD(t *testing.T, ctx context.Context, conn *websocket.Conn) hudMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg hudMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func hudEvent(text string) bus.Event {
	return bus.Event{Kind: bus.KindHUD, HUD: &bus.HUDLine{Text: text, Model: "haiku", At: time.Now()}}
}

func TestHUDFeed_BacklogThenLive(t *testing.T) {
	h := NewHUDFeed(config.HUDFeedConfig{Enabled: true, Backlog: 2}, nil)
	h.Notify(hudEvent("one"))
	h.Notify(hudEvent("two"))
	h.Notify(hudEvent("three"))

	conn, ctx := dialHUD(t, h)
	if got := readHUD(t, ctx, conn); got.Text != "two" || got.Type != "hud" {
		t.Errorf("first backlog line = %+v", got)
	}
	if got := readHUD(t, ctx, conn); got.Text != "three" {
		t.Errorf("second backlog line = %+v", got)
	}

	waitFor(t, "client registration", func() bool { return h.Clients() == 1 })
	h.Notify(bus.Event{Kind: bus.KindEscalation, Escalation: &bus.EscalationSent{Trigger: "error", Route: "hooks", Digest: "crash"}})
	got := readHUD(t, ctx, conn)
	if got.Type != "escalation" || got.Trigger != "error" || got.Route != "hooks" || got.Text != "crash" {
		t.Errorf("live message = %+v", got)
	}
}

func TestHUDFeed_ClientFeedLines(t *testing.T) {
	sink := &fakeSink{}
	h := NewHUDFeed(config.HUDFeedConfig{Enabled: true}, sink)
	conn, ctx := dialHUD(t, h)

	send := func(v any) {
		data, _ := json.Marshal(v)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatal(err)
		}
	}
	send(map[string]string{"type": "feed", "text": "  overlay dismissed  "})
	send(map[string]string{"type": "other", "text": "ignored"})
	send(map[string]string{"type": "feed", "text": "   "})
	conn.Write(ctx, websocket.MessageText, []byte("not json"))
	send(map[string]string{"type": "feed", "text": "second"})

	waitFor(t, "feed lines", func() bool { return sink.feedLen() == 2 })
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.feed[0].text != "overlay dismissed" || sink.feed[0].source != buffer.SourceHUD {
		t.Errorf("feed[0] = %+v", sink.feed[0])
	}
}

func TestHUDFeed_StopClosesClients(t *testing.T) {
	h := NewHUDFeed(config.HUDFeedConfig{Enabled: true}, nil)
	conn, ctx := dialHUD(t, h)
	waitFor(t, "client registration", func() bool { return h.Clients() == 1 })

	go h.Stop()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("read after stop = %v, want going away", err)
	}
}
