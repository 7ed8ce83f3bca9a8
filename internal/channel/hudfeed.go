package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/ambient/internal/buffer"
	"github.com/stellarlinkco/ambient/internal/bus"
	"github.com/stellarlinkco/ambient/internal/config"
	"github.com/stellarlinkco/ambient/internal/logger"
)

const hudFeedName = "hud"

// hudMessage is the wire format of the HUD feed. Clients receive "hud" and
// "escalation" messages and may send "feed" lines back.
type hudMessage struct {
	Type    string    `json:"type"`
	Text    string    `json:"text,omitempty"`
	Model   string    `json:"model,omitempty"`
	Trigger string    `json:"trigger,omitempty"`
	Route   string    `json:"route,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at,omitempty"`
}

type hudClient struct {
	conn *websocket.Conn
	id   string
}

// HUDFeed serves HUD lines over websocket. It is an http.Handler mounted by
// the control API; new clients first receive the backlog.
type HUDFeed struct {
	backlog int
	sink    Sink
	log     zerolog.Logger

	clients sync.Map
	nextID  atomic.Int64

	mu     sync.Mutex
	recent [][]byte
}

func NewHUDFeed(cfg config.HUDFeedConfig, sink Sink) *HUDFeed {
	return &HUDFeed{
		backlog: cfg.Backlog,
		sink:    sink,
		log:     logger.Component("hud"),
	}
}

func (h *HUDFeed) Name() string { return hudFeedName }

func (h *HUDFeed) Start(ctx context.Context) error { return nil }

func (h *HUDFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept error")
		return
	}

	clientID := fmt.Sprintf("hud-%d", h.nextID.Add(1))
	client := &hudClient{conn: conn, id: clientID}

	h.mu.Lock()
	backlog := append([][]byte(nil), h.recent...)
	h.mu.Unlock()
	for _, data := range backlog {
		if err := h.write(r.Context(), client, data); err != nil {
			conn.CloseNow()
			return
		}
	}

	h.clients.Store(clientID, client)
	h.log.Info().Str("client", clientID).Msg("client connected")
	defer func() {
		h.clients.Delete(clientID)
		conn.CloseNow()
		h.log.Info().Str("client", clientID).Msg("client disconnected")
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var msg hudMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		text := strings.TrimSpace(msg.Text)
		if msg.Type != "feed" || text == "" || h.sink == nil {
			continue
		}
		h.sink.PushFeedItem(text, 0, buffer.SourceHUD, clientID)
	}
}

// Notify broadcasts HUD lines and escalation outcomes to every client.
func (h *HUDFeed) Notify(ev bus.Event) error {
	var msg hudMessage
	switch {
	case ev.Kind == bus.KindHUD && ev.HUD != nil:
		msg = hudMessage{Type: "hud", Text: ev.HUD.Text, Model: ev.HUD.Model, At: ev.HUD.At}
	case ev.Kind == bus.KindEscalation && ev.Escalation != nil:
		e := ev.Escalation
		msg = hudMessage{Type: "escalation", Text: e.Digest, Trigger: e.Trigger, Route: e.Route, Error: e.Err, At: e.At}
	default:
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if msg.Type == "hud" && h.backlog > 0 {
		h.mu.Lock()
		h.recent = append(h.recent, data)
		if over := len(h.recent) - h.backlog; over > 0 {
			h.recent = append([][]byte(nil), h.recent[over:]...)
		}
		h.mu.Unlock()
	}

	h.clients.Range(func(key, value any) bool {
		c := value.(*hudClient)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.write(ctx, c, data); err != nil {
			h.log.Debug().Err(err).Str("client", c.id).Msg("write failed")
		}
		return true
	})
	return nil
}

func (h *HUDFeed) write(ctx context.Context, c *hudClient, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Clients reports how many websocket clients are connected.
func (h *HUDFeed) Clients() int {
	n := 0
	h.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (h *HUDFeed) Stop() error {
	h.clients.Range(func(key, value any) bool {
		c := value.(*hudClient)
		c.conn.Close(websocket.StatusGoingAway, "shutting down")
		return true
	})
	h.log.Info().Msg("stopped")
	return nil
}
