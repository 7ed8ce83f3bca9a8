package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/stellarlinkco/ambient/internal/clock"
)

type inbound struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeGateway speaks the server side of the protocol.
type fakeGateway struct {
	token  string
	handle func(ctx context.Context, conn *websocket.Conn, req inbound)

	mu          sync.Mutex
	lastConnect ConnectParams
	connects    atomic.Int32
}

func send(ctx context.Context, conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	send(ctx, conn, map[string]any{"type": "event", "event": EventChallenge, "payload": map[string]any{"nonce": "n-1"}})

	var req inbound
	_, data, err := conn.Read(ctx)
	if err != nil || json.Unmarshal(data, &req) != nil {
		return
	}
	var params ConnectParams
	_ = json.Unmarshal(req.Params, &params)
	g.mu.Lock()
	g.lastConnect = params
	g.mu.Unlock()
	g.connects.Add(1)

	if params.Auth == nil || params.Auth.Token != g.token {
		send(ctx, conn, map[string]any{"type": "res", "id": req.ID, "ok": false,
			"error": map[string]any{"code": "unauthorized", "message": "bad token"}})
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}
	send(ctx, conn, map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": map[string]any{"protocol": 3}})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req inbound
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		if g.handle != nil {
			g.handle(ctx, conn, req)
		}
	}
}

func startGateway(t *testing.T, g *fakeGateway) string {
	t.Helper()
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testOptions(url, token string) Options {
	return Options{
		URL:          url,
		Token:        token,
		MinProtocol:  3,
		MaxProtocol:  3,
		Client:       ClientInfo{ID: "ambient", Version: "test", Platform: "linux", Mode: "backend"},
		CallTimeout:  2 * time.Second,
		FinalTimeout: 2 * time.Second,
		Breaker:      BreakerConfig{Threshold: 5, Window: time.Minute, Cooloff: time.Minute},
	}
}

func connectClient(t *testing.T, g *fakeGateway) *Client {
	t.Helper()
	c := New(testOptions(startGateway(t, g), "secret"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_HandshakeAndCall(t *testing.T) {
	g := &fakeGateway{token: "secret", handle: func(ctx context.Context, conn *websocket.Conn, req inbound) {
		send(ctx, conn, map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": map[string]any{"method": req.Method}})
	}}
	c := connectClient(t, g)

	g.mu.Lock()
	cp := g.lastConnect
	g.mu.Unlock()
	if cp.MinProtocol != 3 || cp.MaxProtocol != 3 || cp.Client.ID != "ambient" || cp.Auth == nil || cp.Auth.Token != "secret" {
		t.Errorf("connect params = %+v", cp)
	}

	resp, err := c.Call(context.Background(), "status", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(string(resp.Payload), `"status"`) {
		t.Errorf("payload = %s", resp.Payload)
	}
	st := c.Status()
	if !st.Connected || !st.Authenticated || st.Pending != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestClient_CallFinalSkipsAccepted(t *testing.T) {
	var gotParams AgentParams
	g := &fakeGateway{token: "secret", handle: func(ctx context.Context, conn *websocket.Conn, req inbound) {
		_ = json.Unmarshal(req.Params, &gotParams)
		send(ctx, conn, map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": map[string]any{"status": "accepted", "runId": "r-1"}})
		time.Sleep(20 * time.Millisecond)
		send(ctx, conn, map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": map[string]any{"status": "ok", "summary": "done"}})
	}}
	c := connectClient(t, g)

	resp, err := c.Agent(context.Background(), AgentParams{Message: "hi", SessionKey: "agent:main:ambient"})
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	if !strings.Contains(string(resp.Payload), "done") {
		t.Errorf("final payload = %s", resp.Payload)
	}
	if !strings.Contains(string(resp.Accepted), "r-1") {
		t.Errorf("accepted payload = %s", resp.Accepted)
	}
	if gotParams.Message != "hi" || gotParams.IdempotencyKey == "" {
		t.Errorf("agent params = %+v", gotParams)
	}
}

func TestClient_RPCError(t *testing.T) {
	g := &fakeGateway{token: "secret", handle: func(ctx context.Context, conn *websocket.Conn, req inbound) {
		send(ctx, conn, map[string]any{"type": "res", "id": req.ID, "ok": false, "error": map[string]any{"code": "E_BAD", "message": "nope"}})
	}}
	c := connectClient(t, g)

	_, err := c.Call(context.Background(), "boom", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Code != "E_BAD" || rpcErr.Message != "nope" || rpcErr.Method != "boom" {
		t.Errorf("rpc error = %+v", rpcErr)
	}
}

func TestClient_DisconnectRejectsPending(t *testing.T) {
	g := &fakeGateway{token: "secret", handle: func(ctx context.Context, conn *websocket.Conn, req inbound) {
		conn.Close(websocket.StatusGoingAway, "restarting")
	}}
	opts := testOptions(startGateway(t, g), "secret")
	opts.CallTimeout = 10 * time.Second
	c := New(opts)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	start := time.Now()
	_, err := c.Call(context.Background(), "hang", nil)
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("pending call waited for its timeout instead of failing fast")
	}
	if c.Status().Connected {
		t.Error("client should report disconnected")
	}
}

func TestClient_AuthRejected(t *testing.T) {
	g := &fakeGateway{token: "secret"}
	c := New(testOptions(startGateway(t, g), "wrong"))
	defer c.Close()

	err := c.Connect(context.Background())
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != "unauthorized" {
		t.Fatalf("err = %v, want unauthorized", err)
	}
	if c.Status().Connected {
		t.Error("rejected client must not be connected")
	}
}

func TestClient_CallTimeout(t *testing.T) {
	g := &fakeGateway{token: "secret"}
	opts := testOptions(startGateway(t, g), "secret")
	opts.CallTimeout = 100 * time.Millisecond
	c := New(opts)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err := c.Call(context.Background(), "slow", nil)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("err = %v, want ErrCallTimeout", err)
	}
	if c.Status().Pending != 0 {
		t.Error("timed out call left in pending table")
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := New(testOptions("ws://127.0.0.1:1", "x"))
	if _, err := c.Call(context.Background(), "status", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_RunHonorsCircuitBreaker(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	clk := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	opts := testOptions("ws"+strings.TrimPrefix(srv.URL, "http"), "secret")
	opts.Clock = clk
	opts.ReconnectFloor = time.Second
	opts.ReconnectCeiling = 10 * time.Second
	opts.Breaker = BreakerConfig{Threshold: 2, Window: time.Minute, Cooloff: time.Minute}
	c := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	waitFor(t, "first attempt", func() bool { return attempts.Load() == 1 && clk.Pending() == 1 })
	clk.Advance(2 * time.Second)

	waitFor(t, "second attempt", func() bool { return attempts.Load() == 2 && clk.Pending() == 1 })
	if st := c.Status(); !st.Breaker.Open {
		t.Fatalf("breaker should be open after threshold, status = %+v", st)
	}

	clk.Advance(time.Minute - time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	if n := attempts.Load(); n != 2 {
		t.Fatalf("attempts = %d during cool-off, want 2", n)
	}

	clk.Advance(time.Millisecond)
	waitFor(t, "attempt after cool-off", func() bool { return attempts.Load() == 3 })

	cancel()
	<-done
}

func TestClient_StatusOmitsUnsetTimes(t *testing.T) {
	c := New(testOptions("ws://127.0.0.1:1", "x"))
	data, err := json.Marshal(c.Status())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "connectedAt") || strings.Contains(string(data), "nextRetry") {
		t.Errorf("unset times serialized: %s", data)
	}

	g := &fakeGateway{token: "secret"}
	c = connectClient(t, g)
	st := c.Status()
	if st.ConnectedAt == nil || st.ConnectedAt.IsZero() {
		t.Errorf("connectedAt = %v", st.ConnectedAt)
	}
	if st.NextRetry != nil {
		t.Errorf("nextRetry = %v, want unset while connected", st.NextRetry)
	}
}

// flakyGateway completes the handshake and then drops the connection.
func flakyGateway(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()
	send(ctx, conn, map[string]any{"type": "event", "event": EventChallenge, "payload": map[string]any{"nonce": "n"}})
	var req inbound
	if _, data, err := conn.Read(ctx); err != nil || json.Unmarshal(data, &req) != nil {
		return
	}
	send(ctx, conn, map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": map[string]any{}})
	conn.Close(websocket.StatusGoingAway, "bye")
}

func TestClient_ConnectWhileRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(flakyGateway))
	defer srv.Close()

	opts := testOptions("ws"+strings.TrimPrefix(srv.URL, "http"), "secret")
	opts.ReconnectFloor = 5 * time.Millisecond
	opts.ReconnectCeiling = 20 * time.Millisecond
	opts.Breaker = BreakerConfig{Threshold: 10000, Window: time.Minute, Cooloff: time.Millisecond}
	c := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_ = c.Connect(ctx)
			}
		}()
	}
	wg.Wait()
	waitFor(t, "reconnects", func() bool { return c.Status().Reconnects > 0 })

	cancel()
	<-done
}
