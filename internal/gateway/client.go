// Package gateway is a websocket RPC client for the remote agent gateway,
// plus the HTTP hooks endpoint used when the socket is unavailable.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/ambient/internal/clock"
	"github.com/stellarlinkco/ambient/internal/config"
	"github.com/stellarlinkco/ambient/internal/logger"
)

// Version is reported to the gateway in the connect handshake.
var Version = "dev"

const handshakeTimeout = 10 * time.Second

type Options struct {
	URL         string
	Token       string
	MinProtocol int
	MaxProtocol int
	Client      ClientInfo

	CallTimeout      time.Duration
	FinalTimeout     time.Duration
	ReconnectFloor   time.Duration
	ReconnectCeiling time.Duration
	Breaker          BreakerConfig

	Clock clock.Clock
	// OnEvent receives gateway events other than the connect challenge.
	OnEvent func(event string, payload json.RawMessage)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func OptionsFrom(cfg config.GatewayConfig) Options {
	return Options{
		URL:         cfg.URL,
		Token:       cfg.Token,
		MinProtocol: cfg.MinProtocol,
		MaxProtocol: cfg.MaxProtocol,
		Client: ClientInfo{
			ID:          "ambient",
			DisplayName: "Ambient context",
			Version:     Version,
			Platform:    runtime.GOOS,
			Mode:        "backend",
		},
		CallTimeout:      ms(cfg.CallTimeoutMs),
		FinalTimeout:     ms(cfg.FinalTimeoutMs),
		ReconnectFloor:   ms(cfg.ReconnectFloorMs),
		ReconnectCeiling: ms(cfg.ReconnectCeilingMs),
		Breaker: BreakerConfig{
			Threshold: cfg.BreakerThreshold,
			Window:    ms(cfg.BreakerWindowMs),
			Cooloff:   ms(cfg.BreakerCooloffMs),
			Jitter:    ms(cfg.BreakerJitterMs),
		},
	}
}

type Status struct {
	URL           string       `json:"url"`
	Connected     bool         `json:"connected"`
	Authenticated bool         `json:"authenticated"`
	Pending       int          `json:"pending"`
	Breaker       BreakerState `json:"breaker"`
	Reconnects    int          `json:"reconnects"`
	ConnectedAt   *time.Time   `json:"connectedAt,omitempty"`
	NextRetry     *time.Time   `json:"nextRetry,omitempty"`
	LastError     string       `json:"lastError,omitempty"`
}

type pendingCall struct {
	method   string
	final    bool
	accepted json.RawMessage
	ch       chan callResult
}

type callResult struct {
	resp *Response
	err  error
}

type Client struct {
	opts    Options
	clock   clock.Clock
	breaker *Breaker
	log     zerolog.Logger

	mu            sync.Mutex
	backoff       *backoff.ExponentialBackOff
	conn          *websocket.Conn
	authenticated bool
	pending       map[string]*pendingCall
	sessionDone   chan struct{}
	connectedAt   time.Time
	nextRetry     time.Time
	lastError     string
	reconnects    int
	closed        bool
}

func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = ms(config.DefaultCallTimeoutMs)
	}
	if opts.FinalTimeout <= 0 {
		opts.FinalTimeout = ms(config.DefaultFinalTimeoutMs)
	}
	if opts.ReconnectFloor <= 0 {
		opts.ReconnectFloor = ms(config.DefaultReconnectFloorMs)
	}
	if opts.ReconnectCeiling < opts.ReconnectFloor {
		opts.ReconnectCeiling = opts.ReconnectFloor
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.ReconnectFloor
	bo.MaxInterval = opts.ReconnectCeiling
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.Reset()

	return &Client{
		opts:    opts,
		clock:   opts.Clock,
		breaker: NewBreaker(opts.Breaker, opts.Clock),
		backoff: bo,
		log:     logger.Component("gateway"),
		pending: make(map[string]*pendingCall),
	}
}

// Run keeps the connection up until ctx is done, reconnecting with
// exponential backoff and pausing while the circuit breaker is open.
func (c *Client) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if wait := c.breaker.Remaining(); wait > 0 {
			c.setNextRetry(wait)
			c.log.Warn().Dur("wait", wait).Msg("circuit open, reconnect suspended")
			if !c.sleep(ctx, wait) {
				break
			}
			continue
		}

		done, err := c.connect(ctx)
		if err == nil {
			select {
			case <-done:
				err = ErrDisconnected
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			break
		}
		if c.isClosed() {
			return
		}

		if c.breaker.Failure() {
			c.log.Warn().Err(err).Msg("circuit opened")
			continue
		}
		delay := c.nextBackOff()
		c.log.Info().Err(err).Dur("retry_in", delay).Msg("gateway reconnect scheduled")
		if !c.sleep(ctx, delay) {
			break
		}
	}
	c.Close()
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-c.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// nextBackOff advances the reconnect backoff and records when the retry is
// due.
func (c *Client) nextBackOff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.backoff.NextBackOff()
	c.nextRetry = c.clock.Now().Add(d)
	return d
}

func (c *Client) setNextRetry(d time.Duration) {
	c.mu.Lock()
	c.nextRetry = c.clock.Now().Add(d)
	c.mu.Unlock()
}

// Connect dials and authenticates once.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connect(ctx)
	return err
}

func (c *Client) connect(ctx context.Context) (<-chan struct{}, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Agent": []string{"ambient/" + Version}},
	})
	if err != nil {
		c.setError(err)
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(4 << 20)

	if err := c.handshake(dialCtx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		c.setError(err)
		return nil, err
	}

	done := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, ErrClosed
	}
	if !c.connectedAt.IsZero() {
		c.reconnects++
	}
	c.conn = conn
	c.authenticated = true
	c.sessionDone = done
	c.connectedAt = c.clock.Now()
	c.nextRetry = time.Time{}
	c.lastError = ""
	c.backoff.Reset()
	c.mu.Unlock()

	c.breaker.Success()
	c.log.Info().Str("url", c.opts.URL).Msg("gateway connected")

	go c.readLoop(conn, done)
	return done, nil
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	var challenge frame
	if err := readFrame(ctx, conn, &challenge); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if challenge.Type != FrameEvent || challenge.Event != EventChallenge {
		return fmt.Errorf("expected %s, got %s %s", EventChallenge, challenge.Type, challenge.Event)
	}
	nonce := gjson.GetBytes(challenge.Payload, "nonce").String()
	c.log.Debug().Str("nonce", nonce).Msg("connect challenge")

	params := ConnectParams{
		MinProtocol: c.opts.MinProtocol,
		MaxProtocol: c.opts.MaxProtocol,
		Client:      c.opts.Client,
	}
	if c.opts.Token != "" {
		params.Auth = &Auth{Token: c.opts.Token}
	}
	id := uuid.NewString()
	if err := writeJSON(ctx, conn, request{Type: FrameReq, ID: id, Method: MethodConnect, Params: params}); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	for {
		var f frame
		if err := readFrame(ctx, conn, &f); err != nil {
			return fmt.Errorf("await connect response: %w", err)
		}
		if f.Type != FrameRes || f.ID != id {
			continue
		}
		if !f.OK {
			return parseRPCError(MethodConnect, f.Error)
		}
		return nil
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	var err error
	for {
		var data []byte
		if _, data, err = conn.Read(context.Background()); err != nil {
			break
		}
		var f frame
		if jerr := json.Unmarshal(data, &f); jerr != nil {
			c.log.Warn().Err(jerr).Msg("dropping malformed frame")
			continue
		}
		switch f.Type {
		case FrameRes:
			c.resolve(f)
		case FrameEvent:
			if f.Event != EventChallenge && c.opts.OnEvent != nil {
				c.opts.OnEvent(f.Event, f.Payload)
			}
		}
	}
	c.teardown(conn, err)
	close(done)
}

func (c *Client) resolve(f frame) {
	c.mu.Lock()
	pc, ok := c.pending[f.ID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if pc.final && f.OK && gjson.GetBytes(f.Payload, "status").String() == statusAccepted {
		pc.accepted = f.Payload
		c.mu.Unlock()
		return
	}
	delete(c.pending, f.ID)
	c.mu.Unlock()

	if f.OK {
		pc.ch <- callResult{resp: &Response{Payload: f.Payload, Accepted: pc.accepted}}
		return
	}
	pc.ch <- callResult{err: parseRPCError(pc.method, f.Error)}
}

// teardown drops the connection and fails every pending call.
func (c *Client) teardown(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.authenticated = false
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	if cause != nil && !c.closed {
		c.lastError = cause.Error()
	}
	c.mu.Unlock()

	conn.CloseNow()
	for _, pc := range pending {
		pc.ch <- callResult{err: ErrDisconnected}
	}
	if len(pending) > 0 {
		c.log.Warn().Int("pending", len(pending)).Msg("rejected pending calls on disconnect")
	}
	c.log.Info().Err(cause).Msg("gateway disconnected")
}

// Call sends a request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	return c.call(ctx, method, params, false, c.opts.CallTimeout)
}

// CallFinal is Call for methods that answer with an "accepted" frame first;
// it waits for the terminal frame and keeps the accepted payload on the
// response.
func (c *Client) CallFinal(ctx context.Context, method string, params any) (*Response, error) {
	return c.call(ctx, method, params, true, c.opts.FinalTimeout)
}

func (c *Client) call(ctx context.Context, method string, params any, final bool, timeout time.Duration) (*Response, error) {
	if !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	c.mu.Lock()
	if c.conn == nil || !c.authenticated {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	id := uuid.NewString()
	pc := &pendingCall{method: method, final: final, ch: make(chan callResult, 1)}
	c.pending[id] = pc
	c.mu.Unlock()

	if err := writeJSON(ctx, conn, request{Type: FrameReq, ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		c.breaker.Failure()
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case r := <-pc.ch:
		if r.err == nil {
			c.breaker.Success()
		} else if errors.Is(r.err, ErrDisconnected) {
			c.breaker.Failure()
		}
		return r.resp, r.err
	case <-c.clock.After(timeout):
		c.forget(id)
		c.breaker.Failure()
		return nil, fmt.Errorf("%s: %w", method, ErrCallTimeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Agent forwards a message to the remote agent and waits for the final
// frame.
func (c *Client) Agent(ctx context.Context, p AgentParams) (*Response, error) {
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = uuid.NewString()
	}
	return c.CallFinal(ctx, MethodAgent, p)
}

func (c *Client) Status() Status {
	c.mu.Lock()
	st := Status{
		URL:           c.opts.URL,
		Connected:     c.conn != nil,
		Authenticated: c.authenticated,
		Pending:       len(c.pending),
		Reconnects:    c.reconnects,
		LastError:     c.lastError,
	}
	if !c.connectedAt.IsZero() {
		at := c.connectedAt
		st.ConnectedAt = &at
	}
	if !c.nextRetry.IsZero() {
		at := c.nextRetry
		st.NextRetry = &at
	}
	c.mu.Unlock()
	st.Breaker = c.breaker.State()
	return st
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close drops the connection and rejects pending calls.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closing")
		c.teardown(conn, nil)
	}
	return nil
}

func readFrame(ctx context.Context, conn *websocket.Conn, f *frame) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
