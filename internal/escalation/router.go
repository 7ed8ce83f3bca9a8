// Package escalation decides whether a completed analysis is worth waking
// the remote agent for, builds the message, and delivers it.
package escalation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/ambient/internal/bus"
	"github.com/stellarlinkco/ambient/internal/clock"
	"github.com/stellarlinkco/ambient/internal/config"
	"github.com/stellarlinkco/ambient/internal/logger"
	"github.com/stellarlinkco/ambient/internal/scheduler"
	"github.com/stellarlinkco/ambient/internal/window"
)

type Mode string

const (
	ModeOff       Mode = "off"
	ModeSelective Mode = "selective"
	ModeFocus     Mode = "focus"
	ModeRich      Mode = "rich"
)

// Gate names the check that stopped an escalation. Empty means none did.
type Gate string

const (
	GateOff            Gate = "off"
	GateEmpty          Gate = "empty"
	GateBelowThreshold Gate = "below-threshold"
	GateCooldown       Gate = "cooldown"
	GateDuplicate      Gate = "duplicate"
)

// Decision is the outcome of routing one entry.
type Decision struct {
	EntryID  string    `json:"entryId"`
	At       time.Time `json:"at"`
	Mode     Mode      `json:"mode"`
	Score    int       `json:"score"`
	Reasons  []string  `json:"reasons,omitempty"`
	Trigger  Trigger   `json:"trigger,omitempty"`
	Escalate bool      `json:"escalate"`
	Gate     Gate      `json:"gate,omitempty"`
}

type Settings struct {
	Mode       Mode
	Cooldown   time.Duration
	StaleAfter time.Duration
	Threshold  int
}

func SettingsFrom(cfg config.EscalationConfig) Settings {
	return Settings{
		Mode:       Mode(strings.ToLower(cfg.Mode)),
		Cooldown:   time.Duration(cfg.CooldownMs) * time.Millisecond,
		StaleAfter: time.Duration(cfg.StaleAfterMs) * time.Millisecond,
		Threshold:  cfg.Threshold,
	}
}

type Options struct {
	Clock  clock.Clock
	Bus    *bus.MessageBus
	Sender Sender
}

// Status is the router's externally visible state.
type Status struct {
	Mode            Mode      `json:"mode"`
	Cooldown        string    `json:"cooldown"`
	StaleAfter      string    `json:"staleAfter"`
	Threshold       int       `json:"threshold"`
	Last            *Decision `json:"last,omitempty"`
	LastEscalatedAt time.Time `json:"lastEscalatedAt,omitempty"`
	Escalations     int       `json:"escalations"`
	Gated           int       `json:"gated"`
	Delivered       int       `json:"delivered"`
	Failures        int       `json:"failures"`
	LastRoute       Route     `json:"lastRoute,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
}

// Router implements scheduler.Observer. Deliveries run in their own
// goroutines so a slow agent never holds up the next tick.
type Router struct {
	clock  clock.Clock
	bus    *bus.MessageBus
	sender Sender
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	settings    Settings
	started     time.Time
	lastAt      time.Time
	lastDigest  string
	last        *Decision
	escalations int
	gated       int
	delivered   int
	failures    int
	lastRoute   Route
	lastError   string
}

var _ scheduler.Observer = (*Router)(nil)

func New(s Settings, opts Options) *Router {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	s = normalize(s)
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		clock:    opts.Clock,
		bus:      opts.Bus,
		sender:   opts.Sender,
		log:      logger.Component("escalation"),
		ctx:      ctx,
		cancel:   cancel,
		settings: s,
		started:  opts.Clock.Now(),
	}
}

func normalize(s Settings) Settings {
	if s.Mode == "" {
		s.Mode = Mode(config.DefaultEscalationMode)
	}
	if s.Threshold <= 0 {
		s.Threshold = config.DefaultEscalationThreshold
	}
	return s
}

func (r *Router) Reconfigure(s Settings) {
	s = normalize(s)
	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()
	r.log.Info().Str("mode", string(s.Mode)).Dur("cooldown", s.Cooldown).Dur("stale_after", s.StaleAfter).Msg("escalation reconfigured")
}

func (r *Router) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// Observe routes one completed analysis.
func (r *Router) Observe(_ context.Context, e scheduler.Entry, w window.Window) {
	d, msg := r.Decide(e, w)
	if !d.Escalate {
		r.log.Debug().Str("entry", e.ID).Str("gate", string(d.Gate)).Int("score", d.Score).Msg("escalation gated")
		return
	}
	r.log.Info().Str("entry", e.ID).Str("trigger", string(d.Trigger)).Int("score", d.Score).
		Strs("reasons", d.Reasons).Msg("escalating")
	r.dispatch(d, e.Digest, msg)
}

// Decide scores the entry, applies the gates and, when the entry escalates,
// returns the message to deliver. An escalating decision is committed: the
// cooldown and duplicate state advance immediately.
func (r *Router) Decide(e scheduler.Entry, w window.Window) (Decision, string) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.settings

	d := Decision{EntryID: e.ID, At: now, Mode: s.Mode}
	gate := func(g Gate) (Decision, string) {
		d.Gate = g
		r.gated++
		r.last = &d
		return d, ""
	}

	if s.Mode == ModeOff {
		return gate(GateOff)
	}
	if strings.TrimSpace(e.Digest) == "" {
		return gate(GateEmpty)
	}

	score := Evaluate(e, w)
	d.Score = score.Total
	d.Reasons = score.Reasons()

	candidate := false
	switch s.Mode {
	case ModeSelective:
		candidate = score.Total >= s.Threshold
		d.Trigger = score.Primary()
	case ModeFocus, ModeRich:
		candidate = true
		d.Trigger = score.Primary()
		if d.Trigger == "" {
			d.Trigger = TriggerActivity
		}
	}

	since := r.lastAt
	if since.IsZero() {
		since = r.started
	}
	if !candidate && s.StaleAfter > 0 && now.Sub(since) >= s.StaleAfter && w.Active() {
		candidate = true
		d.Trigger = TriggerStale
	}

	if !candidate {
		return gate(GateBelowThreshold)
	}
	if !r.lastAt.IsZero() && now.Sub(r.lastAt) < s.Cooldown {
		return gate(GateCooldown)
	}
	if e.Digest == r.lastDigest {
		return gate(GateDuplicate)
	}

	d.Escalate = true
	r.lastAt = now
	r.lastDigest = e.Digest
	r.escalations++
	r.last = &d

	msg := buildMessage(messageInput{entry: e, window: w, trigger: d.Trigger, score: score, mode: s.Mode})
	return d, msg
}

func (r *Router) dispatch(d Decision, digest, msg string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		var route Route
		err := ErrNoRoute
		if r.sender != nil {
			route, err = r.sender.Deliver(r.ctx, msg)
		}

		r.mu.Lock()
		r.lastRoute = route
		if err != nil {
			r.failures++
			r.lastError = err.Error()
		} else {
			r.delivered++
			r.lastError = ""
		}
		r.mu.Unlock()

		ev := bus.EscalationSent{
			Trigger: string(d.Trigger),
			Score:   d.Score,
			Route:   string(route),
			Digest:  digest,
			At:      r.clock.Now(),
		}
		if err != nil {
			ev.Err = err.Error()
			r.log.Warn().Err(err).Str("entry", d.EntryID).Msg("escalation delivery failed")
		} else {
			r.log.Info().Str("entry", d.EntryID).Str("route", string(route)).Msg("escalation delivered")
		}
		if r.bus != nil {
			r.bus.PublishEscalation(ev)
		}
	}()
}

func (r *Router) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Mode:            r.settings.Mode,
		Cooldown:        r.settings.Cooldown.String(),
		StaleAfter:      r.settings.StaleAfter.String(),
		Threshold:       r.settings.Threshold,
		LastEscalatedAt: r.lastAt,
		Escalations:     r.escalations,
		Gated:           r.gated,
		Delivered:       r.delivered,
		Failures:        r.failures,
		LastRoute:       r.lastRoute,
		LastError:       r.lastError,
	}
	if r.last != nil {
		last := *r.last
		st.Last = &last
	}
	return st
}

// Wait blocks until in-flight deliveries finish.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Close cancels in-flight deliveries and waits for them.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}
