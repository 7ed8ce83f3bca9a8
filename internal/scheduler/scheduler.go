// Package scheduler decides when to run an analysis. It debounces bursts of
// new context, guarantees a tick at least every max interval, enforces a
// cooldown between completions and skips ticks when nothing changed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/ambient/internal/analyzer"
	"github.com/stellarlinkco/ambient/internal/buffer"
	"github.com/stellarlinkco/ambient/internal/bus"
	"github.com/stellarlinkco/ambient/internal/clock"
	"github.com/stellarlinkco/ambient/internal/config"
	"github.com/stellarlinkco/ambient/internal/logger"
	"github.com/stellarlinkco/ambient/internal/window"
)

type State string

const (
	StateIdle       State = "idle"
	StateDebouncing State = "debouncing"
	StateRunning    State = "running"
)

// Tick reasons.
const (
	ReasonDebounce = "debounce"
	ReasonInterval = "interval"
	ReasonManual   = "manual"
)

// Status is the outcome of one Tick call.
type Status string

const (
	StatusRan      Status = "ran"
	StatusFailed   Status = "failed"
	StatusIdle     Status = "skipped-idle"
	StatusCooldown Status = "skipped-cooldown"
	StatusBusy     Status = "dropped-running"
	StatusStopped  Status = "stopped"
)

var ErrStopped = errors.New("scheduler: stopped")

type Settings struct {
	Debounce    time.Duration
	MaxInterval time.Duration
	Cooldown    time.Duration
	Preset      window.Preset
	MaxAge      time.Duration
}

func SettingsFrom(cfg *config.Config) Settings {
	preset, err := window.PresetByName(cfg.Analysis.Richness)
	if err != nil {
		preset = window.Balanced
	}
	return Settings{
		Debounce:    time.Duration(cfg.Scheduler.DebounceMs) * time.Millisecond,
		MaxInterval: time.Duration(cfg.Scheduler.MaxIntervalMs) * time.Millisecond,
		Cooldown:    time.Duration(cfg.Scheduler.CooldownMs) * time.Millisecond,
		Preset:      preset,
		MaxAge:      time.Duration(cfg.Analysis.WindowMaxAgeMs) * time.Millisecond,
	}
}

type FeedSource interface {
	Snapshot() []buffer.FeedItem
	Version() uint64
}

type SenseSource interface {
	Snapshot() []buffer.SenseEvent
	Version() uint64
}

type Analyzer interface {
	Analyze(ctx context.Context, w window.Window) (*analyzer.Result, error)
}

// Recorder persists entries, e.g. the journal.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Observer is told about every successful entry together with the window it
// was computed from. Observers run in registration order while the tick
// still holds the running flag.
type Observer interface {
	Observe(ctx context.Context, e Entry, w window.Window)
}

type Stats struct {
	Ticks           int64         `json:"ticks"`
	Successes       int64         `json:"successes"`
	Failures        int64         `json:"failures"`
	Degraded        int64         `json:"degraded"`
	SkippedIdle     int64         `json:"skippedIdle"`
	SkippedCooldown int64         `json:"skippedCooldown"`
	DroppedRunning  int64         `json:"droppedRunning"`
	InputTokens     int64         `json:"inputTokens"`
	OutputTokens    int64         `json:"outputTokens"`
	TotalLatency    time.Duration `json:"totalLatency"`
	LastLatency     time.Duration `json:"lastLatency"`
	LastTick        time.Time     `json:"lastTick"`
	LastError       string        `json:"lastError,omitempty"`
}

type Options struct {
	Clock       clock.Clock
	Bus         *bus.MessageBus
	Recorder    Recorder
	Observers   []Observer
	HistorySize int
}

type Scheduler struct {
	mu       sync.Mutex
	settings Settings
	clock    clock.Clock
	feed     FeedSource
	sense    SenseSource
	analyzer Analyzer
	bus      *bus.MessageBus
	recorder Recorder
	obs      []Observer
	log      zerolog.Logger

	ctx     context.Context
	started bool
	state   State
	running bool

	debounce    clock.Timer
	debounceGen uint64
	interval    clock.Timer
	intervalGen uint64

	lastCompletion time.Time
	haveVersions   bool
	lastFeedVer    uint64
	lastSenseVer   uint64
	lastHUD        string

	history history
	stats   Stats
}

func New(s Settings, feed FeedSource, sense SenseSource, an Analyzer, opts Options) *Scheduler {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	size := opts.HistorySize
	if size <= 0 {
		size = config.DefaultHistorySize
	}
	return &Scheduler{
		settings: s,
		clock:    clk,
		feed:     feed,
		sense:    sense,
		analyzer: an,
		bus:      opts.Bus,
		recorder: opts.Recorder,
		obs:      opts.Observers,
		log:      logger.Component("scheduler"),
		state:    StateIdle,
		history:  history{limit: size},
	}
}

// AddObserver registers o to run after later successful ticks.
func (s *Scheduler) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obs = append(s.obs, o)
}

// Seed preloads history, oldest first, e.g. from the journal on startup.
func (s *Scheduler) Seed(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.history.add(e)
	}
	if e, ok := s.history.latest(); ok {
		s.lastHUD = e.HUD
	}
}

// Start arms the max-interval timer. Timer-driven ticks use ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx = ctx
	s.started = true
	s.armIntervalLocked()
	s.log.Info().
		Dur("debounce", s.settings.Debounce).
		Dur("max_interval", s.settings.MaxInterval).
		Dur("cooldown", s.settings.Cooldown).
		Str("preset", s.settings.Preset.Name).
		Msg("scheduler started")
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	if s.interval != nil {
		s.interval.Stop()
		s.interval = nil
	}
	s.debounceGen++
	s.intervalGen++
	if !s.running {
		s.state = StateIdle
	}
}

// OnNewContext (re)arms the debounce timer.
func (s *Scheduler) OnNewContext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.armDebounceLocked()
	if !s.running {
		s.state = StateDebouncing
	}
}

func (s *Scheduler) armDebounceLocked() {
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounceGen++
	gen := s.debounceGen
	s.debounce = s.clock.AfterFunc(s.settings.Debounce, func() {
		s.mu.Lock()
		if gen != s.debounceGen || !s.started {
			s.mu.Unlock()
			return
		}
		s.debounce = nil
		ctx := s.ctx
		s.mu.Unlock()
		s.Tick(ctx, ReasonDebounce)
	})
}

func (s *Scheduler) armIntervalLocked() {
	if s.interval != nil {
		s.interval.Stop()
	}
	s.intervalGen++
	gen := s.intervalGen
	s.interval = s.clock.AfterFunc(s.settings.MaxInterval, func() {
		s.mu.Lock()
		if gen != s.intervalGen || !s.started {
			s.mu.Unlock()
			return
		}
		s.armIntervalLocked()
		pending := s.debounce != nil
		ctx := s.ctx
		s.mu.Unlock()
		if !pending {
			s.Tick(ctx, ReasonInterval)
		}
	})
}

// Reconfigure swaps the timing and window settings and restarts the timers
// that are armed.
func (s *Scheduler) Reconfigure(next Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = next
	if !s.started {
		return
	}
	s.armIntervalLocked()
	if s.debounce != nil {
		s.armDebounceLocked()
	}
	s.log.Info().
		Dur("debounce", next.Debounce).
		Dur("max_interval", next.MaxInterval).
		Dur("cooldown", next.Cooldown).
		Str("preset", next.Preset.Name).
		Msg("scheduler reconfigured")
}

func (s *Scheduler) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Tick runs one analysis unless a gate suppresses it. Manual ticks bypass
// the cooldown and idle gates but never run concurrently with another tick.
func (s *Scheduler) Tick(ctx context.Context, reason string) (Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return StatusStopped, ErrStopped
	}

	s.mu.Lock()
	if s.running {
		s.stats.DroppedRunning++
		s.mu.Unlock()
		s.log.Debug().Str("reason", reason).Msg("tick dropped, analysis running")
		return StatusBusy, nil
	}
	now := s.clock.Now()
	manual := reason == ReasonManual
	if !manual && !s.lastCompletion.IsZero() && now.Sub(s.lastCompletion) < s.settings.Cooldown {
		s.stats.SkippedCooldown++
		s.settleLocked()
		s.mu.Unlock()
		return StatusCooldown, nil
	}
	feedVer, senseVer := s.feed.Version(), s.sense.Version()
	if !manual && s.haveVersions && feedVer == s.lastFeedVer && senseVer == s.lastSenseVer {
		s.stats.SkippedIdle++
		s.settleLocked()
		s.mu.Unlock()
		return StatusIdle, nil
	}
	s.running = true
	s.state = StateRunning
	s.stats.Ticks++
	s.stats.LastTick = now
	settings := s.settings
	s.mu.Unlock()

	entry, err := s.run(ctx, reason, settings, now, feedVer, senseVer)

	s.mu.Lock()
	s.running = false
	s.lastCompletion = s.clock.Now()
	if err != nil {
		s.stats.Failures++
		s.stats.LastError = err.Error()
	} else {
		s.lastFeedVer, s.lastSenseVer, s.haveVersions = feedVer, senseVer, true
		s.stats.LastError = ""
	}
	s.settleLocked()
	s.mu.Unlock()

	if s.bus != nil {
		tc := bus.TickComplete{Reason: reason, At: s.clock.Now()}
		if err != nil {
			tc.Err = err.Error()
		} else {
			tc.EntryID, tc.Model, tc.ParsedOK, tc.Latency = entry.ID, entry.Model, entry.ParsedOK, entry.Latency
		}
		s.bus.PublishTick(tc)
	}
	if err != nil {
		s.log.Error().Err(err).Str("reason", reason).Msg("tick failed")
		return StatusFailed, err
	}
	return StatusRan, nil
}

// settleLocked leaves the running state for idle or debouncing.
func (s *Scheduler) settleLocked() {
	if s.running {
		return
	}
	if s.debounce != nil {
		s.state = StateDebouncing
	} else {
		s.state = StateIdle
	}
}

func (s *Scheduler) run(ctx context.Context, reason string, settings Settings, now time.Time, feedVer, senseVer uint64) (entry Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("stack", string(debug.Stack())).Msgf("tick panic: %v", r)
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()

	w := window.Build(s.feed.Snapshot(), s.sense.Snapshot(), settings.Preset, settings.MaxAge, now)
	res, err := s.analyzer.Analyze(ctx, w)
	if err != nil {
		return Entry{}, fmt.Errorf("analyze: %w", err)
	}

	entry = Entry{
		ID:           uuid.NewString(),
		At:           s.clock.Now(),
		Reason:       reason,
		HUD:          res.HUD,
		Digest:       res.Digest,
		Commands:     res.Commands,
		Model:        res.Model,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Latency:      res.Latency,
		ParsedOK:     res.ParsedOK,
		Preset:       settings.Preset.Name,
		FeedVersion:  feedVer,
		SenseVersion: senseVer,
	}

	s.mu.Lock()
	s.history.add(entry)
	s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, entry); err != nil {
			s.log.Warn().Err(err).Str("entry", entry.ID).Msg("journal record failed")
		}
	}

	s.mu.Lock()
	s.stats.Successes++
	if !entry.ParsedOK {
		s.stats.Degraded++
	}
	s.stats.InputTokens += int64(entry.InputTokens)
	s.stats.OutputTokens += int64(entry.OutputTokens)
	s.stats.TotalLatency += entry.Latency
	s.stats.LastLatency = entry.Latency
	hudChanged := entry.HUD != "" && entry.HUD != s.lastHUD
	if hudChanged {
		s.lastHUD = entry.HUD
	}
	observers := append([]Observer(nil), s.obs...)
	s.mu.Unlock()

	s.log.Info().
		Str("reason", reason).
		Str("model", entry.Model).
		Bool("parsed", entry.ParsedOK).
		Dur("latency", entry.Latency).
		Int("audio", len(w.Audio)).
		Int("screen", len(w.Screen)).
		Int("images", len(w.Images)).
		Str("hud", logger.Truncate(entry.HUD, 80)).
		Msg("tick complete")

	if hudChanged && s.bus != nil {
		s.bus.PublishHUD(bus.HUDLine{Text: entry.HUD, Model: entry.Model, At: entry.At})
	}
	for _, o := range observers {
		o.Observe(ctx, entry, w)
	}
	return entry, nil
}

// StatusReport is a point-in-time view for the control API.
type StatusReport struct {
	State    State     `json:"state"`
	Started  bool      `json:"started"`
	Settings Settings  `json:"-"`
	Stats    Stats     `json:"stats"`
	LastHUD  string    `json:"lastHud"`
	Latest   *Entry    `json:"latest,omitempty"`
	At       time.Time `json:"at"`
}

func (s *Scheduler) Status() StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := StatusReport{
		State:    s.state,
		Started:  s.started,
		Settings: s.settings,
		Stats:    s.stats,
		LastHUD:  s.lastHUD,
		At:       s.clock.Now(),
	}
	if e, ok := s.history.latest(); ok {
		r.Latest = &e
	}
	return r
}

// History returns up to n entries, newest first.
func (s *Scheduler) History(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.newest(n)
}

func (s *Scheduler) Latest() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.latest()
}

// Window builds a context window with the current settings without running
// an analysis.
func (s *Scheduler) Window() window.Window {
	settings := s.Settings()
	return window.Build(s.feed.Snapshot(), s.sense.Snapshot(), settings.Preset, settings.MaxAge, s.clock.Now())
}
