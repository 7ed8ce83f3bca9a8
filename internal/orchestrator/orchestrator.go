// Package orchestrator wires buffers, scheduler, analyzer, escalation and
// the outer surfaces into one long-running process.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/ambient/internal/analyzer"
	"github.com/stellarlinkco/ambient/internal/api"
	"github.com/stellarlinkco/ambient/internal/buffer"
	"github.com/stellarlinkco/ambient/internal/bus"
	"github.com/stellarlinkco/ambient/internal/channel"
	"github.com/stellarlinkco/ambient/internal/clock"
	"github.com/stellarlinkco/ambient/internal/config"
	"github.com/stellarlinkco/ambient/internal/cron"
	"github.com/stellarlinkco/ambient/internal/escalation"
	"github.com/stellarlinkco/ambient/internal/gateway"
	"github.com/stellarlinkco/ambient/internal/ingest"
	"github.com/stellarlinkco/ambient/internal/journal"
	"github.com/stellarlinkco/ambient/internal/logger"
	"github.com/stellarlinkco/ambient/internal/scheduler"
	"github.com/stellarlinkco/ambient/internal/skills"
	"github.com/stellarlinkco/ambient/internal/snapshot"
)

// Options for creating an Orchestrator. Zero values select production
// implementations.
type Options struct {
	ClientFactory analyzer.ClientFactory
	Clock         clock.Clock
	SignalChan    chan os.Signal // for testing signal handling
}

type Orchestrator struct {
	store *config.Store
	clock clock.Clock
	bus   *bus.MessageBus
	log   zerolog.Logger

	feed      *buffer.FeedBuffer
	sense     *buffer.SenseBuffer
	analyzer  *analyzer.Analyzer
	scheduler *scheduler.Scheduler
	router    *escalation.Router
	skills    *skills.Library

	gateway  *gateway.Client      // nil when disabled
	hooks    *gateway.HooksClient // nil when disabled
	journal  *journal.Journal     // nil when disabled
	snapshot *snapshot.Writer     // nil when disabled
	ingest   *ingest.Consumer     // nil when disabled

	channels *channel.ChannelManager
	cron     *cron.Service
	api      *api.Server

	signalChan chan os.Signal
	startedAt  time.Time
}

// New creates an Orchestrator with default options.
func New(cfg *config.Config) (*Orchestrator, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates an Orchestrator with injected dependencies.
func NewWithOptions(cfg *config.Config, opts Options) (*Orchestrator, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	o := &Orchestrator{
		store:      config.NewStore(cfg),
		clock:      clk,
		bus:        bus.NewMessageBus(bus.DefaultBufSize),
		log:        logger.Component("orchestrator"),
		signalChan: opts.SignalChan,
		startedAt:  clk.Now(),
	}
	cfg = o.store.Get()

	o.feed = buffer.NewFeedBuffer(cfg.Buffers.FeedCapacity, clk)
	o.sense = buffer.NewSenseBuffer(buffer.SenseOptions{
		Capacity:       cfg.Buffers.SenseCapacity,
		MaxImagesKept:  cfg.Buffers.MaxImagesKept,
		ImageRetention: time.Duration(cfg.Buffers.ImageRetentionMs) * time.Millisecond,
		SSIMThreshold:  cfg.Buffers.SSIMThreshold,
		OCRThreshold:   cfg.Buffers.OCRThreshold,
	}, clk)

	factory := opts.ClientFactory
	if factory == nil {
		factory = analyzer.DefaultClientFactory(cfg.Provider, cfg.Analysis.MaxTokens)
	}
	guides, err := skills.Load(filepath.Join(cfg.Workspace, "skills"))
	if err != nil {
		return nil, fmt.Errorf("load skills: %w", err)
	}
	o.skills = guides
	o.analyzer = analyzer.New(analyzer.SettingsFrom(cfg.Analysis), analyzer.Options{
		Workspace: cfg.Workspace,
		Factory:   factory,
		Clock:     clk,
		Guide:     guides,
	})

	if cfg.Journal.Enabled {
		dbPath := strings.TrimSpace(cfg.Journal.DBPath)
		if dbPath == "" {
			dbPath = filepath.Join(config.StateDir(), "journal.db")
		}
		j, err := journal.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		o.journal = j
	}

	if cfg.Snapshot.Enabled {
		path := strings.TrimSpace(cfg.Snapshot.Path)
		if path == "" {
			path = filepath.Join(config.StateDir(), "snapshot.json")
		}
		o.snapshot = snapshot.NewWriter(path)
	}

	if cfg.Gateway.Enabled {
		gwOpts := gateway.OptionsFrom(cfg.Gateway)
		gwOpts.Clock = clk
		o.gateway = gateway.New(gwOpts)
	}
	if cfg.Hooks.Enabled {
		o.hooks = gateway.NewHooksClient(cfg.Hooks)
	}

	o.router = escalation.New(escalation.SettingsFrom(cfg.Escalation), escalation.Options{
		Clock:  clk,
		Bus:    o.bus,
		Sender: o.sender(cfg),
	})

	schedOpts := scheduler.Options{
		Clock:       clk,
		Bus:         o.bus,
		HistorySize: cfg.Analysis.HistorySize,
	}
	if o.journal != nil {
		schedOpts.Recorder = o.journal
	}
	if o.snapshot != nil {
		schedOpts.Observers = append(schedOpts.Observers, o.snapshot)
	}
	schedOpts.Observers = append(schedOpts.Observers, o.router)
	o.scheduler = scheduler.New(scheduler.SettingsFrom(cfg), o.feed, o.sense, o.analyzer, schedOpts)

	if o.journal != nil {
		o.seedHistory(cfg.Analysis.HistorySize)
		o.bus.Subscribe(bus.KindEscalation, func(ev bus.Event) {
			if err := o.journal.RecordEscalation(context.Background(), *ev.Escalation); err != nil {
				o.log.Warn().Err(err).Msg("journal escalation failed")
			}
		})
	}

	chMgr, err := channel.NewChannelManager(cfg.Channels, o.bus, o, o)
	if err != nil {
		o.closeJournal()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	o.channels = chMgr

	o.cron = cron.NewService()
	if err := o.registerJobs(cfg); err != nil {
		o.closeJournal()
		return nil, err
	}

	if cfg.Ingest.Redis.Enabled {
		consumer, err := ingest.New(cfg.Ingest.Redis, o)
		if err != nil {
			o.closeJournal()
			return nil, fmt.Errorf("create redis ingest: %w", err)
		}
		o.ingest = consumer
	}

	apiOpts := api.Options{
		Scheduler: o.scheduler,
		Store:     o.store,
		Sink:      o,
		Status:    func() any { return o.Status() },
	}
	if hud := o.channels.HUD(); hud != nil {
		apiOpts.HUD = hud
	}
	if o.journal != nil {
		apiOpts.Journal = o.journal
	}
	o.api = api.NewServer(cfg.Control, apiOpts)

	o.store.Subscribe(o.applyConfig)
	return o, nil
}

// sender builds the escalation delivery chain from whichever routes are
// enabled. Interfaces stay nil for disabled routes.
func (o *Orchestrator) sender(cfg *config.Config) escalation.Sender {
	var agent escalation.AgentCaller
	var hooks escalation.HookSender
	if o.gateway != nil {
		agent = o.gateway
	}
	if o.hooks != nil {
		hooks = o.hooks
	}
	if agent == nil && hooks == nil {
		o.log.Warn().Msg("no escalation route enabled; escalations will be logged only")
		return nil
	}
	return escalation.NewDispatcher(agent, hooks, cfg.Gateway.SessionKey)
}

func (o *Orchestrator) seedHistory(n int) {
	entries, err := o.journal.Recent(context.Background(), n)
	if err != nil {
		o.log.Warn().Err(err).Msg("load history from journal failed")
		return
	}
	o.scheduler.Seed(entries)
	o.log.Info().Int("entries", len(entries)).Msg("history restored")
}

func (o *Orchestrator) registerJobs(cfg *config.Config) error {
	if o.journal == nil {
		return nil
	}
	retention := time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour
	if err := o.cron.Add(cron.JobJournalPrune, cfg.Journal.PruneExpr, cron.PruneJob(o.journal, retention, o.clock.Now)); err != nil {
		return err
	}
	statsExpr, err := cron.EveryExpr(cfg.Journal.StatsEvery)
	if err != nil {
		return fmt.Errorf("journal stats interval: %w", err)
	}
	return o.cron.Add(cron.JobJournalStats, statsExpr, cron.StatsJob(o.journal))
}

// applyConfig pushes a new runtime config into the running components.
func (o *Orchestrator) applyConfig(cfg *config.Config) {
	o.scheduler.Reconfigure(scheduler.SettingsFrom(cfg))
	o.analyzer.Reconfigure(analyzer.SettingsFrom(cfg.Analysis))
	o.router.Reconfigure(escalation.SettingsFrom(cfg.Escalation))
	o.log.Info().
		Int("debounce_ms", cfg.Scheduler.DebounceMs).
		Int("max_interval_ms", cfg.Scheduler.MaxIntervalMs).
		Str("primary", cfg.Analysis.Primary).
		Str("escalation", cfg.Escalation.Mode).
		Msg("runtime config applied")
}

// Store exposes the live configuration.
func (o *Orchestrator) Store() *config.Store { return o.store }

func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.scheduler }

// PushFeedItem records a transcript or HUD line and nudges the scheduler.
func (o *Orchestrator) PushFeedItem(text string, priority int, source buffer.Source, channel string) {
	o.feed.Push(text, priority, source, channel)
	o.scheduler.OnNewContext()
}

// PushSenseEvent records a screen observation and nudges the scheduler. It
// reports whether the event was merged into the previous one.
func (o *Orchestrator) PushSenseEvent(ev buffer.SenseEvent) bool {
	merged := o.sense.Push(ev)
	o.scheduler.OnNewContext()
	return merged
}

// Run starts every component and blocks until a signal arrives or ctx is
// done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go o.bus.Dispatch(ctx)

	if err := o.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	o.log.Info().Strs("channels", o.channels.EnabledChannels()).Msg("channels started")

	if o.gateway != nil {
		go o.gateway.Run(ctx)
	}
	o.cron.Start(ctx)
	if o.ingest != nil {
		go func() {
			if err := o.ingest.Run(ctx); err != nil {
				o.log.Error().Err(err).Msg("redis ingest stopped")
			}
		}()
	}
	o.scheduler.Start(ctx)

	apiErr := make(chan error, 1)
	go func() { apiErr <- o.api.Run(ctx) }()
	o.log.Info().Str("addr", o.api.Addr()).Msg("running")

	sigCh := o.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	var runErr error
	select {
	case <-sigCh:
	case <-ctx.Done():
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("control api: %w", err)
		}
	}

	o.log.Info().Msg("shutting down")
	cancel()
	return errors.Join(runErr, o.Shutdown())
}

// Shutdown stops components in reverse dependency order.
func (o *Orchestrator) Shutdown() error {
	o.scheduler.Stop()
	o.router.Close()
	o.cron.Stop()

	var errs []error
	if o.ingest != nil {
		errs = append(errs, o.ingest.Close())
	}
	if o.gateway != nil {
		errs = append(errs, o.gateway.Close())
	}
	errs = append(errs, o.channels.StopAll())
	if o.journal != nil {
		errs = append(errs, o.journal.Close())
	}
	o.log.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

func (o *Orchestrator) closeJournal() {
	if o.journal != nil {
		_ = o.journal.Close()
	}
}
