package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/ambient/internal/bus"
	"github.com/stellarlinkco/ambient/internal/config"
	"github.com/stellarlinkco/ambient/internal/logger"
)

type ChannelManager struct {
	channels map[string]Channel
	hud      *HUDFeed
	log      zerolog.Logger
}

func NewChannelManager(cfg config.ChannelsConfig, b *bus.MessageBus, sink Sink, controls Controls) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		log:      logger.Component("channel-mgr"),
	}

	if cfg.HUDFeed.Enabled {
		m.hud = NewHUDFeed(cfg.HUDFeed, sink)
		m.add(m.hud)
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, sink, controls)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.add(ch)
	}

	if b != nil {
		m.Subscribe(b)
	}
	return m, nil
}

func (m *ChannelManager) add(ch Channel) {
	m.channels[ch.Name()] = ch
}

// Subscribe forwards HUD and escalation events to every channel.
func (m *ChannelManager) Subscribe(b *bus.MessageBus) {
	forward := func(ev bus.Event) {
		for name, ch := range m.channels {
			if err := ch.Notify(ev); err != nil {
				m.log.Warn().Err(err).Str("channel", name).Msg("notify failed")
			}
		}
	}
	b.Subscribe(bus.KindHUD, forward)
	b.Subscribe(bus.KindEscalation, forward)
}

// HUD returns the websocket feed, or nil when it is disabled.
func (m *ChannelManager) HUD() *HUDFeed {
	return m.hud
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.log.Info().Str("channel", name).Msg("starting")
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		m.log.Info().Str("channel", name).Msg("stopping")
		if err := ch.Stop(); err != nil {
			m.log.Warn().Err(err).Str("channel", name).Msg("stop failed")
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
