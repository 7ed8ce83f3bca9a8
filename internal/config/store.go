package config

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Store holds the live configuration. Readers get an immutable snapshot;
// writers go through Update, which validates the new value, swaps it in
// atomically and notifies subscribers so they can restart timers.
type Store struct {
	current atomic.Pointer[Config]

	mu   sync.Mutex
	subs []func(*Config)
}

func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg.Clone())
	return s
}

// Get returns the current snapshot. Callers must not mutate it.
func (s *Store) Get() *Config {
	return s.current.Load()
}

// Subscribe registers fn to run after every successful Update.
func (s *Store) Subscribe(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Update applies fn to a copy of the current config. The copy replaces the
// current config only if it validates.
func (s *Store) Update(fn func(*Config)) (*Config, error) {
	s.mu.Lock()
	next := s.current.Load().Clone()
	fn(next)
	if err := Validate(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.current.Store(next)
	subs := append([]func(*Config){}, s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub(next)
	}
	return next, nil
}

// RuntimePatch is the subset of settings that may change without a restart.
// Nil fields are left untouched.
type RuntimePatch struct {
	DebounceMs    *int `json:"debounceMs,omitempty"`
	MaxIntervalMs *int `json:"maxIntervalMs,omitempty"`
	CooldownMs    *int `json:"cooldownMs,omitempty"`

	Primary     *string   `json:"primary,omitempty"`
	Fallbacks   *[]string `json:"fallbacks,omitempty"`
	VisionModel *string   `json:"visionModel,omitempty"`
	Richness    *string   `json:"richness,omitempty"`

	EscalationMode       *string `json:"escalationMode,omitempty"`
	EscalationCooldownMs *int    `json:"escalationCooldownMs,omitempty"`
	StaleAfterMs         *int    `json:"staleAfterMs,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p RuntimePatch) Empty() bool {
	return p.DebounceMs == nil && p.MaxIntervalMs == nil && p.CooldownMs == nil &&
		p.Primary == nil && p.Fallbacks == nil && p.VisionModel == nil && p.Richness == nil &&
		p.EscalationMode == nil && p.EscalationCooldownMs == nil && p.StaleAfterMs == nil
}

func (p RuntimePatch) Apply(cfg *Config) {
	if p.DebounceMs != nil {
		cfg.Scheduler.DebounceMs = *p.DebounceMs
	}
	if p.MaxIntervalMs != nil {
		cfg.Scheduler.MaxIntervalMs = *p.MaxIntervalMs
	}
	if p.CooldownMs != nil {
		cfg.Scheduler.CooldownMs = *p.CooldownMs
	}
	if p.Primary != nil {
		cfg.Analysis.Primary = strings.TrimSpace(*p.Primary)
	}
	if p.Fallbacks != nil {
		cfg.Analysis.Fallbacks = append([]string(nil), (*p.Fallbacks)...)
	}
	if p.VisionModel != nil {
		cfg.Analysis.VisionModel = strings.TrimSpace(*p.VisionModel)
	}
	if p.Richness != nil {
		cfg.Analysis.Richness = strings.ToLower(strings.TrimSpace(*p.Richness))
	}
	if p.EscalationMode != nil {
		cfg.Escalation.Mode = strings.ToLower(strings.TrimSpace(*p.EscalationMode))
	}
	if p.EscalationCooldownMs != nil {
		cfg.Escalation.CooldownMs = *p.EscalationCooldownMs
	}
	if p.StaleAfterMs != nil {
		cfg.Escalation.StaleAfterMs = *p.StaleAfterMs
	}
}
