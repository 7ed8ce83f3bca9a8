// Package analyzer turns a context window into a HUD line and a digest by
// asking a language model, falling back across a list of models.
package analyzer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/ambient/internal/buffer"
	"github.com/stellarlinkco/ambient/internal/clock"
	"github.com/stellarlinkco/ambient/internal/config"
	"github.com/stellarlinkco/ambient/internal/logger"
	"github.com/stellarlinkco/ambient/internal/window"
)

var ErrNoModels = errors.New("analyzer: no models configured")

// Settings are the reconfigurable analysis parameters.
type Settings struct {
	Primary     string
	Fallbacks   []string
	VisionModel string
	SlowModels  []string
	Timeout     time.Duration
	SlowTimeout time.Duration
	MaxTokens   int
}

func SettingsFrom(cfg config.AnalysisConfig) Settings {
	return Settings{
		Primary:     cfg.Primary,
		Fallbacks:   slices.Clone(cfg.Fallbacks),
		VisionModel: cfg.VisionModel,
		SlowModels:  slices.Clone(cfg.SlowModels),
		Timeout:     time.Duration(cfg.TimeoutMs) * time.Millisecond,
		SlowTimeout: time.Duration(cfg.SlowTimeoutMs) * time.Millisecond,
		MaxTokens:   cfg.MaxTokens,
	}
}

// Result is one successful analysis.
type Result struct {
	HUD          string
	Digest       string
	Commands     []Command
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
	ParsedOK     bool
	Raw          string
	Attempts     int
}

// HasCommand reports whether the model emitted a command of the given kind.
func (r *Result) HasCommand(kind string) bool {
	for _, c := range r.Commands {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

// AttemptError records one failed model call.
type AttemptError struct {
	Model string
	Err   error
}

// ChainError is returned when every model in the attempt order failed.
type ChainError struct {
	Attempts []AttemptError
}

func (e *ChainError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Model, a.Err)
	}
	return fmt.Sprintf("all %d model(s) failed: %s", len(e.Attempts), strings.Join(parts, "; "))
}

func (e *ChainError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// Guide supplies extra instructions for a tick based on its data block.
type Guide interface {
	Guidance(ctx context.Context, data string) []string
}

type Options struct {
	Workspace string
	Factory   ClientFactory
	Clock     clock.Clock
	Guide     Guide // optional
}

type Analyzer struct {
	settings atomic.Pointer[Settings]
	factory  ClientFactory
	system   string
	guide    Guide
	clock    clock.Clock
	log      zerolog.Logger
}

func New(s Settings, opts Options) *Analyzer {
	a := &Analyzer{
		factory: opts.Factory,
		system:  buildSystemPrompt(opts.Workspace),
		guide:   opts.Guide,
		clock:   opts.Clock,
		log:     logger.Component("analyzer"),
	}
	if a.clock == nil {
		a.clock = clock.Real()
	}
	a.Reconfigure(s)
	return a
}

// Reconfigure swaps the model list and timeouts used by later calls.
func (a *Analyzer) Reconfigure(s Settings) {
	if s.Timeout <= 0 {
		s.Timeout = time.Duration(config.DefaultAnalysisTimeoutMs) * time.Millisecond
	}
	if s.SlowTimeout <= 0 {
		s.SlowTimeout = time.Duration(config.DefaultSlowTimeoutMs) * time.Millisecond
	}
	a.settings.Store(&s)
}

func (a *Analyzer) Settings() Settings {
	return *a.settings.Load()
}

func (a *Analyzer) SystemPrompt() string {
	return a.system
}

// attemptOrder lists the models to try: primary then fallbacks without
// duplicates, with the vision model first when images are attached.
func attemptOrder(s Settings, hasImages bool) []string {
	var order []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name != "" && !slices.Contains(order, name) {
			order = append(order, name)
		}
	}
	if hasImages {
		add(s.VisionModel)
	}
	add(s.Primary)
	for _, f := range s.Fallbacks {
		add(f)
	}
	return order
}

func (s Settings) timeoutFor(name string) time.Duration {
	if slices.Contains(s.SlowModels, name) {
		return s.SlowTimeout
	}
	return s.Timeout
}

// Analyze runs the window through the attempt order. The first model that
// returns a non-empty reply wins; otherwise a *ChainError is returned.
func (a *Analyzer) Analyze(ctx context.Context, w window.Window) (*Result, error) {
	if a.factory == nil {
		return nil, errors.New("analyzer: no client factory")
	}
	s := a.Settings()
	order := attemptOrder(s, len(w.Images) > 0)
	if len(order) == 0 {
		return nil, ErrNoModels
	}

	data := buildDataBlock(w)
	if a.guide != nil {
		data = appendGuidance(data, a.guide.Guidance(ctx, data))
	}
	msg := buildMessage(data, w.Images)
	chain := &ChainError{}

	for i, name := range order {
		res, err := a.attempt(ctx, s, name, msg)
		if err == nil {
			res.Attempts = i + 1
			return res, nil
		}
		a.log.Warn().Err(err).Str("model", name).Int("attempt", i+1).Msg("analysis attempt failed")
		chain.Attempts = append(chain.Attempts, AttemptError{Model: name, Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	return nil, chain
}

func (a *Analyzer) attempt(ctx context.Context, s Settings, name string, msg model.Message) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeoutFor(name))
	defer cancel()

	client, err := a.factory(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	start := a.clock.Now()
	resp, err := client.Complete(ctx, model.Request{
		Messages:  []model.Message{msg},
		System:    a.system,
		Model:     strings.TrimPrefix(name, openAIPrefix),
		MaxTokens: s.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || strings.TrimSpace(resp.Message.Content) == "" {
		return nil, errors.New("empty response")
	}

	res := &Result{
		Model:        name,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Latency:      a.clock.Now().Sub(start),
		Raw:          resp.Message.Content,
	}
	switch out := Parse(resp.Message.Content).(type) {
	case Structured:
		res.HUD, res.Digest, res.Commands = out.HUD, out.Digest, out.Commands
		res.ParsedOK = true
	case Degraded:
		res.HUD = firstSentence(out.Text)
		res.Digest = out.Text
	}
	return res, nil
}

// buildMessage packs the data block and screenshots into one user message.
// The text goes in as the first content block so it survives alongside
// images.
func buildMessage(text string, images []buffer.Image) model.Message {
	msg := model.Message{Role: "user", Content: text}
	if len(images) == 0 {
		return msg
	}
	blocks := make([]model.ContentBlock, 0, len(images)+1)
	blocks = append(blocks, model.ContentBlock{Type: model.ContentBlockText, Text: text})
	for _, img := range images {
		blocks = append(blocks, model.ContentBlock{
			Type:      model.ContentBlockImage,
			MediaType: img.MediaType,
			Data:      base64.StdEncoding.EncodeToString(img.Data),
		})
	}
	msg.ContentBlocks = blocks
	return msg
}
