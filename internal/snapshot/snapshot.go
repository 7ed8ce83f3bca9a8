// Package snapshot writes the latest situational summary to a JSON file
// for local consumers that poll instead of subscribing.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/ambient/internal/escalation"
	"github.com/stellarlinkco/ambient/internal/logger"
	"github.com/stellarlinkco/ambient/internal/scheduler"
	"github.com/stellarlinkco/ambient/internal/window"
)

const (
	maxLines       = 8
	maxErrorBlocks = 3
)

type Line struct {
	Age  string `json:"age"`
	App  string `json:"app,omitempty"`
	Text string `json:"text"`
}

type WindowMeta struct {
	Preset       string `json:"preset"`
	AudioEvents  int    `json:"audioEvents"`
	ScreenEvents int    `json:"screenEvents"`
	Images       int    `json:"images"`
	Span         string `json:"span"`
	Freshness    string `json:"freshness"`
	ParsedOK     bool   `json:"parsedOk"`
}

// Document is the file format.
type Document struct {
	UpdatedAt   time.Time  `json:"updatedAt"`
	EntryID     string     `json:"entryId"`
	HUD         string     `json:"hud"`
	Digest      string     `json:"digest"`
	Model       string     `json:"model"`
	ActiveApp   string     `json:"activeApp,omitempty"`
	AppChain    []string   `json:"appChain,omitempty"`
	Screen      []Line     `json:"screen"`
	Transcript  []Line     `json:"transcript"`
	ErrorBlocks []string   `json:"errorBlocks,omitempty"`
	Recording   bool       `json:"recording"`
	Window      WindowMeta `json:"window"`
}

// Writer implements scheduler.Observer.
type Writer struct {
	path string
	log  zerolog.Logger

	mu   sync.Mutex
	last *Document
}

var _ scheduler.Observer = (*Writer)(nil)

func NewWriter(path string) *Writer {
	return &Writer{path: path, log: logger.Component("snapshot")}
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Observe(_ context.Context, e scheduler.Entry, win window.Window) {
	doc := Build(e, win)
	if err := w.Write(doc); err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("snapshot write failed")
	}
}

// Last returns the most recently written document.
func (w *Writer) Last() (Document, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return Document{}, false
	}
	return *w.last, true
}

// Build derives the document for one entry and its window.
func Build(e scheduler.Entry, win window.Window) Document {
	doc := Document{
		UpdatedAt:  e.At,
		EntryID:    e.ID,
		HUD:        e.HUD,
		Digest:     e.Digest,
		Model:      e.Model,
		ActiveApp:  win.CurrentApp,
		AppChain:   append([]string(nil), win.AppTransitions...),
		Screen:     []Line{},
		Transcript: []Line{},
		Recording:  len(win.Audio) > 0,
		Window: WindowMeta{
			Preset:       win.Preset.Name,
			AudioEvents:  len(win.Audio),
			ScreenEvents: len(win.Screen),
			Images:       len(win.Images),
			Span:         win.Span.Round(time.Second).String(),
			Freshness:    win.Freshness.Round(time.Second).String(),
			ParsedOK:     e.ParsedOK,
		},
	}
	for i, ev := range win.Screen {
		if i >= maxLines {
			break
		}
		if strings.TrimSpace(ev.OCR) == "" {
			continue
		}
		doc.Screen = append(doc.Screen, Line{Age: age(win.BuiltAt, ev.Timestamp), App: ev.App.Name, Text: ev.OCR})
	}
	for i, it := range win.Audio {
		if i >= maxLines {
			break
		}
		doc.Transcript = append(doc.Transcript, Line{Age: age(win.BuiltAt, it.Timestamp), Text: it.Text})
	}
	doc.ErrorBlocks = escalation.ExtractErrorBlocks(win.OCRText(), maxErrorBlocks)
	return doc
}

// Write replaces the file atomically: readers see the old or the new
// document, never a partial one.
func (w *Writer) Write(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}

	w.mu.Lock()
	w.last = &doc
	w.mu.Unlock()
	return nil
}

// Read loads a snapshot file.
func Read(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse snapshot: %w", err)
	}
	return doc, nil
}

func age(now, ts time.Time) string {
	d := now.Sub(ts)
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
