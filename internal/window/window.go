// Package window assembles the bounded view of recent activity that one
// analysis tick looks at.
package window

import (
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/ambient/internal/buffer"
)

// Window is a value snapshot; it shares no storage with the buffers.
type Window struct {
	Audio          []buffer.FeedItem   // newest first
	Screen         []buffer.SenseEvent // newest first, image payloads removed
	Images         []buffer.Image      // newest first, at most Preset.MaxImages
	CurrentApp     string
	AppTransitions []string // chronological
	Freshness      time.Duration
	Span           time.Duration // oldest to newest kept event
	Preset         Preset
	MaxAge         time.Duration
	BuiltAt        time.Time
}

// Empty reports whether the window saw no activity at all.
func (w Window) Empty() bool {
	return len(w.Audio) == 0 && len(w.Screen) == 0
}

// Active reports whether the window has events fresher than its max age.
func (w Window) Active() bool {
	return !w.Empty() && w.Freshness < w.MaxAge
}

// AppSwitches counts transitions between distinct apps.
func (w Window) AppSwitches() int {
	if len(w.AppTransitions) < 2 {
		return 0
	}
	return len(w.AppTransitions) - 1
}

// Build filters feed and sense to [now-maxAge, now] and bounds the result by
// preset. Inputs are expected oldest first, as the buffers' Snapshot returns.
func Build(feed []buffer.FeedItem, sense []buffer.SenseEvent, preset Preset, maxAge time.Duration, now time.Time) Window {
	w := Window{Preset: preset, MaxAge: maxAge, BuiltAt: now}
	from := now.Add(-maxAge)
	inRange := func(ts time.Time) bool {
		return !ts.Before(from) && !ts.After(now)
	}

	var newest, oldest time.Time
	seen := func(ts time.Time) {
		if newest.IsZero() || ts.After(newest) {
			newest = ts
		}
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
	}

	for i := len(feed) - 1; i >= 0; i-- {
		it := feed[i]
		if it.Source != buffer.SourceAudio || !inRange(it.Timestamp) {
			continue
		}
		seen(it.Timestamp)
		if len(w.Audio) < preset.MaxAudioEvents {
			it.Text = clip(it.Text, preset.MaxTranscriptChars)
			w.Audio = append(w.Audio, it)
		}
	}

	var chrono []buffer.SenseEvent
	for _, ev := range sense {
		if !inRange(ev.Timestamp) {
			continue
		}
		seen(ev.Timestamp)
		if n := len(chrono); n > 0 {
			prev := chrono[n-1]
			if prev.App.Name == ev.App.Name && prev.OCR == ev.OCR && !ev.HasImage() {
				// Same content; keep the later timestamp.
				chrono[n-1].Timestamp = ev.Timestamp
				continue
			}
		}
		chrono = append(chrono, ev)
	}

	for _, ev := range chrono {
		if ev.App.Name == "" {
			continue
		}
		if n := len(w.AppTransitions); n == 0 || w.AppTransitions[n-1] != ev.App.Name {
			w.AppTransitions = append(w.AppTransitions, ev.App.Name)
		}
	}
	if n := len(w.AppTransitions); n > 0 {
		w.CurrentApp = w.AppTransitions[n-1]
	}

	for i := len(chrono) - 1; i >= 0; i-- {
		ev := chrono[i]
		if ev.HasImage() && len(w.Images) < preset.MaxImages {
			w.Images = append(w.Images, buffer.Image{
				MediaType: ev.Image.MediaType,
				Data:      append([]byte(nil), ev.Image.Data...),
			})
		}
		if len(w.Screen) >= preset.MaxScreenEvents {
			continue
		}
		ev.Image = nil
		if ev.BBox != nil {
			bbox := *ev.BBox
			ev.BBox = &bbox
		}
		ev.OCR = clip(ev.OCR, preset.MaxOCRChars)
		w.Screen = append(w.Screen, ev)
	}

	if newest.IsZero() {
		w.Freshness = maxAge
	} else {
		w.Freshness = now.Sub(newest)
		w.Span = newest.Sub(oldest)
	}
	return w
}

// RenderAudio formats up to limit transcript lines, oldest first, with their
// age relative to the build time.
func (w Window) RenderAudio(limit int) string {
	items := w.Audio
	if limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	var sb strings.Builder
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		fmt.Fprintf(&sb, "[-%s] %s\n", age(w.BuiltAt, it.Timestamp), it.Text)
	}
	return sb.String()
}

// RenderScreen formats up to limit screen observations, oldest first.
func (w Window) RenderScreen(limit int) string {
	events := w.Screen
	if limit >= 0 && len(events) > limit {
		events = events[:limit]
	}
	var sb strings.Builder
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		app := ev.App.Name
		if app == "" {
			app = "?"
		}
		if ev.App.Window != "" {
			app += " / " + ev.App.Window
		}
		fmt.Fprintf(&sb, "[-%s] (%s) %s\n", age(w.BuiltAt, ev.Timestamp), app, strings.TrimSpace(ev.OCR))
	}
	return sb.String()
}

// OCRText joins the OCR of every screen event, newest first.
func (w Window) OCRText() string {
	parts := make([]string, 0, len(w.Screen))
	for _, ev := range w.Screen {
		if ev.OCR != "" {
			parts = append(parts, ev.OCR)
		}
	}
	return strings.Join(parts, "\n")
}

func age(now, ts time.Time) string {
	d := now.Sub(ts)
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

func clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
