package scheduler

import (
	"time"

	"github.com/stellarlinkco/ambient/internal/analyzer"
)

// Entry is one completed analysis. Entries are immutable once recorded.
type Entry struct {
	ID           string             `json:"id"`
	At           time.Time          `json:"at"`
	Reason       string             `json:"reason"`
	HUD          string             `json:"hud"`
	Digest       string             `json:"digest"`
	Commands     []analyzer.Command `json:"commands,omitempty"`
	Model        string             `json:"model"`
	InputTokens  int                `json:"inputTokens"`
	OutputTokens int                `json:"outputTokens"`
	Latency      time.Duration      `json:"latency"`
	ParsedOK     bool               `json:"parsedOk"`
	Preset       string             `json:"preset"`
	FeedVersion  uint64             `json:"feedVersion"`
	SenseVersion uint64             `json:"senseVersion"`
}

// HasCommand reports whether the analysis asked for a side command of kind.
func (e Entry) HasCommand(kind string) bool {
	for _, c := range e.Commands {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

// history is a bounded list of entries, oldest first.
type history struct {
	entries []Entry
	limit   int
}

func (h *history) add(e Entry) {
	if h.limit <= 0 {
		h.limit = 1
	}
	h.entries = append(h.entries, e)
	if over := len(h.entries) - h.limit; over > 0 {
		h.entries = append([]Entry(nil), h.entries[over:]...)
	}
}

// newest returns up to n entries, newest first. n <= 0 means all.
func (h *history) newest(n int) []Entry {
	if n <= 0 || n > len(h.entries) {
		n = len(h.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(h.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.entries[i])
	}
	return out
}

func (h *history) latest() (Entry, bool) {
	if len(h.entries) == 0 {
		return Entry{}, false
	}
	return h.entries[len(h.entries)-1], true
}
