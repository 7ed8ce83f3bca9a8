package buffer

import (
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/ambient/internal/clock"
)

// FeedBuffer keeps the most recent textual events.
type FeedBuffer struct {
	mu      sync.RWMutex
	items   *ring[FeedItem]
	version uint64
	clock   clock.Clock
}

func NewFeedBuffer(capacity int, clk clock.Clock) *FeedBuffer {
	if clk == nil {
		clk = clock.Real()
	}
	return &FeedBuffer{items: newRing[FeedItem](capacity), clock: clk}
}

// Push records a line stamped with the current time and returns the new
// version.
func (b *FeedBuffer) Push(text string, priority int, source Source, channel string) uint64 {
	return b.PushItem(FeedItem{
		Text:     text,
		Priority: priority,
		Source:   source,
		Channel:  channel,
	})
}

// PushItem records item as given; a zero timestamp means now.
func (b *FeedBuffer) PushItem(item FeedItem) uint64 {
	item.Text = strings.TrimSpace(item.Text)
	if item.Timestamp.IsZero() {
		item.Timestamp = b.clock.Now()
	}
	if item.Source == "" {
		item.Source = SourceSystem
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.items.push(item)
	b.version++
	return b.version
}

// Snapshot returns a copy of the contents, oldest first.
func (b *FeedBuffer) Snapshot() []FeedItem {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.items.slice()
}

// Since returns items newer than t, oldest first.
func (b *FeedBuffer) Since(t time.Time) []FeedItem {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []FeedItem
	for i := 0; i < b.items.len(); i++ {
		if it := b.items.at(i); it.Timestamp.After(t) {
			out = append(out, *it)
		}
	}
	return out
}

func (b *FeedBuffer) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

func (b *FeedBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.items.len()
}

func (b *FeedBuffer) Cap() int {
	return b.items.cap()
}
