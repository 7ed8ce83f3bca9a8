package buffer

import (
	"sync"
	"time"

	"github.com/stellarlinkco/ambient/internal/clock"
)

type SenseOptions struct {
	Capacity       int
	MaxImagesKept  int
	ImageRetention time.Duration // zero disables age-based stripping
	SSIMThreshold  float64
	OCRThreshold   float64
}

type senseSlot struct {
	seq uint64
	ev  SenseEvent
}

// SenseBuffer keeps recent screen observations. Near-identical consecutive
// frames are merged, and only the newest MaxImagesKept entries keep their
// image payload.
type SenseBuffer struct {
	mu      sync.RWMutex
	opts    SenseOptions
	slots   *ring[senseSlot]
	nextSeq uint64
	// images queues the seqs of image-bearing slots, oldest first.
	images  []uint64
	version uint64
	clock   clock.Clock
}

func NewSenseBuffer(opts SenseOptions, clk clock.Clock) *SenseBuffer {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.MaxImagesKept < 0 {
		opts.MaxImagesKept = 0
	}
	return &SenseBuffer{
		opts:  opts,
		slots: newRing[senseSlot](opts.Capacity),
		clock: clk,
	}
}

// Push records ev and reports whether it was merged into the previous entry.
// Either way the version advances.
func (b *SenseBuffer) Push(ev SenseEvent) (merged bool) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock.Now()
	}
	if ev.Type == "" {
		ev.Type = SenseText
	}
	if !ev.HasImage() {
		ev.Image = nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if prev := b.slots.last(); prev != nil && b.duplicate(prev.ev, ev) {
		b.merge(prev, ev)
		merged = true
	} else {
		b.append(ev)
	}
	b.version++
	b.boundImages(ev.Timestamp)
	return merged
}

func (b *SenseBuffer) duplicate(prev, next SenseEvent) bool {
	return next.SSIM >= b.opts.SSIMThreshold &&
		OCRSimilarity(prev.OCR, next.OCR) >= b.opts.OCRThreshold
}

func (b *SenseBuffer) merge(prev *senseSlot, next SenseEvent) {
	if next.Timestamp.After(prev.ev.Timestamp) {
		prev.ev.Timestamp = next.Timestamp
	}
	if next.Image != nil {
		if prev.ev.Image == nil {
			b.images = append(b.images, prev.seq)
		}
		prev.ev.Image = next.Image
		prev.ev.BBox = next.BBox
	}
	prev.ev.SSIM = next.SSIM
	prev.ev.Merges++
}

func (b *SenseBuffer) append(ev SenseEvent) {
	seq := b.nextSeq
	b.nextSeq++
	evicted, ok := b.slots.push(senseSlot{seq: seq, ev: ev})
	if ok && len(b.images) > 0 && b.images[0] == evicted.seq {
		b.images = b.images[1:]
	}
	if ev.Image != nil {
		b.images = append(b.images, seq)
	}
}

// slot resolves a seq to its ring entry. Seqs in the ring are contiguous.
func (b *SenseBuffer) slot(seq uint64) *senseSlot {
	first := b.slots.at(0)
	if first == nil || seq < first.seq {
		return nil
	}
	return b.slots.at(int(seq - first.seq))
}

func (b *SenseBuffer) boundImages(newest time.Time) {
	for len(b.images) > 0 {
		s := b.slot(b.images[0])
		over := len(b.images) > b.opts.MaxImagesKept
		stale := s != nil && b.opts.ImageRetention > 0 &&
			newest.Sub(s.ev.Timestamp) > b.opts.ImageRetention
		if s != nil && !over && !stale {
			return
		}
		if s != nil {
			s.ev.Image = nil
			s.ev.BBox = nil
		}
		b.images = b.images[1:]
	}
}

// Snapshot returns a copy of the contents, oldest first.
func (b *SenseBuffer) Snapshot() []SenseEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SenseEvent, b.slots.len())
	for i := range out {
		out[i] = b.slots.at(i).ev
	}
	return out
}

// RecentImages returns up to n image-bearing events, newest first.
func (b *SenseBuffer) RecentImages(n int) []SenseEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []SenseEvent
	for i := len(b.images) - 1; i >= 0 && len(out) < n; i-- {
		if s := b.slot(b.images[i]); s != nil {
			out = append(out, s.ev)
		}
	}
	return out
}

// ImageCount reports how many entries currently carry an image.
func (b *SenseBuffer) ImageCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.images)
}

func (b *SenseBuffer) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

func (b *SenseBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.slots.len()
}

func (b *SenseBuffer) Cap() int {
	return b.slots.cap()
}
