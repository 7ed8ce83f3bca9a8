package buffer

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stellarlinkco/ambient/internal/clock"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func img(tag string) *Image {
	return &Image{MediaType: "image/png", Data: []byte(tag)}
}

func TestFeedBuffer_BoundAndOrder(t *testing.T) {
	clk := clock.Fake(t0)
	b := NewFeedBuffer(3, clk)

	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		b.Push(fmt.Sprintf("line %d", i), 0, SourceAudio, "mic")
	}

	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}
	if b.Version() != 5 {
		t.Errorf("Version = %d, want 5", b.Version())
	}
	got := b.Snapshot()
	for i, want := range []string{"line 2", "line 3", "line 4"} {
		if got[i].Text != want {
			t.Errorf("item %d = %q, want %q", i, got[i].Text, want)
		}
	}
	if !got[2].Timestamp.Equal(t0.Add(5 * time.Second)) {
		t.Errorf("timestamp = %v", got[2].Timestamp)
	}
}

func TestFeedBuffer_SnapshotIsCopy(t *testing.T) {
	b := NewFeedBuffer(2, clock.Fake(t0))
	b.Push("a", 0, SourceHUD, "")
	snap := b.Snapshot()
	snap[0].Text = "mutated"
	if b.Snapshot()[0].Text != "a" {
		t.Error("snapshot shares storage with buffer")
	}
}

func TestFeedBuffer_Since(t *testing.T) {
	b := NewFeedBuffer(10, clock.Fake(t0))
	b.PushItem(FeedItem{Text: "old", Timestamp: t0})
	b.PushItem(FeedItem{Text: "new", Timestamp: t0.Add(time.Minute)})
	got := b.Since(t0)
	if len(got) != 1 || got[0].Text != "new" {
		t.Errorf("Since = %+v", got)
	}
	if got[0].Source != SourceSystem {
		t.Errorf("default source = %q", got[0].Source)
	}
}

func senseOpts() SenseOptions {
	return SenseOptions{
		Capacity:      10,
		MaxImagesKept: 3,
		SSIMThreshold: 0.92,
		OCRThreshold:  0.9,
	}
}

func TestSenseBuffer_Bound(t *testing.T) {
	b := NewSenseBuffer(SenseOptions{Capacity: 4, MaxImagesKept: 2, SSIMThreshold: 1.1}, clock.Fake(t0))
	for i := 0; i < 9; i++ {
		b.Push(SenseEvent{OCR: fmt.Sprintf("screen %d", i), Timestamp: t0.Add(time.Duration(i) * time.Second)})
		if b.Len() > 4 {
			t.Fatalf("Len = %d exceeds capacity", b.Len())
		}
	}
	snap := b.Snapshot()
	if snap[0].OCR != "screen 5" || snap[3].OCR != "screen 8" {
		t.Errorf("unexpected contents: %q .. %q", snap[0].OCR, snap[3].OCR)
	}
}

func TestSenseBuffer_DedupMerge(t *testing.T) {
	b := NewSenseBuffer(senseOpts(), clock.Fake(t0))

	b.Push(SenseEvent{OCR: "func main() {}", Timestamp: t0, App: AppMeta{Name: "Code"}})
	v1 := b.Version()

	merged := b.Push(SenseEvent{OCR: "func main() {}", SSIM: 0.97, Timestamp: t0.Add(2 * time.Second)})
	if !merged {
		t.Fatal("expected near-identical frame to merge")
	}
	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}
	if b.Version() <= v1 {
		t.Errorf("version did not advance on merge: %d -> %d", v1, b.Version())
	}
	got := b.Snapshot()[0]
	if !got.Timestamp.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("merge did not refresh timestamp: %v", got.Timestamp)
	}
	if got.Merges != 1 {
		t.Errorf("Merges = %d, want 1", got.Merges)
	}
}

func TestSenseBuffer_NoMergeBelowThresholds(t *testing.T) {
	tests := []struct {
		name string
		ssim float64
		ocr  string
	}{
		{"low ssim", 0.5, "func main() {}"},
		{"different text", 0.99, "package other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewSenseBuffer(senseOpts(), clock.Fake(t0))
			b.Push(SenseEvent{OCR: "func main() {}", Timestamp: t0})
			if b.Push(SenseEvent{OCR: tt.ocr, SSIM: tt.ssim, Timestamp: t0.Add(time.Second)}) {
				t.Error("unexpected merge")
			}
			if b.Len() != 2 {
				t.Errorf("Len = %d, want 2", b.Len())
			}
		})
	}
}

func TestSenseBuffer_ImageEviction(t *testing.T) {
	b := NewSenseBuffer(senseOpts(), clock.Fake(t0))

	for i := 0; i < 5; i++ {
		b.Push(SenseEvent{
			Type:      SenseVisual,
			OCR:       fmt.Sprintf("distinct screen number %d", i),
			Image:     img(fmt.Sprintf("frame-%d", i)),
			Timestamp: t0.Add(time.Duration(i) * time.Second),
		})
		if b.ImageCount() > 3 {
			t.Fatalf("image count %d exceeds 3 after push %d", b.ImageCount(), i)
		}
	}

	snap := b.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("Len = %d, want 5", len(snap))
	}
	for i, ev := range snap {
		want := i >= 2
		if ev.HasImage() != want {
			t.Errorf("entry %d HasImage = %v, want %v", i, ev.HasImage(), want)
		}
	}

	recent := b.RecentImages(2)
	if len(recent) != 2 || string(recent[0].Image.Data) != "frame-4" || string(recent[1].Image.Data) != "frame-3" {
		t.Errorf("RecentImages = %+v", recent)
	}
}

func TestSenseBuffer_ImageRetention(t *testing.T) {
	opts := senseOpts()
	opts.ImageRetention = 30 * time.Second
	b := NewSenseBuffer(opts, clock.Fake(t0))

	b.Push(SenseEvent{OCR: "first", Image: img("a"), Timestamp: t0})
	b.Push(SenseEvent{OCR: "second screen", Timestamp: t0.Add(time.Minute)})

	if b.ImageCount() != 0 {
		t.Errorf("image older than retention should be stripped, count = %d", b.ImageCount())
	}
	if b.Snapshot()[0].HasImage() {
		t.Error("entry still carries image")
	}
}

func TestSenseBuffer_MergeTakesNewerImage(t *testing.T) {
	b := NewSenseBuffer(senseOpts(), clock.Fake(t0))
	b.Push(SenseEvent{OCR: "same", Timestamp: t0})
	b.Push(SenseEvent{OCR: "same", SSIM: 0.99, Image: img("late"), Timestamp: t0.Add(time.Second)})

	if b.ImageCount() != 1 {
		t.Fatalf("ImageCount = %d, want 1", b.ImageCount())
	}
	if got := b.Snapshot()[0]; string(got.Image.Data) != "late" {
		t.Errorf("image = %q", got.Image.Data)
	}
}

func TestSenseBuffer_EvictionDropsImageQueue(t *testing.T) {
	b := NewSenseBuffer(SenseOptions{Capacity: 2, MaxImagesKept: 5, SSIMThreshold: 1.1}, clock.Fake(t0))
	for i := 0; i < 4; i++ {
		b.Push(SenseEvent{OCR: fmt.Sprint(i), Image: img(fmt.Sprint(i)), Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}
	if b.ImageCount() != 2 {
		t.Errorf("ImageCount = %d, want 2", b.ImageCount())
	}
}

func TestOCRSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"same text", "same text", 1},
		{"", "x", 0},
		{"x", "", 0},
		{"abcd", "abcdefghij", 0.4},
		{"abcdefghij", "abcdefghiX", 0.9},
		{"abcdef", "abcdefgh", 0.75},
	}
	for _, tt := range tests {
		got := OCRSimilarity(tt.a, tt.b)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("OCRSimilarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
