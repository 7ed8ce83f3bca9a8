package buffer

import "time"

// Source tags where a feed item came from.
type Source string

const (
	SourceAudio  Source = "audio"  // speech transcript line
	SourceHUD    Source = "hud"    // line shown on the overlay
	SourceSystem Source = "system" // daemon notes
)

// FeedItem is one textual event.
type FeedItem struct {
	Text      string    `json:"text"`
	Priority  int       `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Channel   string    `json:"channel,omitempty"`
}

// SenseType classifies a screen observation.
type SenseType string

const (
	SenseText    SenseType = "text"
	SenseVisual  SenseType = "visual"
	SenseContext SenseType = "context"
)

// Image is an encoded screenshot crop. Data is never modified after the
// event is pushed, so copies may share it.
type Image struct {
	MediaType string `json:"mediaType"`
	Data      []byte `json:"data"`
}

type BBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// AppMeta describes the foreground application when the event was captured.
type AppMeta struct {
	Name     string `json:"name"`
	Window   string `json:"window,omitempty"`
	BundleID string `json:"bundleId,omitempty"`
}

// SenseEvent is one screen observation from the capture pipeline. SSIM is
// the producer's structural similarity of this frame against the previous
// one, in [0,1].
type SenseEvent struct {
	Type      SenseType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	OCR       string    `json:"ocr,omitempty"`
	Image     *Image    `json:"image,omitempty"`
	BBox      *BBox     `json:"bbox,omitempty"`
	App       AppMeta   `json:"app"`
	SSIM      float64   `json:"ssim"`
	// Merges counts later observations folded into this one.
	Merges int `json:"merges,omitempty"`
}

func (e SenseEvent) HasImage() bool {
	return e.Image != nil && len(e.Image.Data) > 0
}
