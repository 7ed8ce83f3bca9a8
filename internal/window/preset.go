package window

import (
	"fmt"
	"strings"
)

// Preset bundles the limits that decide how much context one analysis call
// carries.
type Preset struct {
	Name               string `json:"name"`
	MaxScreenEvents    int    `json:"maxScreenEvents"`
	MaxAudioEvents     int    `json:"maxAudioEvents"`
	MaxOCRChars        int    `json:"maxOcrChars"`
	MaxTranscriptChars int    `json:"maxTranscriptChars"`
	MaxImages          int    `json:"maxImages"`
}

var (
	Minimal = Preset{
		Name:               "minimal",
		MaxScreenEvents:    6,
		MaxAudioEvents:     6,
		MaxOCRChars:        300,
		MaxTranscriptChars: 200,
		MaxImages:          0,
	}
	Balanced = Preset{
		Name:               "balanced",
		MaxScreenEvents:    12,
		MaxAudioEvents:     12,
		MaxOCRChars:        800,
		MaxTranscriptChars: 400,
		MaxImages:          1,
	}
	Rich = Preset{
		Name:               "rich",
		MaxScreenEvents:    24,
		MaxAudioEvents:     24,
		MaxOCRChars:        2000,
		MaxTranscriptChars: 800,
		MaxImages:          2,
	}
)

// PresetByName resolves a preset name, case-insensitively.
func PresetByName(name string) (Preset, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "minimal":
		return Minimal, nil
	case "balanced", "":
		return Balanced, nil
	case "rich":
		return Rich, nil
	}
	return Preset{}, fmt.Errorf("unknown richness preset %q", name)
}
