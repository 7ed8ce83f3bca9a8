package analyzer

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Command is a side request emitted by the model next to its summary.
type Command struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Outcome is what a model reply was recovered into: Structured when a JSON
// payload was found, Degraded when only prose came back.
type Outcome interface {
	outcome()
}

type Structured struct {
	HUD      string
	Digest   string
	Commands []Command
}

type Degraded struct {
	Text string
}

func (Structured) outcome() {}
func (Degraded) outcome()   {}

type payload struct {
	HUD      string    `json:"hud"`
	Digest   string    `json:"digest"`
	Commands []Command `json:"commands"`
}

// Parse recovers an Outcome from raw model output. It tries a strict decode
// of the whole text, then an embedded object carrying a hud or digest key,
// and finally falls back to the raw text.
func Parse(raw string) Outcome {
	text := strings.TrimSpace(raw)

	var p payload
	if err := json.Unmarshal([]byte(text), &p); err == nil && (p.HUD != "" || p.Digest != "") {
		return structured(p)
	}

	if s, ok := embedded(text); ok {
		return s
	}
	return Degraded{Text: text}
}

func structured(p payload) Structured {
	s := Structured{
		HUD:    strings.TrimSpace(p.HUD),
		Digest: strings.TrimSpace(p.Digest),
	}
	for _, c := range p.Commands {
		kind := strings.ToLower(strings.TrimSpace(c.Kind))
		if kind == "" {
			continue
		}
		s.Commands = append(s.Commands, Command{Kind: kind, Text: strings.TrimSpace(c.Text)})
	}
	if s.HUD == "" {
		s.HUD = firstSentence(s.Digest)
	}
	if s.Digest == "" {
		s.Digest = s.HUD
	}
	return s
}

// embedded scans text for a balanced JSON object with a hud or digest key,
// e.g. inside a markdown fence or after a preamble.
func embedded(text string) (Structured, bool) {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		end := matchBrace(text, start)
		if end < 0 {
			continue
		}
		candidate := text[start : end+1]
		if !gjson.Valid(candidate) {
			continue
		}
		hud := gjson.Get(candidate, "hud")
		digest := gjson.Get(candidate, "digest")
		if !hud.Exists() && !digest.Exists() {
			continue
		}
		p := payload{HUD: hud.String(), Digest: digest.String()}
		gjson.Get(candidate, "commands").ForEach(func(_, v gjson.Result) bool {
			p.Commands = append(p.Commands, Command{
				Kind: v.Get("kind").String(),
				Text: v.Get("text").String(),
			})
			return true
		})
		if p.HUD != "" || p.Digest != "" {
			return structured(p), true
		}
	}
	return Structured{}, false
}

// matchBrace returns the index of the brace closing the one at start,
// skipping over string literals.
func matchBrace(text string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

const maxHUDRunes = 120

// firstSentence cuts s at the first sentence terminator or newline.
func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	cut := len(s)
	for i, r := range s {
		if r == '\n' {
			cut = i
			break
		}
		if (r == '.' || r == '!' || r == '?') && (i+1 == len(s) || s[i+1] == ' ' || s[i+1] == '\n') {
			cut = i + 1
			break
		}
	}
	out := strings.TrimSpace(s[:cut])
	if r := []rune(out); len(r) > maxHUDRunes {
		out = string(r[:maxHUDRunes]) + "…"
	}
	return out
}
