package escalation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stellarlinkco/ambient/internal/scheduler"
	"github.com/stellarlinkco/ambient/internal/window"
)

// Trigger names the signal that made a tick worth escalating.
type Trigger string

const (
	TriggerError     Trigger = "error"
	TriggerQuestion  Trigger = "question"
	TriggerCodeSmell Trigger = "code-smell"
	TriggerAppChurn  Trigger = "app-churn"
	TriggerModel     Trigger = "model"
	TriggerStale     Trigger = "stale"
	TriggerActivity  Trigger = "activity"
)

const (
	weightError     = 3
	weightModel     = 3
	weightQuestion  = 2
	weightCodeSmell = 1
	weightAppChurn  = 1

	appChurnSwitches = 4
)

// CommandEscalate is the side command a model emits to ask for escalation.
const CommandEscalate = "escalate"

var (
	errorPattern = regexp.MustCompile(
		`\b[A-Z][A-Za-z]*(?:Error|Exception)\b` +
			`|Traceback \(most recent call last\)` +
			`|\bpanic: ` +
			`|Segmentation fault` +
			`|\bFATAL\b` +
			`|(?i:\b(?:compile|build|syntax|runtime|fatal) error\b)` +
			`|(?i:\bexit (?:code|status) [1-9]\d*\b)` +
			`|(?i:\bcannot find module\b)` +
			`|(?i:\bundefined is not a function\b)`)

	questionPattern = regexp.MustCompile(
		`(?im)\bhow (?:do|can|should|would|does) (?:i|we|you|it)\b` +
			`|\bwhat(?:'s| is| does) (?:the|this|that|wrong)\b` +
			`|\bwhy (?:is|does|did|isn't|doesn't|won't|can't)\b` +
			`|\bis there a way\b` +
			`|\bcan (?:you|someone|anyone) (?:help|explain|tell)\b` +
			`|\bany idea\b` +
			`|\?\s*$`)

	codeSmellPattern = regexp.MustCompile(
		`\b(?:TODO|FIXME|HACK|XXX)\b` +
			`|console\.log\(` +
			`|\bdebugger;` +
			`|@[Dd]eprecated\b` +
			`|(?i:\bdeprecated\b)`)
)

// Signal is one scored observation.
type Signal struct {
	Trigger Trigger `json:"trigger"`
	Weight  int     `json:"weight"`
	Match   string  `json:"match,omitempty"`
}

// Score is the weighted sum of the signals found in one tick.
type Score struct {
	Total   int      `json:"total"`
	Signals []Signal `json:"signals,omitempty"`
}

func (s *Score) add(t Trigger, weight int, match string) {
	s.Total += weight
	s.Signals = append(s.Signals, Signal{Trigger: t, Weight: weight, Match: match})
}

// Primary is the heaviest signal's trigger; earlier signals win ties.
func (s Score) Primary() Trigger {
	var best Signal
	for _, sig := range s.Signals {
		if sig.Weight > best.Weight {
			best = sig
		}
	}
	return best.Trigger
}

// Reasons renders the signals for logs and status.
func (s Score) Reasons() []string {
	out := make([]string, 0, len(s.Signals))
	for _, sig := range s.Signals {
		if sig.Match != "" {
			out = append(out, fmt.Sprintf("%s(+%d: %s)", sig.Trigger, sig.Weight, sig.Match))
		} else {
			out = append(out, fmt.Sprintf("%s(+%d)", sig.Trigger, sig.Weight))
		}
	}
	return out
}

// Evaluate scores a completed analysis against its window.
func Evaluate(e scheduler.Entry, w window.Window) Score {
	var s Score
	if m := errorPattern.FindString(e.Digest); m != "" {
		s.add(TriggerError, weightError, m)
	}
	if e.HasCommand(CommandEscalate) {
		s.add(TriggerModel, weightModel, "")
	}
	for _, it := range w.Audio {
		if m := questionPattern.FindString(it.Text); m != "" {
			s.add(TriggerQuestion, weightQuestion, strings.TrimSpace(m))
			break
		}
	}
	if m := codeSmellPattern.FindString(e.Digest); m != "" {
		s.add(TriggerCodeSmell, weightCodeSmell, m)
	} else if m := codeSmellPattern.FindString(w.OCRText()); m != "" {
		s.add(TriggerCodeSmell, weightCodeSmell, m)
	}
	if n := w.AppSwitches(); n >= appChurnSwitches {
		s.add(TriggerAppChurn, weightAppChurn, fmt.Sprintf("%d switches", n))
	}
	return s
}
