package bus

import "time"

type Kind string

const (
	KindHUD        Kind = "hud"
	KindTick       Kind = "tick"
	KindEscalation Kind = "escalation"
)

// HUDLine is published when the short summary changes.
type HUDLine struct {
	Text  string    `json:"text"`
	Model string    `json:"model,omitempty"`
	At    time.Time `json:"at"`
}

// TickComplete is published after every tick that reached the analyzer,
// successful or not.
type TickComplete struct {
	EntryID  string        `json:"entryId,omitempty"`
	Reason   string        `json:"reason"`
	Model    string        `json:"model,omitempty"`
	ParsedOK bool          `json:"parsedOk"`
	Latency  time.Duration `json:"latency"`
	Err      string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// EscalationSent is published after a delivery attempt to the remote agent.
type EscalationSent struct {
	Trigger string    `json:"trigger"`
	Score   int       `json:"score"`
	Route   string    `json:"route,omitempty"` // "gateway" or "hooks"
	Digest  string    `json:"digest"`
	Err     string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Event carries exactly one of the payloads, matching Kind.
type Event struct {
	Kind       Kind
	HUD        *HUDLine
	Tick       *TickComplete
	Escalation *EscalationSent
}
