package analyzer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stellarlinkco/ambient/internal/window"
)

const instructions = `You watch a person's computer session through two feeds: recent speech
transcripts and recent screen observations (OCR text, the active app, sometimes
a screenshot). Summarize what they are doing right now.

Reply with one JSON object and nothing else:
{"hud": "...", "digest": "...", "commands": [{"kind": "...", "text": "..."}]}

- hud: one short line (at most 12 words) suitable for a heads-up display.
- digest: 2-5 sentences describing the situation: the task, the tools in use,
  visible errors quoted verbatim, open questions the person has asked aloud.
- commands: optional. Use {"kind": "escalate", "text": "<reason>"} only when
  the person is clearly stuck or asked for help and a capable assistant should
  step in. Use {"kind": "note", "text": "..."} for facts worth remembering.
  Omit the field when there is nothing to add.

Do not invent details that are not in the feeds. If nothing changed, say so
briefly in the hud and keep the digest factual.`

// instructionFiles are read from the workspace, in order, and appended to the
// static instructions.
var instructionFiles = []string{"INSTRUCTIONS.md", "PROFILE.md"}

func buildSystemPrompt(workspace string) string {
	var sb strings.Builder
	sb.WriteString(instructions)
	sb.WriteString("\n\n")

	if workspace == "" {
		return sb.String()
	}
	for _, name := range instructionFiles {
		data, err := os.ReadFile(filepath.Join(workspace, name))
		if err != nil || strings.TrimSpace(string(data)) == "" {
			continue
		}
		sb.Write(data)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// buildDataBlock renders the per-tick part of the prompt.
func buildDataBlock(w window.Window) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Window: last %s, newest event %s ago, preset %s.\n",
		w.MaxAge.Round(time.Second), w.Freshness.Round(time.Second), w.Preset.Name)
	if w.CurrentApp != "" {
		fmt.Fprintf(&sb, "Active app: %s\n", w.CurrentApp)
	}
	if len(w.AppTransitions) > 1 {
		fmt.Fprintf(&sb, "App switches: %s\n", strings.Join(w.AppTransitions, " -> "))
	}

	sb.WriteString("\n## Speech\n")
	if audio := w.RenderAudio(-1); audio != "" {
		sb.WriteString(audio)
	} else {
		sb.WriteString("(none)\n")
	}

	sb.WriteString("\n## Screen\n")
	if screen := w.RenderScreen(-1); screen != "" {
		sb.WriteString(screen)
	} else {
		sb.WriteString("(none)\n")
	}

	if n := len(w.Images); n > 0 {
		fmt.Fprintf(&sb, "\n%d screenshot(s) attached, newest first.\n", n)
	}
	return sb.String()
}

func appendGuidance(data string, guides []string) string {
	if len(guides) == 0 {
		return data
	}
	var sb strings.Builder
	sb.WriteString(data)
	sb.WriteString("\n## Guidance\n")
	for _, g := range guides {
		sb.WriteString(g)
		sb.WriteString("\n\n")
	}
	return sb.String()
}
