package escalation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stellarlinkco/ambient/internal/scheduler"
	"github.com/stellarlinkco/ambient/internal/window"
)

const (
	maxErrorBlocks    = 3
	maxErrorBlockLine = 8
)

var traceLine = regexp.MustCompile(`^\s+\S|^\s*at \S|^\s*File "|^\s*(?:goroutine \d+|Caused by:|\.\.\. \d+ more)|^\s*\S+\.(?:go|py|js|ts|java|rs|rb):\d+`)

// ExtractErrorBlocks finds error lines in text and returns each with the
// stack-trace-like lines that follow it. Blocks are deduplicated and capped
// at max.
func ExtractErrorBlocks(text string, max int) []string {
	if max <= 0 {
		return nil
	}
	lines := strings.Split(text, "\n")
	seen := make(map[string]bool)
	var blocks []string
	for i := 0; i < len(lines) && len(blocks) < max; i++ {
		if !errorPattern.MatchString(lines[i]) {
			continue
		}
		block := []string{strings.TrimRight(lines[i], " \t\r")}
		j := i + 1
		for ; j < len(lines) && len(block) < maxErrorBlockLine; j++ {
			if strings.TrimSpace(lines[j]) == "" || !traceLine.MatchString(lines[j]) {
				break
			}
			block = append(block, strings.TrimRight(lines[j], " \t\r"))
		}
		i = j - 1
		joined := strings.Join(block, "\n")
		if key := strings.TrimSpace(joined); !seen[key] {
			seen[key] = true
			blocks = append(blocks, joined)
		}
	}
	return blocks
}

var editorApps = []string{
	"code", "cursor", "xcode", "intellij", "goland", "pycharm", "webstorm", "clion", "rider",
	"android studio", "sublime", "zed", "vim", "nvim", "emacs", "terminal", "iterm", "ghostty",
	"warp", "alacritty", "kitty", "wezterm",
}

var codeKeyword = regexp.MustCompile(`\b(?:func|function|def|class|return|import|package|const|let|var|struct|interface|if|else|for|while|async|await|public|private|static|void|nil|null|true|false)\b|=>|:=|\{|\}|;$`)

const (
	codeDensityMinWords = 20
	codeDensity         = 0.12
)

// IsCodingContext reports whether the user seems to be working on code:
// an editor or terminal is in front, or the OCR is dense with code tokens.
func IsCodingContext(w window.Window) bool {
	apps := append([]string{w.CurrentApp}, w.AppTransitions...)
	for _, app := range apps {
		name := strings.ToLower(app)
		if name == "" {
			continue
		}
		for _, ed := range editorApps {
			if name == ed || strings.HasPrefix(name, ed+" ") || strings.Contains(name, " "+ed) ||
				(len(ed) > 4 && strings.Contains(name, ed)) {
				return true
			}
		}
	}

	ocr := w.OCRText()
	words := len(strings.Fields(ocr))
	if words < codeDensityMinWords {
		return false
	}
	hits := 0
	for _, line := range strings.Split(ocr, "\n") {
		hits += len(codeKeyword.FindAllStringIndex(line, -1))
	}
	return float64(hits)/float64(words) >= codeDensity
}

const (
	instructionSolve    = "The user appears to be writing code. Produce a concrete solution: the fix, command, or code change to apply, not a description of the situation."
	instructionDescribe = "Describe what the user is doing in one or two sentences and suggest the single most useful next step."
	instructionError    = "Diagnose the error below and say what most likely caused it."
	instructionQuestion = "The user asked something out loud. Answer it directly."
	instructionStale    = "This is a periodic check-in. Do not describe idleness or the absence of activity; focus on what the user is actually working on."
)

type messageInput struct {
	entry   scheduler.Entry
	window  window.Window
	trigger Trigger
	score   Score
	mode    Mode
}

// buildMessage renders the text sent to the remote agent. Section order
// and depth depend on what triggered the escalation.
func buildMessage(in messageInput) string {
	w := in.window
	limits := w.Preset
	if in.mode == ModeRich {
		limits = window.Rich
	}
	audioLimit, screenLimit := limits.MaxAudioEvents, limits.MaxScreenEvents

	var errBlocks []string
	if in.trigger == TriggerError {
		errBlocks = ExtractErrorBlocks(in.entry.Digest+"\n"+w.OCRText(), maxErrorBlocks)
		audioLimit = half(audioLimit)
	}
	if in.trigger == TriggerQuestion {
		screenLimit = half(screenLimit)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[ambient] %s\n", headline(in.trigger))
	fmt.Fprintf(&sb, "Digest: %s\n", strings.TrimSpace(in.entry.Digest))
	if reasons := in.score.Reasons(); len(reasons) > 0 {
		fmt.Fprintf(&sb, "Signals: %s\n", strings.Join(reasons, ", "))
	}
	if w.CurrentApp != "" {
		fmt.Fprintf(&sb, "Active app: %s", w.CurrentApp)
		if len(w.AppTransitions) > 1 {
			fmt.Fprintf(&sb, " (chain: %s)", strings.Join(w.AppTransitions, " -> "))
		}
		sb.WriteString("\n")
	}
	for _, c := range in.entry.Commands {
		if c.Kind == CommandEscalate && c.Text != "" {
			fmt.Fprintf(&sb, "Analyzer request: %s\n", c.Text)
		}
	}

	audio := section("Recent speech", w.RenderAudio(audioLimit))
	screen := section("Screen", w.RenderScreen(screenLimit))
	if len(errBlocks) > 0 {
		sb.WriteString("\n## Errors\n")
		for _, b := range errBlocks {
			sb.WriteString("```\n" + b + "\n```\n")
		}
	}
	if in.trigger == TriggerQuestion {
		sb.WriteString(audio)
		sb.WriteString(screen)
	} else {
		sb.WriteString(screen)
		sb.WriteString(audio)
	}

	sb.WriteString("\n")
	sb.WriteString(instruction(in.trigger, IsCodingContext(w)))
	return sb.String()
}

func headline(t Trigger) string {
	switch t {
	case TriggerError:
		return "An error showed up on screen."
	case TriggerQuestion:
		return "The user asked a question."
	case TriggerModel:
		return "The analyzer asked for help."
	case TriggerStale:
		return "Periodic context update."
	}
	return "Context update."
}

func instruction(t Trigger, coding bool) string {
	var parts []string
	switch t {
	case TriggerStale:
		parts = append(parts, instructionStale)
	case TriggerError:
		parts = append(parts, instructionError)
	case TriggerQuestion:
		parts = append(parts, instructionQuestion)
	}
	if coding {
		parts = append(parts, instructionSolve)
	} else if t != TriggerQuestion {
		parts = append(parts, instructionDescribe)
	}
	return strings.Join(parts, " ")
}

func section(title, body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	return "\n## " + title + "\n" + body
}

func half(n int) int {
	if n <= 1 {
		return n
	}
	return (n + 1) / 2
}
