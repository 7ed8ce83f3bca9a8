// Package skills loads situational guides from the workspace. A guide is a
// SKILL.md file whose frontmatter lists keywords; when a tick's context
// mentions one of them, the guide body is added to the analysis prompt.
package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	runtimeskills "github.com/cexll/agentsdk-go/pkg/runtime/skills"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/ambient/internal/logger"
)

const (
	skillFileName = "SKILL.md"

	// DefaultMaxGuides caps how many guides join a single prompt.
	DefaultMaxGuides = 3
)

var errInvalidSkillYAML = errors.New("invalid skill YAML frontmatter")

type skillFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
	Apps        []string `yaml:"apps"`
	Priority    int      `yaml:"priority"`
}

// Library matches loaded guides against window text.
type Library struct {
	reg       *runtimeskills.Registry
	maxGuides int
	log       zerolog.Logger
}

// Load reads <dir>/<name>/SKILL.md for every subdirectory of dir. A missing
// dir yields an empty library. Files with broken YAML are skipped; a missing
// name or a duplicate name is an error.
func Load(dir string) (*Library, error) {
	lib := &Library{
		reg:       runtimeskills.NewRegistry(),
		maxGuides: DefaultMaxGuides,
		log:       logger.Component("skills"),
	}

	dir = strings.TrimSpace(dir)
	if dir == "" {
		return lib, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return lib, nil
		}
		return nil, fmt.Errorf("stat skills dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("skills path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), skillFileName)
		def, handler, skip, err := lib.parseSkillFile(path)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		if prev, exists := seen[def.Name]; exists {
			return nil, fmt.Errorf("duplicate skill name %q in %s (already in %s)", def.Name, path, prev)
		}
		if err := lib.reg.Register(def, handler); err != nil {
			return nil, fmt.Errorf("register skill %q: %w", path, err)
		}
		seen[def.Name] = path
	}

	lib.log.Debug().Int("count", len(seen)).Str("dir", dir).Msg("skills loaded")
	return lib, nil
}

// Names lists loaded guides, highest priority first.
func (l *Library) Names() []string {
	defs := l.reg.List()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Guidance returns the bodies of the guides whose keywords appear in text,
// ordered by priority then match score.
func (l *Library) Guidance(ctx context.Context, text string) []string {
	if l == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	ac := runtimeskills.ActivationContext{Prompt: text}
	var out []string
	for _, act := range l.reg.Match(ac) {
		if len(out) >= l.maxGuides {
			break
		}
		res, err := act.Skill.Execute(ctx, ac)
		if err != nil {
			l.log.Warn().Err(err).Str("skill", act.Definition().Name).Msg("skill execution failed")
			continue
		}
		if body, ok := res.Output.(string); ok && body != "" {
			out = append(out, body)
		}
	}
	return out
}

func (l *Library) parseSkillFile(path string) (runtimeskills.Definition, runtimeskills.Handler, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return runtimeskills.Definition{}, nil, true, nil
		}
		return runtimeskills.Definition{}, nil, false, fmt.Errorf("read skill %q: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		if errors.Is(err, errInvalidSkillYAML) {
			l.log.Warn().Err(err).Str("path", path).Msg("skip skill with invalid YAML")
			return runtimeskills.Definition{}, nil, true, nil
		}
		return runtimeskills.Definition{}, nil, false, fmt.Errorf("parse skill %q: %w", path, err)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return runtimeskills.Definition{}, nil, false, fmt.Errorf("parse skill %q: missing name", path)
	}

	body = strings.TrimSpace(body)
	def := runtimeskills.Definition{
		Name:        strings.TrimSpace(meta.Name),
		Description: strings.TrimSpace(meta.Description),
		Priority:    meta.Priority,
		Metadata:    map[string]string{"source_path": path},
	}
	// Apps match on the "Active app:" line of the data block.
	keywords := sanitizeKeywords(meta.Keywords)
	for _, app := range sanitizeKeywords(meta.Apps) {
		keywords = append(keywords, "active app: "+app)
	}
	if len(keywords) == 0 {
		// Without keywords a guide would join every prompt.
		def.DisableAutoActivation = true
	} else {
		def.Matchers = []runtimeskills.Matcher{runtimeskills.KeywordMatcher{Any: keywords}}
	}

	handler := runtimeskills.HandlerFunc(func(context.Context, runtimeskills.ActivationContext) (runtimeskills.Result, error) {
		return runtimeskills.Result{
			Skill:    def.Name,
			Output:   body,
			Metadata: map[string]any{"source_path": path},
		}, nil
	})
	return def, handler, false, nil
}

func parseFrontmatter(content []byte) (skillFrontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return skillFrontmatter{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return skillFrontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta skillFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return skillFrontmatter{}, "", fmt.Errorf("%w: %v", errInvalidSkillYAML, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}

func sanitizeKeywords(keywords []string) []string {
	if len(keywords) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
