package memory

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// CompletionMessage is the fixed message returned once the question cap is
// reached, regardless of remaining unfilled facts.
const CompletionMessage = "This looks complete. I have everything needed to finalize the workflow."

// defaultTemplates maps each stage to its canned follow-up question. The
// {fact} placeholders are substituted from known facts at render time.
var defaultTemplates = map[Stage]string{
	StageRequirements: "When should this workflow run, and is anything explicitly out of scope?",
	StageObjectives:   "What outcome should this workflow achieve each time it runs?",
	StageSuccess:      "How will you judge whether \"{objective}\" succeeded?",
	StageSystems:      "Which systems should this pull from, and where should the output be delivered?",
	StageSamples:      "Could you share a sample document so I can match its format?",
}

// fallbackTemplates are used when a template's placeholder facts are not
// all known yet.
var fallbackTemplates = map[Stage]string{
	StageSuccess: "How will you judge whether a run of this workflow succeeded?",
}

// Templates resolves stage questions, optionally overridden from a yaml
// file that is hot-reloaded on change.
type Templates struct {
	mu        sync.RWMutex
	overrides map[Stage]string

	watcher *fsnotify.Watcher
	logger  *slog.Logger
	done    chan struct{}
}

// DefaultTemplates returns the built-in template set.
func DefaultTemplates() *Templates {
	return &Templates{}
}

// LoadTemplates reads a yaml stage→question mapping and returns a template
// set that watches the file for changes. Close must be called to stop the
// watcher.
func LoadTemplates(path string, logger *slog.Logger) (*Templates, error) {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Templates{logger: logger, done: make(chan struct{})}
	if err := t.reload(path); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create template watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch templates file: %w", err)
	}
	t.watcher = watcher

	go t.watch(path)
	return t, nil
}

// Close stops the file watcher, if any.
func (t *Templates) Close() error {
	if t.watcher == nil {
		return nil
	}
	close(t.done)
	return t.watcher.Close()
}

func (t *Templates) watch(path string) {
	for {
		select {
		case <-t.done:
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := t.reload(path); err != nil {
				t.logger.Warn("Failed to reload question templates", "path", path, "error", err)
				continue
			}
			t.logger.Info("Reloaded question templates", "path", path)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("Template watcher error", "error", err)
		}
	}
}

func (t *Templates) reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read templates file: %w", err)
	}

	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse templates file: %w", err)
	}

	overrides := make(map[Stage]string, len(raw))
	for k, v := range raw {
		stage := Stage(k)
		if _, known := stageRank[stage]; !known {
			return fmt.Errorf("unknown stage %q in templates file", k)
		}
		overrides[stage] = v
	}

	t.mu.Lock()
	t.overrides = overrides
	t.mu.Unlock()
	return nil
}

// Render returns the canned question for a stage, with {fact} placeholders
// substituted from known facts. Returns "" for stages with no question
// (done) or when a placeholder cannot be resolved and no fallback exists.
func (t *Templates) Render(stage Stage, facts map[string]string) string {
	t.mu.RLock()
	tmpl, overridden := t.overrides[stage]
	t.mu.RUnlock()

	if !overridden {
		tmpl = defaultTemplates[stage]
	}
	if tmpl == "" {
		return ""
	}

	rendered, complete := substitute(tmpl, facts)
	if complete {
		return rendered
	}
	if fb, ok := fallbackTemplates[stage]; ok {
		if rendered, complete = substitute(fb, facts); complete {
			return rendered
		}
	}
	return ""
}

// substitute replaces {key} placeholders from facts. Reports false if any
// placeholder had no matching fact.
func substitute(tmpl string, facts map[string]string) (string, bool) {
	result := tmpl
	for {
		start := strings.IndexByte(result, '{')
		if start < 0 {
			break
		}
		end := strings.IndexByte(result[start:], '}')
		if end < 0 {
			break
		}
		key := result[start+1 : start+end]
		value, ok := facts[key]
		if !ok || value == "" {
			return tmpl, false
		}
		result = result[:start] + value + result[start+end+1:]
	}
	return result, true
}
