// Package agents loads and serves agent definitions from a YAML file, with
// optional hot reload on file change.
package agents

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/arcov/conclave/internal/actions"
	"github.com/arcov/conclave/internal/logging"
)

// defaultMaxSteps applies to agents whose definition omits max_steps.
const defaultMaxSteps = 25

// Definition describes one agent: its instructions, tool grants, model
// choice, and post-completion action pipeline.
type Definition struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	Instructions  string         `yaml:"instructions"`
	Model         string         `yaml:"model,omitempty"`
	Tools         []string       `yaml:"tools,omitempty"`
	MaxSteps      int            `yaml:"max_steps,omitempty"`
	KnowledgeTags []string       `yaml:"knowledge_tags,omitempty"`
	Actions       []actions.Step `yaml:"actions,omitempty"`
}

type definitionsFile struct {
	Agents []Definition `yaml:"agents"`
}

// Registry holds the loaded agent definitions. All reads are safe under
// concurrent hot reload.
type Registry struct {
	mu           sync.RWMutex
	path         string
	byID         map[string]Definition
	defaultSteps int
	logger       *logging.Logger
	watcher      *fsnotify.Watcher
}

// Load reads the definitions file and builds a registry. Agents whose
// definition omits max_steps get defaultSteps; pass 0 for the built-in
// default.
func Load(path string, defaultSteps int, logger *logging.Logger) (*Registry, error) {
	if defaultSteps <= 0 {
		defaultSteps = defaultMaxSteps
	}
	r := &Registry{
		path:         path,
		byID:         make(map[string]Definition),
		defaultSteps: defaultSteps,
		logger:       logger.WithComponent("agents"),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read agent definitions: %w", err)
	}
	var file definitionsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse agent definitions: %w", err)
	}

	byID := make(map[string]Definition, len(file.Agents))
	for _, def := range file.Agents {
		if def.ID == "" {
			return fmt.Errorf("agent definition without id in %s", r.path)
		}
		if _, dup := byID[def.ID]; dup {
			return fmt.Errorf("duplicate agent id %q in %s", def.ID, r.path)
		}
		if def.MaxSteps <= 0 {
			def.MaxSteps = r.defaultSteps
		}
		if def.Name == "" {
			def.Name = def.ID
		}
		byID[def.ID] = def
	}

	r.mu.Lock()
	r.byID = byID
	r.mu.Unlock()
	r.logger.Info("agent definitions loaded", map[string]interface{}{
		"path":  r.path,
		"count": len(byID),
	})
	return nil
}

// Get returns the definition for an agent id.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[id]
	return def, ok
}

// List returns all definitions sorted by id.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.byID))
	for _, def := range r.byID {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch reloads the registry whenever the definitions file is rewritten.
// A broken rewrite is logged and the previous definitions stay in effect.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				// Debounce: wait a bit for writes to settle
				time.Sleep(100 * time.Millisecond)
				if err := r.reload(); err != nil {
					r.logger.Warn("agent definitions reload failed, keeping previous set", map[string]interface{}{
						"error": err.Error(),
					})
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// Ignore errors, keep watching
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
