// Package templates loads workflow definitions from disk, keeps the
// builtin flow available, registers everything with the kernel and
// re-reads the templates directory when it changes.
package templates

import (
	"context"
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/kernel"
	"github.com/arranger-ai/arranger/internal/logging"
)

//go:embed universal_flow_v1.json
var builtinUniversalFlow []byte

// BuiltinTemplateID is always registered, independent of the templates dir.
const BuiltinTemplateID = "universal_flow_v1"

// ManifestName is the root file listing the templates of a directory.
const ManifestName = "templates.json"

// Descriptor is one entry of the template catalogue.
type Descriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	Description string `json:"description,omitempty"`
	Builtin     bool   `json:"builtin,omitempty"`
}

type manifest struct {
	Templates []Descriptor `json:"templates"`
}

// Registry owns the loaded workflow definitions.
type Registry struct {
	kernel *kernel.Kernel
	bus    *events.Bus
	logger *logging.Logger

	mu          sync.RWMutex
	dir         string
	definitions map[string]*core.WorkflowDefinition
	descriptors map[string]Descriptor
}

// New builds a registry and registers the builtin flow with the kernel.
func New(kern *kernel.Kernel, bus *events.Bus, logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Registry{
		kernel:      kern,
		bus:         bus,
		logger:      logger.WithComponent("templates"),
		definitions: make(map[string]*core.WorkflowDefinition),
		descriptors: make(map[string]Descriptor),
	}
	var builtin core.WorkflowDefinition
	if err := json.Unmarshal(builtinUniversalFlow, &builtin); err != nil {
		return nil, core.NewDefinitionInvalid("builtin template is malformed").WithCause(err)
	}
	if err := r.register(&builtin, Descriptor{
		ID: builtin.ID, Name: builtin.Name, Description: builtin.Description, Builtin: true,
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadDir reads the manifest in dir and loads every referenced definition.
// A broken template is skipped with a warning; the rest still load. A
// missing directory or manifest is not an error: the builtin flow remains.
func (r *Registry) LoadDir(dir string) error {
	r.mu.Lock()
	r.dir = dir
	r.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Info("no template manifest, using builtin templates only", "dir", dir)
			return nil
		}
		return core.NewStoreFailure("read template manifest", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return core.NewDefinitionInvalid("template manifest is malformed").WithCause(err)
	}

	loaded := 0
	for _, desc := range m.Templates {
		if desc.Path == "" {
			r.logger.Warn("template entry has no path, skipping", "template_id", desc.ID)
			continue
		}
		path := desc.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		def, err := loadDefinition(path)
		if err != nil {
			r.logger.Warn("loading template failed, skipping",
				"template_id", desc.ID, "path", path, "error", err)
			continue
		}
		if desc.ID != "" && desc.ID != def.ID {
			r.logger.Warn("manifest id does not match definition id, skipping",
				"manifest_id", desc.ID, "definition_id", def.ID)
			continue
		}
		desc.ID = def.ID
		if desc.Name == "" {
			desc.Name = def.Name
		}
		if err := r.register(def, desc); err != nil {
			r.logger.Warn("registering template failed, skipping",
				"template_id", def.ID, "error", err)
			continue
		}
		loaded++
	}
	r.logger.Info("templates loaded", "dir", dir, "count", loaded)
	r.announce()
	return nil
}

func loadDefinition(path string) (*core.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewStoreFailure("read template file", err)
	}
	var def core.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, core.NewDefinitionInvalid("template file is malformed").WithCause(err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (r *Registry) register(def *core.WorkflowDefinition, desc Descriptor) error {
	if err := r.kernel.RegisterDefinition(def); err != nil {
		return err
	}
	r.mu.Lock()
	r.definitions[def.ID] = def
	r.descriptors[def.ID] = desc
	r.mu.Unlock()
	return nil
}

// Definition returns one loaded definition.
func (r *Registry) Definition(id string) (*core.WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[id]
	return def, ok
}

// Definitions lists loaded definitions, sorted by id.
func (r *Registry) Definitions() []*core.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.WorkflowDefinition, 0, len(r.definitions))
	for _, def := range r.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Descriptors lists the catalogue, sorted by id with the builtin first.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, desc := range r.descriptors {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Builtin != out[j].Builtin {
			return out[i].Builtin
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// announce publishes the current template set on the bus.
func (r *Registry) announce() {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.TemplateUpdate{Templates: r.Definitions()})
}

// Watch reloads the templates directory whenever a file in it changes.
// Events are debounced so editors that write in several steps trigger one
// reload. The watcher stops when ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	r.mu.RLock()
	dir := r.dir
	r.mu.RUnlock()
	if dir == "" {
		return core.NewValidationFailed("no templates directory loaded, nothing to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return core.NewStoreFailure("create template watcher", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return core.NewStoreFailure("watch templates directory", err)
	}

	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				pending = time.After(250 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("template watcher error", "error", err)
			case <-pending:
				pending = nil
				if err := r.LoadDir(dir); err != nil {
					r.logger.Warn("template reload failed", "error", err)
				}
			}
		}
	}()
	r.logger.Info("watching templates directory", "dir", dir)
	return nil
}
