// Package plugins is the extension layer reacting to workflow and task
// events: automatic task generation, phase progress tracking, proof
// collection and message routing. Plugins run in-process and receive
// events sequentially in registration order; a failing plugin is isolated
// and never stalls the kernel.
package plugins

import (
	"context"
	"fmt"
	"sync"

	"github.com/arranger-ai/arranger/internal/blackboard"
	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/governance"
	"github.com/arranger-ai/arranger/internal/kernel"
	"github.com/arranger-ai/arranger/internal/logging"
	"github.com/arranger-ai/arranger/internal/metrics"
	"github.com/arranger-ai/arranger/internal/scheduler"
)

// Context hands a plugin the services it may act through. Plugins create
// tasks via the scheduler and approvals via governance instead of writing
// store rows themselves.
type Context struct {
	Kernel     *kernel.Kernel
	Scheduler  *scheduler.Scheduler
	Blackboard *blackboard.Service
	Votes      *governance.Votes
	Approvals  *governance.Approvals
	Proofs     *governance.Proofs
	Notifier   *governance.Notifier
	Agents     core.AgentStore
	Bus        *events.Bus
	Logger     *logging.Logger
	Meter      *metrics.Metrics
}

// Plugin is the extension contract. Start may subscribe to bus topics and
// must return quickly; Dispose tears the subscriptions down.
type Plugin interface {
	ID() string
	Start(ctx context.Context, pctx *Context) error
	Dispose() error
}

// WorkflowEventHandler is implemented by plugins that want kernel and
// scheduler transitions delivered through the manager.
type WorkflowEventHandler interface {
	HandleWorkflowEvent(evt events.WorkflowEvent)
}

// Manager registers plugins and fans workflow events out to them.
type Manager struct {
	mu          sync.Mutex
	plugins     []Plugin
	started     bool
	unsubscribe func()

	pctx   *Context
	logger *logging.Logger
}

// NewManager creates an empty plugin manager.
func NewManager(pctx *Context, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		pctx:   pctx,
		logger: logger.WithComponent("plugins"),
	}
}

// Register adds plugins. Ids must be unique; registration after start is
// rejected.
func (m *Manager) Register(plugins ...Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return core.NewValidationFailed("cannot register plugins after start")
	}
	seen := make(map[string]bool, len(m.plugins))
	for _, p := range m.plugins {
		seen[p.ID()] = true
	}
	for _, p := range plugins {
		if p.ID() == "" {
			return core.NewValidationFailed("plugin id cannot be empty")
		}
		if seen[p.ID()] {
			return core.NewValidationFailed("duplicate plugin id: " + p.ID())
		}
		seen[p.ID()] = true
		m.plugins = append(m.plugins, p)
	}
	return nil
}

// Start starts every plugin in registration order and subscribes the
// manager to workflow events. A plugin failing to start aborts the whole
// startup; partial assemblies are worse than none.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	for _, p := range m.plugins {
		if err := p.Start(ctx, m.pctx); err != nil {
			return fmt.Errorf("starting plugin %s: %w", p.ID(), err)
		}
		m.logger.Info("plugin started", "plugin", p.ID())
	}
	if m.pctx.Bus != nil {
		m.unsubscribe = m.pctx.Bus.Subscribe(m.dispatch, events.TopicWorkflowEvent)
	}
	m.started = true
	return nil
}

// Dispose stops the fan-out and disposes plugins in reverse order.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	for i := len(m.plugins) - 1; i >= 0; i-- {
		p := m.plugins[i]
		if err := p.Dispose(); err != nil {
			m.logger.Warn("plugin dispose failed", "plugin", p.ID(), "error", err)
		}
	}
	m.started = false
}

// dispatch delivers one workflow event to every handler plugin, isolating
// panics per plugin.
func (m *Manager) dispatch(evt events.Event) {
	we, ok := evt.(events.WorkflowEvent)
	if !ok {
		return
	}
	for _, p := range m.plugins {
		handler, ok := p.(WorkflowEventHandler)
		if !ok {
			continue
		}
		m.deliver(p.ID(), handler, we)
	}
}

func (m *Manager) deliver(id string, handler WorkflowEventHandler, we events.WorkflowEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.pctx.Meter.IncPluginError(id)
			m.logger.Error("plugin panicked on workflow event",
				"plugin", id, "kind", string(we.Kind), "panic", fmt.Sprint(r))
		}
	}()
	handler.HandleWorkflowEvent(we)
}

// seenSet is a concurrency-safe processed-id set plugins use for
// idempotence across event redeliveries.
type seenSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newSeenSet() *seenSet {
	return &seenSet{ids: make(map[string]bool)}
}

// FirstTime marks the id and reports whether it was unseen before.
func (s *seenSet) FirstTime(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids[id] {
		return false
	}
	s.ids[id] = true
	return true
}
