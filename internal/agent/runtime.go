// Package agent hosts the per-agent execution loop: it claims tasks the
// scheduler assigned to its agent, drives them through the model with a
// bounded tool loop, and participates in governance by casting votes and
// resolving approvals addressed to the agent.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arranger-ai/arranger/internal/blackboard"
	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/governance"
	"github.com/arranger-ai/arranger/internal/logging"
	"github.com/arranger-ai/arranger/internal/scheduler"
)

// Token-budget trim strategies for the conversation history.
const (
	TrimDropOldest = "drop_oldest"
	TrimSummarize  = "summarize"
)

// Defaults for the runtime knobs. Overridable per agent through Config.
const (
	DefaultHeartbeat      = 30 * time.Second
	DefaultPoll           = 30 * time.Second
	DefaultChatTimeout    = 60 * time.Second
	DefaultVerdictTimeout = 30 * time.Second
	DefaultTokenBudget    = 3200
	DefaultMaxIterations  = 20
)

// Config tunes one agent runtime.
type Config struct {
	AgentID string
	// TakeoverEnabled routes execution failures through a user approval
	// instead of failing the task outright.
	TakeoverEnabled bool
	// DefaultVoteDecision is cast when the model verdict cannot be parsed.
	DefaultVoteDecision core.VoteDecision
	TrimStrategy        string
	TokenBudget         int
	MaxIterations       int
	Heartbeat           time.Duration
	Poll                time.Duration
	ChatTimeout         time.Duration
	VerdictTimeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultVoteDecision == "" {
		c.DefaultVoteDecision = core.VoteAbstain
	}
	if c.TrimStrategy == "" {
		c.TrimStrategy = TrimDropOldest
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = DefaultTokenBudget
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.Poll <= 0 {
		c.Poll = DefaultPoll
	}
	if c.ChatTimeout <= 0 {
		c.ChatTimeout = DefaultChatTimeout
	}
	if c.VerdictTimeout <= 0 {
		c.VerdictTimeout = DefaultVerdictTimeout
	}
}

// Deps wires the runtime to the rest of the system.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Blackboard *blackboard.Service
	Votes      *governance.Votes
	Approvals  *governance.Approvals
	Agents     core.AgentStore
	Audit      core.AuditStore
	Locks      core.LockStore
	LLM        core.LLMClient
	Bus        *events.Bus
	Logger     *logging.Logger
}

// Runtime is one agent's execution loop.
type Runtime struct {
	cfg    Config
	deps   Deps
	logger *logging.Logger
	now    func() time.Time

	mu   sync.Mutex
	self *core.Agent

	tools map[string]Tool

	taskKick chan struct{}
	govKick  chan struct{}

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	unsubscribes []func()
}

// New builds a runtime. The agent row must already exist in the store when
// Start runs; New only validates wiring.
func New(cfg Config, deps Deps) (*Runtime, error) {
	if cfg.AgentID == "" {
		return nil, core.NewValidationFailed("agent id is required")
	}
	if deps.Scheduler == nil || deps.Agents == nil || deps.LLM == nil || deps.Locks == nil {
		return nil, core.NewValidationFailed("agent runtime requires scheduler, agent store, lock store and llm client")
	}
	cfg.applyDefaults()
	if cfg.TrimStrategy != TrimDropOldest && cfg.TrimStrategy != TrimSummarize {
		return nil, core.NewValidationFailed("unknown trim strategy: " + cfg.TrimStrategy)
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Runtime{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.WithComponent("agent").WithAgent(cfg.AgentID),
		now:      time.Now,
		taskKick: make(chan struct{}, 1),
		govKick:  make(chan struct{}, 1),
	}
	r.tools = builtinTools(r)
	return r, nil
}

// SetClock overrides the time source, for tests.
func (r *Runtime) SetClock(now func() time.Time) { r.now = now }

// Start loads the agent registration, marks it online and launches the
// work and governance loops. It fails when no agent row exists: agents are
// provisioned through the store, not implicitly.
func (r *Runtime) Start(ctx context.Context) error {
	self, err := r.deps.Agents.GetAgent(ctx, r.cfg.AgentID)
	if err != nil {
		return err
	}
	if self == nil {
		return core.NewNotFound(core.CodeAgentNotFound, "agent", r.cfg.AgentID)
	}
	self.Status = core.AgentOnline
	self.UpdatedAt = r.now()
	if err := r.deps.Agents.UpdateAgent(ctx, self); err != nil {
		return err
	}
	r.mu.Lock()
	r.self = self
	r.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if r.deps.Bus != nil {
		r.unsubscribes = append(r.unsubscribes,
			r.deps.Bus.Subscribe(func(events.Event) { kick(r.taskKick) }, events.TopicTasksUpdate),
			r.deps.Bus.Subscribe(func(events.Event) { kick(r.govKick) },
				events.TopicVotesUpdate, events.TopicApprovalsUpdate),
		)
	}

	r.wg.Add(3)
	go r.heartbeatLoop(runCtx)
	go r.workLoop(runCtx)
	go r.governanceLoop(runCtx)
	r.logger.Info("agent online", "roles", self.Roles)
	return nil
}

// Stop winds the runtime down: loops exit, held locks are released and the
// agent row goes offline. Safe to call once after a successful Start.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, unsub := range r.unsubscribes {
		unsub()
	}
	r.unsubscribes = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.deps.Locks.ReleaseLocksByHolder(ctx, r.cfg.AgentID); err != nil {
		r.logger.Warn("releasing locks on shutdown failed", "error", err)
	}
	if self, err := r.deps.Agents.GetAgent(ctx, r.cfg.AgentID); err == nil && self != nil {
		self.Status = core.AgentOffline
		self.ActiveTaskID = ""
		self.UpdatedAt = r.now()
		if err := r.deps.Agents.UpdateAgent(ctx, self); err != nil {
			r.logger.Warn("marking agent offline failed", "error", err)
		}
	}
	r.logger.Info("agent offline")
}

func (r *Runtime) agent() *core.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.deps.Agents.UpdateAgentHeartbeat(ctx, r.cfg.AgentID, r.now()); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (r *Runtime) workLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.taskKick:
		}
		r.runAssigned(ctx)
	}
}

func (r *Runtime) governanceLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.govKick:
		}
		r.reviewVotes(ctx)
		r.reviewApprovals(ctx)
	}
}

// runAssigned claims and executes every task currently assigned to this
// agent whose dependencies are satisfied. Claims refresh the scheduler
// lock; a lost claim means another holder took over and the task is
// skipped.
func (r *Runtime) runAssigned(ctx context.Context) {
	tasks, err := r.deps.Scheduler.ListTasks(ctx, core.TaskFilter{
		AssignedTo: r.cfg.AgentID,
		Statuses:   []core.TaskStatus{core.TaskStatusAssigned},
	})
	if err != nil {
		r.logger.Warn("listing assigned tasks failed", "error", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		ready, err := r.dependenciesSatisfied(ctx, task)
		if err != nil {
			r.logger.Warn("dependency check failed", "task_id", task.ID, "error", err)
			continue
		}
		if !ready {
			continue
		}
		ok, err := r.deps.Locks.AcquireLock(ctx, core.TaskLockResource(task.ID), r.cfg.AgentID, task.SessionID, core.DefaultLockTTL)
		if err != nil {
			r.logger.Warn("claiming task failed", "task_id", task.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		r.execute(ctx, task)
	}
}

func (r *Runtime) dependenciesSatisfied(ctx context.Context, task *core.Task) (bool, error) {
	for _, dep := range task.Dependencies {
		depTask, err := r.deps.Scheduler.GetTask(ctx, dep)
		if err != nil {
			if core.IsCode(err, core.CodeTaskNotFound) {
				continue
			}
			return false, err
		}
		if depTask.Status != core.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
