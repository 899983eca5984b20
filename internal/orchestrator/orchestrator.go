// Package orchestrator assembles the system from configuration: store,
// event bus, kernel, governance, scheduler, plugins, templates, agent
// runtimes and the HTTP API, with ordered startup and shutdown.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arranger-ai/arranger/internal/adapters/llm"
	"github.com/arranger-ai/arranger/internal/adapters/store"
	"github.com/arranger-ai/arranger/internal/agent"
	"github.com/arranger-ai/arranger/internal/api"
	"github.com/arranger-ai/arranger/internal/blackboard"
	"github.com/arranger-ai/arranger/internal/config"
	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/governance"
	"github.com/arranger-ai/arranger/internal/kernel"
	"github.com/arranger-ai/arranger/internal/logging"
	"github.com/arranger-ai/arranger/internal/metrics"
	"github.com/arranger-ai/arranger/internal/plugins"
	"github.com/arranger-ai/arranger/internal/scheduler"
	"github.com/arranger-ai/arranger/internal/templates"
)

const voteSweepInterval = 30 * time.Second

// Orchestrator owns the assembled system.
type Orchestrator struct {
	cfg    *config.Config
	logger *logging.Logger

	store      core.Store
	bus        *events.Bus
	meter      *metrics.Metrics
	kernel     *kernel.Kernel
	scheduler  *scheduler.Scheduler
	blackboard *blackboard.Service
	votes      *governance.Votes
	approvals  *governance.Approvals
	proofs     *governance.Proofs
	notifier   *governance.Notifier
	templates  *templates.Registry
	llm        core.LLMClient
	agents     []*agent.Runtime

	manager *plugins.Manager
	server  *api.Server

	unobserveBus func()
	cancel       context.CancelFunc
	group        *errgroup.Group
}

// New wires the services from configuration. Loops are not running yet;
// Start launches them.
func New(cfg *config.Config, logger *logging.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	o := &Orchestrator{cfg: cfg, logger: logger.WithComponent("orchestrator")}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	o.store = st

	o.bus = events.NewBus(logger)
	if cfg.Metrics.Enabled {
		o.meter = metrics.New()
		o.unobserveBus = o.meter.ObserveBus(o.bus)
	}

	o.kernel = kernel.New(o.bus, st, logger)
	o.scheduler = scheduler.New(st, st, st, st, o.bus, logger, o.meter)
	o.blackboard = blackboard.New(st, st, o.bus, logger)
	o.notifier = governance.NewNotifier(st, logger)
	o.votes = governance.NewVotes(st, st, st, o.notifier, o.bus, logger)
	o.approvals = governance.NewApprovals(st, st, o.scheduler, st, o.notifier, o.bus, logger)
	o.proofs = governance.NewProofs(st, logger)

	o.templates, err = templates.New(o.kernel, o.bus, logger)
	if err != nil {
		o.closeQuietly()
		return nil, err
	}

	client, err := buildLLMClient(cfg.LLM)
	if err != nil {
		o.closeQuietly()
		return nil, err
	}
	o.llm = llm.Instrument(client, o.meter)

	for _, agentID := range cfg.Agent.IDs {
		rt, err := agent.New(agent.Config{
			AgentID:             agentID,
			TakeoverEnabled:     cfg.Governance.TakeoverEnabled,
			DefaultVoteDecision: core.VoteDecision(cfg.Governance.DefaultVoteDecision),
			TrimStrategy:        cfg.Agent.TrimStrategy,
			TokenBudget:         cfg.Agent.TokenBudget,
			MaxIterations:       cfg.Agent.MaxIterations,
			Heartbeat:           cfg.Agent.Heartbeat,
			Poll:                cfg.Agent.Poll,
		}, agent.Deps{
			Scheduler:  o.scheduler,
			Blackboard: o.blackboard,
			Votes:      o.votes,
			Approvals:  o.approvals,
			Agents:     st,
			Audit:      st,
			Locks:      st,
			LLM:        o.llm,
			Bus:        o.bus,
			Logger:     logger,
		})
		if err != nil {
			o.closeQuietly()
			return nil, err
		}
		o.agents = append(o.agents, rt)
	}

	return o, nil
}

func openStore(cfg config.StoreConfig) (core.Store, error) {
	if cfg.Backend == "memory" {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(cfg.Path)
}

func buildLLMClient(cfg config.LLMConfig) (core.LLMClient, error) {
	switch cfg.Provider {
	case string(core.ProviderOpenAICompatible):
		return llm.NewOpenAICompatibleFromConfig(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case string(core.ProviderScripted):
		return llm.NewScripted(), nil
	default:
		return llm.NewClaudeFromAPIKey(cfg.APIKey, cfg.Model, cfg.MaxTokens)
	}
}

// Start performs startup recovery, loads templates, starts plugins, agents
// and the HTTP API, and launches the periodic loops. It returns once
// everything is running; Wait blocks on the loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	if err := o.scheduler.RecoverStartup(runCtx); err != nil {
		cancel()
		return err
	}

	if o.cfg.Templates.Dir != "" {
		if err := o.templates.LoadDir(o.cfg.Templates.Dir); err != nil {
			cancel()
			return err
		}
		if o.cfg.Templates.Watch {
			if err := o.templates.Watch(runCtx); err != nil {
				cancel()
				return err
			}
		}
	}

	// Restore after templates load so persisted instances find their
	// definitions.
	if err := o.restoreInstances(runCtx); err != nil {
		cancel()
		return err
	}

	wsCfg, err := templates.LoadWorkspaceConfig(o.cfg.Workspace.Root)
	if err != nil {
		cancel()
		return err
	}
	workflow, err := o.templates.Resolve(wsCfg)
	if err != nil {
		cancel()
		return err
	}

	o.manager = plugins.NewManager(&plugins.Context{
		Kernel:     o.kernel,
		Scheduler:  o.scheduler,
		Blackboard: o.blackboard,
		Votes:      o.votes,
		Approvals:  o.approvals,
		Proofs:     o.proofs,
		Notifier:   o.notifier,
		Agents:     o.store,
		Bus:        o.bus,
		Logger:     o.logger,
		Meter:      o.meter,
	}, o.logger)
	if err := o.manager.Register(
		plugins.NewAutoTask(),
		plugins.NewPhaseTracker(),
		plugins.NewProofCollector(),
		plugins.NewMessagePolicy(plugins.MessagePolicyConfig{WorkflowID: workflow.ID}),
	); err != nil {
		cancel()
		return err
	}
	if err := o.manager.Start(runCtx); err != nil {
		cancel()
		return err
	}

	for _, rt := range o.agents {
		if err := rt.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	o.server = api.NewServer(api.Deps{
		Kernel:     o.kernel,
		Scheduler:  o.scheduler,
		Blackboard: o.blackboard,
		Votes:      o.votes,
		Approvals:  o.approvals,
		Notifier:   o.notifier,
		Agents:     o.store,
		Templates:  o.templates,
		Bus:        o.bus,
		Metrics:    o.meter,
	}, o.logger,
		api.WithCORSOrigins(o.cfg.Server.CORSOrigins),
		api.WithDefaultWorkflow(workflow.ID),
	)

	group, groupCtx := errgroup.WithContext(runCtx)
	o.group = group
	group.Go(func() error {
		return o.server.ListenAndServe(groupCtx, o.cfg.Server.Addr())
	})
	group.Go(func() error {
		return o.tick(groupCtx, o.cfg.Scheduler.AssignInterval, func(ctx context.Context) {
			if _, err := o.scheduler.AssignPending(ctx); err != nil {
				o.logger.Warn("assign pass failed", "error", err)
			}
		})
	})
	group.Go(func() error {
		return o.tick(groupCtx, o.cfg.Scheduler.SweepInterval, func(ctx context.Context) {
			if _, err := o.scheduler.SweepTimeouts(ctx); err != nil {
				o.logger.Warn("timeout sweep failed", "error", err)
			}
			if _, err := o.store.PurgeExpiredLocks(ctx, time.Now()); err != nil {
				o.logger.Warn("lock purge failed", "error", err)
			}
		})
	})
	group.Go(func() error {
		return o.tick(groupCtx, voteSweepInterval, func(ctx context.Context) {
			if _, err := o.votes.SweepTimeouts(ctx); err != nil {
				o.logger.Warn("vote sweep failed", "error", err)
			}
		})
	})

	o.logger.Info("orchestrator started",
		"addr", o.cfg.Server.Addr(),
		"workflow", workflow.ID,
		"agents", len(o.agents),
	)
	return nil
}

// Wait blocks until the loops exit. Context cancellation is a normal stop,
// not an error.
func (o *Orchestrator) Wait() error {
	if o.group == nil {
		return nil
	}
	err := o.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop winds the system down in reverse order of startup: loops and API
// stop, agents go offline and release their locks, the plugin bus
// disposes, the store closes.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	if o.group != nil {
		_ = o.group.Wait()
	}
	for _, rt := range o.agents {
		rt.Stop()
	}
	if o.manager != nil {
		o.manager.Dispose()
	}
	o.closeQuietly()
	o.logger.Info("orchestrator stopped")
}

// Run starts the system and blocks until ctx is cancelled or a loop fails,
// then shuts down.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		o.closeQuietly()
		return err
	}
	err := o.Wait()
	o.Stop()
	return err
}

func (o *Orchestrator) restoreInstances(ctx context.Context) error {
	insts, err := o.store.ListInstances(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, inst := range insts {
		if err := o.kernel.RestoreInstance(inst); err != nil {
			o.logger.Warn("restoring instance failed, skipping",
				"instance_id", inst.ID, "error", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		o.logger.Info("instances restored", "count", restored)
	}
	return nil
}

func (o *Orchestrator) tick(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (o *Orchestrator) closeQuietly() {
	if o.unobserveBus != nil {
		o.unobserveBus()
		o.unobserveBus = nil
	}
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			o.logger.Warn("closing store failed", "error", err)
		}
		o.store = nil
	}
}
