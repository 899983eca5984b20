// Package metrics defines the Prometheus collectors exported on /metrics.
// Services hold a *Metrics and increment through nil-safe helpers, so tests
// and trimmed-down assemblies can pass nil.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arranger-ai/arranger/internal/events"
)

// Metrics bundles every collector the process exports.
type Metrics struct {
	registry *prometheus.Registry

	TasksCreated     prometheus.Counter
	TasksFinished    *prometheus.CounterVec
	PhaseTransitions *prometheus.CounterVec
	PluginErrors     *prometheus.CounterVec
	LLMRequests      *prometheus.CounterVec
	VotesCast        prometheus.Counter
	LockContention   prometheus.Counter
	EventsPublished  *prometheus.CounterVec

	TaskDuration prometheus.Histogram
	LLMDuration  prometheus.Histogram
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arranger_tasks_created_total",
			Help: "Tasks created by the scheduler.",
		}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arranger_tasks_finished_total",
			Help: "Tasks reaching a terminal state, by status.",
		}, []string{"status"}),
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arranger_phase_transitions_total",
			Help: "Workflow events emitted by the kernel and scheduler, by kind.",
		}, []string{"kind"}),
		PluginErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arranger_plugin_errors_total",
			Help: "Plugin handler errors and panics, by plugin id.",
		}, []string{"plugin"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arranger_llm_requests_total",
			Help: "LLM chat requests, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		VotesCast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arranger_votes_cast_total",
			Help: "Votes cast on governance topics.",
		}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arranger_lock_contention_total",
			Help: "Lock claims skipped because another holder owns the resource.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arranger_events_published_total",
			Help: "Events published on the internal bus, by topic.",
		}, []string{"topic"}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arranger_task_duration_seconds",
			Help:    "Wall time from task start to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arranger_llm_request_seconds",
			Help:    "LLM chat request latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	reg.MustRegister(
		m.TasksCreated, m.TasksFinished, m.PhaseTransitions, m.PluginErrors,
		m.LLMRequests, m.VotesCast, m.LockContention, m.EventsPublished,
		m.TaskDuration, m.LLMDuration,
	)
	return m
}

// Registry returns the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// ObserveBus wires the bus-wide event counter. Call once at assembly.
func (m *Metrics) ObserveBus(bus *events.Bus) func() {
	if m == nil || bus == nil {
		return func() {}
	}
	return bus.Subscribe(func(evt events.Event) {
		m.EventsPublished.WithLabelValues(string(evt.EventTopic())).Inc()
		if we, ok := evt.(events.WorkflowEvent); ok {
			m.PhaseTransitions.WithLabelValues(string(we.Kind)).Inc()
		}
	}, events.AllTopics...)
}

// Nil-safe increment helpers. A nil receiver is a no-op so components do
// not need metrics wired in tests.

func (m *Metrics) IncTaskCreated() {
	if m != nil {
		m.TasksCreated.Inc()
	}
}

func (m *Metrics) IncTaskFinished(status string) {
	if m != nil {
		m.TasksFinished.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) IncPluginError(plugin string) {
	if m != nil {
		m.PluginErrors.WithLabelValues(plugin).Inc()
	}
}

func (m *Metrics) IncLLMRequest(provider, outcome string) {
	if m != nil {
		m.LLMRequests.WithLabelValues(provider, outcome).Inc()
	}
}

func (m *Metrics) IncVoteCast() {
	if m != nil {
		m.VotesCast.Inc()
	}
}

func (m *Metrics) IncLockContention() {
	if m != nil {
		m.LockContention.Inc()
	}
}

func (m *Metrics) ObserveTaskDuration(seconds float64) {
	if m != nil {
		m.TaskDuration.Observe(seconds)
	}
}

func (m *Metrics) ObserveLLMDuration(seconds float64) {
	if m != nil {
		m.LLMDuration.Observe(seconds)
	}
}
