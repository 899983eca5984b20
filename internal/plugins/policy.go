package plugins

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/logging"
	"github.com/arranger-ai/arranger/internal/scenario"
)

//go:embed policies_default.yaml
var defaultPoliciesYAML []byte

// Policy is one message-router rule: a condition set that must hold in
// full, and an ordered action list.
type Policy struct {
	ID         string           `yaml:"id"`
	Enabled    bool             `yaml:"enabled"`
	Priority   int              `yaml:"priority"`
	Conditions PolicyConditions `yaml:"conditions"`
	Actions    []PolicyAction   `yaml:"actions"`
}

// PolicyConditions all have to hold for the policy to fire. Zero values
// mean "no constraint".
type PolicyConditions struct {
	MessageTypes    []string `yaml:"message_types,omitempty"`
	RequireUser     bool     `yaml:"require_user,omitempty"`
	RequireMentions bool     `yaml:"require_mentions,omitempty"`
	// Keywords must all appear in the content, case-insensitive.
	Keywords    []string `yaml:"keywords,omitempty"`
	RequireTags []string `yaml:"require_tags,omitempty"`
	ExcludeTags []string `yaml:"exclude_tags,omitempty"`
	// Priority matches the message payload's priority field exactly.
	Priority string `yaml:"priority,omitempty"`
}

// PolicyAction is one routing step. Type selects the behavior; the task
// template only applies to create_task.
type PolicyAction struct {
	Type  string              `yaml:"type"`
	Level string              `yaml:"level,omitempty"`
	Title string              `yaml:"title,omitempty"`
	Body  string              `yaml:"body,omitempty"`
	Task  *PolicyTaskTemplate `yaml:"task,omitempty"`
}

// PolicyTaskTemplate describes the task a create_task action spawns.
type PolicyTaskTemplate struct {
	Title      string   `yaml:"title"`
	Intent     string   `yaml:"intent,omitempty"`
	Scope      string   `yaml:"scope,omitempty"`
	Priority   string   `yaml:"priority,omitempty"`
	Role       string   `yaml:"role,omitempty"`
	Labels     []string `yaml:"labels,omitempty"`
	PerMention bool     `yaml:"per_mention,omitempty"`
}

type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// LoadPolicies returns the embedded defaults, replaced wholesale by the
// override file when one exists at path.
func LoadPolicies(path string) ([]Policy, error) {
	raw := defaultPoliciesYAML
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			raw = data
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading policies file %s: %w", path, err)
		}
	}
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing policies: %w", err)
	}
	policies := file.Policies
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Priority > policies[j].Priority
	})
	return policies, nil
}

// Matches reports whether the message satisfies every condition.
func (c PolicyConditions) Matches(msg *core.Message) bool {
	if len(c.MessageTypes) > 0 {
		found := false
		for _, mt := range c.MessageTypes {
			if mt == string(msg.MessageType) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.RequireUser && msg.MessageType != core.MessageTypeUser {
		return false
	}
	if c.RequireMentions && len(msg.Mentions) == 0 {
		return false
	}
	lowered := strings.ToLower(msg.Content)
	for _, kw := range c.Keywords {
		if !strings.Contains(lowered, strings.ToLower(kw)) {
			return false
		}
	}
	for _, tag := range c.RequireTags {
		if !msg.HasTag(tag) {
			return false
		}
	}
	for _, tag := range c.ExcludeTags {
		if msg.HasTag(tag) {
			return false
		}
	}
	if c.Priority != "" {
		got, _ := msg.Payload["priority"].(string)
		if got != c.Priority {
			return false
		}
	}
	return true
}

// MessagePolicyConfig tunes the policy plugin.
type MessagePolicyConfig struct {
	// WorkflowID names the template used when a requirement message
	// bootstraps a new instance for its session.
	WorkflowID string
	// PoliciesPath optionally overrides the embedded policy set.
	PoliciesPath string
}

// MessagePolicy classifies blackboard messages into scenarios and routes
// them through the policy table: mention interrupts, task creation,
// notifications and requirement intake.
type MessagePolicy struct {
	cfg         MessagePolicyConfig
	policies    []Policy
	pctx        *Context
	logger      *logging.Logger
	ctx         context.Context
	seen        *seenSet
	unsubscribe func()
}

// NewMessagePolicy creates the policy plugin.
func NewMessagePolicy(cfg MessagePolicyConfig) *MessagePolicy {
	return &MessagePolicy{cfg: cfg, seen: newSeenSet()}
}

// ID implements Plugin.
func (p *MessagePolicy) ID() string { return "message_policy" }

// Start loads the policy table and subscribes to new messages.
func (p *MessagePolicy) Start(ctx context.Context, pctx *Context) error {
	policies, err := LoadPolicies(p.cfg.PoliciesPath)
	if err != nil {
		return err
	}
	p.policies = policies
	p.ctx = ctx
	p.pctx = pctx
	p.logger = pctx.Logger.WithComponent("plugin.message_policy")
	p.unsubscribe = pctx.Bus.Subscribe(p.onMessages, events.TopicMessagesUpdate)
	return nil
}

// Dispose implements Plugin.
func (p *MessagePolicy) Dispose() error {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	return nil
}

func (p *MessagePolicy) onMessages(evt events.Event) {
	update, ok := evt.(events.MessagesUpdate)
	if !ok {
		return
	}
	for _, msg := range update.Messages {
		// Tag enrichment republishes the message; process each id once.
		if !p.seen.FirstTime(msg.ID) {
			continue
		}
		p.classify(msg)
		p.route(msg)
	}
}

// classify attaches scenario tags to the message and merges the scenario
// set into the session and, when one exists, its workflow instance. The
// instance merge is what re-triggers scenario-gated phase activation.
func (p *MessagePolicy) classify(msg *core.Message) {
	scenarios := scenario.Classify(msg.Content)
	tags := make([]string, len(scenarios))
	for i, s := range scenarios {
		tags[i] = core.LabelScenarioPrefix + s
	}
	if enriched, err := p.pctx.Blackboard.EnrichTags(p.ctx, msg.ID, tags); err != nil {
		p.logger.Warn("tag enrichment failed", "message_id", msg.ID, "error", err)
	} else {
		msg.Tags = enriched.Tags
	}

	if msg.SessionID == "" {
		return
	}
	merged, err := p.pctx.Blackboard.MergeSessionScenarios(p.ctx, msg.SessionID, scenarios)
	if err != nil {
		p.logger.Warn("session scenario merge failed", "session_id", msg.SessionID, "error", err)
		return
	}
	if inst := p.pctx.Kernel.FindInstanceBySession(msg.SessionID); inst != nil {
		patch := map[string]interface{}{"scenario": merged}
		if err := p.pctx.Kernel.UpdateInstanceMetadata(p.ctx, inst.ID, patch); err != nil {
			p.logger.Warn("instance scenario merge failed", "instance_id", inst.ID, "error", err)
		}
	}
}

// route evaluates every enabled policy against the message, in descending
// priority. One policy failing is isolated; later policies still run.
func (p *MessagePolicy) route(msg *core.Message) {
	for _, policy := range p.policies {
		if !policy.Enabled || !policy.Conditions.Matches(msg) {
			continue
		}
		if err := p.apply(policy, msg); err != nil {
			p.pctx.Meter.IncPluginError(p.ID())
			p.logger.Error("policy evaluation failed",
				"policy_id", policy.ID, "message_id", msg.ID, "error", err)
		}
	}
}

func (p *MessagePolicy) apply(policy Policy, msg *core.Message) error {
	for _, action := range policy.Actions {
		var err error
		switch action.Type {
		case "interrupt_mentions":
			err = p.interruptMentions(msg)
		case "create_task":
			err = p.createTask(policy, action, msg)
		case "notify":
			err = p.notify(action, msg)
		case "mark_requirement":
			err = p.markRequirement(msg)
		default:
			err = core.NewPolicyEvaluationFailure(policy.ID, "unknown action type: "+action.Type)
		}
		if err != nil {
			return core.NewPolicyEvaluationFailure(policy.ID, err.Error()).WithCause(err)
		}
	}
	return nil
}

// interruptMentions pauses each mentioned agent's active work and hands
// them a high-priority task pointing at the message.
func (p *MessagePolicy) interruptMentions(msg *core.Message) error {
	for _, mention := range msg.Mentions {
		agent, err := p.pctx.Agents.GetAgent(p.ctx, mention)
		if err != nil {
			if core.IsCategory(err, core.ErrCatNotFound) {
				continue // mention of a user or unknown name, not an agent
			}
			return err
		}

		active, err := p.pctx.Scheduler.ListTasks(p.ctx, core.TaskFilter{
			AssignedTo: agent.ID,
			Statuses:   []core.TaskStatus{core.TaskStatusRunning, core.TaskStatusAssigned},
		})
		if err != nil {
			return err
		}
		for _, task := range active {
			if _, err := p.pctx.Scheduler.UpdateTaskStatus(p.ctx, task.ID, core.TaskStatusPaused, "interrupted by mention"); err != nil {
				p.logger.Warn("pausing task failed", "task_id", task.ID, "error", err)
			}
		}

		dedup := fmt.Sprintf("%s%s:%s", core.LabelMentionPrefix, msg.ID, agent.ID)
		from := msg.AgentID
		if from == "" {
			from = "user"
		}
		_, created, err := p.pctx.Scheduler.CreateTaskOnceByLabel(p.ctx, dedup, core.TaskInput{
			SessionID:  msg.SessionID,
			Title:      "Respond to mention from " + from,
			Intent:     "mention_response",
			Scope:      msg.Content,
			Priority:   core.TaskPriorityHigh,
			Status:     core.TaskStatusAssigned,
			AssignedTo: agent.ID,
			CreatedBy:  p.ID(),
			Metadata:   map[string]interface{}{"message_id": msg.ID},
		})
		if err != nil {
			return err
		}
		if created {
			p.logger.Info("mention interrupt created",
				"agent_id", agent.ID, "message_id", msg.ID)
		}
	}
	return nil
}

func (p *MessagePolicy) createTask(policy Policy, action PolicyAction, msg *core.Message) error {
	tpl := action.Task
	if tpl == nil {
		return core.NewValidationFailed("create_task action without a task template")
	}
	targets := []string{""}
	if tpl.PerMention {
		if len(msg.Mentions) == 0 {
			return nil
		}
		targets = msg.Mentions
	}
	for _, target := range targets {
		dedup := fmt.Sprintf("%s%s:%s", core.LabelPolicyPrefix, policy.ID, msg.ID)
		if target != "" {
			dedup += ":" + target
		}
		labels := append([]string(nil), tpl.Labels...)
		if tpl.Role != "" {
			labels = core.MergeLabels(labels, core.LabelPlainRolePrefix+tpl.Role)
		}
		title := tpl.Title
		if title == "" {
			title = "Follow up on message " + msg.ID
		}
		_, _, err := p.pctx.Scheduler.CreateTaskOnceByLabel(p.ctx, dedup, core.TaskInput{
			SessionID: msg.SessionID,
			Title:     title,
			Intent:    tpl.Intent,
			Scope:     firstNonEmpty(tpl.Scope, msg.Content),
			Priority:  core.TaskPriority(tpl.Priority),
			Labels:    labels,
			CreatedBy: p.ID(),
			Metadata:  map[string]interface{}{"message_id": msg.ID},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *MessagePolicy) notify(action PolicyAction, msg *core.Message) error {
	level := core.NotificationLevel(action.Level)
	switch level {
	case core.NotifyInfo, core.NotifyWarning, core.NotifyError:
	default:
		level = core.NotifyInfo
	}
	title := firstNonEmpty(action.Title, "Message needs attention")
	body := firstNonEmpty(action.Body, msg.Content)
	return p.pctx.Notifier.Notify(p.ctx, level, title, body, msg.SessionID,
		map[string]interface{}{"messageId": msg.ID})
}

// markRequirement tags the message as a workflow requirement and boots a
// workflow instance for the session when none exists yet.
func (p *MessagePolicy) markRequirement(msg *core.Message) error {
	if _, err := p.pctx.Blackboard.EnrichTags(p.ctx, msg.ID, []string{core.LabelRequirement}); err != nil {
		return err
	}
	if msg.SessionID == "" || p.cfg.WorkflowID == "" {
		return nil
	}
	if inst := p.pctx.Kernel.FindInstanceBySession(msg.SessionID); inst != nil {
		return nil
	}
	scenarios, err := p.pctx.Blackboard.SessionScenarios(p.ctx, msg.SessionID)
	if err != nil {
		return err
	}
	inst, err := p.pctx.Kernel.CreateInstance(p.ctx, p.cfg.WorkflowID, msg.SessionID, map[string]interface{}{
		"scenario":            scenarios,
		"requirement_message": msg.ID,
	})
	if err != nil {
		return err
	}
	p.logger.Info("workflow instance bootstrapped",
		"instance_id", inst.ID, "session_id", msg.SessionID, "message_id", msg.ID)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
