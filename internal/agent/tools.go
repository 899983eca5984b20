package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/arranger-ai/arranger/internal/blackboard"
	"github.com/arranger-ai/arranger/internal/core"
)

// Tool is one capability exposed to the model during the tool loop.
type Tool struct {
	Schema core.ToolSchema
	Run    func(ctx context.Context, task *core.Task, args string) (string, error)
}

func builtinTools(r *Runtime) map[string]Tool {
	return map[string]Tool{
		"post_message": {
			Schema: core.ToolSchema{
				Name:        "post_message",
				Description: "Post a message to the shared session blackboard. Mention other agents with @agent-id.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"content": map[string]interface{}{"type": "string"},
						"tags":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					},
					"required": []string{"content"},
				},
			},
			Run: r.toolPostMessage,
		},
		"create_subtask": {
			Schema: core.ToolSchema{
				Name:        "create_subtask",
				Description: "Create a follow-up task under the current task. Use role to target a specific agent role.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"title":    map[string]interface{}{"type": "string"},
						"intent":   map[string]interface{}{"type": "string"},
						"scope":    map[string]interface{}{"type": "string"},
						"priority": map[string]interface{}{"type": "string", "enum": []string{"high", "medium", "low"}},
						"role":     map[string]interface{}{"type": "string"},
					},
					"required": []string{"title"},
				},
			},
			Run: r.toolCreateSubtask,
		},
		"report_file_change": {
			Schema: core.ToolSchema{
				Name:        "report_file_change",
				Description: "Record that a workspace file was created, modified or deleted while working on this task.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"path":        map[string]interface{}{"type": "string"},
						"change_type": map[string]interface{}{"type": "string", "enum": []string{"created", "modified", "deleted"}},
					},
					"required": []string{"path", "change_type"},
				},
			},
			Run: r.toolReportFileChange,
		},
	}
}

// toolSchemas lists the available tool schemas in a stable order.
func (r *Runtime) toolSchemas() []core.ToolSchema {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	schemas := make([]core.ToolSchema, 0, len(names))
	for _, name := range names {
		schemas = append(schemas, r.tools[name].Schema)
	}
	return schemas
}

// runTool executes one requested tool call, records the invocation, and
// returns the result text fed back to the model. Tool failures become
// error strings the model can react to; they do not abort the loop.
func (r *Runtime) runTool(ctx context.Context, task *core.Task, call core.ToolCall) string {
	started := r.now()
	var output string
	var runErr error

	tool, ok := r.tools[call.Name]
	if !ok {
		runErr = core.NewToolFailure(call.Name, "unknown tool")
	} else if !gjson.Valid(call.Arguments) {
		runErr = core.NewToolFailure(call.Name, "arguments are not valid JSON")
	} else {
		output, runErr = tool.Run(ctx, task, call.Arguments)
	}
	finished := r.now()

	if r.deps.Audit != nil {
		run := &core.ToolRun{
			TaskID:     task.ID,
			AgentID:    r.cfg.AgentID,
			Tool:       call.Name,
			Input:      call.Arguments,
			Output:     output,
			StartedAt:  started,
			FinishedAt: &finished,
		}
		if runErr != nil {
			run.Error = runErr.Error()
		}
		if err := r.deps.Audit.RecordToolRun(ctx, run); err != nil {
			r.logger.Warn("recording tool run failed", "task_id", task.ID, "tool", call.Name, "error", err)
		}
	}
	r.think(ctx, task.ID, "tool_run", call.Name, map[string]interface{}{
		"input": call.Arguments,
		"error": runErr != nil,
	})

	if runErr != nil {
		return "tool error: " + runErr.Error()
	}
	return output
}

func (r *Runtime) toolPostMessage(ctx context.Context, task *core.Task, args string) (string, error) {
	if r.deps.Blackboard == nil {
		return "", core.NewToolFailure("post_message", "blackboard is not available")
	}
	content := gjson.Get(args, "content").String()
	if strings.TrimSpace(content) == "" {
		return "", core.NewToolFailure("post_message", "content is required")
	}
	var tags []string
	for _, tag := range gjson.Get(args, "tags").Array() {
		if tag.String() != "" {
			tags = append(tags, tag.String())
		}
	}
	msg, err := r.deps.Blackboard.Post(ctx, blackboard.PostInput{
		SessionID:   task.SessionID,
		AgentID:     r.cfg.AgentID,
		MessageType: core.MessageTypeAgent,
		Content:     content,
		Tags:        tags,
	})
	if err != nil {
		return "", err
	}
	return "posted message " + msg.ID, nil
}

func (r *Runtime) toolCreateSubtask(ctx context.Context, task *core.Task, args string) (string, error) {
	title := gjson.Get(args, "title").String()
	if strings.TrimSpace(title) == "" {
		return "", core.NewToolFailure("create_subtask", "title is required")
	}
	input := core.TaskInput{
		SessionID:    task.SessionID,
		Title:        title,
		Intent:       gjson.Get(args, "intent").String(),
		Scope:        gjson.Get(args, "scope").String(),
		CreatedBy:    r.cfg.AgentID,
		ParentTaskID: task.ID,
		Labels:       inheritedLabels(task),
	}
	if p := core.TaskPriority(gjson.Get(args, "priority").String()); core.ValidTaskPriority(p) {
		input.Priority = p
	}
	if role := gjson.Get(args, "role").String(); role != "" {
		input.Labels = core.MergeLabels(input.Labels, core.LabelPlainRolePrefix+role)
	}
	created, err := r.deps.Scheduler.CreateTask(ctx, input)
	if err != nil {
		return "", err
	}
	return "created task " + created.ID, nil
}

func (r *Runtime) toolReportFileChange(ctx context.Context, task *core.Task, args string) (string, error) {
	if r.deps.Audit == nil {
		return "", core.NewToolFailure("report_file_change", "audit store is not available")
	}
	path := gjson.Get(args, "path").String()
	changeType := gjson.Get(args, "change_type").String()
	if path == "" || changeType == "" {
		return "", core.NewToolFailure("report_file_change", "path and change_type are required")
	}
	change := &core.FileChange{
		TaskID:     task.ID,
		AgentID:    r.cfg.AgentID,
		Path:       path,
		ChangeType: changeType,
		CreatedAt:  r.now(),
	}
	if err := r.deps.Audit.RecordFileChange(ctx, change); err != nil {
		return "", err
	}
	return fmt.Sprintf("recorded %s of %s", changeType, path), nil
}

// inheritedLabels carries workflow ownership and scenario labels from a
// parent task onto its children so phase bookkeeping keeps seeing them.
func inheritedLabels(task *core.Task) []string {
	var out []string
	for _, label := range task.Labels {
		switch label {
		case core.LabelAuto, core.LabelHumanRequired, core.LabelRequirement, core.LabelBusinessTask:
			continue
		}
		if strings.HasPrefix(label, core.LabelWorkflowPrefix) ||
			strings.HasPrefix(label, core.LabelPhasePrefix) ||
			strings.HasPrefix(label, core.LabelInstancePrefix) ||
			strings.HasPrefix(label, core.LabelScenarioPrefix) {
			out = append(out, label)
		}
	}
	return out
}
