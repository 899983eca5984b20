package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/arranger-ai/arranger/internal/core"
)

const decompositionPrompt = `Break the following requirement into concrete, independently executable tasks.
Respond with JSON only, no prose, in this shape:
{"tasks":[{"title":"...","intent":"...","scope":"...","priority":"high|medium|low","role":"...","dependencies":[0]}]}
"dependencies" lists the zero-based indices of earlier tasks that must finish first.`

// decompose routes a requirement-analysis task through the planner: the
// model returns a structured breakdown and each entry becomes a child task
// under the current one, with index dependencies mapped to created ids.
func (r *Runtime) decompose(ctx context.Context, task *core.Task) (string, error) {
	resp, err := r.chat(ctx, core.ChatRequest{
		System: decompositionPrompt,
		Messages: []core.ChatMessage{
			{Role: core.RoleUser, Content: taskBrief(task)},
		},
	}, r.cfg.ChatTimeout, task.ID)
	if err != nil {
		return "", err
	}

	doc := extractJSON(resp.Content)
	if doc == "" || !gjson.Valid(doc) {
		return "", llmParseFailure("decomposition response is not valid JSON", resp.Content)
	}
	entries := gjson.Get(doc, "tasks").Array()
	if len(entries) == 0 {
		return "", llmParseFailure("decomposition response lists no tasks", resp.Content)
	}

	created := make([]*core.Task, 0, len(entries))
	titles := make([]string, 0, len(entries))
	for i, entry := range entries {
		title := strings.TrimSpace(entry.Get("title").String())
		if title == "" {
			return "", llmParseFailure(fmt.Sprintf("decomposition task %d has no title", i), resp.Content)
		}
		input := core.TaskInput{
			SessionID:    task.SessionID,
			Title:        title,
			Intent:       entry.Get("intent").String(),
			Scope:        entry.Get("scope").String(),
			CreatedBy:    r.cfg.AgentID,
			ParentTaskID: task.ID,
			Labels:       inheritedLabels(task),
		}
		if p := core.TaskPriority(entry.Get("priority").String()); core.ValidTaskPriority(p) {
			input.Priority = p
		}
		if role := entry.Get("role").String(); role != "" {
			input.Labels = core.MergeLabels(input.Labels, core.LabelPlainRolePrefix+role)
		}
		for _, dep := range entry.Get("dependencies").Array() {
			idx := int(dep.Int())
			if idx < 0 || idx >= len(created) {
				return "", llmParseFailure(
					fmt.Sprintf("decomposition task %d references invalid dependency index %d", i, idx), resp.Content)
			}
			input.Dependencies = append(input.Dependencies, created[idx].ID)
		}
		child, err := r.deps.Scheduler.CreateTask(ctx, input)
		if err != nil {
			return "", err
		}
		created = append(created, child)
		titles = append(titles, title)
	}

	r.think(ctx, task.ID, "decomposed", strings.Join(titles, "; "), map[string]interface{}{
		"children": len(created),
	})
	return fmt.Sprintf("Decomposed into %d tasks: %s", len(created), strings.Join(titles, "; ")), nil
}

func llmParseFailure(message, raw string) error {
	return core.NewLLMFailure(message).WithDetail("raw", raw)
}

// extractJSON tolerates fenced or prose-wrapped model output by cutting
// the outermost JSON object out of the text.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if fence := strings.Index(s, "```"); fence >= 0 {
		s = s[fence+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(s[start : end+1])
}
