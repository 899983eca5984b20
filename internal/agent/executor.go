package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/arranger-ai/arranger/internal/blackboard"
	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
)

// execute drives one claimed task to a terminal state. Routing order:
// tasks carrying an automation command run it directly, requirement
// analysis goes to the decomposition planner, everything else runs the
// model-with-tools loop.
func (r *Runtime) execute(ctx context.Context, task *core.Task) {
	logger := r.logger.WithTask(task.ID)

	task, err := r.deps.Scheduler.UpdateTaskStatus(ctx, task.ID, core.TaskStatusRunning, "")
	if err != nil {
		logger.Warn("starting task failed", "error", err)
		return
	}
	r.setActiveTask(ctx, task.ID)
	defer r.setActiveTask(ctx, "")

	r.think(ctx, task.ID, "start", "execution started", map[string]interface{}{
		"intent": task.Intent,
		"title":  task.Title,
	})

	var summary string
	switch {
	case automationCommand(task) != "":
		summary, err = r.runAutomation(ctx, task)
	case isRequirementAnalysis(task):
		summary, err = r.decompose(ctx, task)
	default:
		summary, err = r.toolLoop(ctx, task)
	}

	if err != nil {
		r.think(ctx, task.ID, "error", err.Error(), nil)
		logger.Warn("task execution failed", "error", err)
		r.handleFailure(ctx, task, err)
		return
	}

	if _, err := r.deps.Scheduler.CompleteTask(ctx, task.ID, summary); err != nil {
		logger.Warn("completing task failed", "error", err)
		r.releaseClaim(ctx, task.ID)
		return
	}
	r.think(ctx, task.ID, "complete", summary, nil)
	if task.ParentTaskID == "" && r.deps.Blackboard != nil && summary != "" {
		_, err := r.deps.Blackboard.Post(ctx, blackboard.PostInput{
			SessionID:   task.SessionID,
			AgentID:     r.cfg.AgentID,
			MessageType: core.MessageTypeAgent,
			Content:     fmt.Sprintf("Completed %q: %s", task.Title, summary),
		})
		if err != nil {
			logger.Warn("posting completion summary failed", "error", err)
		}
	}
	r.releaseClaim(ctx, task.ID)
}

// handleFailure either hands the task to the takeover flow (user approval,
// exclusion label, task back to pending) or fails it outright.
func (r *Runtime) handleFailure(ctx context.Context, task *core.Task, cause error) {
	if r.cfg.TakeoverEnabled && r.deps.Approvals != nil {
		_, err := r.deps.Approvals.RequestTaskTakeover(ctx, task.ID, r.cfg.AgentID, cause.Error())
		if err == nil {
			return
		}
		r.logger.Warn("takeover request failed, failing task", "task_id", task.ID, "error", err)
	}
	if _, err := r.deps.Scheduler.FailTask(ctx, task.ID, cause.Error()); err != nil {
		r.logger.Warn("failing task failed", "task_id", task.ID, "error", err)
	}
	r.releaseClaim(ctx, task.ID)
}

func (r *Runtime) releaseClaim(ctx context.Context, taskID string) {
	if err := r.deps.Scheduler.ReleaseTaskClaim(ctx, taskID, r.cfg.AgentID); err != nil {
		r.logger.Warn("releasing task claim failed", "task_id", taskID, "error", err)
	}
}

func (r *Runtime) setActiveTask(ctx context.Context, taskID string) {
	self, err := r.deps.Agents.GetAgent(ctx, r.cfg.AgentID)
	if err != nil || self == nil {
		return
	}
	self.ActiveTaskID = taskID
	if taskID != "" {
		self.Status = core.AgentBusy
	} else {
		self.Status = core.AgentOnline
	}
	self.UpdatedAt = r.now()
	_ = r.deps.Agents.UpdateAgent(ctx, self)
}

func (r *Runtime) think(ctx context.Context, taskID, step, content string, details map[string]interface{}) {
	if r.deps.Audit == nil {
		return
	}
	entry := &core.ThinkingLog{
		TaskID:    taskID,
		AgentID:   r.cfg.AgentID,
		Step:      step,
		Content:   content,
		Details:   details,
		CreatedAt: r.now(),
	}
	if err := r.deps.Audit.AppendThinkingLog(ctx, entry); err != nil {
		r.logger.Warn("appending thinking log failed", "task_id", taskID, "error", err)
	}
}

func isRequirementAnalysis(task *core.Task) bool {
	return task.Intent == "requirement_analysis" || task.HasLabel("requirement_analysis")
}

// automationCommand returns the shell command attached under
// metadata.automation.command, or empty.
func automationCommand(task *core.Task) string {
	auto, ok := task.Metadata["automation"].(map[string]interface{})
	if !ok {
		return ""
	}
	cmd, _ := auto["command"].(string)
	return strings.TrimSpace(cmd)
}

// runAutomation executes the task's attached command and uses its output
// as the result. Used for scripted verification steps; the run is recorded
// like any other tool invocation.
func (r *Runtime) runAutomation(ctx context.Context, task *core.Task) (string, error) {
	command := automationCommand(task)
	timeout := r.cfg.ChatTimeout
	if task.TimeoutSeconds > 0 {
		timeout = time.Duration(task.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := r.now()
	out, err := exec.CommandContext(runCtx, "sh", "-c", command).CombinedOutput()
	finished := r.now()
	output := strings.TrimSpace(string(out))

	run := &core.ToolRun{
		TaskID:     task.ID,
		AgentID:    r.cfg.AgentID,
		Tool:       "automation",
		Input:      command,
		Output:     output,
		StartedAt:  started,
		FinishedAt: &finished,
	}
	if err != nil {
		run.Error = err.Error()
	}
	if r.deps.Audit != nil {
		if recErr := r.deps.Audit.RecordToolRun(ctx, run); recErr != nil {
			r.logger.Warn("recording automation run failed", "task_id", task.ID, "error", recErr)
		}
	}
	if err != nil {
		return "", core.NewToolFailure("automation", fmt.Sprintf("%v: %s", err, output))
	}
	if output == "" {
		output = "automation command completed"
	}
	return output, nil
}

// toolLoop runs the bounded model-with-tools conversation. The model
// either answers with tool calls, which are executed and fed back, or with
// plain text, which ends the task with that text as its result.
func (r *Runtime) toolLoop(ctx context.Context, task *core.Task) (string, error) {
	messages := []core.ChatMessage{{Role: core.RoleUser, Content: taskBrief(task)}}
	schemas := r.toolSchemas()

	for i := 0; i < r.cfg.MaxIterations; i++ {
		messages = r.trimHistory(messages)
		resp, err := r.chat(ctx, core.ChatRequest{
			System:   r.systemPrompt(),
			Messages: messages,
			Tools:    schemas,
		}, r.cfg.ChatTimeout, task.ID)
		if err != nil {
			return "", err
		}
		r.think(ctx, task.ID, "llm_turn", resp.Content, map[string]interface{}{
			"iteration":  i,
			"tool_calls": len(resp.ToolCalls),
		})

		if len(resp.ToolCalls) == 0 {
			if resp.Content == "" {
				return "task completed", nil
			}
			return resp.Content, nil
		}

		messages = append(messages, core.ChatMessage{
			Role:      core.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := r.runTool(ctx, task, call)
			messages = append(messages, core.ChatMessage{
				Role:       core.RoleTool,
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}
	return "", core.NewLLMFailure(fmt.Sprintf("tool loop did not converge within %d iterations", r.cfg.MaxIterations))
}

// chat issues one model call with a deadline and mirrors the turn on the
// stream topic so observers can follow along.
func (r *Runtime) chat(ctx context.Context, req core.ChatRequest, timeout time.Duration, taskID string) (*core.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := r.deps.LLM.Chat(callCtx, req)
	if err != nil {
		if r.deps.Bus != nil {
			r.deps.Bus.Publish(events.LLMStreamUpdate{
				TaskID: taskID, AgentID: r.cfg.AgentID, Kind: string(core.ChunkError), Error: err.Error(),
			})
		}
		return nil, core.NewLLMFailure(err.Error())
	}
	if r.deps.Bus != nil {
		if resp.Content != "" {
			r.deps.Bus.Publish(events.LLMStreamUpdate{
				TaskID: taskID, AgentID: r.cfg.AgentID, Kind: string(core.ChunkDelta), Delta: resp.Content,
			})
		}
		usage := resp.Usage
		r.deps.Bus.Publish(events.LLMStreamUpdate{
			TaskID: taskID, AgentID: r.cfg.AgentID, Kind: string(core.ChunkDone), Usage: &usage,
		})
	}
	return resp, nil
}

// trimHistory keeps the conversation under the token budget. The first
// message is the task brief and is never dropped.
func (r *Runtime) trimHistory(messages []core.ChatMessage) []core.ChatMessage {
	if core.EstimateMessageTokens(messages) <= r.cfg.TokenBudget || len(messages) <= 2 {
		return messages
	}
	var dropped []core.ChatMessage
	for core.EstimateMessageTokens(messages) > r.cfg.TokenBudget && len(messages) > 2 {
		dropped = append(dropped, messages[1])
		messages = append(messages[:1], messages[2:]...)
	}
	if r.cfg.TrimStrategy == TrimSummarize && len(dropped) > 0 {
		var note strings.Builder
		note.WriteString("Earlier context was trimmed. Summary of dropped turns:")
		for _, m := range dropped {
			line := m.Content
			if len(line) > 120 {
				line = line[:120] + "…"
			}
			if line == "" {
				continue
			}
			note.WriteString("\n- " + string(m.Role) + ": " + line)
		}
		trimmed := make([]core.ChatMessage, 0, len(messages)+1)
		trimmed = append(trimmed, messages[0])
		trimmed = append(trimmed, core.ChatMessage{Role: core.RoleUser, Content: note.String()})
		trimmed = append(trimmed, messages[1:]...)
		messages = trimmed
	}
	return messages
}

func (r *Runtime) systemPrompt() string {
	self := r.agent()
	roles := "generalist"
	if self != nil && len(self.Roles) > 0 {
		roles = strings.Join(self.Roles, ", ")
	}
	return fmt.Sprintf(
		"You are %s, an autonomous software agent with roles: %s. "+
			"Work on the given task using the available tools. "+
			"When the work is done, reply with a short plain-text summary and no tool calls.",
		r.cfg.AgentID, roles)
}

func taskBrief(task *core.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s", task.Title)
	if task.Intent != "" {
		fmt.Fprintf(&b, "\nIntent: %s", task.Intent)
	}
	if task.Scope != "" {
		fmt.Fprintf(&b, "\nScope: %s", task.Scope)
	}
	return b.String()
}
