package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/arranger-ai/arranger/internal/core"
)

const verdictPrompt = `You review governance questions for a software team.
Respond with JSON only: {"decision":"approve|reject|abstain","reason":"one sentence"}.`

// reviewVotes casts a verdict on every pending topic whose required roles
// intersect this agent's roles and where the agent has not voted yet. An
// unparseable model verdict falls back to the configured default decision,
// never to an implicit approval.
func (r *Runtime) reviewVotes(ctx context.Context) {
	if r.deps.Votes == nil {
		return
	}
	self := r.agent()
	if self == nil {
		return
	}
	topics, err := r.deps.Votes.List(ctx, core.TopicFilter{Status: core.TopicPending})
	if err != nil {
		r.logger.Warn("listing vote topics failed", "error", err)
		return
	}
	for _, topic := range topics {
		if ctx.Err() != nil {
			return
		}
		if !self.RolesIntersect(topic.RequiredRoles) {
			continue
		}
		voted, err := r.alreadyVoted(ctx, topic.ID)
		if err != nil {
			r.logger.Warn("checking existing vote failed", "topic_id", topic.ID, "error", err)
			continue
		}
		if voted {
			continue
		}
		decision, reason := r.voteVerdict(ctx, topic)
		if _, err := r.deps.Votes.CastVote(ctx, topic.ID, r.cfg.AgentID, decision, reason); err != nil {
			if core.IsCode(err, core.CodeDuplicateVote) {
				continue
			}
			r.logger.Warn("casting vote failed", "topic_id", topic.ID, "error", err)
			continue
		}
		r.logger.Info("vote cast", "topic_id", topic.ID, "decision", decision)
	}
}

func (r *Runtime) alreadyVoted(ctx context.Context, topicID string) (bool, error) {
	votes, err := r.deps.Votes.ListVotes(ctx, topicID)
	if err != nil {
		return false, err
	}
	for _, v := range votes {
		if v.AgentID == r.cfg.AgentID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Runtime) voteVerdict(ctx context.Context, topic *core.VoteTopic) (core.VoteDecision, string) {
	decision, reason, err := r.verdict(ctx, fmt.Sprintf("Vote topic: %s\n%s", topic.Subject, topic.Description))
	if err != nil || !core.ValidVoteDecision(decision) {
		r.logger.Warn("vote verdict unusable, using default",
			"topic_id", topic.ID, "default", r.cfg.DefaultVoteDecision, "error", err)
		return r.cfg.DefaultVoteDecision, "model verdict unusable, default decision applied"
	}
	return decision, reason
}

// reviewApprovals resolves pending approvals addressed to this agent. An
// unclear verdict leaves the approval pending for a human rather than
// guessing.
func (r *Runtime) reviewApprovals(ctx context.Context) {
	if r.deps.Approvals == nil {
		return
	}
	approvals, err := r.deps.Approvals.List(ctx, core.ApprovalFilter{
		ApproverID: r.cfg.AgentID,
		Decision:   core.ApprovalPending,
	})
	if err != nil {
		r.logger.Warn("listing approvals failed", "error", err)
		return
	}
	for _, approval := range approvals {
		if ctx.Err() != nil {
			return
		}
		prompt := fmt.Sprintf("Approval request for task %s, raised by %s.", approval.TaskID, approval.CreatedBy)
		if task, err := r.deps.Scheduler.GetTask(ctx, approval.TaskID); err == nil {
			prompt = fmt.Sprintf("%s\nTask: %s\nResult: %s\nFailure: %s",
				prompt, task.Title, task.Result, task.FailureReason)
		}
		decision, reason, err := r.verdict(ctx, prompt)
		if err != nil {
			r.logger.Warn("approval verdict failed, leaving pending", "approval_id", approval.ID, "error", err)
			continue
		}
		var resolved core.ApprovalDecision
		switch decision {
		case core.VoteApprove:
			resolved = core.ApprovalApproved
		case core.VoteReject:
			resolved = core.ApprovalRejected
		default:
			r.logger.Info("approval verdict unclear, leaving pending", "approval_id", approval.ID)
			continue
		}
		if _, err := r.deps.Approvals.Resolve(ctx, approval.ID, resolved, reason); err != nil {
			r.logger.Warn("resolving approval failed", "approval_id", approval.ID, "error", err)
		}
	}
}

// verdict runs one short model call and parses the structured decision.
func (r *Runtime) verdict(ctx context.Context, question string) (core.VoteDecision, string, error) {
	resp, err := r.chat(ctx, core.ChatRequest{
		System:   verdictPrompt,
		Messages: []core.ChatMessage{{Role: core.RoleUser, Content: question}},
	}, r.cfg.VerdictTimeout, "")
	if err != nil {
		return "", "", err
	}
	doc := extractJSON(resp.Content)
	if doc == "" || !gjson.Valid(doc) {
		return "", "", llmParseFailure("verdict response is not valid JSON", resp.Content)
	}
	decision := core.VoteDecision(strings.ToLower(strings.TrimSpace(gjson.Get(doc, "decision").String())))
	reason := gjson.Get(doc, "reason").String()
	if !core.ValidVoteDecision(decision) {
		return "", "", llmParseFailure("verdict decision is not approve/reject/abstain", resp.Content)
	}
	return decision, reason, nil
}
