package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/logging"
)

// DefaultTopicTimeout bounds how long a topic stays open when the caller
// does not set one.
const DefaultTopicTimeout = 10 * time.Minute

// TopicInput carries the caller-supplied fields for topic creation.
type TopicInput struct {
	SessionID     string
	Subject       string
	Description   string
	VoteType      core.VoteType
	RequiredRoles []string
	Timeout       time.Duration
}

// Tally is the current standing of a topic.
type Tally struct {
	Eligible    int               `json:"eligible"`
	Approvals   int               `json:"approvals"`
	Rejections  int               `json:"rejections"`
	Abstentions int               `json:"abstentions"`
	Resolved    bool              `json:"resolved"`
	Outcome     core.VoteDecision `json:"outcome,omitempty"`
}

func (t Tally) voted() int { return t.Approvals + t.Rejections + t.Abstentions }

// Votes manages vote topics. Casting re-tallies; topics resolve as soon as
// their rule is decided, without waiting for stragglers where the rule
// allows it.
type Votes struct {
	votes    core.VoteStore
	agents   core.AgentStore
	audit    core.AuditStore
	notifier *Notifier
	bus      *events.Bus
	logger   *logging.Logger
	now      func() time.Time
}

// NewVotes creates the vote service.
func NewVotes(
	votes core.VoteStore,
	agents core.AgentStore,
	audit core.AuditStore,
	notifier *Notifier,
	bus *events.Bus,
	logger *logging.Logger,
) *Votes {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Votes{
		votes:    votes,
		agents:   agents,
		audit:    audit,
		notifier: notifier,
		bus:      bus,
		logger:   logger.WithComponent("votes"),
		now:      time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Votes) SetClock(now func() time.Time) { s.now = now }

// CreateTopic opens a pending topic.
func (s *Votes) CreateTopic(ctx context.Context, input TopicInput) (*core.VoteTopic, error) {
	if input.Subject == "" {
		return nil, core.NewValidationFailed("topic subject cannot be empty")
	}
	if !core.ValidVoteType(input.VoteType) {
		return nil, core.NewValidationFailed("unknown vote type: " + string(input.VoteType))
	}
	timeout := input.Timeout
	if timeout <= 0 {
		timeout = DefaultTopicTimeout
	}
	now := s.now()
	topic := &core.VoteTopic{
		ID:            core.NewTopicID(),
		SessionID:     input.SessionID,
		Subject:       input.Subject,
		Description:   input.Description,
		VoteType:      input.VoteType,
		RequiredRoles: append([]string(nil), input.RequiredRoles...),
		TimeoutAt:     now.Add(timeout),
		Status:        core.TopicPending,
		CreatedAt:     now,
	}
	if err := s.votes.CreateTopic(ctx, topic); err != nil {
		return nil, core.NewStoreFailure("create topic", err)
	}
	s.publish(topic)
	s.logger.Info("vote topic created",
		"topic_id", topic.ID, "subject", topic.Subject, "vote_type", string(topic.VoteType))
	return topic.Clone(), nil
}

// Get returns one topic.
func (s *Votes) Get(ctx context.Context, id string) (*core.VoteTopic, error) {
	return s.votes.GetTopic(ctx, id)
}

// List returns topics matching the filter.
func (s *Votes) List(ctx context.Context, filter core.TopicFilter) ([]*core.VoteTopic, error) {
	return s.votes.ListTopics(ctx, filter)
}

// ListVotes returns the votes cast on a topic.
func (s *Votes) ListVotes(ctx context.Context, topicID string) ([]*core.Vote, error) {
	return s.votes.ListVotes(ctx, topicID)
}

// CastVote records one agent's decision. A second cast from the same agent
// fails with DuplicateVote. After a successful cast the topic is re-tallied
// and resolved if its rule is decided.
func (s *Votes) CastVote(ctx context.Context, topicID, agentID string, decision core.VoteDecision, reason string) (*core.VoteTopic, error) {
	if agentID == "" {
		return nil, core.NewValidationFailed("vote requires an agent id")
	}
	if !core.ValidVoteDecision(decision) {
		return nil, core.NewValidationFailed("unknown vote decision: " + string(decision))
	}
	topic, err := s.votes.GetTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	if topic.Status != core.TopicPending {
		return nil, core.NewValidationFailed("topic is not open for voting: " + topicID)
	}

	vote := &core.Vote{
		TopicID:  topicID,
		AgentID:  agentID,
		Decision: decision,
		Reason:   reason,
		CastAt:   s.now(),
	}
	if err := s.votes.CreateVote(ctx, vote); err != nil {
		return nil, err
	}
	s.logger.Info("vote cast",
		"topic_id", topicID, "agent_id", agentID, "decision", string(decision))

	tally, err := s.tally(ctx, topic)
	if err != nil {
		return nil, err
	}
	if tally.Resolved {
		if err := s.resolve(ctx, topic, core.TopicCompleted, tally); err != nil {
			return nil, err
		}
	} else {
		s.publish(topic)
	}
	return topic.Clone(), nil
}

// Tally returns the current standing of a topic without mutating it.
func (s *Votes) Tally(ctx context.Context, topicID string) (Tally, error) {
	topic, err := s.votes.GetTopic(ctx, topicID)
	if err != nil {
		return Tally{}, err
	}
	return s.tally(ctx, topic)
}

// SweepTimeouts resolves pending topics past their deadline. Timed-out
// topics settle on the votes cast so far: more approvals than rejections
// carries, anything else rejects. Returns the number of topics closed.
func (s *Votes) SweepTimeouts(ctx context.Context) (int, error) {
	topics, err := s.votes.ListTopics(ctx, core.TopicFilter{Status: core.TopicPending})
	if err != nil {
		return 0, core.NewStoreFailure("list topics", err)
	}
	now := s.now()
	closed := 0
	for _, topic := range topics {
		if topic.TimeoutAt.After(now) {
			continue
		}
		tally, err := s.tally(ctx, topic)
		if err != nil {
			s.logger.Warn("tallying timed-out topic failed", "topic_id", topic.ID, "error", err)
			continue
		}
		tally.Resolved = true
		if tally.Approvals > tally.Rejections {
			tally.Outcome = core.VoteApprove
		} else {
			tally.Outcome = core.VoteReject
		}
		if err := s.resolve(ctx, topic, core.TopicTimeout, tally); err != nil {
			s.logger.Warn("resolving timed-out topic failed", "topic_id", topic.ID, "error", err)
			continue
		}
		closed++
	}
	return closed, nil
}

// EligibleVoters returns the enabled agents whose roles intersect the
// topic's required roles; every enabled agent when no roles are required.
func (s *Votes) EligibleVoters(ctx context.Context, topic *core.VoteTopic) ([]*core.Agent, error) {
	agents, err := s.agents.ListAgents(ctx, core.AgentFilter{})
	if err != nil {
		return nil, core.NewStoreFailure("list agents", err)
	}
	var eligible []*core.Agent
	for _, agent := range agents {
		if agent.IsEnabled && agent.RolesIntersect(topic.RequiredRoles) {
			eligible = append(eligible, agent)
		}
	}
	return eligible, nil
}

func (s *Votes) tally(ctx context.Context, topic *core.VoteTopic) (Tally, error) {
	eligible, err := s.EligibleVoters(ctx, topic)
	if err != nil {
		return Tally{}, err
	}
	votes, err := s.votes.ListVotes(ctx, topic.ID)
	if err != nil {
		return Tally{}, core.NewStoreFailure("list votes", err)
	}

	t := Tally{Eligible: len(eligible)}
	for _, v := range votes {
		switch v.Decision {
		case core.VoteApprove:
			t.Approvals++
		case core.VoteReject:
			t.Rejections++
		default:
			t.Abstentions++
		}
	}
	t.Resolved, t.Outcome = decide(topic.VoteType, t)
	return t, nil
}

// decide applies the topic's resolution rule to the current counts.
func decide(voteType core.VoteType, t Tally) (bool, core.VoteDecision) {
	allVoted := t.Eligible > 0 && t.voted() >= t.Eligible

	switch voteType {
	case core.VoteSimpleMajority:
		// Settles only once everyone has spoken (or at timeout).
		if !allVoted {
			return false, ""
		}
		if t.Approvals > t.Rejections {
			return true, core.VoteApprove
		}
		return true, core.VoteReject

	case core.VoteAbsoluteMajority:
		if t.Approvals > t.Eligible/2 {
			return true, core.VoteApprove
		}
		if allVoted {
			return true, core.VoteReject
		}
		return false, ""

	case core.VoteUnanimous:
		if t.Rejections > 0 {
			return true, core.VoteReject
		}
		if allVoted {
			if t.Approvals == t.Eligible {
				return true, core.VoteApprove
			}
			// Abstentions break unanimity.
			return true, core.VoteReject
		}
		return false, ""

	case core.VoteVeto:
		if t.Rejections > 0 {
			return true, core.VoteReject
		}
		if allVoted {
			return true, core.VoteApprove
		}
		return false, ""
	}
	return false, ""
}

func (s *Votes) resolve(ctx context.Context, topic *core.VoteTopic, status core.TopicStatus, tally Tally) error {
	now := s.now()
	topic.Status = status
	topic.Outcome = tally.Outcome
	topic.ResolvedAt = &now
	if err := s.votes.UpdateTopic(ctx, topic); err != nil {
		return core.NewStoreFailure("update topic", err)
	}

	kind := "vote_resolved"
	if status == core.TopicTimeout {
		kind = "vote_timeout"
	}
	if s.audit != nil {
		rec := &core.GovernanceRecord{
			Kind:      kind,
			RefID:     topic.ID,
			SessionID: topic.SessionID,
			Summary:   fmt.Sprintf("vote %q resolved %s", topic.Subject, topic.Outcome),
			Details: map[string]interface{}{
				"vote_type":   string(topic.VoteType),
				"eligible":    tally.Eligible,
				"approvals":   tally.Approvals,
				"rejections":  tally.Rejections,
				"abstentions": tally.Abstentions,
			},
			CreatedAt: now,
		}
		if err := s.audit.AppendGovernanceRecord(ctx, rec); err != nil {
			s.logger.Warn("appending governance record failed", "topic_id", topic.ID, "error", err)
		}
	}
	if s.notifier != nil {
		level := core.NotifyInfo
		if topic.Outcome == core.VoteReject || status == core.TopicTimeout {
			level = core.NotifyWarning
		}
		_ = s.notifier.Notify(ctx, level, "Vote "+string(topic.Outcome)+": "+topic.Subject,
			fmt.Sprintf("%d approve / %d reject / %d abstain of %d eligible",
				tally.Approvals, tally.Rejections, tally.Abstentions, tally.Eligible),
			topic.SessionID,
			map[string]interface{}{"topicId": topic.ID, "status": string(status)})
	}
	s.publish(topic)
	s.logger.Info("vote topic resolved",
		"topic_id", topic.ID, "status", string(status), "outcome", string(topic.Outcome))
	return nil
}

func (s *Votes) publish(topic *core.VoteTopic) {
	if s.bus != nil {
		s.bus.Publish(events.VotesUpdate{Topics: []*core.VoteTopic{topic.Clone()}})
	}
}
