package governance

import (
	"context"
	"testing"
	"time"

	"github.com/arranger-ai/arranger/internal/adapters/store"
	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/logging"
)

func newVotesService(t *testing.T) (*Votes, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus(logging.NewNop())
	notifier := NewNotifier(st, logging.NewNop())
	return NewVotes(st, st, st, notifier, bus, logging.NewNop()), st
}

func seedAgent(t *testing.T, st *store.MemoryStore, id string, roles []string, enabled bool) {
	t.Helper()
	now := time.Now()
	err := st.CreateAgent(context.Background(), &core.Agent{
		ID: id, Roles: roles, Status: core.AgentOnline,
		IsEnabled: enabled, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateAgent(%s): %v", id, err)
	}
}

func openTopic(t *testing.T, svc *Votes, voteType core.VoteType, roles []string) *core.VoteTopic {
	t.Helper()
	topic, err := svc.CreateTopic(context.Background(), TopicInput{
		Subject:       "merge release branch",
		VoteType:      voteType,
		RequiredRoles: roles,
	})
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return topic
}

func TestOneVotePerAgent(t *testing.T) {
	svc, st := newVotesService(t)
	ctx := context.Background()
	seedAgent(t, st, "dev-1", []string{"developer"}, true)
	seedAgent(t, st, "dev-2", []string{"developer"}, true)
	topic := openTopic(t, svc, core.VoteSimpleMajority, nil)

	if _, err := svc.CastVote(ctx, topic.ID, "dev-1", core.VoteApprove, ""); err != nil {
		t.Fatalf("first cast: %v", err)
	}
	_, err := svc.CastVote(ctx, topic.ID, "dev-1", core.VoteReject, "changed my mind")
	if !core.IsCode(err, core.CodeDuplicateVote) {
		t.Errorf("second cast: expected DuplicateVote, got %v", err)
	}
}

func TestEligibilityByRole(t *testing.T) {
	svc, st := newVotesService(t)
	ctx := context.Background()
	seedAgent(t, st, "dev-1", []string{"developer"}, true)
	seedAgent(t, st, "qa-1", []string{"qa"}, true)
	seedAgent(t, st, "dev-off", []string{"developer"}, false)
	topic := openTopic(t, svc, core.VoteSimpleMajority, []string{"developer"})

	tally, err := svc.Tally(ctx, topic.ID)
	if err != nil {
		t.Fatalf("Tally: %v", err)
	}
	if tally.Eligible != 1 {
		t.Errorf("eligible = %d, want 1 (role-matched, enabled only)", tally.Eligible)
	}
}

func TestSimpleMajorityResolvesWhenAllVoted(t *testing.T) {
	svc, st := newVotesService(t)
	ctx := context.Background()
	seedAgent(t, st, "a1", nil, true)
	seedAgent(t, st, "a2", nil, true)
	seedAgent(t, st, "a3", nil, true)
	topic := openTopic(t, svc, core.VoteSimpleMajority, nil)

	svc.mustCast(t, topic.ID, "a1", core.VoteApprove)
	svc.mustCast(t, topic.ID, "a2", core.VoteReject)
	if got, _ := svc.Get(ctx, topic.ID); got.Status != core.TopicPending {
		t.Fatalf("topic resolved before all voted: %s", got.Status)
	}
	svc.mustCast(t, topic.ID, "a3", core.VoteApprove)

	got, _ := svc.Get(ctx, topic.ID)
	if got.Status != core.TopicCompleted || got.Outcome != core.VoteApprove {
		t.Errorf("topic = %s/%s, want completed/approve", got.Status, got.Outcome)
	}
}

func TestAbsoluteMajorityResolvesEarly(t *testing.T) {
	svc, st := newVotesService(t)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2", "a3", "a4", "a5"} {
		seedAgent(t, st, id, nil, true)
	}
	topic := openTopic(t, svc, core.VoteAbsoluteMajority, nil)

	svc.mustCast(t, topic.ID, "a1", core.VoteApprove)
	svc.mustCast(t, topic.ID, "a2", core.VoteApprove)
	if got, _ := svc.Get(ctx, topic.ID); got.Status != core.TopicPending {
		t.Fatalf("2/5 approvals must not resolve, got %s", got.Status)
	}
	svc.mustCast(t, topic.ID, "a3", core.VoteApprove)

	got, _ := svc.Get(ctx, topic.ID)
	if got.Status != core.TopicCompleted || got.Outcome != core.VoteApprove {
		t.Errorf("3/5 approvals: topic = %s/%s, want completed/approve", got.Status, got.Outcome)
	}
}

func TestUnanimousRejectsOnFirstRejection(t *testing.T) {
	svc, st := newVotesService(t)
	ctx := context.Background()
	seedAgent(t, st, "a1", nil, true)
	seedAgent(t, st, "a2", nil, true)
	topic := openTopic(t, svc, core.VoteUnanimous, nil)

	svc.mustCast(t, topic.ID, "a1", core.VoteReject)
	got, _ := svc.Get(ctx, topic.ID)
	if got.Status != core.TopicCompleted || got.Outcome != core.VoteReject {
		t.Errorf("topic = %s/%s, want completed/reject", got.Status, got.Outcome)
	}
	// A resolved topic accepts no further votes.
	if _, err := svc.CastVote(ctx, topic.ID, "a2", core.VoteApprove, ""); err == nil {
		t.Error("cast on resolved topic must fail")
	}
}

func TestUnanimousAbstentionBreaksApproval(t *testing.T) {
	svc, st := newVotesService(t)
	ctx := context.Background()
	seedAgent(t, st, "a1", nil, true)
	seedAgent(t, st, "a2", nil, true)
	topic := openTopic(t, svc, core.VoteUnanimous, nil)

	svc.mustCast(t, topic.ID, "a1", core.VoteApprove)
	svc.mustCast(t, topic.ID, "a2", core.VoteAbstain)

	got, _ := svc.Get(ctx, topic.ID)
	if got.Status != core.TopicCompleted || got.Outcome != core.VoteReject {
		t.Errorf("topic = %s/%s, want completed/reject", got.Status, got.Outcome)
	}
}

func TestVetoApprovesWhenNobodyRejects(t *testing.T) {
	svc, st := newVotesService(t)
	ctx := context.Background()
	seedAgent(t, st, "a1", nil, true)
	seedAgent(t, st, "a2", nil, true)
	topic := openTopic(t, svc, core.VoteVeto, nil)

	svc.mustCast(t, topic.ID, "a1", core.VoteAbstain)
	svc.mustCast(t, topic.ID, "a2", core.VoteApprove)

	got, _ := svc.Get(ctx, topic.ID)
	if got.Status != core.TopicCompleted || got.Outcome != core.VoteApprove {
		t.Errorf("topic = %s/%s, want completed/approve", got.Status, got.Outcome)
	}
}

func TestTimeoutSweepSettlesOnCurrentVotes(t *testing.T) {
	svc, st := newVotesService(t)
	ctx := context.Background()
	seedAgent(t, st, "a1", nil, true)
	seedAgent(t, st, "a2", nil, true)
	seedAgent(t, st, "a3", nil, true)

	base := time.Now()
	svc.SetClock(func() time.Time { return base })
	topic, err := svc.CreateTopic(ctx, TopicInput{
		Subject:  "stale question",
		VoteType: core.VoteSimpleMajority,
		Timeout:  time.Minute,
	})
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	svc.mustCast(t, topic.ID, "a1", core.VoteApprove)

	svc.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	closed, err := svc.SweepTimeouts(ctx)
	if err != nil {
		t.Fatalf("SweepTimeouts: %v", err)
	}
	if closed != 1 {
		t.Fatalf("closed = %d, want 1", closed)
	}
	got, _ := svc.Get(ctx, topic.ID)
	if got.Status != core.TopicTimeout || got.Outcome != core.VoteApprove {
		t.Errorf("topic = %s/%s, want timeout/approve", got.Status, got.Outcome)
	}

	recs, err := st.ListGovernanceRecords(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListGovernanceRecords: %v", err)
	}
	found := false
	for _, rec := range recs {
		if rec.Kind == "vote_timeout" && rec.RefID == topic.ID {
			found = true
		}
	}
	if !found {
		t.Error("timeout resolution missing from governance history")
	}
}

func (s *Votes) mustCast(t *testing.T, topicID, agentID string, decision core.VoteDecision) {
	t.Helper()
	if _, err := s.CastVote(context.Background(), topicID, agentID, decision, ""); err != nil {
		t.Fatalf("CastVote(%s, %s): %v", topicID, agentID, err)
	}
}
