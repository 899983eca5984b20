package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/arranger-ai/arranger/internal/core"
)

// both backends must behave identically; every test runs against each.
func forEachBackend(t *testing.T, fn func(t *testing.T, s core.Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "arranger.db"))
		if err != nil {
			t.Fatalf("opening sqlite store: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func newTask(id, title string) *core.Task {
	now := time.Now()
	return &core.Task{
		ID:            id,
		Title:         title,
		Priority:      core.TaskPriorityMedium,
		Status:        core.TaskStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		StatusUpdated: now,
	}
}

func TestTaskRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		task := newTask("task-1", "build the thing")
		task.SessionID = "sess-1"
		task.Labels = []string{"workflow:auto", "workflow_phase:build"}
		task.Dependencies = []string{"task-0"}
		task.Metadata = map[string]interface{}{"note": "x"}

		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		got, err := s.GetTask(ctx, "task-1")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Title != "build the thing" || got.SessionID != "sess-1" {
			t.Errorf("unexpected task: %+v", got)
		}
		if len(got.Labels) != 2 || got.Labels[0] != "workflow:auto" {
			t.Errorf("labels did not round-trip: %v", got.Labels)
		}
		if len(got.Dependencies) != 1 || got.Dependencies[0] != "task-0" {
			t.Errorf("dependencies did not round-trip: %v", got.Dependencies)
		}

		got.Status = core.TaskStatusAssigned
		got.AssignedTo = "dev-1"
		got.Labels = append(got.Labels, "agent_exclude:dev-2")
		if err := s.UpdateTask(ctx, got); err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
		again, err := s.GetTask(ctx, "task-1")
		if err != nil {
			t.Fatalf("GetTask after update: %v", err)
		}
		if again.Status != core.TaskStatusAssigned || again.AssignedTo != "dev-1" {
			t.Errorf("update not applied: %+v", again)
		}

		if _, err := s.GetTask(ctx, "task-missing"); !core.IsCode(err, core.CodeTaskNotFound) {
			t.Errorf("expected TaskNotFound, got %v", err)
		}
	})
}

func TestFindTaskByLabelReturnsOldest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		first := newTask("task-a", "first")
		first.Labels = []string{"message_policy:p1:m1"}
		first.CreatedAt = time.Now().Add(-time.Minute)
		second := newTask("task-b", "second")
		second.Labels = []string{"message_policy:p1:m1"}

		if err := s.CreateTask(ctx, first); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if err := s.CreateTask(ctx, second); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}

		got, err := s.FindTaskByLabel(ctx, "message_policy:p1:m1")
		if err != nil {
			t.Fatalf("FindTaskByLabel: %v", err)
		}
		if got == nil || got.ID != "task-a" {
			t.Errorf("expected oldest task-a, got %+v", got)
		}

		none, err := s.FindTaskByLabel(ctx, "no-such-label")
		if err != nil {
			t.Fatalf("FindTaskByLabel: %v", err)
		}
		if none != nil {
			t.Errorf("expected nil for unknown label, got %+v", none)
		}
	})
}

func TestCountAgentLoadSkipsTerminal(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		running := newTask("task-1", "running")
		running.AssignedTo = "dev-1"
		running.Status = core.TaskStatusRunning
		done := newTask("task-2", "done")
		done.AssignedTo = "dev-1"
		done.Status = core.TaskStatusCompleted
		owned := newTask("task-3", "owned")
		owned.CreatedBy = "dev-1"

		for _, task := range []*core.Task{running, done, owned} {
			if err := s.CreateTask(ctx, task); err != nil {
				t.Fatalf("CreateTask: %v", err)
			}
		}
		n, err := s.CountAgentLoad(ctx, "dev-1")
		if err != nil {
			t.Fatalf("CountAgentLoad: %v", err)
		}
		if n != 2 {
			t.Errorf("load = %d, want 2", n)
		}
	})
}

func TestLockClaimSemantics(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		resource := core.TaskLockResource("task-1")

		ok, err := s.AcquireLock(ctx, resource, "dev-1", "sess", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first claim: ok=%v err=%v", ok, err)
		}
		// Contention: a different holder cannot steal an unexpired lock.
		ok, err = s.AcquireLock(ctx, resource, "dev-2", "sess", time.Minute)
		if err != nil {
			t.Fatalf("contended claim: %v", err)
		}
		if ok {
			t.Error("dev-2 stole an unexpired lock")
		}
		// Re-claim by the holder refreshes the TTL.
		ok, err = s.AcquireLock(ctx, resource, "dev-1", "sess", time.Minute)
		if err != nil || !ok {
			t.Fatalf("holder refresh: ok=%v err=%v", ok, err)
		}

		lock, err := s.GetLock(ctx, resource)
		if err != nil {
			t.Fatalf("GetLock: %v", err)
		}
		if lock == nil || lock.HolderID != "dev-1" {
			t.Fatalf("unexpected lock: %+v", lock)
		}

		// Release by a non-holder is a no-op.
		if err := s.ReleaseLock(ctx, resource, "dev-2"); err != nil {
			t.Fatalf("non-holder release: %v", err)
		}
		if lock, _ := s.GetLock(ctx, resource); lock == nil {
			t.Fatal("non-holder release removed the lock")
		}
		if err := s.ReleaseLock(ctx, resource, "dev-1"); err != nil {
			t.Fatalf("holder release: %v", err)
		}
		if lock, _ := s.GetLock(ctx, resource); lock != nil {
			t.Fatalf("lock survived release: %+v", lock)
		}
	})
}

func TestExpiredLockIsClaimable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		resource := core.TaskLockResource("task-1")

		if ok, err := s.AcquireLock(ctx, resource, "dev-1", "", -time.Second); err != nil || !ok {
			t.Fatalf("seeding expired lock: ok=%v err=%v", ok, err)
		}
		ok, err := s.AcquireLock(ctx, resource, "dev-2", "", time.Minute)
		if err != nil {
			t.Fatalf("claiming expired lock: %v", err)
		}
		if !ok {
			t.Error("expired lock was not claimable")
		}
	})
}

func TestReleaseLocksByHolderAndPurge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		if ok, _ := s.AcquireLock(ctx, "lock:task:a", "dev-1", "", time.Minute); !ok {
			t.Fatal("claim a")
		}
		if ok, _ := s.AcquireLock(ctx, "lock:task:b", "dev-1", "", time.Minute); !ok {
			t.Fatal("claim b")
		}
		if ok, _ := s.AcquireLock(ctx, "lock:task:c", "dev-2", "", -time.Second); !ok {
			t.Fatal("claim c")
		}

		n, err := s.ReleaseLocksByHolder(ctx, "dev-1")
		if err != nil {
			t.Fatalf("ReleaseLocksByHolder: %v", err)
		}
		if n != 2 {
			t.Errorf("released %d locks, want 2", n)
		}

		n, err = s.PurgeExpiredLocks(ctx, time.Now())
		if err != nil {
			t.Fatalf("PurgeExpiredLocks: %v", err)
		}
		if n != 1 {
			t.Errorf("purged %d locks, want 1", n)
		}
	})
}

func TestOneVotePerAgent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		topic := &core.VoteTopic{
			ID:        "topic-1",
			Subject:   "ship it",
			VoteType:  core.VoteSimpleMajority,
			Status:    core.TopicPending,
			TimeoutAt: time.Now().Add(time.Hour),
			CreatedAt: time.Now(),
		}
		if err := s.CreateTopic(ctx, topic); err != nil {
			t.Fatalf("CreateTopic: %v", err)
		}

		vote := &core.Vote{TopicID: "topic-1", AgentID: "dev-1", Decision: core.VoteApprove, CastAt: time.Now()}
		if err := s.CreateVote(ctx, vote); err != nil {
			t.Fatalf("first cast: %v", err)
		}
		err := s.CreateVote(ctx, &core.Vote{TopicID: "topic-1", AgentID: "dev-1", Decision: core.VoteReject, CastAt: time.Now()})
		if !core.IsCode(err, core.CodeDuplicateVote) {
			t.Errorf("expected DuplicateVote, got %v", err)
		}

		votes, err := s.ListVotes(ctx, "topic-1")
		if err != nil {
			t.Fatalf("ListVotes: %v", err)
		}
		if len(votes) != 1 || votes[0].Decision != core.VoteApprove {
			t.Errorf("unexpected votes: %+v", votes)
		}
	})
}

func TestProofUpsertReplaces(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		proof := &core.Proof{
			ID:                 "proof:task-1",
			WorkflowInstanceID: "wfi-1",
			PhaseID:            "verify",
			Type:               core.ProofTypeWork,
			AttestationStatus:  core.AttestationPending,
			CreatedAt:          time.Now(),
		}
		if err := s.SaveProof(ctx, proof); err != nil {
			t.Fatalf("SaveProof: %v", err)
		}
		proof.Hash = "abc123"
		proof.AttestationStatus = core.AttestationApproved
		if err := s.SaveProof(ctx, proof); err != nil {
			t.Fatalf("SaveProof upsert: %v", err)
		}

		proofs, err := s.ListProofs(ctx, "wfi-1")
		if err != nil {
			t.Fatalf("ListProofs: %v", err)
		}
		if len(proofs) != 1 {
			t.Fatalf("got %d proofs, want 1", len(proofs))
		}
		if proofs[0].Hash != "abc123" || proofs[0].AttestationStatus != core.AttestationApproved {
			t.Errorf("upsert did not replace: %+v", proofs[0])
		}
	})
}

func TestInstanceSnapshotRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		now := time.Now()
		inst := &core.WorkflowInstance{
			ID:         "wfi-1",
			WorkflowID: "universal_flow_v1",
			SessionID:  "sess-1",
			Status:     core.InstanceStatusRunning,
			Metadata:   map[string]interface{}{"scenario": []string{"new_feature"}},
			PhaseState: map[string]*core.PhaseRuntimeState{
				"clarify": {Status: core.PhaseStatusActive, EnteredAt: &now, Decisions: []string{"d1"}},
				"build":   {Status: core.PhaseStatusPending},
			},
			ActivePhases: []string{"clarify"},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.SaveInstance(ctx, inst); err != nil {
			t.Fatalf("SaveInstance: %v", err)
		}

		got, err := s.GetInstance(ctx, "wfi-1")
		if err != nil {
			t.Fatalf("GetInstance: %v", err)
		}
		if got.PhaseState["clarify"].Status != core.PhaseStatusActive {
			t.Errorf("phase state lost: %+v", got.PhaseState["clarify"])
		}
		if len(got.PhaseState["clarify"].Decisions) != 1 {
			t.Errorf("decisions lost: %+v", got.PhaseState["clarify"].Decisions)
		}

		bySession, err := s.FindInstanceBySession(ctx, "sess-1")
		if err != nil {
			t.Fatalf("FindInstanceBySession: %v", err)
		}
		if bySession == nil || bySession.ID != "wfi-1" {
			t.Errorf("unexpected session lookup: %+v", bySession)
		}

		if err := s.DeleteInstance(ctx, "wfi-1"); err != nil {
			t.Fatalf("DeleteInstance: %v", err)
		}
		if _, err := s.GetInstance(ctx, "wfi-1"); !core.IsCode(err, core.CodeInstanceNotFound) {
			t.Errorf("expected InstanceNotFound, got %v", err)
		}
	})
}

func TestSessionScenarioMerge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		merged, err := s.MergeSessionScenarios(ctx, "sess-1", []string{"bug_fix", "new_feature"})
		if err != nil {
			t.Fatalf("MergeSessionScenarios: %v", err)
		}
		if len(merged) != 2 {
			t.Fatalf("merged = %v", merged)
		}
		merged, err = s.MergeSessionScenarios(ctx, "sess-1", []string{"new_feature", "doc_work"})
		if err != nil {
			t.Fatalf("MergeSessionScenarios: %v", err)
		}
		want := []string{"bug_fix", "new_feature", "doc_work"}
		if len(merged) != len(want) {
			t.Fatalf("merged = %v, want %v", merged, want)
		}
		for i := range want {
			if merged[i] != want[i] {
				t.Errorf("merged[%d] = %s, want %s", i, merged[i], want[i])
			}
		}
	})
}

func TestMessageListLimitKeepsNewest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)
		for i, id := range []string{"msg-1", "msg-2", "msg-3"} {
			msg := &core.Message{
				ID:          id,
				SessionID:   "sess-1",
				MessageType: core.MessageTypeUser,
				Content:     id,
				Visibility:  core.VisibilityPublic,
				CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			}
			if err := s.CreateMessage(ctx, msg); err != nil {
				t.Fatalf("CreateMessage: %v", err)
			}
		}
		msgs, err := s.ListMessages(ctx, core.MessageFilter{SessionID: "sess-1", Limit: 2})
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if len(msgs) != 2 || msgs[0].ID != "msg-2" || msgs[1].ID != "msg-3" {
			t.Errorf("unexpected window: %+v", msgs)
		}
	})
}
