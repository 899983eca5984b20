package core

import "time"

// ProofType distinguishes evidence of work done from evidence of agreement.
type ProofType string

const (
	ProofTypeWork      ProofType = "work"
	ProofTypeAgreement ProofType = "agreement"
)

// AttestationStatus tracks whether a proof has been acknowledged.
type AttestationStatus string

const (
	AttestationPending  AttestationStatus = "pending"
	AttestationApproved AttestationStatus = "approved"
	AttestationRejected AttestationStatus = "rejected"
)

// Proof is an evidence record linked to a phase. Identity is ID; upserting
// by id replaces the earlier record.
type Proof struct {
	ID                 string            `json:"id"`
	WorkflowInstanceID string            `json:"workflowInstanceId"`
	PhaseID            string            `json:"phaseId"`
	Type               ProofType         `json:"type"`
	TaskID             string            `json:"taskId,omitempty"`
	EvidenceURI        string            `json:"evidenceUri,omitempty"`
	Hash               string            `json:"hash,omitempty"`
	Acknowledgers      []string          `json:"acknowledgers,omitempty"`
	AttestationStatus  AttestationStatus `json:"attestationStatus"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// Clone returns a deep copy of the proof.
func (p *Proof) Clone() *Proof {
	out := *p
	out.Acknowledgers = append([]string(nil), p.Acknowledgers...)
	return &out
}

// ApprovalDecision is the state of an approval request.
type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "pending"
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
)

// Approval asks a named approver to accept or reject a task outcome.
type Approval struct {
	ID         string           `json:"id"`
	TaskID     string           `json:"taskId"`
	CreatedBy  string           `json:"createdBy"`
	ApproverID string           `json:"approverId"`
	Decision   ApprovalDecision `json:"decision"`
	Reason     string           `json:"reason,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	ResolvedAt *time.Time       `json:"resolvedAt,omitempty"`
}

// Clone returns a copy of the approval.
func (a *Approval) Clone() *Approval {
	out := *a
	if a.ResolvedAt != nil {
		v := *a.ResolvedAt
		out.ResolvedAt = &v
	}
	return &out
}

// VoteType selects the resolution rule for a topic.
type VoteType string

const (
	VoteSimpleMajority   VoteType = "simple_majority"
	VoteAbsoluteMajority VoteType = "absolute_majority"
	VoteUnanimous        VoteType = "unanimous"
	VoteVeto             VoteType = "veto"
)

// ValidVoteType reports whether v is a known vote type.
func ValidVoteType(v VoteType) bool {
	switch v {
	case VoteSimpleMajority, VoteAbsoluteMajority, VoteUnanimous, VoteVeto:
		return true
	}
	return false
}

// TopicStatus is the lifecycle state of a vote topic.
type TopicStatus string

const (
	TopicPending   TopicStatus = "pending"
	TopicCompleted TopicStatus = "completed"
	TopicTimeout   TopicStatus = "timeout"
)

// VoteDecision is a single agent's verdict on a topic.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteReject  VoteDecision = "reject"
	VoteAbstain VoteDecision = "abstain"
)

// ValidVoteDecision reports whether d is a known decision.
func ValidVoteDecision(d VoteDecision) bool {
	switch d {
	case VoteApprove, VoteReject, VoteAbstain:
		return true
	}
	return false
}

// VoteTopic is a governance question put to agents.
type VoteTopic struct {
	ID            string       `json:"id"`
	SessionID     string       `json:"sessionId,omitempty"`
	Subject       string       `json:"subject"`
	Description   string       `json:"description,omitempty"`
	VoteType      VoteType     `json:"voteType"`
	RequiredRoles []string     `json:"requiredRoles,omitempty"`
	TimeoutAt     time.Time    `json:"timeoutAt"`
	Status        TopicStatus  `json:"status"`
	Outcome       VoteDecision `json:"outcome,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	ResolvedAt    *time.Time   `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy of the topic.
func (t *VoteTopic) Clone() *VoteTopic {
	out := *t
	out.RequiredRoles = append([]string(nil), t.RequiredRoles...)
	if t.ResolvedAt != nil {
		v := *t.ResolvedAt
		out.ResolvedAt = &v
	}
	return &out
}

// Vote is one agent's cast on a topic. Votes are keyed (topicId, agentId);
// a second cast from the same agent is rejected.
type Vote struct {
	TopicID  string       `json:"topicId"`
	AgentID  string       `json:"agentId"`
	Decision VoteDecision `json:"decision"`
	Reason   string       `json:"reason,omitempty"`
	CastAt   time.Time    `json:"castAt"`
}

// GovernanceRecord is an audit row appended when votes or approvals
// resolve, or when the scheduler times a task out.
type GovernanceRecord struct {
	ID        int64                  `json:"id,omitempty"`
	Kind      string                 `json:"kind"`
	RefID     string                 `json:"refId"`
	SessionID string                 `json:"sessionId,omitempty"`
	Summary   string                 `json:"summary"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}
