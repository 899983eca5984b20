package core

// Well-known task label names and prefixes. Labels double as a secondary
// index: idempotent creation, role routing and agent exclusion are all
// expressed through them.
const (
	LabelWorkflowPrefix  = "workflow:"
	LabelPhasePrefix     = "workflow_phase:"
	LabelInstancePrefix  = "workflow_instance:"
	LabelRolePrefix      = "workflow_role:"
	LabelPlainRolePrefix = "role:"
	LabelExcludePrefix   = "agent_exclude:"
	LabelScenarioPrefix  = "scenario:"
	LabelDecisionPrefix  = "decision:"
	LabelArtifactPrefix  = "artifact:"
	LabelMentionPrefix   = "mention:"
	LabelPolicyPrefix    = "message_policy:"
	LabelAutoOncePrefix  = "workflow_auto:"

	LabelAuto          = "workflow:auto"
	LabelHumanRequired = "workflow:human_required"
	LabelRequirement   = "workflow:requirement"
	LabelBusinessTask  = "workflow:business_task"
	LabelDefect        = "defect"
	LabelProofWork     = "proof:work"
	LabelProofSignoff  = "proof:agreement"

	// RoleHumanPortal routes tasks no agent can take to a human operator.
	RoleHumanPortal = "human_portal"
)

// MergeLabels appends labels not already present, preserving order.
func MergeLabels(existing []string, add ...string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, l := range existing {
		seen[l] = true
	}
	for _, l := range add {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
