package core

import "fmt"

// WorkflowDefinition is an immutable workflow template. Definitions are
// loaded from JSON and validated once on registration; instances never
// mutate them.
type WorkflowDefinition struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	Phases      []PhaseDefinition `json:"phases"`
}

// PhaseDefinition describes one stage of a workflow template.
type PhaseDefinition struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Dependencies []string   `json:"dependencies,omitempty"`
	ScenarioTags []string   `json:"scenario_tags,omitempty"`
	Entry        PhaseEntry `json:"entry,omitempty"`
	Exit         ExitGate   `json:"exit,omitempty"`
}

// PhaseEntry holds the work spawned when a phase activates.
type PhaseEntry struct {
	AutoTasks []AutoTaskSpec `json:"auto_tasks,omitempty"`
}

// AutoTaskSpec is one entry of a phase's auto_tasks list: either a named
// generator or a single task template.
type AutoTaskSpec struct {
	Generator      string                 `json:"generator,omitempty"`
	Title          string                 `json:"title,omitempty"`
	Intent         string                 `json:"intent,omitempty"`
	Scope          string                 `json:"scope,omitempty"`
	Priority       TaskPriority           `json:"priority,omitempty"`
	Role           string                 `json:"role,omitempty"`
	Labels         []string               `json:"labels,omitempty"`
	MaxRetries     int                    `json:"max_retries,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ExitGate lists the conditions a phase must satisfy before completing.
// An empty gate is vacuously satisfied.
type ExitGate struct {
	RequireDecisions      []string `json:"require_decisions,omitempty"`
	RequireArtifacts      []string `json:"require_artifacts,omitempty"`
	RequireTasksCreated   []string `json:"require_tasks_created,omitempty"`
	RequireTasksCompleted []string `json:"require_tasks_completed,omitempty"`
	RequireDefectsOpen    *int     `json:"require_defects_open,omitempty"`
}

// Empty reports whether the gate carries no conditions at all.
func (g ExitGate) Empty() bool {
	return len(g.RequireDecisions) == 0 &&
		len(g.RequireArtifacts) == 0 &&
		len(g.RequireTasksCreated) == 0 &&
		len(g.RequireTasksCompleted) == 0 &&
		g.RequireDefectsOpen == nil
}

// FindPhase returns the phase definition with the given id.
func (d *WorkflowDefinition) FindPhase(phaseID string) (*PhaseDefinition, bool) {
	for i := range d.Phases {
		if d.Phases[i].ID == phaseID {
			return &d.Phases[i], true
		}
	}
	return nil, false
}

// PhaseIDs returns phase ids in declaration order.
func (d *WorkflowDefinition) PhaseIDs() []string {
	out := make([]string, len(d.Phases))
	for i, p := range d.Phases {
		out[i] = p.ID
	}
	return out
}

// Validate checks the definition invariants: id and version present,
// non-empty phases, unique phase ids, dependencies referencing known phases
// without duplicates, and an acyclic dependency graph.
func (d *WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return NewDefinitionInvalid("definition id is required")
	}
	if d.Version == "" {
		return NewDefinitionInvalid("definition version is required")
	}
	if len(d.Phases) == 0 {
		return NewDefinitionInvalid("definition must declare at least one phase")
	}

	known := make(map[string]bool, len(d.Phases))
	for _, p := range d.Phases {
		if p.ID == "" {
			return NewDefinitionInvalid("phase id is required")
		}
		if known[p.ID] {
			return NewDefinitionInvalid("duplicate phase id: " + p.ID)
		}
		known[p.ID] = true
	}

	for _, p := range d.Phases {
		seen := make(map[string]bool, len(p.Dependencies))
		for _, dep := range p.Dependencies {
			if !known[dep] {
				return NewDefinitionInvalid(fmt.Sprintf("phase %s depends on unknown phase %s", p.ID, dep))
			}
			if dep == p.ID {
				return NewDefinitionInvalid("phase " + p.ID + " depends on itself")
			}
			if seen[dep] {
				return NewDefinitionInvalid(fmt.Sprintf("phase %s declares duplicate dependency %s", p.ID, dep))
			}
			seen[dep] = true
		}
	}

	if cycle := findDependencyCycle(d.Phases); cycle != "" {
		return NewDefinitionInvalid("dependency cycle involving phase " + cycle)
	}
	return nil
}

// findDependencyCycle runs a topological elimination over the phase graph
// and returns one phase id from the residue when a cycle exists.
func findDependencyCycle(phases []PhaseDefinition) string {
	inDegree := make(map[string]int, len(phases))
	dependents := make(map[string][]string, len(phases))
	for _, p := range phases {
		inDegree[p.ID] = len(p.Dependencies)
		for _, dep := range p.Dependencies {
			dependents[dep] = append(dependents[dep], p.ID)
		}
	}

	queue := make([]string, 0, len(phases))
	for _, p := range phases {
		if inDegree[p.ID] == 0 {
			queue = append(queue, p.ID)
		}
	}

	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if resolved == len(phases) {
		return ""
	}
	for _, p := range phases {
		if inDegree[p.ID] > 0 {
			return p.ID
		}
	}
	return ""
}
