package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation  ErrorCategory = "validation"  // Invalid input or template
	ErrCatNotFound    ErrorCategory = "not_found"   // Resource not found
	ErrCatConflict    ErrorCategory = "conflict"    // Illegal transition / contention
	ErrCatUnavailable ErrorCategory = "unavailable" // No eligible worker
	ErrCatExternal    ErrorCategory = "external"    // LLM / tool collaborator failure
	ErrCatInternal    ErrorCategory = "internal"    // Store or unexpected failure
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes raised by the core.
const (
	CodeDefinitionInvalid   = "DEFINITION_INVALID"
	CodeInstanceNotFound    = "INSTANCE_NOT_FOUND"
	CodePhaseNotFound       = "PHASE_NOT_FOUND"
	CodeTaskNotFound        = "TASK_NOT_FOUND"
	CodeAgentNotFound       = "AGENT_NOT_FOUND"
	CodeTopicNotFound       = "TOPIC_NOT_FOUND"
	CodeApprovalNotFound    = "APPROVAL_NOT_FOUND"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeLockContention      = "LOCK_CONTENTION"
	CodeDuplicateVote       = "DUPLICATE_VOTE"
	CodeAgentNotEligible    = "AGENT_NOT_ELIGIBLE"
	CodeNoAgentAvailable    = "NO_AGENT_AVAILABLE"
	CodeLLMFailure          = "LLM_FAILURE"
	CodeToolFailure         = "TOOL_FAILURE"
	CodeStoreFailure        = "STORE_FAILURE"
	CodePolicyFailure       = "POLICY_EVALUATION_FAILED"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeTemplateUnavailable = "TEMPLATE_UNAVAILABLE"
)

// NewDefinitionInvalid reports a workflow template that failed validation.
// The template is not activated.
func NewDefinitionInvalid(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      CodeDefinitionInvalid,
		Message:   message,
		Retryable: false,
	}
}

// NewValidationFailed reports invalid caller input.
func NewValidationFailed(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      CodeValidationFailed,
		Message:   message,
		Retryable: false,
	}
}

// NewInstanceNotFound reports an unknown workflow instance id.
func NewInstanceNotFound(instanceID string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeInstanceNotFound,
		Message:   fmt.Sprintf("workflow instance not found: %s", instanceID),
		Retryable: false,
	}
}

// NewPhaseNotFound reports an unknown phase id within an instance.
func NewPhaseNotFound(instanceID, phaseID string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodePhaseNotFound,
		Message:   fmt.Sprintf("phase %s not found in instance %s", phaseID, instanceID),
		Retryable: false,
	}
}

// NewTaskNotFound reports an unknown task id.
func NewTaskNotFound(taskID string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeTaskNotFound,
		Message:   fmt.Sprintf("task not found: %s", taskID),
		Retryable: false,
	}
}

// NewNotFound reports any other missing resource.
func NewNotFound(code, resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      code,
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// NewInvalidTransition reports a rejected task status transition.
// The task remains in its current state.
func NewInvalidTransition(taskID string, from, to TaskStatus) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      CodeInvalidTransition,
		Message:   fmt.Sprintf("task %s: illegal transition %s -> %s", taskID, from, to),
		Retryable: false,
		Details: map[string]interface{}{
			"task_id": taskID,
			"from":    string(from),
			"to":      string(to),
		},
	}
}

// NewLockContention reports a lock already held by another worker.
// Callers skip the current iteration and retry later.
func NewLockContention(resource, holderID string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      CodeLockContention,
		Message:   fmt.Sprintf("lock %s held by %s", resource, holderID),
		Retryable: true,
	}
}

// NewDuplicateVote reports a second vote from the same agent on a topic.
func NewDuplicateVote(topicID, agentID string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      CodeDuplicateVote,
		Message:   fmt.Sprintf("agent %s already voted on topic %s", agentID, topicID),
		Retryable: false,
	}
}

// NewAgentNotEligible reports an agent that cannot take a task.
func NewAgentNotEligible(agentID, reason string) *DomainError {
	return &DomainError{
		Category:  ErrCatUnavailable,
		Code:      CodeAgentNotEligible,
		Message:   fmt.Sprintf("agent %s not eligible: %s", agentID, reason),
		Retryable: false,
	}
}

// NewNoAgentAvailable reports that no enabled online agent holds the role.
// The task stays pending and the scheduler retries on the next tick.
func NewNoAgentAvailable(role string) *DomainError {
	return &DomainError{
		Category:  ErrCatUnavailable,
		Code:      CodeNoAgentAvailable,
		Message:   fmt.Sprintf("no agent available for role %q", role),
		Retryable: true,
	}
}

// NewLLMFailure reports an LLM collaborator failure.
func NewLLMFailure(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExternal,
		Code:      CodeLLMFailure,
		Message:   message,
		Retryable: true,
	}
}

// NewToolFailure reports a tool invocation failure.
func NewToolFailure(tool, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExternal,
		Code:      CodeToolFailure,
		Message:   fmt.Sprintf("tool %s: %s", tool, message),
		Retryable: true,
		Details:   map[string]interface{}{"tool": tool},
	}
}

// NewStoreFailure reports a persistence failure. Mutations are not
// partially applied.
func NewStoreFailure(op string, cause error) *DomainError {
	return &DomainError{
		Category:  ErrCatInternal,
		Code:      CodeStoreFailure,
		Message:   fmt.Sprintf("store operation %s failed", op),
		Retryable: false,
		Cause:     cause,
	}
}

// NewPolicyEvaluationFailure reports a policy that failed on one message.
// Other policies continue.
func NewPolicyEvaluationFailure(policyID, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatInternal,
		Code:      CodePolicyFailure,
		Message:   fmt.Sprintf("policy %s: %s", policyID, message),
		Retryable: false,
		Details:   map[string]interface{}{"policy_id": policyID},
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// IsCode checks if an error carries a specific code.
func IsCode(err error, code string) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Code == code
	}
	return false
}
