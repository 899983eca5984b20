package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainErrorWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStoreFailure("create_task", cause)

	if !errors.Is(err, err) {
		t.Fatal("error must match itself")
	}
	if unwrapped := errors.Unwrap(err); unwrapped != cause {
		t.Fatalf("Unwrap = %v, want cause", unwrapped)
	}

	wrapped := fmt.Errorf("scheduler: %w", err)
	if !IsCode(wrapped, CodeStoreFailure) {
		t.Fatal("IsCode must see through fmt wrapping")
	}
	if GetCategory(wrapped) != ErrCatInternal {
		t.Fatalf("GetCategory = %v", GetCategory(wrapped))
	}
}

func TestRetryableFlags(t *testing.T) {
	if !IsRetryable(NewLockContention("lock:task:x", "dev-1")) {
		t.Fatal("lock contention is retryable")
	}
	if !IsRetryable(NewNoAgentAvailable("backend")) {
		t.Fatal("no agent available is retryable")
	}
	if !IsRetryable(NewLLMFailure("rate limited")) {
		t.Fatal("llm failures are retryable")
	}
	if IsRetryable(NewDefinitionInvalid("bad")) {
		t.Fatal("definition errors are not retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatal("plain errors are not retryable")
	}
}

func TestInvalidTransitionDetails(t *testing.T) {
	err := NewInvalidTransition("task-1", TaskStatusPending, TaskStatusCompleted)
	if err.Details["from"] != "pending" || err.Details["to"] != "completed" {
		t.Fatalf("details = %v", err.Details)
	}
	if GetCategory(err) != ErrCatConflict {
		t.Fatalf("category = %v", GetCategory(err))
	}
}

func TestWithDetail(t *testing.T) {
	err := NewValidationFailed("bad").WithDetail("field", "title")
	if err.Details["field"] != "title" {
		t.Fatalf("details = %v", err.Details)
	}
}
