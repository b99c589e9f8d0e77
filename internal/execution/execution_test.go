package execution

import (
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusExecuting, true},
		{StatusPending, StatusCompleted, false},
		{StatusExecuting, StatusCompleted, true},
		{StatusExecuting, StatusAwaitingSynthesis, true},
		{StatusExecuting, StatusFailed, true},
		{StatusExecuting, StatusCancelled, true},
		{StatusAwaitingSynthesis, StatusCompleted, true},
		{StatusAwaitingSynthesis, StatusExecuting, false},
		{StatusCompleted, StatusExecuting, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusExecuting, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusExecuting, StatusAwaitingSynthesis} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNewExecution(t *testing.T) {
	exec := New("researcher", "u1", "s1", "question", 25)
	if exec.ID == "" {
		t.Fatal("expected generated id")
	}
	if exec.Status != StatusPending {
		t.Errorf("expected pending, got %s", exec.Status)
	}
	if exec.MaxSteps != 25 {
		t.Errorf("expected max steps 25, got %d", exec.MaxSteps)
	}
	if exec.CreatedAt.IsZero() {
		t.Error("expected created timestamp")
	}
}
