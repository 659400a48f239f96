package model

import "testing"

func TestIsTerminalTaskStatus(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusInProgress, false},
		{StatusEscalated, false},
		{StatusArbitrating, false},
		{StatusAwaitingHuman, false},
		{StatusResolved, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsTerminalTaskStatus(tt.status); got != tt.terminal {
				t.Errorf("IsTerminalTaskStatus(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestValidateTaskTransition(t *testing.T) {
	valid := []struct {
		from, to TaskStatus
	}{
		{StatusPending, StatusInProgress},
		{StatusInProgress, StatusInProgress}, // retry at same tier
		{StatusInProgress, StatusEscalated},
		{StatusInProgress, StatusArbitrating},
		{StatusInProgress, StatusAwaitingHuman},
		{StatusInProgress, StatusResolved},
		{StatusInProgress, StatusFailed},
		{StatusEscalated, StatusInProgress}, // re-enter at new tier
		{StatusArbitrating, StatusInProgress},
		{StatusArbitrating, StatusAwaitingHuman},
		{StatusArbitrating, StatusResolved},
		{StatusAwaitingHuman, StatusInProgress}, // human hands it back
		{StatusAwaitingHuman, StatusResolved},
		{StatusAwaitingHuman, StatusFailed},
	}
	for _, tt := range valid {
		t.Run(string(tt.from)+"→"+string(tt.to), func(t *testing.T) {
			if err := ValidateTaskTransition(tt.from, tt.to); err != nil {
				t.Errorf("expected valid, got error: %v", err)
			}
		})
	}

	invalid := []struct {
		from, to TaskStatus
	}{
		{StatusResolved, StatusInProgress},
		{StatusFailed, StatusInProgress},
		{StatusFailed, StatusPending},
		{StatusPending, StatusResolved},
		{StatusPending, StatusEscalated},
		{StatusPending, StatusArbitrating},
		{StatusEscalated, StatusResolved}, // must pass through in_progress
		{StatusEscalated, StatusArbitrating},
	}
	for _, tt := range invalid {
		t.Run("invalid_"+string(tt.from)+"→"+string(tt.to), func(t *testing.T) {
			if err := ValidateTaskTransition(tt.from, tt.to); err == nil {
				t.Errorf("expected error for %q → %q", tt.from, tt.to)
			}
		})
	}
}

func TestValidateTaskTransition_UnknownStatus(t *testing.T) {
	if err := ValidateTaskTransition(TaskStatus("bogus"), StatusInProgress); err == nil {
		t.Error("expected error for unknown status")
	}
}
