package core

import "testing"

func TestSessionStatus_IsFinished(t *testing.T) {
	tests := []struct {
		status SessionStatus
		want   bool
	}{
		{SessionRunning, false},
		{SessionWaitingForInput, false},
		{SessionCompleted, true},
		{SessionFailed, true},
		{SessionCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsFinished(); got != tt.want {
				t.Errorf("IsFinished(%q) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}
