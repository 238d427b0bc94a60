package model

import "testing"

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "job '42' not found"}
	want := "NOT_FOUND: job '42' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("worker", "w1@pool")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "worker 'w1@pool' not found" {
		t.Errorf("Message = %q, want %q", err.Message, "worker 'w1@pool' not found")
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrValidation, 400},
		{ErrUnauthorized, 403},
		{ErrNotFound, 404},
		{ErrConflict, 409},
		{ErrInternal, 500},
		{ErrUnavailable, 503},
		{ErrorCode("SOMETHING_NEW"), 500},
	}
	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{
		Entity: "task",
		ID:     "3,0",
		From:   "completed",
		To:     "completed",
	}
	want := "task 3,0 cannot move from completed to completed"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestJobSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    JobSpec
		details int
	}{
		{"valid", JobSpec{Owner: "alice", Command: "echo", Size: 1}, 0},
		{"missing owner", JobSpec{Command: "echo", Size: 1}, 1},
		{"zero size", JobSpec{Owner: "alice", Command: "echo"}, 1},
		{"everything missing", JobSpec{}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.details == 0 {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			apiErr, ok := err.(*APIError)
			if !ok {
				t.Fatalf("Validate() = %T, want *APIError", err)
			}
			if apiErr.Code != ErrValidation {
				t.Errorf("Code = %q, want %q", apiErr.Code, ErrValidation)
			}
			if len(apiErr.Details) != tt.details {
				t.Errorf("Details length = %d, want %d", len(apiErr.Details), tt.details)
			}
		})
	}
}
