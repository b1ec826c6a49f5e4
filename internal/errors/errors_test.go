package errors

import (
	"errors"
	"testing"
)

func TestCodedError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *CodedError
		expected string
	}{
		{
			name:     "error without cause",
			err:      New(CodeStorageNotFound, "document not found"),
			expected: "storage.not_found: document not found",
		},
		{
			name:     "error with cause",
			err:      Wrap(CodeStorageSaveFailed, "save document failed", errors.New("disk full")),
			expected: "storage.save_failed: save document failed (disk full)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCodedError_Unwrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(CodeInternal, "wrapped", cause)

	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the original cause")
	}

	// Test without cause
	err2 := New(CodeStorageNotFound, "not found")
	if err2.Unwrap() != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: "",
		},
		{
			name:     "CodedError",
			err:      New(CodeStorageNotFound, "not found"),
			expected: CodeStorageNotFound,
		},
		{
			name:     "wrapped CodedError",
			err:      Wrap(CodeProtocolDecodeFailed, "failed", errors.New("cause")),
			expected: CodeProtocolDecodeFailed,
		},
		{
			name:     "plain error",
			err:      errors.New("some error"),
			expected: CodeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.expected {
				t.Errorf("GetCode() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: "",
		},
		{
			name:     "CodedError",
			err:      New(CodeStorageNotFound, "document not found"),
			expected: "document not found",
		},
		{
			name:     "plain error",
			err:      errors.New("some error"),
			expected: "some error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetMessage(tt.err); got != tt.expected {
				t.Errorf("GetMessage() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestToCodeAndMessage(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
	}{
		{
			name:        "nil error",
			err:         nil,
			wantCode:    "",
			wantMessage: "",
		},
		{
			name:        "CodedError",
			err:         New(CodeStorageNotFound, "document not found"),
			wantCode:    CodeStorageNotFound,
			wantMessage: "document not found",
		},
		{
			name:        "plain error",
			err:         errors.New("some error"),
			wantCode:    CodeUnknown,
			wantMessage: "some error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, message := ToCodeAndMessage(tt.err)
			if code != tt.wantCode {
				t.Errorf("ToCodeAndMessage() code = %q, want %q", code, tt.wantCode)
			}
			if message != tt.wantMessage {
				t.Errorf("ToCodeAndMessage() message = %q, want %q", message, tt.wantMessage)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	err := New(CodeStorageNotFound, "not found")

	if !IsCode(err, CodeStorageNotFound) {
		t.Error("IsCode() should return true for matching code")
	}

	if IsCode(err, CodeProtocolDecodeFailed) {
		t.Error("IsCode() should return false for non-matching code")
	}

	if IsCode(nil, CodeStorageNotFound) {
		t.Error("IsCode() should return false for nil error")
	}
}

func TestErrorConstructors(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		err := NotFound("document")
		if !IsCode(err, CodeStorageNotFound) {
			t.Errorf("NotFound() code = %q, want %q", GetCode(err), CodeStorageNotFound)
		}
		if err.Message != "document not found" {
			t.Errorf("NotFound() message = %q, want %q", err.Message, "document not found")
		}
	})

	t.Run("ProtocolUnsupported", func(t *testing.T) {
		err := ProtocolUnsupported([]string{"chat", "mqtt"})
		if !IsCode(err, CodeProtocolUnsupported) {
			t.Errorf("ProtocolUnsupported() code = %q, want %q", GetCode(err), CodeProtocolUnsupported)
		}
		if err.Message != "no supported subprotocol in [chat, mqtt]" {
			t.Errorf("ProtocolUnsupported() message = %q", err.Message)
		}
	})

	t.Run("DecodeFailed", func(t *testing.T) {
		cause := errors.New("frame truncated")
		err := DecodeFailed(cause)
		if !IsCode(err, CodeProtocolDecodeFailed) {
			t.Errorf("DecodeFailed() code = %q, want %q", GetCode(err), CodeProtocolDecodeFailed)
		}
		if !errors.Is(err, cause) {
			t.Error("DecodeFailed() should preserve cause")
		}
	})

	t.Run("KeepaliveTimeout", func(t *testing.T) {
		err := KeepaliveTimeout(7, 3)
		if !IsCode(err, CodeSessionKeepaliveTimeout) {
			t.Errorf("KeepaliveTimeout() code = %q", GetCode(err))
		}
		if err.Message != "connection 7 missed 3 consecutive pongs" {
			t.Errorf("KeepaliveTimeout() message = %q", err.Message)
		}
	})

	t.Run("BehaviorFailed", func(t *testing.T) {
		cause := errors.New("boom")
		err := BehaviorFailed("click", cause)
		if err.Message != `handler for "click" failed` {
			t.Errorf("BehaviorFailed() message = %q", err.Message)
		}
		if err.Cause != cause {
			t.Error("BehaviorFailed() should preserve cause")
		}
	})

	t.Run("InvalidMessage", func(t *testing.T) {
		err := InvalidMessage("missing name")
		if !IsCode(err, CodeServerInvalidMessage) {
			t.Errorf("InvalidMessage() code = %q, want %q", GetCode(err), CodeServerInvalidMessage)
		}
	})

	t.Run("Internal", func(t *testing.T) {
		cause := errors.New("db connection lost")
		err := Internal("database error", cause)
		if !IsCode(err, CodeInternal) {
			t.Errorf("Internal() code = %q, want %q", GetCode(err), CodeInternal)
		}
		if err.Cause != cause {
			t.Error("Internal() should preserve cause")
		}
	})
}

func TestErrorsAs(t *testing.T) {
	// Test that errors.As works with wrapped errors
	cause := errors.New("original")
	coded := Wrap(CodeProtocolDecodeFailed, "wrapped", cause)
	wrapped := Wrap(CodeInternal, "double wrapped", coded)

	var target *CodedError
	if !errors.As(wrapped, &target) {
		t.Error("errors.As should find CodedError in chain")
	}
	if target.Code != CodeInternal {
		t.Errorf("errors.As should find outermost CodedError, got code %q", target.Code)
	}
}

func TestErrorCodes(t *testing.T) {
	// Verify error code format is {domain}.{error}
	codes := []string{
		CodeTreeUnknownNode,
		CodeTreeInvalidMutation,
		CodeProtocolUnsupported,
		CodeProtocolDecodeFailed,
		CodeProtocolEncodeFailed,
		CodeProtocolUnexpected,
		CodeSessionClosed,
		CodeSessionConnectionNotFound,
		CodeSessionBehaviorFailed,
		CodeSessionKeepaliveTimeout,
		CodeSessionSendFailed,
		CodeClientNotConnected,
		CodeClientDesync,
		CodeClientDisposed,
		CodeServerUpgradeFailed,
		CodeServerInvalidMessage,
		CodeServerSendFailed,
		CodeServerConnectionLost,
		CodeServerRateLimited,
		CodeServerDocumentNotFound,
		CodeStorageNotFound,
		CodeStorageOpenFailed,
		CodeStorageQueryFailed,
		CodeStorageSaveFailed,
		CodeAuthRequired,
		CodeAuthInvalid,
		CodeAuthExpired,
		CodeConfigInvalid,
		CodeConfigLoadFailed,
		CodeBehaviorUnknownVerb,
		CodeBehaviorInvalidRule,
		CodeUnknown,
		CodeInternal,
	}

	for _, code := range codes {
		if code == "" {
			t.Error("error code should not be empty")
			continue
		}

		// Check format: should contain a dot
		hasDot := false
		for _, c := range code {
			if c == '.' {
				hasDot = true
				break
			}
		}
		if !hasDot {
			t.Errorf("error code %q should be in format {domain}.{error}", code)
		}
	}
}
