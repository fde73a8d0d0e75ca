package errors

import (
	"fmt"
	"testing"
)

func TestMonitorError(t *testing.T) {
	// Test basic error creation
	err := New(ErrCodeNotFound, "session not found")
	if err.Code != ErrCodeNotFound {
		t.Errorf("expected code %s, got %s", ErrCodeNotFound, err.Code)
	}

	// Test error wrapping
	cause := fmt.Errorf("underlying error")
	wrapped := Wrap(cause, ErrCodeIOFailure, "write failed")

	if wrapped.Unwrap() != cause {
		t.Error("Unwrap should return the cause")
	}

	// Test Is function
	if !Is(wrapped, ErrCodeIOFailure) {
		t.Error("Is should return true for matching code")
	}

	if Is(wrapped, ErrCodeNotFound) {
		t.Error("Is should return false for non-matching code")
	}

	// Is should unwrap plain-wrapped errors
	outer := fmt.Errorf("outer: %w", wrapped)
	if !Is(outer, ErrCodeIOFailure) {
		t.Error("Is should unwrap nested errors")
	}

	// Test WithDetail
	detailed := err.WithDetail("session_id", "abc").WithDetail("attempt", 2)
	if detailed.Details["session_id"] != "abc" {
		t.Error("WithDetail should add details")
	}
}

func TestErrorConstructors(t *testing.T) {
	err := SessionNotFound("abc123")
	if err.Code != ErrCodeNotFound {
		t.Errorf("expected code %s, got %s", ErrCodeNotFound, err.Code)
	}
	if err.Details["session_id"] != "abc123" {
		t.Error("SessionNotFound should include session_id detail")
	}

	err = SpawnFailed("claude", fmt.Errorf("executable not found"))
	if err.Code != ErrCodeSpawnFailure {
		t.Errorf("expected code %s, got %s", ErrCodeSpawnFailure, err.Code)
	}
	if err.Details["command"] != "claude" {
		t.Error("SpawnFailed should include command detail")
	}

	err = TransportUnavailable("redis", fmt.Errorf("connection refused"))
	if err.Code != ErrCodeTransportUnavailable {
		t.Errorf("expected code %s, got %s", ErrCodeTransportUnavailable, err.Code)
	}

	err = AlreadyRunning(4321)
	if err.Details["pid"] != 4321 {
		t.Error("AlreadyRunning should include pid detail")
	}
}

func TestGetCode(t *testing.T) {
	if GetCode(nil) != "" {
		t.Error("GetCode(nil) should be empty")
	}
	if GetCode(fmt.Errorf("plain")) != "" {
		t.Error("GetCode on a plain error should be empty")
	}
	if GetCode(EventNotFound("s1", "e1")) != ErrCodeNotFound {
		t.Error("GetCode should extract the code")
	}
}
