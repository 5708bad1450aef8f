package errors

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
)

func TestAppError(t *testing.T) {
	cause := errors.New("underlying error")
	appErr := NewAppError(ErrorTypeConnection, "connection failed", cause)

	if appErr.IsRecoverable() {
		t.Error("Expected non-recoverable error")
	}
	if !errors.Is(appErr, cause) {
		t.Error("Expected Unwrap to expose the cause")
	}

	expected := "connection: connection failed (caused by: underlying error)"
	if appErr.Error() != expected {
		t.Errorf("Expected error string %v, got %v", expected, appErr.Error())
	}

	appErr.WithContext("backend", "s3").WithContext("attempt", 2)
	if appErr.Context["backend"] != "s3" || appErr.Context["attempt"] != 2 {
		t.Errorf("unexpected context %v", appErr.Context)
	}
}

func TestErrorClassifier_ClassifyMySQLError(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		name         string
		mysqlErr     *mysql.MySQLError
		expectedType ErrorType
		recoverable  bool
	}{
		{"access denied", &mysql.MySQLError{Number: 1045, Message: "Access denied"}, ErrorTypePermission, false},
		{"unknown database", &mysql.MySQLError{Number: 1049, Message: "Unknown database"}, ErrorTypeValidation, false},
		{"duplicate entry", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, ErrorTypeConflict, false},
		{"deadlock", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, ErrorTypeTimeout, true},
		{"cannot connect", &mysql.MySQLError{Number: 2003, Message: "Can't connect"}, ErrorTypeConnection, true},
		{"gone away", &mysql.MySQLError{Number: 2006, Message: "gone away"}, ErrorTypeConnection, true},
		{"other", &mysql.MySQLError{Number: 1064, Message: "syntax"}, ErrorTypeSQL, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := classifier.ClassifyError(tt.mysqlErr)
			if appErr.Type != tt.expectedType {
				t.Errorf("Expected type %v, got %v", tt.expectedType, appErr.Type)
			}
			if appErr.IsRecoverable() != tt.recoverable {
				t.Errorf("Expected recoverable=%v", tt.recoverable)
			}
			if appErr.Context["mysql_error_code"] != tt.mysqlErr.Number {
				t.Errorf("Expected mysql_error_code context")
			}
		})
	}
}

func TestErrorClassifier_Other(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		name         string
		err          error
		expectedType ErrorType
		recoverable  bool
	}{
		{"no rows", sql.ErrNoRows, ErrorTypeNotFound, false},
		{"conn done", sql.ErrConnDone, ErrorTypeConnection, true},
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout, true},
		{"canceled", context.Canceled, ErrorTypeInterruption, false},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, ErrorTypeConnection, true},
		{"missing file", &os.PathError{Op: "open", Path: "/x", Err: syscall.ENOENT}, ErrorTypeNotFound, false},
		{"permission", &os.PathError{Op: "open", Path: "/x", Err: syscall.EACCES}, ErrorTypePermission, false},
		{"disk full", &os.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}, ErrorTypeResource, true},
		{"unknown", errors.New("mystery"), ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := classifier.ClassifyError(tt.err)
			if appErr.Type != tt.expectedType {
				t.Errorf("Expected type %v, got %v", tt.expectedType, appErr.Type)
			}
			if appErr.IsRecoverable() != tt.recoverable {
				t.Errorf("Expected recoverable=%v, got %v", tt.recoverable, appErr.IsRecoverable())
			}
		})
	}

	if classifier.ClassifyError(nil) != nil {
		t.Error("Expected nil for nil error")
	}
}

func TestRetryHandler_SucceedsAfterRecoverable(t *testing.T) {
	handler := NewRetryHandler(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2})

	calls := 0
	err := handler.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return NewRecoverableError(ErrorTypeConnection, "flaky", nil)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryHandler_StopsOnPermanent(t *testing.T) {
	handler := NewRetryHandler(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2})

	calls := 0
	err := handler.Retry(context.Background(), func() error {
		calls++
		return NewAppError(ErrorTypePermission, "denied", nil)
	})

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if GetErrorType(err) != ErrorTypePermission {
		t.Errorf("Expected permission error, got %v", err)
	}
}

func TestRetryHandler_Exhausted(t *testing.T) {
	handler := NewRetryHandler(RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2})

	err := handler.Retry(context.Background(), func() error {
		return context.DeadlineExceeded
	})

	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("Expected AppError, got %T", err)
	}
	if appErr.Context["attempts"] != 2 {
		t.Errorf("Expected attempts context, got %v", appErr.Context)
	}
}

func TestRetryHandler_Canceled(t *testing.T) {
	handler := NewDefaultRetryHandler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := handler.Retry(ctx, func() error { return nil })
	if GetErrorType(err) != ErrorTypeInterruption {
		t.Errorf("Expected interruption, got %v", err)
	}
}

func TestExponentialDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := ExponentialDelay(2*time.Second, 2, 30*time.Second, tt.attempt); got != tt.want {
			t.Errorf("ExponentialDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestWrapError(t *testing.T) {
	if WrapError(nil, "x") != nil {
		t.Error("Expected nil")
	}

	wrapped := WrapError(sql.ErrConnDone, "saving backup")
	if GetErrorType(wrapped) != ErrorTypeConnection || !IsRecoverableError(wrapped) {
		t.Errorf("unexpected wrap result %v", wrapped)
	}

	inner := NewRecoverableError(ErrorTypeTimeout, "slow", nil)
	rewrapped := WrapError(inner, "outer")
	if !IsRecoverableError(rewrapped) {
		t.Error("Expected recoverability to be preserved")
	}
}
