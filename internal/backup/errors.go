package backup

import (
	"errors"
	"fmt"
)

// BackupError represents errors that occur during backup operations
type BackupError struct {
	Type    BackupErrorType        `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BackupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// BackupErrorType represents different types of backup errors
type BackupErrorType string

const (
	BackupErrorTypeValidation    BackupErrorType = "VALIDATION_ERROR"
	BackupErrorTypeNotFound      BackupErrorType = "NOT_FOUND_ERROR"
	BackupErrorTypeConflict      BackupErrorType = "CONFLICT_ERROR"
	BackupErrorTypeStorage       BackupErrorType = "STORAGE_ERROR"
	BackupErrorTypeNetwork       BackupErrorType = "NETWORK_ERROR"
	BackupErrorTypeTimeout       BackupErrorType = "TIMEOUT_ERROR"
	BackupErrorTypeDatabase      BackupErrorType = "DATABASE_ERROR"
	BackupErrorTypeIntegrity     BackupErrorType = "INTEGRITY_ERROR"
	BackupErrorTypeEncryption    BackupErrorType = "ENCRYPTION_ERROR"
	BackupErrorTypeCompression   BackupErrorType = "COMPRESSION_ERROR"
	BackupErrorTypeExecution     BackupErrorType = "EXECUTION_ERROR"
	BackupErrorTypePermission    BackupErrorType = "PERMISSION_ERROR"
	BackupErrorTypeConfiguration BackupErrorType = "CONFIGURATION_ERROR"
)

// Sentinel errors for key and ciphertext failures. They are wrapped in a
// BackupError of type ENCRYPTION_ERROR and matched with errors.Is.
var (
	ErrTenantMismatch       = errors.New("artifact belongs to a different tenant")
	ErrKeyMismatch          = errors.New("artifact was encrypted with a different key")
	ErrAuthenticationFailed = errors.New("ciphertext authentication failed")
	ErrKeyNotFound          = errors.New("encryption key not found")
	ErrNotEncrypted         = errors.New("artifact is not encrypted")
)

// NewBackupError creates a new BackupError
func NewBackupError(errorType BackupErrorType, message string, cause error) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *BackupError) WithContext(key string, value interface{}) *BackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Common error constructors
func NewValidationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConflict, message, cause)
}

func NewStorageError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeStorage, message, cause)
}

func NewNetworkError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNetwork, message, cause)
}

func NewTimeoutError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeTimeout, message, cause)
}

func NewDatabaseError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeDatabase, message, cause)
}

func NewIntegrityError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeIntegrity, message, cause)
}

func NewEncryptionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeEncryption, message, cause)
}

func NewCompressionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCompression, message, cause)
}

func NewExecutionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeExecution, message, cause)
}

func NewPermissionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypePermission, message, cause)
}

func NewConfigurationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConfiguration, message, cause)
}

// ValidationError represents validation-specific errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// AsError returns nil when empty, otherwise a VALIDATION_ERROR wrapping the collection
func (e ValidationErrors) AsError(message string) error {
	if !e.HasErrors() {
		return nil
	}
	return NewValidationError(message, e)
}

// ErrorTypeOf returns the BackupErrorType carried by err, or "" when err is not a BackupError
func ErrorTypeOf(err error) BackupErrorType {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Type
	}
	return ""
}

// IsRetryable reports whether an error is transient infrastructure trouble worth retrying
func IsRetryable(err error) bool {
	switch ErrorTypeOf(err) {
	case BackupErrorTypeStorage, BackupErrorTypeNetwork, BackupErrorTypeTimeout, BackupErrorTypeDatabase,
		BackupErrorTypeExecution:
		return true
	case "":
		// unclassified errors get the benefit of the doubt
		return err != nil
	}
	return false
}

// IsPermanent reports whether an error must never be retried
func IsPermanent(err error) bool {
	return err != nil && !IsRetryable(err)
}

// IsNotFound reports whether err is a NOT_FOUND_ERROR
func IsNotFound(err error) bool {
	return ErrorTypeOf(err) == BackupErrorTypeNotFound
}

// IsConflict reports whether err is a CONFLICT_ERROR
func IsConflict(err error) bool {
	return ErrorTypeOf(err) == BackupErrorTypeConflict
}

// IsValidation reports whether err is a VALIDATION_ERROR
func IsValidation(err error) bool {
	return ErrorTypeOf(err) == BackupErrorTypeValidation
}

// IsIntegrity reports whether err indicates corrupted or mismatched artifact content
func IsIntegrity(err error) bool {
	t := ErrorTypeOf(err)
	return t == BackupErrorTypeIntegrity || t == BackupErrorTypeEncryption
}
