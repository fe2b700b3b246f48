package engine

import (
	"errors"
	"io/fs"
	"os/exec"
	"syscall"
)

// ErrorKind classifies engine-level failures.
type ErrorKind string

const (
	// ErrNone indicates no error.
	ErrNone ErrorKind = "none"
	// ErrInitializationFailed indicates the engine executable could not be
	// located or validated.
	ErrInitializationFailed ErrorKind = "initialization_failed"
	// ErrConfigurationInvalid indicates the configuration blob failed
	// structural validation or was rejected by the engine at startup.
	ErrConfigurationInvalid ErrorKind = "configuration_invalid"
	// ErrProcessStartFailed indicates the engine process could not be launched
	// or did not report readiness within the start timeout.
	ErrProcessStartFailed ErrorKind = "process_start_failed"
	// ErrProcessCrashed indicates the engine process exited unexpectedly.
	ErrProcessCrashed ErrorKind = "process_crashed"
	// ErrNetworkError indicates a transient network-level failure.
	ErrNetworkError ErrorKind = "network_error"
	// ErrPermissionDenied indicates the engine could not be launched or
	// terminated due to insufficient privileges.
	ErrPermissionDenied ErrorKind = "permission_denied"
	// ErrResourceExhausted indicates the OS refused a resource allocation.
	ErrResourceExhausted ErrorKind = "resource_exhausted"
	// ErrUnknown covers everything else.
	ErrUnknown ErrorKind = "unknown"
)

// Severity grades how a surfaced error should be presented.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Severity returns the user-facing severity of the error kind. Critical
// errors require user action; error/warning are expected to self-heal via
// reconnection.
func (k ErrorKind) Severity() Severity {
	switch k {
	case ErrNone:
		return SeverityInfo
	case ErrProcessCrashed, ErrPermissionDenied, ErrProcessStartFailed, ErrInitializationFailed:
		return SeverityCritical
	case ErrConfigurationInvalid:
		return SeverityError
	case ErrNetworkError, ErrResourceExhausted:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// Recoverable reports whether the error is expected to self-heal through
// retry or reconnection without user action.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case ErrNone, ErrNetworkError, ErrResourceExhausted, ErrProcessCrashed:
		return true
	default:
		return false
	}
}

// classifyStartError maps a process launch failure onto the error taxonomy.
func classifyStartError(err error) ErrorKind {
	if err == nil {
		return ErrNone
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return ErrInitializationFailed
	}
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return ErrPermissionDenied
	}
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) || errors.Is(err, syscall.ENOMEM) {
		return ErrResourceExhausted
	}
	// pkexec reports authorization refusal via its exit code.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && (exitErr.ExitCode() == 126 || exitErr.ExitCode() == 127) {
		return ErrPermissionDenied
	}
	return ErrProcessStartFailed
}
