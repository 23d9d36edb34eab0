// Package errs defines the semantic error taxonomy shared by every
// execweave component (core specification §7). Kinds are sentinel values
// compared with errors.Is; callers wrap them with fmt.Errorf("...: %w").
package errs

import (
	"errors"
	"fmt"
)

// Kind is a semantic error classification, not a type name.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindBranchNotFound    Kind = "branch_not_found"
	KindTargetBranchMissing Kind = "target_branch_missing"
	KindAgentSpawnFailure Kind = "agent_spawn_failure"
	KindAgentProtocolFailure Kind = "agent_protocol_failure"
	KindResumeUnsupported Kind = "resume_unsupported"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindPermissionDenied  Kind = "permission_denied"
	KindRecoveryMismatch  Kind = "recovery_mismatch"
	KindStorageFailure    Kind = "storage_failure"
	KindFatal             Kind = "fatal"
)

// TimeoutSubkind distinguishes why a Timeout-kind error fired.
type TimeoutSubkind string

const (
	TimeoutIdle     TimeoutSubkind = "idle"
	TimeoutHard     TimeoutSubkind = "hard"
	TimeoutShutdown TimeoutSubkind = "shutdown"
)

// Error is the concrete error type carrying a Kind plus optional subkind.
type Error struct {
	Kind    Kind
	Subkind string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, New(KindX, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Subkind != "" && t.Subkind != e.Subkind {
		return false
	}
	return true
}

// New constructs a sentinel for comparison via errors.Is.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind wrapping a causal error.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Timeout constructs a Timeout-kind error with a subkind.
func Timeout(sub TimeoutSubkind, msg string) *Error {
	return &Error{Kind: KindTimeout, Subkind: string(sub), Msg: msg}
}

// KindOf extracts the Kind of err, if it (or something it wraps) is *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err's kind matches kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
