package bulkaction

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a bulk action.
//
//	initializing → initialized → preparing → ready → running → completed
//	                                                          ↘ failed
//	                                                          ↘ aborted
//
// Any non-terminal state may also move directly to failed or aborted.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusInitialized  Status = "initialized"
	StatusPreparing    Status = "preparing"
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusAborted      Status = "aborted"
)

// next lists the forward step for each non-terminal state.
var next = map[Status]Status{
	StatusInitializing: StatusInitialized,
	StatusInitialized:  StatusPreparing,
	StatusPreparing:    StatusReady,
	StatusReady:        StatusRunning,
	StatusRunning:      StatusCompleted,
}

// Terminal reports whether s is completed, failed or aborted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed || to == StatusAborted {
		return true
	}
	return next[from] == to
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Type is the kind of bulk action.
type Type string

const (
	TypeDelete Type = "delete"
	TypeUnlink Type = "unlink"
	TypeUpload Type = "upload"
)

// ParseType parses a bulk action type, case-insensitively.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeDelete, TypeUnlink, TypeUpload:
		return t, nil
	default:
		return "", validationErrorf("type", "unknown bulk action type %q", s)
	}
}

// scans reports whether the action type iterates the keyspace.
func (t Type) scans() bool {
	return t == TypeDelete || t == TypeUnlink
}
