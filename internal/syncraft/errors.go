package syncraft

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrDocumentUnavailable = errors.New("document unavailable")
	ErrSnapshotNotFound    = errors.New("snapshot not found")
	ErrPersistence         = errors.New("persistence failure")
	ErrRestore             = errors.New("restore failure")
	ErrPolicy              = errors.New("policy violation")
	ErrNotSubscribed       = errors.New("not subscribed")
)

// PolicyError reports a connection refused by the origin allow-list.
type PolicyError struct {
	Origin string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("origin %q not allowed", e.Origin)
}

func (e *PolicyError) Is(target error) bool {
	return target == ErrPolicy
}

// RestoreError wraps a snapshot fetch/decode failure. The live document is
// left untouched when a RestoreError is returned.
type RestoreError struct {
	SnapshotID string
	Err        error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore snapshot %s: %v", e.SnapshotID, e.Err)
}

func (e *RestoreError) Is(target error) bool {
	return target == ErrRestore
}

func (e *RestoreError) Unwrap() error { return e.Err }
