package domain

import (
	"errors"
	"fmt"
)

// ErrNodeNotFound is returned when a node id does not resolve in the forest.
type ErrNodeNotFound struct {
	ForestID string
	ID       string
}

func (e ErrNodeNotFound) Error() string {
	return fmt.Sprintf("node %s not found in forest %s", e.ID, e.ForestID)
}

// ErrParentNotFound is returned when a referenced parent id does not resolve.
type ErrParentNotFound struct {
	ForestID string
	ID       string
}

func (e ErrParentNotFound) Error() string {
	return fmt.Sprintf("parent %s not found in forest %s", e.ID, e.ForestID)
}

// ErrForestNotFound is returned when a forest id does not resolve.
type ErrForestNotFound struct {
	ID string
}

func (e ErrForestNotFound) Error() string {
	return fmt.Sprintf("forest %s not found", e.ID)
}

// ErrInvalidMove is returned when a move would place a node under itself or
// one of its own descendants.
type ErrInvalidMove struct {
	NodeID   string
	TargetID string
}

func (e ErrInvalidMove) Error() string {
	return fmt.Sprintf("cannot move %s under %s: target lies inside the moved subtree", e.NodeID, e.TargetID)
}

// ErrDuplicatePath signals that a path already exists in the forest. Under
// correct segment allocation it only surfaces when a concurrent insert races
// past the transaction boundary; callers treat it as retryable once.
type ErrDuplicatePath struct {
	ForestID string
	Path     Path
}

func (e ErrDuplicatePath) Error() string {
	return fmt.Sprintf("path %s already exists in forest %s", e.Path, e.ForestID)
}

// ErrCapacityExceeded signals that the fixed segment width cannot represent
// another sibling under the same parent.
type ErrCapacityExceeded struct {
	Index int
}

func (e ErrCapacityExceeded) Error() string {
	return fmt.Sprintf("sibling index %d exceeds capacity %d", e.Index, MaxSegmentIndex)
}

// ErrBusy signals transient store contention; the operation may be retried.
var ErrBusy = errors.New("store busy")

// ErrForbidden signals that the authorization port denied the action.
var ErrForbidden = errors.New("forbidden")

// IsNotFound reports whether err is any of the not-found error kinds.
func IsNotFound(err error) bool {
	var nn ErrNodeNotFound
	var pn ErrParentNotFound
	var fn ErrForestNotFound
	return errors.As(err, &nn) || errors.As(err, &pn) || errors.As(err, &fn)
}

// IsConflict reports whether err is a client-correctable structural conflict.
func IsConflict(err error) bool {
	var im ErrInvalidMove
	var ce ErrCapacityExceeded
	return errors.As(err, &im) || errors.As(err, &ce)
}
