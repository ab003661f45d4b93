package queue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an item id is not in the queue.
	ErrNotFound = errors.New("work item not found")

	// ErrInvalidTransition is returned when an item cannot move to the
	// requested status from its current one.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownPriority is returned for priorities outside the table.
	ErrUnknownPriority = errors.New("unknown priority")
)

// DuplicateIDError is returned when enqueuing an id that already exists.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("work item %q already exists", e.ID)
}

// CycleError is returned when a dependency edge would close a cycle.
// The queue is left unchanged.
type CycleError struct {
	ID   string
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("dependency cycle through %q", e.ID)
	}
	return fmt.Sprintf("dependency cycle through %q: %s", e.ID, strings.Join(e.Path, " -> "))
}

// UnknownDependencyError is returned when an item depends on an id the
// queue has never seen.
type UnknownDependencyError struct {
	ID         string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("work item %q depends on unknown item %q", e.ID, e.Dependency)
}
