package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidDependency is returned when a dependency list names a missing task.
	ErrInvalidDependency = errors.New("one or more dependency IDs do not exist")
	// ErrDependencyNotComplete is matched by *DependencyNotCompleteError.
	ErrDependencyNotComplete = errors.New("dependency not completed")
)

// DependencyNotCompleteError names the dependency that blocked a completion.
type DependencyNotCompleteError struct {
	ID    int64
	Title string
}

func (e *DependencyNotCompleteError) Error() string {
	return fmt.Sprintf("cannot complete task: dependency task %d (%s) is not completed", e.ID, e.Title)
}

func (e *DependencyNotCompleteError) Is(target error) bool {
	return target == ErrDependencyNotComplete
}
