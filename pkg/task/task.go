package task

import (
	"context"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Priority is the urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task is a unit of work that may depend on other tasks.
//
// Tasks returned by Store.GetByID and Store.List always carry their direct
// dependencies; Store.GetMultiByIDs returns bare rows.
type Task struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Status        Status    `json:"status"`
	Priority      Priority  `json:"priority"`
	Tags          []string  `json:"tags"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	DependencyIDs []int64   `json:"dependency_ids"`
	Dependencies  []Task    `json:"-"`
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Title         *string
	Description   *string
	Status        *Status
	Priority      *Priority
	Tags          *[]string
	DependencyIDs *[]int64 // replaces the whole set when non-nil, even if empty
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Status   Status
	Priority Priority
}

// Sort selects the List ordering.
type Sort string

const (
	SortCreatedAtDesc Sort = "created_at_desc"
	SortPriorityAsc   Sort = "priority_asc"
	SortStatusAsc     Sort = "status_asc"
)

// Valid reports whether s is a known sort key.
func (s Sort) Valid() bool {
	switch s {
	case SortCreatedAtDesc, SortPriorityAsc, SortStatusAsc:
		return true
	}
	return false
}

// Page is an offset/limit window.
type Page struct {
	Offset int
	Limit  int
}

// Store is the contract for task persistence.
type Store interface {
	// Create inserts t and its dependency edges atomically.
	Create(ctx context.Context, t *Task, dependencyIDs []int64) (*Task, error)
	// GetByID loads a task with its direct dependencies populated.
	GetByID(ctx context.Context, id int64) (*Task, error)
	// GetMultiByIDs returns the subset of ids that exist.
	GetMultiByIDs(ctx context.Context, ids []int64) ([]Task, error)
	// Update applies p in one transaction, including a dependency swap when
	// p.DependencyIDs is set. Nothing is written if any part fails.
	Update(ctx context.Context, id int64, p Patch) (*Task, error)
	// ReplaceDependencies swaps the outgoing edge set of id atomically.
	ReplaceDependencies(ctx context.Context, id int64, dependencyIDs []int64) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, f Filter, sort Sort, page Page) ([]Task, error)
	// Dependants returns the tasks that name id as a dependency.
	Dependants(ctx context.Context, id int64) ([]Task, error)
	EnsureSchema(ctx context.Context) error
	Close() error
}

// UniqueIDs returns ids with duplicates removed, preserving first occurrence.
func UniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
