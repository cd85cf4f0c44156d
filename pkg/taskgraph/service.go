// Package taskgraph implements the business rules over the task dependency
// graph: dependency validation, the completion gate, and the read-through
// cache in front of the task store.
//
// The cache is consulted only for single-task reads. Every mutation deletes
// the affected entry after the store has committed. A reader that missed
// before the mutation may still repopulate the entry with the old snapshot;
// that window is bounded by the TTL and not otherwise prevented. There is no
// per-task locking: concurrent updates to one task are last-writer-wins.
package taskgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"task-graph/pkg/cache"
	"task-graph/pkg/task"
)

// DefaultTTL is how long a cached task snapshot stays valid.
const DefaultTTL = 60 * time.Second

// Options configures a Service. Zero values take defaults.
type Options struct {
	TTL    time.Duration
	Logger *log.Logger
}

// Service coordinates the task store and the cache.
type Service struct {
	store  task.Store
	cache  cache.Cache
	ttl    time.Duration
	logger *log.Logger
}

// New creates a Service.
func New(store task.Store, c cache.Cache, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = log.WithPrefix("taskgraph")
	}
	return &Service{store: store, cache: c, ttl: opts.TTL, logger: opts.Logger}
}

// CreateInput holds the fields of a new task.
type CreateInput struct {
	Title         string
	Description   string
	Status        task.Status
	Priority      task.Priority
	Tags          []string
	DependencyIDs []int64
}

// CacheKey returns the cache key of a task snapshot.
func CacheKey(id int64) string {
	return fmt.Sprintf("task:%d", id)
}

// CreateTask validates the dependency ids and persists a new task. The
// cache is not populated; the first GetTask does that.
func (s *Service) CreateTask(ctx context.Context, in CreateInput) (*task.Task, error) {
	ids := task.UniqueIDs(in.DependencyIDs)
	if err := s.checkDependenciesExist(ctx, ids); err != nil {
		return nil, err
	}

	t := &task.Task{
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Priority:    in.Priority,
		Tags:        in.Tags,
	}
	created, err := s.store.Create(ctx, t, ids)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("task created", "id", created.ID, "dependencies", len(ids))
	return created, nil
}

// GetTask returns the full snapshot of a task, from the cache when possible.
// Cache failures fall through to the store.
func (s *Service) GetTask(ctx context.Context, id int64) (*task.Detail, error) {
	key := CacheKey(id)

	raw, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		var d task.Detail
		if err := json.Unmarshal(raw, &d); err == nil {
			return &d, nil
		}
		s.logger.Warn("discarding undecodable cache entry", "key", key, "err", err)
	case !errors.Is(err, cache.ErrMiss):
		s.logger.Warn("cache read failed, falling back to store", "key", key, "err", err)
	}

	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d := t.Detail()

	raw, err = json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode task %d: %w", id, err)
	}
	if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
		s.logger.Warn("cache write failed", "key", key, "err", err)
	}
	return &d, nil
}

// UpdateTask applies p to task id.
//
// A transition to completed is refused while any current direct dependency
// is not completed. The gate is one-way: a dependency that later leaves
// completed does not reopen its dependants. A non-nil p.DependencyIDs
// replaces the whole dependency set in the same store transaction as the
// column changes.
func (s *Service) UpdateTask(ctx context.Context, id int64, p task.Patch) (*task.Task, error) {
	current, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if p.Status != nil && *p.Status == task.StatusCompleted {
		for _, dep := range current.Dependencies {
			if dep.Status != task.StatusCompleted {
				return nil, &task.DependencyNotCompleteError{ID: dep.ID, Title: dep.Title}
			}
		}
	}

	if p.DependencyIDs != nil {
		ids := task.UniqueIDs(*p.DependencyIDs)
		p.DependencyIDs = &ids
	}

	// columns and edges commit together or not at all
	updated, err := s.store.Update(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if err := s.invalidate(ctx, id); err != nil {
		return nil, err
	}
	s.logger.Debug("task updated", "id", id, "status", updated.Status)
	return updated, nil
}

// DeleteTask removes task id and every edge touching it.
func (s *Service) DeleteTask(ctx context.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.invalidate(ctx, id); err != nil {
		return err
	}
	s.logger.Debug("task deleted", "id", id)
	return nil
}

// ListTasks always reads the store.
func (s *Service) ListTasks(ctx context.Context, f task.Filter, sort task.Sort, page task.Page) ([]task.Task, error) {
	return s.store.List(ctx, f, sort, page)
}

// Dependencies returns the direct dependency summaries of task id.
func (s *Service) Dependencies(ctx context.Context, id int64) ([]task.View, error) {
	d, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.Dependencies, nil
}

// Dependants returns the tasks that name id as a dependency. Never cached.
func (s *Service) Dependants(ctx context.Context, id int64) ([]task.Task, error) {
	found, err := s.store.GetMultiByIDs(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("dependants of task %d: %w", id, task.ErrNotFound)
	}
	return s.store.Dependants(ctx, id)
}

// checkDependenciesExist fails with task.ErrInvalidDependency when any id is
// missing. It does not say which.
func (s *Service) checkDependenciesExist(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	found, err := s.store.GetMultiByIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(found) != len(ids) {
		return task.ErrInvalidDependency
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, id int64) error {
	if err := s.cache.Delete(ctx, CacheKey(id)); err != nil {
		return fmt.Errorf("invalidate cache for task %d: %w", id, err)
	}
	return nil
}
