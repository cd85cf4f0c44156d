package taskgraph

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-graph/internal/logging"
	"task-graph/pkg/cache"
	"task-graph/pkg/task"
)

// --- Store wrapper counting reads ---

type countingStore struct {
	task.Store
	gets atomic.Int32
}

func (s *countingStore) GetByID(ctx context.Context, id int64) (*task.Task, error) {
	s.gets.Add(1)
	return s.Store.GetByID(ctx, id)
}

// --- Store whose Update always fails ---

type failingUpdateStore struct {
	task.Store
}

var errUpdateFailed = errors.New("update failed")

func (s failingUpdateStore) Update(context.Context, int64, task.Patch) (*task.Task, error) {
	return nil, errUpdateFailed
}

// --- Cache that always fails ---

type brokenCache struct {
	deleteErr error
	sets      int
}

var errCacheDown = errors.New("cache down")

func (c *brokenCache) Get(context.Context, string) ([]byte, error) { return nil, errCacheDown }
func (c *brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	c.sets++
	return errCacheDown
}
func (c *brokenCache) Delete(context.Context, string) error { return c.deleteErr }
func (c *brokenCache) Close() error                         { return nil }

// --- Helpers ---

type fixture struct {
	svc   *Service
	store *countingStore
	cache *cache.MemoryCache
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := task.OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(context.Background()))
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: &countingStore{Store: s}, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.cache = cache.NewMemoryWithClock(func() time.Time { return f.now })
	f.svc = New(f.store, f.cache, Options{Logger: logging.Discard()})
	return f
}

func (f *fixture) create(t *testing.T, title string, deps ...int64) *task.Task {
	t.Helper()
	created, err := f.svc.CreateTask(context.Background(), CreateInput{Title: title, DependencyIDs: deps})
	require.NoError(t, err)
	return created
}

func statusPatch(s task.Status) task.Patch { return task.Patch{Status: &s} }

// --- Tests ---

func TestCreateTaskResolvesDependencies(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "a")
	b := f.create(t, "b")

	c := f.create(t, "c", a.ID, b.ID)

	assert.ElementsMatch(t, []int64{a.ID, b.ID}, c.DependencyIDs)
	assert.Equal(t, 0, f.cache.Len(), "create does not populate the cache")
}

func TestCreateTaskInvalidDependency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateTask(ctx, CreateInput{Title: "orphan", DependencyIDs: []int64{9999}})
	require.ErrorIs(t, err, task.ErrInvalidDependency)

	all, err := f.svc.ListTasks(ctx, task.Filter{}, task.SortCreatedAtDesc, task.Page{})
	require.NoError(t, err)
	assert.Empty(t, all, "no task row persisted")
}

func TestCreateTaskDuplicateDependencyIDs(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "a")

	c := f.create(t, "c", a.ID, a.ID)
	assert.Equal(t, []int64{a.ID}, c.DependencyIDs)
}

func TestCompletionGateScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "A")
	b := f.create(t, "B", a.ID)

	_, err := f.svc.UpdateTask(ctx, b.ID, statusPatch(task.StatusCompleted))
	require.ErrorIs(t, err, task.ErrDependencyNotComplete)
	var blocked *task.DependencyNotCompleteError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, a.ID, blocked.ID)
	assert.Equal(t, "A", blocked.Title)
	assert.Contains(t, err.Error(), "(A)")

	_, err = f.svc.UpdateTask(ctx, a.ID, statusPatch(task.StatusCompleted))
	require.NoError(t, err)

	done, err := f.svc.UpdateTask(ctx, b.ID, statusPatch(task.StatusCompleted))
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, done.Status)
}

func TestCompletionGateIsOneWay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "A")
	b := f.create(t, "B", a.ID)
	_, err := f.svc.UpdateTask(ctx, a.ID, statusPatch(task.StatusCompleted))
	require.NoError(t, err)
	_, err = f.svc.UpdateTask(ctx, b.ID, statusPatch(task.StatusCompleted))
	require.NoError(t, err)

	_, err = f.svc.UpdateTask(ctx, a.ID, statusPatch(task.StatusPending))
	require.NoError(t, err)

	got, err := f.svc.GetTask(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status, "dependants are not reopened")
}

func TestCompletionGateWithoutDependencies(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "solo")

	done, err := f.svc.UpdateTask(context.Background(), a.ID, statusPatch(task.StatusCompleted))
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, done.Status)
}

func TestCycleCanNeverComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "A")
	b := f.create(t, "B", a.ID)
	deps := []int64{b.ID}
	_, err := f.svc.UpdateTask(ctx, a.ID, task.Patch{DependencyIDs: &deps})
	require.NoError(t, err, "cycles are not rejected")

	_, err = f.svc.UpdateTask(ctx, a.ID, statusPatch(task.StatusCompleted))
	assert.ErrorIs(t, err, task.ErrDependencyNotComplete)
	_, err = f.svc.UpdateTask(ctx, b.ID, statusPatch(task.StatusCompleted))
	assert.ErrorIs(t, err, task.ErrDependencyNotComplete)
}

func TestUpdateReplacesDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "a")
	b := f.create(t, "b")
	c := f.create(t, "c", a.ID)

	deps := []int64{b.ID}
	updated, err := f.svc.UpdateTask(ctx, c.ID, task.Patch{DependencyIDs: &deps})
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID}, updated.DependencyIDs)

	empty := []int64{}
	updated, err = f.svc.UpdateTask(ctx, c.ID, task.Patch{DependencyIDs: &empty})
	require.NoError(t, err)
	assert.Empty(t, updated.DependencyIDs)
}

func TestUpdateInvalidDependencyLeavesEdges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "a")
	c := f.create(t, "c", a.ID)
	title := "renamed"

	deps := []int64{a.ID, 9999}
	_, err := f.svc.UpdateTask(ctx, c.ID, task.Patch{Title: &title, DependencyIDs: &deps})
	require.ErrorIs(t, err, task.ErrInvalidDependency)

	got, err := f.store.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, got.DependencyIDs)
	assert.Equal(t, "c", got.Title, "no partial update applied")
}

func TestUpdateFailureLeavesTaskUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "a")
	b := f.create(t, "b")
	c := f.create(t, "c", a.ID)
	svc := New(failingUpdateStore{Store: f.store}, f.cache, Options{Logger: logging.Discard()})

	title := "c2"
	deps := []int64{b.ID}
	_, err := svc.UpdateTask(ctx, c.ID, task.Patch{Title: &title, DependencyIDs: &deps})
	require.ErrorIs(t, err, errUpdateFailed)

	got, err := f.store.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "c", got.Title)
	assert.Equal(t, []int64{a.ID}, got.DependencyIDs)
}

func TestUpdateColumnFailureKeepsEdges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "a")
	b := f.create(t, "b")
	c := f.create(t, "c", a.ID)

	empty := ""
	deps := []int64{b.ID}
	_, err := f.svc.UpdateTask(ctx, c.ID, task.Patch{Title: &empty, DependencyIDs: &deps})
	require.Error(t, err)

	got, err := f.store.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "c", got.Title)
	assert.Equal(t, []int64{a.ID}, got.DependencyIDs, "edges and columns commit together")
}

func TestUpdateNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpdateTask(context.Background(), 404, statusPatch(task.StatusInProgress))
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestGetTaskReadThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "a")
	c := f.create(t, "c", a.ID)

	first, err := f.svc.GetTask(ctx, c.ID)
	require.NoError(t, err)
	second, err := f.svc.GetTask(ctx, c.ID)
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.store.gets.Load(), "second read served from cache")
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(firstJSON), string(secondJSON))

	require.Len(t, second.Dependencies, 1)
	assert.Equal(t, "a", second.Dependencies[0].Title)
	assert.Equal(t, []int64{a.ID}, second.DependencyIDs)
}

func TestGetTaskCacheExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "a")

	_, err := f.svc.GetTask(ctx, a.ID)
	require.NoError(t, err)
	f.now = f.now.Add(DefaultTTL)
	_, err = f.svc.GetTask(ctx, a.ID)
	require.NoError(t, err)

	assert.Equal(t, int32(2), f.store.gets.Load())
}

func TestGetTaskNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetTask(context.Background(), 12)
	assert.ErrorIs(t, err, task.ErrNotFound)
	assert.Equal(t, 0, f.cache.Len())
}

func TestUpdateInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "before")

	_, err := f.svc.GetTask(ctx, a.ID)
	require.NoError(t, err)

	title := "after"
	tags := []string{"fresh"}
	_, err = f.svc.UpdateTask(ctx, a.ID, task.Patch{
		Title:    &title,
		Priority: ptrPriority(task.PriorityHigh),
		Tags:     &tags,
	})
	require.NoError(t, err)

	got, err := f.svc.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Title)
	assert.Equal(t, task.PriorityHigh, got.Priority)
	assert.Equal(t, []string{"fresh"}, got.Tags)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestDeleteScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, "C")

	_, err := f.svc.GetTask(ctx, c.ID)
	require.NoError(t, err)
	_, err = f.svc.GetTask(ctx, c.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteTask(ctx, c.ID))

	_, err = f.svc.GetTask(ctx, c.ID)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestDeleteNotFound(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.svc.DeleteTask(context.Background(), 77), task.ErrNotFound)
}

func TestCacheFailureFailsOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "a")

	broken := &brokenCache{}
	svc := New(f.store, broken, Options{Logger: logging.Discard()})

	got, err := svc.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Title)
	assert.Equal(t, 1, broken.sets, "still attempted to populate")
}

func TestCorruptCacheEntryIsAMiss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "a")

	require.NoError(t, f.cache.Set(ctx, CacheKey(a.ID), []byte("{not json"), time.Minute))
	got, err := f.svc.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Title)
	assert.Equal(t, int32(1), f.store.gets.Load())
}

func TestInvalidationFailureIsReturned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "a")

	svc := New(f.store, &brokenCache{deleteErr: errCacheDown}, Options{Logger: logging.Discard()})

	_, err := svc.UpdateTask(ctx, a.ID, statusPatch(task.StatusInProgress))
	assert.ErrorIs(t, err, errCacheDown)
	assert.ErrorIs(t, svc.DeleteTask(ctx, a.ID), errCacheDown)
}

func TestListTasksBypassesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		f.create(t, "pending")
	}
	done := f.create(t, "done")
	_, err := f.svc.UpdateTask(ctx, done.ID, statusPatch(task.StatusCompleted))
	require.NoError(t, err)

	page, err := f.svc.ListTasks(ctx, task.Filter{Status: task.StatusPending}, task.SortCreatedAtDesc, task.Page{Offset: 0, Limit: 20})
	require.NoError(t, err)
	require.Len(t, page, 20)
	for i, tk := range page {
		assert.Equal(t, task.StatusPending, tk.Status)
		if i > 0 {
			assert.False(t, tk.CreatedAt.After(page[i-1].CreatedAt), "created_at descending")
		}
	}
	assert.Equal(t, 0, f.cache.Len())
}

func TestDependenciesAndDependants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "a")
	b := f.create(t, "b", a.ID)
	c := f.create(t, "c", a.ID)

	deps, err := f.svc.Dependencies(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, a.ID, deps[0].ID)

	dependants, err := f.svc.Dependants(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, dependants, 2)
	assert.Equal(t, b.ID, dependants[0].ID)
	assert.Equal(t, c.ID, dependants[1].ID)

	_, err = f.svc.Dependants(ctx, 999)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func ptrPriority(p task.Priority) *task.Priority { return &p }
