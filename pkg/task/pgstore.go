package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgTaskColumns = `id, title, description, status, priority, tags, created_at, updated_at`

// PgStore is a PostgreSQL-backed task store.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the tasks and task_dependencies tables if they don't exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id          BIGSERIAL PRIMARY KEY,
			title       TEXT NOT NULL CHECK (title <> ''),
			description TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'pending',
			priority    TEXT NOT NULL DEFAULT 'medium',
			tags        JSONB NOT NULL DEFAULT '[]',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (updated_at >= created_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_title ON tasks(title)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id       BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			depends_on_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			PRIMARY KEY (task_id, depends_on_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(depends_on_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

// Create inserts a new task together with its dependency edges.
func (s *PgStore) Create(ctx context.Context, t *Task, dependencyIDs []int64) (*Task, error) {
	dependencyIDs = UniqueIDs(dependencyIDs)
	now := time.Now().UTC().Truncate(time.Microsecond)
	applyDefaults(t)

	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := pgLockDependencies(ctx, tx, dependencyIDs); err != nil {
		return nil, err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO tasks (title, description, status, priority, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $6)
		RETURNING id`,
		t.Title, t.Description, t.Status, t.Priority, string(tagsJSON), now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := pgInsertEdges(ctx, tx, id, dependencyIDs); err != nil {
		return nil, err
	}

	created, err := pgGetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit task: %w", err)
	}
	return created, nil
}

// GetByID retrieves a single task with its direct dependencies.
func (s *PgStore) GetByID(ctx context.Context, id int64) (*Task, error) {
	return pgGetByID(ctx, s.pool, id)
}

// GetMultiByIDs returns the tasks among ids that exist, ordered by id.
func (s *PgStore) GetMultiByIDs(ctx context.Context, ids []int64) ([]Task, error) {
	if len(ids) == 0 {
		return []Task{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("get tasks by ids: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// Update applies the column changes in p and bumps updated_at. A non-nil
// p.DependencyIDs replaces the outgoing edge set in the same transaction.
func (s *PgStore) Update(ctx context.Context, id int64, p Patch) (*Task, error) {
	now := time.Now().UTC().Truncate(time.Microsecond)

	// Build SET clause dynamically
	setClauses := "updated_at = GREATEST($1, created_at)"
	args := []any{now}
	argIdx := 2

	if p.Title != nil {
		setClauses += fmt.Sprintf(", title = $%d", argIdx)
		args = append(args, *p.Title)
		argIdx++
	}
	if p.Description != nil {
		setClauses += fmt.Sprintf(", description = $%d", argIdx)
		args = append(args, *p.Description)
		argIdx++
	}
	if p.Status != nil {
		setClauses += fmt.Sprintf(", status = $%d", argIdx)
		args = append(args, *p.Status)
		argIdx++
	}
	if p.Priority != nil {
		setClauses += fmt.Sprintf(", priority = $%d", argIdx)
		args = append(args, *p.Priority)
		argIdx++
	}
	if p.Tags != nil {
		tags := *p.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return nil, fmt.Errorf("marshal tags: %w", err)
		}
		setClauses += fmt.Sprintf(", tags = $%d::jsonb", argIdx)
		args = append(args, string(tagsJSON))
		argIdx++
	}
	args = append(args, id)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d", setClauses, argIdx), args...)
	if err != nil {
		return nil, fmt.Errorf("update task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("update task %d: %w", id, ErrNotFound)
	}
	if p.DependencyIDs != nil {
		if err := pgReplaceEdges(ctx, tx, id, UniqueIDs(*p.DependencyIDs)); err != nil {
			return nil, err
		}
	}

	updated, err := pgGetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit task %d: %w", id, err)
	}
	return updated, nil
}

// ReplaceDependencies drops every outgoing edge of id and inserts dependencyIDs.
func (s *PgStore) ReplaceDependencies(ctx context.Context, id int64, dependencyIDs []int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `SELECT 1 FROM tasks WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return fmt.Errorf("replace dependencies of task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("replace dependencies of task %d: %w", id, ErrNotFound)
	}
	if err := pgReplaceEdges(ctx, tx, id, UniqueIDs(dependencyIDs)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit dependencies of task %d: %w", id, err)
	}
	return nil
}

// Delete removes a task and every edge it takes part in.
func (s *PgStore) Delete(ctx context.Context, id int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM task_dependencies WHERE task_id = $1 OR depends_on_id = $1`, id); err != nil {
		return fmt.Errorf("delete edges of task %d: %w", id, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete task %d: %w", id, ErrNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete of task %d: %w", id, err)
	}
	return nil
}

// List returns a filtered, sorted page of tasks with their dependencies.
func (s *PgStore) List(ctx context.Context, f Filter, sort Sort, page Page) ([]Task, error) {
	query := `SELECT ` + pgTaskColumns + ` FROM tasks WHERE TRUE`
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Priority != "" {
		args = append(args, f.Priority)
		query += fmt.Sprintf(" AND priority = $%d", len(args))
	}
	query += " ORDER BY " + orderClause(sort)
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := scanTaskRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if err := pgLoadRelations(ctx, s.pool, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Dependants returns the tasks that depend on id, ordered by id.
func (s *PgStore) Dependants(ctx context.Context, id int64) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.title, t.description, t.status, t.priority, t.tags, t.created_at, t.updated_at
		FROM tasks t JOIN task_dependencies d ON d.task_id = t.id
		WHERE d.depends_on_id = $1 ORDER BY t.id`, id)
	if err != nil {
		return nil, fmt.Errorf("dependants of task %d: %w", id, err)
	}
	tasks, err := scanTaskRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if err := pgLoadRelations(ctx, s.pool, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Close releases the connection pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func pgGetByID(ctx context.Context, q pgQuerier, id int64) (*Task, error) {
	rows, err := q.Query(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	tasks, err := scanTaskRows(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("get task %d: %w", id, ErrNotFound)
	}
	if err := pgLoadRelations(ctx, q, tasks); err != nil {
		return nil, err
	}
	return &tasks[0], nil
}

// pgLockDependencies takes a share lock on every referenced task so a
// concurrent delete cannot slip in before the edges are written.
func pgLockDependencies(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := tx.Query(ctx, `SELECT id FROM tasks WHERE id = ANY($1) FOR SHARE`, ids)
	if err != nil {
		return fmt.Errorf("check dependencies: %w", err)
	}
	found := 0
	for rows.Next() {
		found++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("check dependencies: %w", err)
	}
	if found != len(ids) {
		return ErrInvalidDependency
	}
	return nil
}

// pgReplaceEdges swaps the outgoing edges of id. The caller holds the row
// lock on id.
func pgReplaceEdges(ctx context.Context, tx pgx.Tx, id int64, dependencyIDs []int64) error {
	if err := pgLockDependencies(ctx, tx, dependencyIDs); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM task_dependencies WHERE task_id = $1`, id); err != nil {
		return fmt.Errorf("clear dependencies of task %d: %w", id, err)
	}
	return pgInsertEdges(ctx, tx, id, dependencyIDs)
}

func pgInsertEdges(ctx context.Context, tx pgx.Tx, id int64, dependencyIDs []int64) error {
	if len(dependencyIDs) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO task_dependencies (task_id, depends_on_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING`, id, dependencyIDs)
	if err != nil {
		return fmt.Errorf("insert dependencies of task %d: %w", id, err)
	}
	return nil
}

// pgLoadRelations fills DependencyIDs and Dependencies for tasks in a fixed
// number of queries, regardless of how many tasks are passed.
func pgLoadRelations(ctx context.Context, q pgQuerier, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	ids := make([]int64, len(tasks))
	for i := range tasks {
		ids[i] = tasks[i].ID
	}
	edges, err := pgEdges(ctx, q, ids)
	if err != nil {
		return err
	}

	depIDs := edges.targets()
	var deps []Task
	if len(depIDs) > 0 {
		rows, err := q.Query(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = ANY($1)`, depIDs)
		if err != nil {
			return fmt.Errorf("load dependencies: %w", err)
		}
		deps, err = scanTaskRows(rows)
		rows.Close()
		if err != nil {
			return err
		}
		nested, err := pgEdges(ctx, q, depIDs)
		if err != nil {
			return err
		}
		nested.attachIDs(deps)
	}
	edges.attach(tasks, deps)
	return nil
}

func pgEdges(ctx context.Context, q pgQuerier, ids []int64) (edgeSet, error) {
	rows, err := q.Query(ctx, `
		SELECT task_id, depends_on_id FROM task_dependencies
		WHERE task_id = ANY($1) ORDER BY task_id, depends_on_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}
