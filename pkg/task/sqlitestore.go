package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so text comparison matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL CHECK (title <> ''),
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	priority TEXT NOT NULL DEFAULT 'medium',
	tags TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK (updated_at >= created_at)
);
CREATE INDEX IF NOT EXISTS idx_tasks_title ON tasks(title);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	depends_on_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	PRIMARY KEY (task_id, depends_on_id)
);
CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(depends_on_id);
`

const sqliteTaskColumns = `id, title, description, status, priority, tags, created_at, updated_at`

// SQLiteStore is a SQLite-backed task store for local use and tests.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// sqliteQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	return &SQLiteStore{db: db}, nil
}

// EnsureSchema creates the tables and indexes if they don't exist.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("ensure task schema: %w", err)
	}
	return nil
}

// Create inserts a new task together with its dependency edges.
func (s *SQLiteStore) Create(ctx context.Context, t *Task, dependencyIDs []int64) (*Task, error) {
	dependencyIDs = UniqueIDs(dependencyIDs)
	now := formatTime(time.Now())
	applyDefaults(t)

	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := sqliteCheckDependencies(ctx, tx, dependencyIDs); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (title, description, status, priority, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Title, t.Description, string(t.Status), string(t.Priority), string(tagsJSON), now, now)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := sqliteInsertEdges(ctx, tx, id, dependencyIDs); err != nil {
		return nil, err
	}

	created, err := sqliteGetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit task: %w", err)
	}
	return created, nil
}

// GetByID retrieves a single task with its direct dependencies.
func (s *SQLiteStore) GetByID(ctx context.Context, id int64) (*Task, error) {
	return sqliteGetByID(ctx, s.db, id)
}

// GetMultiByIDs returns the tasks among ids that exist, ordered by id.
func (s *SQLiteStore) GetMultiByIDs(ctx context.Context, ids []int64) ([]Task, error) {
	if len(ids) == 0 {
		return []Task{}, nil
	}
	in, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id IN (`+in+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("get tasks by ids: %w", err)
	}
	defer rows.Close()
	return scanSQLiteTaskRows(rows)
}

// Update applies the column changes in p and bumps updated_at. A non-nil
// p.DependencyIDs replaces the outgoing edge set in the same transaction.
func (s *SQLiteStore) Update(ctx context.Context, id int64, p Patch) (*Task, error) {
	sets := []string{"updated_at = MAX(?, created_at)"}
	args := []any{formatTime(time.Now())}

	if p.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *p.Title)
	}
	if p.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *p.Description)
	}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, string(*p.Priority))
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
		sets = append(sets, "tags = ?")
		args = append(args, string(tagsJSON))
	}
	args = append(args, id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("update task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("update task %d: %w", id, ErrNotFound)
	}
	if p.DependencyIDs != nil {
		if err := sqliteReplaceEdges(ctx, tx, id, UniqueIDs(*p.DependencyIDs)); err != nil {
			return nil, err
		}
	}

	updated, err := sqliteGetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit task %d: %w", id, err)
	}
	return updated, nil
}

// ReplaceDependencies drops every outgoing edge of id and inserts dependencyIDs.
func (s *SQLiteStore) ReplaceDependencies(ctx context.Context, id int64, dependencyIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, id).Scan(&count); err != nil {
		return fmt.Errorf("replace dependencies of task %d: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("replace dependencies of task %d: %w", id, ErrNotFound)
	}
	if err := sqliteReplaceEdges(ctx, tx, id, UniqueIDs(dependencyIDs)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dependencies of task %d: %w", id, err)
	}
	return nil
}

// Delete removes a task and every edge it takes part in.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ? OR depends_on_id = ?`, id, id); err != nil {
		return fmt.Errorf("delete edges of task %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete task %d: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete of task %d: %w", id, err)
	}
	return nil
}

// List returns a filtered, sorted page of tasks with their dependencies.
func (s *SQLiteStore) List(ctx context.Context, f Filter, sort Sort, page Page) ([]Task, error) {
	query := `SELECT ` + sqliteTaskColumns + ` FROM tasks WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		query += " AND priority = ?"
		args = append(args, string(f.Priority))
	}
	query += " ORDER BY " + orderClause(sort)
	if page.Limit > 0 || page.Offset > 0 {
		limit := page.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := scanSQLiteTaskRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if err := sqliteLoadRelations(ctx, s.db, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Dependants returns the tasks that depend on id, ordered by id.
func (s *SQLiteStore) Dependants(ctx context.Context, id int64) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.description, t.status, t.priority, t.tags, t.created_at, t.updated_at
		FROM tasks t JOIN task_dependencies d ON d.task_id = t.id
		WHERE d.depends_on_id = ? ORDER BY t.id`, id)
	if err != nil {
		return nil, fmt.Errorf("dependants of task %d: %w", id, err)
	}
	tasks, err := scanSQLiteTaskRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if err := sqliteLoadRelations(ctx, s.db, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteGetByID(ctx context.Context, q sqliteQuerier, id int64) (*Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	tasks, err := scanSQLiteTaskRows(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("get task %d: %w", id, ErrNotFound)
	}
	if err := sqliteLoadRelations(ctx, q, tasks); err != nil {
		return nil, err
	}
	return &tasks[0], nil
}

func sqliteCheckDependencies(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	var found int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id IN (`+in+`)`, args...).Scan(&found); err != nil {
		return fmt.Errorf("check dependencies: %w", err)
	}
	if found != len(ids) {
		return ErrInvalidDependency
	}
	return nil
}

func sqliteReplaceEdges(ctx context.Context, tx *sql.Tx, id int64, dependencyIDs []int64) error {
	if err := sqliteCheckDependencies(ctx, tx, dependencyIDs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("clear dependencies of task %d: %w", id, err)
	}
	return sqliteInsertEdges(ctx, tx, id, dependencyIDs)
}

func sqliteInsertEdges(ctx context.Context, tx *sql.Tx, id int64, dependencyIDs []int64) error {
	for _, dep := range dependencyIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, id, dep); err != nil {
			return fmt.Errorf("insert dependency %d of task %d: %w", dep, id, err)
		}
	}
	return nil
}

func sqliteLoadRelations(ctx context.Context, q sqliteQuerier, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	ids := make([]int64, len(tasks))
	for i := range tasks {
		ids[i] = tasks[i].ID
	}
	edges, err := sqliteEdges(ctx, q, ids)
	if err != nil {
		return err
	}

	depIDs := edges.targets()
	var deps []Task
	if len(depIDs) > 0 {
		in, args := inClause(depIDs)
		rows, err := q.QueryContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id IN (`+in+`)`, args...)
		if err != nil {
			return fmt.Errorf("load dependencies: %w", err)
		}
		deps, err = scanSQLiteTaskRows(rows)
		rows.Close()
		if err != nil {
			return err
		}
		nested, err := sqliteEdges(ctx, q, depIDs)
		if err != nil {
			return err
		}
		nested.attachIDs(deps)
	}
	edges.attach(tasks, deps)
	return nil
}

func sqliteEdges(ctx context.Context, q sqliteQuerier, ids []int64) (edgeSet, error) {
	in, args := inClause(ids)
	rows, err := q.QueryContext(ctx, `
		SELECT task_id, depends_on_id FROM task_dependencies
		WHERE task_id IN (`+in+`) ORDER BY task_id, depends_on_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func scanSQLiteTaskRows(rows *sql.Rows) ([]Task, error) {
	tasks := []Task{}
	for rows.Next() {
		var t Task
		var status, priority, tagsJSON, createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &tagsJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		var err error
		if t.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at of task %d: %w", t.ID, err)
		}
		if t.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at of task %d: %w", t.ID, err)
		}
		t.Status = Status(status)
		t.Priority = Priority(priority)
		t.Tags = decodeTags([]byte(tagsJSON))
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(sqliteTimeLayout)
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
