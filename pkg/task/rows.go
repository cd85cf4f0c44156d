package task

import (
	"encoding/json"
	"fmt"
	"sort"
)

// rowScanner is the subset of pgx.Rows and *sql.Rows used for scanning.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func applyDefaults(t *Task) {
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
}

// orderClause maps a sort key to SQL valid in both Postgres and SQLite.
// Enum columns sort by declaration order, not alphabetically.
func orderClause(s Sort) string {
	switch s {
	case SortPriorityAsc:
		return "CASE priority WHEN 'low' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END ASC, created_at DESC, id DESC"
	case SortStatusAsc:
		return "CASE status WHEN 'pending' THEN 0 WHEN 'in_progress' THEN 1 ELSE 2 END ASC, created_at DESC, id DESC"
	}
	return "created_at DESC, id DESC"
}

func scanTaskRows(rows rowScanner) ([]Task, error) {
	tasks := []Task{}
	for rows.Next() {
		var t Task
		var status, priority string
		var tagsJSON []byte
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &tagsJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Status = Status(status)
		t.Priority = Priority(priority)
		t.CreatedAt = t.CreatedAt.UTC()
		t.UpdatedAt = t.UpdatedAt.UTC()
		t.Tags = decodeTags(tagsJSON)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

func decodeTags(raw []byte) []string {
	tags := []string{}
	if len(raw) == 0 {
		return tags
	}
	if err := json.Unmarshal(raw, &tags); err != nil || tags == nil {
		return []string{}
	}
	return tags
}

// edgeSet maps a dependent task id to the ids it depends on, ascending.
type edgeSet map[int64][]int64

func scanEdges(rows rowScanner) (edgeSet, error) {
	edges := edgeSet{}
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		edges[from] = append(edges[from], to)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("edge iteration: %w", err)
	}
	return edges, nil
}

// targets returns every distinct dependency id in the set, ascending.
func (e edgeSet) targets() []int64 {
	seen := map[int64]struct{}{}
	var out []int64
	for _, tos := range e {
		for _, to := range tos {
			if _, ok := seen[to]; ok {
				continue
			}
			seen[to] = struct{}{}
			out = append(out, to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e edgeSet) attachIDs(tasks []Task) {
	for i := range tasks {
		ids := e[tasks[i].ID]
		if ids == nil {
			ids = []int64{}
		}
		tasks[i].DependencyIDs = ids
	}
}

// attach sets DependencyIDs and Dependencies on each task from deps.
func (e edgeSet) attach(tasks []Task, deps []Task) {
	byID := make(map[int64]Task, len(deps))
	for _, d := range deps {
		byID[d.ID] = d
	}
	e.attachIDs(tasks)
	for i := range tasks {
		resolved := make([]Task, 0, len(tasks[i].DependencyIDs))
		for _, id := range tasks[i].DependencyIDs {
			if d, ok := byID[id]; ok {
				resolved = append(resolved, d)
			}
		}
		tasks[i].Dependencies = resolved
	}
}
