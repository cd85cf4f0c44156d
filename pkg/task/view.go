package task

import "time"

// View is the summary shape returned by create, update and list.
type View struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Status        Status    `json:"status"`
	Priority      Priority  `json:"priority"`
	Tags          []string  `json:"tags"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	DependencyIDs []int64   `json:"dependency_ids"`
}

// Detail is the full shape returned by get and stored in the cache.
type Detail struct {
	View
	Dependencies []View `json:"dependencies"`
}

// View returns the summary shape of t.
func (t *Task) View() View {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	deps := t.DependencyIDs
	if deps == nil {
		deps = []int64{}
	}
	return View{
		ID:            t.ID,
		Title:         t.Title,
		Description:   t.Description,
		Status:        t.Status,
		Priority:      t.Priority,
		Tags:          tags,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		DependencyIDs: deps,
	}
}

// Detail returns the full shape of t including nested dependency summaries.
func (t *Task) Detail() Detail {
	d := Detail{View: t.View(), Dependencies: make([]View, 0, len(t.Dependencies))}
	for i := range t.Dependencies {
		d.Dependencies = append(d.Dependencies, t.Dependencies[i].View())
	}
	return d
}

// Views converts a slice of tasks to summaries.
func Views(tasks []Task) []View {
	out := make([]View, 0, len(tasks))
	for i := range tasks {
		out = append(out, tasks[i].View())
	}
	return out
}
