package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"task-graph/pkg/task"
	"task-graph/pkg/taskgraph"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type createRequest struct {
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Status        *task.Status   `json:"status"`
	Priority      *task.Priority `json:"priority"`
	Tags          []string       `json:"tags"`
	DependencyIDs []int64        `json:"dependency_ids"`
}

type updateRequest struct {
	Title         *string        `json:"title"`
	Description   *string        `json:"description"`
	Status        *task.Status   `json:"status"`
	Priority      *task.Priority `json:"priority"`
	Tags          *[]string      `json:"tags"`
	DependencyIDs *[]int64       `json:"dependency_ids"`
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f task.Filter
	if v := q.Get("status"); v != "" {
		f.Status = task.Status(v)
		if !f.Status.Valid() {
			s.writeError(w, 400, fmt.Sprintf("invalid status %q", v))
			return
		}
	}
	if v := q.Get("priority"); v != "" {
		f.Priority = task.Priority(v)
		if !f.Priority.Valid() {
			s.writeError(w, 400, fmt.Sprintf("invalid priority %q", v))
			return
		}
	}
	sort := task.SortCreatedAtDesc
	if v := q.Get("sort"); v != "" {
		sort = task.Sort(v)
		if !sort.Valid() {
			s.writeError(w, 400, fmt.Sprintf("invalid sort %q", v))
			return
		}
	}
	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		s.writeError(w, 400, "page must be an integer >= 1")
		return
	}
	size, err := queryInt(r, "page_size", defaultPageSize)
	if err != nil || size < 1 || size > maxPageSize {
		s.writeError(w, 400, fmt.Sprintf("page_size must be an integer between 1 and %d", maxPageSize))
		return
	}

	tasks, err := s.svc.ListTasks(r.Context(), f, sort, task.Page{Offset: (page - 1) * size, Limit: size})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, 200, task.Views(tasks))
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	d, err := s.svc.GetTask(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, 200, d)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.Title == "" {
		s.writeError(w, 400, "title is required")
		return
	}
	in := taskgraph.CreateInput{
		Title:         req.Title,
		Description:   req.Description,
		Status:        task.StatusPending,
		Priority:      task.PriorityMedium,
		Tags:          req.Tags,
		DependencyIDs: req.DependencyIDs,
	}
	if req.Status != nil {
		if !req.Status.Valid() {
			s.writeError(w, 400, fmt.Sprintf("invalid status %q", *req.Status))
			return
		}
		in.Status = *req.Status
	}
	if req.Priority != nil {
		if !req.Priority.Valid() {
			s.writeError(w, 400, fmt.Sprintf("invalid priority %q", *req.Priority))
			return
		}
		in.Priority = *req.Priority
	}

	created, err := s.svc.CreateTask(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, 201, created.View())
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.Title != nil && *req.Title == "" {
		s.writeError(w, 400, "title must not be empty")
		return
	}
	if req.Status != nil && !req.Status.Valid() {
		s.writeError(w, 400, fmt.Sprintf("invalid status %q", *req.Status))
		return
	}
	if req.Priority != nil && !req.Priority.Valid() {
		s.writeError(w, 400, fmt.Sprintf("invalid priority %q", *req.Priority))
		return
	}

	updated, err := s.svc.UpdateTask(r.Context(), id, task.Patch{
		Title:         req.Title,
		Description:   req.Description,
		Status:        req.Status,
		Priority:      req.Priority,
		Tags:          req.Tags,
		DependencyIDs: req.DependencyIDs,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, 200, updated.View())
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteTask(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskDependencies(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	deps, err := s.svc.Dependencies(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, 200, deps)
}

func (s *Server) handleTaskDependants(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	tasks, err := s.svc.Dependants(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, 200, task.Views(tasks))
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		s.writeError(w, 400, "invalid task id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}
