package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/amirbrooks/tasker/internal/store"
)

type listResponse struct {
	Tasks          []store.Task `json:"tasks"`
	Filter         store.Filter `json:"filter"`
	Category       string       `json:"category"`
	CompletedCount int          `json:"completedCount"`
	Categories     []string     `json:"categories"`
	Stats          store.Stats  `json:"stats"`
}

type createRequest struct {
	Text        string `json:"text"`
	Priority    string `json:"priority"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// updateRequest only touches the fields that are present.
type updateRequest struct {
	Text        *string `json:"text"`
	Description *string `json:"description"`
	Priority    *string `json:"priority"`
	Category    *string `json:"category"`
}

type filterRequest struct {
	Filter   *string `json:"filter"`
	Category *string `json:"category"`
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.host != nil {
		body["offline"] = s.host.State().String()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleList(c *gin.Context) {
	s.mu.Lock()
	resp := s.snapshot()
	s.mu.Unlock()
	c.JSON(http.StatusOK, resp)
}

// snapshot must be called with s.mu held.
func (s *Server) snapshot() listResponse {
	tasks := s.store.VisibleTasks()
	if tasks == nil {
		tasks = []store.Task{}
	}
	cats := s.store.Categories()
	if cats == nil {
		cats = []string{}
	}
	return listResponse{
		Tasks:          tasks,
		Filter:         s.store.Filter(),
		Category:       s.store.CategoryFilter(),
		CompletedCount: s.store.CompletedCount(),
		Categories:     cats,
		Stats:          s.store.Stats(),
	}
}

func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest(err))
		return
	}
	s.mu.Lock()
	t, err := s.store.AddTask(store.AddTaskInput{
		Text:        req.Text,
		Priority:    req.Priority,
		Category:    req.Category,
		Description: req.Description,
	})
	s.mu.Unlock()
	if err != nil {
		writeError(c, err)
		return
	}
	s.log.Info("task added", "id", t.ID)
	c.JSON(http.StatusCreated, t)
}

func (s *Server) handleGet(c *gin.Context) {
	s.mu.Lock()
	t, err := s.store.Resolve(c.Param("id"))
	s.mu.Unlock()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleUpdate(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest(err))
		return
	}
	var pri store.Priority
	if req.Priority != nil {
		p, ok := store.ParsePriority(*req.Priority)
		if !ok {
			writeError(c, badRequest(errors.New("unknown priority")))
			return
		}
		pri = p
	}
	if req.Text != nil && strings.TrimSpace(*req.Text) == "" {
		writeError(c, badRequest(errors.New("text is required")))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.store.Resolve(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if req.Text != nil {
		if err := s.store.EditText(t.ID, *req.Text); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.Description != nil {
		if err := s.store.EditDescription(t.ID, *req.Description); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.Priority != nil {
		if err := s.store.EditPriority(t.ID, pri); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.Category != nil {
		if err := s.store.EditCategory(t.ID, *req.Category); err != nil {
			writeError(c, err)
			return
		}
	}
	updated, err := s.store.Get(t.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleToggle(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.store.Resolve(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if _, err := s.store.ToggleComplete(t.ID); err != nil {
		writeError(c, err)
		return
	}
	t, _ = s.store.Get(t.ID)
	c.JSON(http.StatusOK, gin.H{"task": t, "completedCount": s.store.CompletedCount()})
}

func (s *Server) handleDelete(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.store.Resolve(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.store.Delete(t.ID); err != nil {
		writeError(c, err)
		return
	}
	s.log.Info("task deleted", "id", t.ID)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClearCompleted(c *gin.Context) {
	s.mu.Lock()
	n := s.store.ClearCompleted()
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (s *Server) handleFilter(c *gin.Context) {
	var req filterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Filter != nil {
		s.store.SetFilter(store.ParseFilter(*req.Filter))
	}
	if req.Category != nil {
		s.store.SetCategoryFilter(strings.TrimSpace(*req.Category))
	}
	c.JSON(http.StatusOK, s.snapshot())
}

func (s *Server) handleCategories(c *gin.Context) {
	s.mu.Lock()
	cats := s.store.Categories()
	s.mu.Unlock()
	if cats == nil {
		cats = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"categories": cats})
}

func badRequest(err error) error {
	return fmt.Errorf("%w: %v", store.ErrInvalid, err)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrInvalid):
		status = http.StatusBadRequest
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
