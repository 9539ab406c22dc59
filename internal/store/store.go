package store

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid")
)

// MatchConflictError provides details when a prefix matches multiple tasks.
// It still satisfies errors.Is(err, ErrConflict).
type MatchConflictError struct {
	Prefix  string
	Matches []Task
}

func (e *MatchConflictError) Error() string {
	if e == nil || strings.TrimSpace(e.Prefix) == "" {
		return "conflict"
	}
	return fmt.Sprintf("conflict: prefix %q matches %d tasks", e.Prefix, len(e.Matches))
}

func (e *MatchConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Store holds the tasks of one session in insertion order together with
// the current view filters. It is not safe for concurrent use; callers
// serialize access.
type Store struct {
	tasks          []*Task
	filter         Filter
	categoryFilter string
	completedCount int
}

// New returns an empty store showing all tasks.
func New() *Store {
	return &Store{filter: FilterAll}
}

func (s *Store) AddTask(in AddTaskInput) (*Task, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalid)
	}
	pri := PriorityNormal
	if strings.TrimSpace(in.Priority) != "" {
		p, ok := ParsePriority(in.Priority)
		if !ok {
			return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalid, in.Priority)
		}
		pri = p
	}
	id := newID()
	for s.indexOf(id) >= 0 {
		id = newID()
	}
	t := &Task{
		ID:          id,
		Text:        text,
		Description: strings.TrimSpace(in.Description),
		Priority:    pri,
		Category:    strings.TrimSpace(in.Category),
	}
	s.tasks = append(s.tasks, t)
	out := *t
	return &out, nil
}

func (s *Store) Get(id string) (Task, error) {
	t := s.find(id)
	if t == nil {
		return Task{}, ErrNotFound
	}
	return *t, nil
}

// Resolve finds a task by full id or by a unique, case-insensitive id
// prefix. The "tsk_" prefix may be omitted.
func (s *Store) Resolve(prefix string) (Task, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return Task{}, fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if t := s.find(prefix); t != nil {
		return *t, nil
	}
	norm := strings.ToUpper(strings.TrimPrefix(strings.ToLower(prefix), "tsk_"))
	var matches []Task
	for _, t := range s.tasks {
		if strings.HasPrefix(strings.TrimPrefix(t.ID, "tsk_"), norm) {
			matches = append(matches, *t)
		}
	}
	switch len(matches) {
	case 0:
		return Task{}, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return Task{}, &MatchConflictError{Prefix: prefix, Matches: matches}
	}
}

// EditText replaces the text of a task. Empty text is rejected and the
// old value kept.
func (s *Store) EditText(id, text string) error {
	t := s.find(id)
	if t == nil {
		return ErrNotFound
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: text is required", ErrInvalid)
	}
	t.Text = text
	return nil
}

func (s *Store) EditDescription(id, desc string) error {
	t := s.find(id)
	if t == nil {
		return ErrNotFound
	}
	t.Description = strings.TrimSpace(desc)
	return nil
}

func (s *Store) EditPriority(id string, p Priority) error {
	t := s.find(id)
	if t == nil {
		return ErrNotFound
	}
	pri, ok := ParsePriority(string(p))
	if !ok {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalid, p)
	}
	t.Priority = pri
	return nil
}

func (s *Store) EditCategory(id, category string) error {
	t := s.find(id)
	if t == nil {
		return ErrNotFound
	}
	t.Category = strings.TrimSpace(category)
	return nil
}

// ToggleComplete flips the completed flag and returns the new value.
func (s *Store) ToggleComplete(id string) (bool, error) {
	t := s.find(id)
	if t == nil {
		return false, ErrNotFound
	}
	t.Completed = !t.Completed
	if t.Completed {
		s.completedCount++
	} else {
		s.completedCount = max(0, s.completedCount-1)
	}
	return t.Completed, nil
}

func (s *Store) Delete(id string) error {
	idx := s.indexOf(id)
	if idx < 0 {
		return ErrNotFound
	}
	if s.tasks[idx].Completed {
		s.completedCount = max(0, s.completedCount-1)
	}
	s.tasks = append(s.tasks[:idx], s.tasks[idx+1:]...)
	return nil
}

// ClearCompleted drops every completed task and returns how many went.
func (s *Store) ClearCompleted() int {
	kept := s.tasks[:0]
	cleared := 0
	for _, t := range s.tasks {
		if t.Completed {
			cleared++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.tasks); i++ {
		s.tasks[i] = nil
	}
	s.tasks = kept
	s.completedCount = 0
	return cleared
}

func (s *Store) SetFilter(f Filter) {
	s.filter = f
}

func (s *Store) SetCategoryFilter(category string) {
	s.categoryFilter = category
}

func (s *Store) Filter() Filter {
	return s.filter
}

func (s *Store) CategoryFilter() string {
	return s.categoryFilter
}

func (s *Store) CompletedCount() int {
	return s.completedCount
}

// Categories lists the distinct non-empty categories in collation order.
func (s *Store) Categories() []string {
	seen := map[string]bool{}
	out := []string{}
	for _, t := range s.tasks {
		if t.Category == "" || seen[t.Category] {
			continue
		}
		seen[t.Category] = true
		out = append(out, t.Category)
	}
	collate.New(language.Und).SortStrings(out)
	return out
}

// VisibleTasks returns the tasks matching the category filter and the
// completion filter, in insertion order.
func (s *Store) VisibleTasks() []Task {
	out := []Task{}
	for _, t := range s.tasks {
		if s.categoryFilter != "" && t.Category != s.categoryFilter {
			continue
		}
		if !matchesFilter(*t, s.filter) {
			continue
		}
		out = append(out, *t)
	}
	return out
}

func (s *Store) Tasks() []Task {
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

func (s *Store) Stats() Stats {
	active := 0
	for _, t := range s.tasks {
		if !t.Completed {
			active++
		}
	}
	return Stats{Total: len(s.tasks), Active: active, Completed: s.completedCount}
}

func matchesFilter(t Task, f Filter) bool {
	switch f {
	case FilterActive:
		return !t.Completed
	case FilterCompleted:
		return t.Completed
	default:
		return true
	}
}

func (s *Store) find(id string) *Task {
	idx := s.indexOf(id)
	if idx < 0 {
		return nil
	}
	return s.tasks[idx]
}

func (s *Store) indexOf(id string) int {
	for i, t := range s.tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}
