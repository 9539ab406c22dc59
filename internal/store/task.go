package store

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type randReader struct{}

func (randReader) Read(p []byte) (int, error) { return rand.Read(p) }

var timeNow = func() time.Time { return time.Now().UTC() }

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Filter narrows VisibleTasks by completion state.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterActive    Filter = "active"
	FilterCompleted Filter = "completed"
)

type Task struct {
	ID          string   `json:"id" yaml:"id"`
	Text        string   `json:"text" yaml:"text"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Completed   bool     `json:"completed" yaml:"completed"`
	Priority    Priority `json:"priority" yaml:"priority"`
	Category    string   `json:"category,omitempty" yaml:"category,omitempty"`
}

type AddTaskInput struct {
	Text        string
	Priority    string
	Category    string
	Description string
}

// Stats is the summary line shown under the list.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
}

func (t *Task) IDShort(n int) string {
	s := t.ID
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (t *Task) PriorityAbbrev() string {
	switch t.Priority {
	case PriorityLow:
		return "L"
	case PriorityNormal:
		return "N"
	case PriorityHigh:
		return "H"
	default:
		return "?"
	}
}

func (t *Task) StatusAbbrev() string {
	if t.Completed {
		return "✓"
	}
	return "o"
}

// ParsePriority accepts low, normal or high, ignoring case and
// surrounding space.
func ParsePriority(p string) (Priority, bool) {
	switch pri := Priority(strings.TrimSpace(strings.ToLower(p))); pri {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return pri, true
	default:
		return "", false
	}
}

// ParseFilter maps user input to a Filter. Unknown values are returned as
// is; VisibleTasks treats them like FilterAll.
func ParseFilter(f string) Filter {
	f = strings.TrimSpace(strings.ToLower(f))
	switch f {
	case "", "all":
		return FilterAll
	case "active", "open":
		return FilterActive
	case "completed", "done":
		return FilterCompleted
	default:
		return Filter(f)
	}
}

func newID() string {
	t := ulid.Timestamp(timeNow())
	entropy := ulid.Monotonic(randReader{}, 0)
	id, err := ulid.New(t, entropy)
	if err != nil {
		// fallback
		return fmt.Sprintf("tsk_%d", timeNow().UnixNano())
	}
	return "tsk_" + strings.ToUpper(id.String())
}
