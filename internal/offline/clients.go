package offline

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxClients bounds the registry; the oldest clients are forgotten
// first.
const DefaultMaxClients = 4096

// Client is one page talking to the host. Requests from uncontrolled
// clients bypass the worker.
type Client struct {
	ID         string `json:"id"`
	Controlled bool   `json:"controlled"`
}

type Clients struct {
	mu    sync.Mutex
	m     map[string]*Client
	order []string
	max   int
	// controlNew is set once the worker has claimed; pages opened after
	// that start out controlled.
	controlNew bool
}

func NewClients() *Clients {
	return NewClientsWithLimit(DefaultMaxClients)
}

// NewClientsWithLimit returns a registry that remembers at most max
// clients. A non-positive max means DefaultMaxClients.
func NewClientsWithLimit(max int) *Clients {
	if max <= 0 {
		max = DefaultMaxClients
	}
	return &Clients{m: map[string]*Client{}, max: max}
}

// Lookup returns the client for id. A missing or malformed id gets a new
// client that is not remembered; it is registered when its id comes back
// on a later request.
func (c *Clients) Lookup(id string) Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := uuid.Parse(id); err != nil {
		return Client{ID: uuid.NewString(), Controlled: c.controlNew}
	}
	if cl, ok := c.m[id]; ok {
		return *cl
	}
	cl := &Client{ID: id, Controlled: c.controlNew}
	c.m[id] = cl
	c.order = append(c.order, id)
	for len(c.order) > c.max {
		delete(c.m, c.order[0])
		c.order = append(c.order[:0], c.order[1:]...)
	}
	return *cl
}

// Claim takes control of every known client and of all future ones. It
// returns how many clients changed hands.
func (c *Clients) Claim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controlNew = true
	n := 0
	for _, cl := range c.m {
		if !cl.Controlled {
			cl.Controlled = true
			n++
		}
	}
	return n
}

func (c *Clients) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

func (c *Clients) List() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Client, 0, len(c.m))
	for _, cl := range c.m {
		out = append(out, *cl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
