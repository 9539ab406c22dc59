package offline

import (
	"context"
	"net/http"
	"sync"
)

// Response is a fully buffered HTTP response as kept in a cache bucket.
// A Response with Status 0 is the generic network error.
type Response struct {
	URL    string      `json:"url"`
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"-"`

	// FromCache is set on responses served out of a bucket.
	FromCache bool `json:"-"`
}

// NetworkError is returned when neither the network nor the cache could
// produce a response.
func NetworkError() *Response {
	return &Response{Header: http.Header{}}
}

func (r *Response) IsError() bool {
	return r == nil || r.Status == 0
}

func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone returns a deep copy so the caller and the cache never share a body.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		URL:       r.URL,
		Status:    r.Status,
		Header:    r.Header.Clone(),
		FromCache: r.FromCache,
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// Bucket is one named cache of url -> response pairs. Implementations
// make Match and Put atomic with respect to each other.
type Bucket interface {
	Name() string
	Match(ctx context.Context, url string) (*Response, error)
	Put(ctx context.Context, url string, resp *Response) error
	Keys(ctx context.Context) ([]string, error)
}

// Storage owns the buckets of one worker. Match searches every bucket in
// creation order and returns nil, nil on a miss.
type Storage interface {
	Open(ctx context.Context, name string) (Bucket, error)
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
	Match(ctx context.Context, url string) (*Response, error)
}

type MemoryStorage struct {
	mu      sync.RWMutex
	order   []string
	buckets map[string]*memoryBucket
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{buckets: map[string]*memoryBucket{}}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b := &memoryBucket{name: name, entries: map[string]*Response{}}
	s.buckets[name] = b
	s.order = append(s.order, name)
	return b, nil
}

func (s *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		return false, nil
	}
	delete(s.buckets, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MemoryStorage) Match(ctx context.Context, url string) (*Response, error) {
	s.mu.RLock()
	buckets := make([]*memoryBucket, 0, len(s.order))
	for _, n := range s.order {
		buckets = append(buckets, s.buckets[n])
	}
	s.mu.RUnlock()
	for _, b := range buckets {
		resp, err := b.Match(ctx, url)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

type memoryBucket struct {
	name    string
	mu      sync.RWMutex
	entries map[string]*Response
	keys    []string
}

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) Match(_ context.Context, url string) (*Response, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	resp, ok := b.entries[url]
	if !ok {
		return nil, nil
	}
	return resp.Clone(), nil
}

func (b *memoryBucket) Put(_ context.Context, url string, resp *Response) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[url]; !ok {
		b.keys = append(b.keys, url)
	}
	stored := resp.Clone()
	stored.FromCache = false
	b.entries[url] = stored
	return nil
}

func (b *memoryBucket) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.keys...), nil
}
