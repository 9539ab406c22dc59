package offline

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Fetcher performs the real network request behind the worker. An error
// means no response arrived at all; HTTP error statuses are responses.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

type FetcherFunc func(ctx context.Context, req *http.Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	return f(ctx, req)
}

// hop-by-hop headers are connection scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type HTTPFetcher struct {
	Client *http.Client
	// MaxBody caps buffered bodies; 0 means 32 MiB.
	MaxBody int64
}

func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{Client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.Host = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	resp, err := f.Client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := f.MaxBody
	if limit <= 0 {
		limit = 32 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", req.URL, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body of %s exceeds %d bytes", req.URL, limit)
	}
	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Del("Content-Length")
	return &Response{
		URL:    req.URL.String(),
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}
