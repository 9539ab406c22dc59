package offline

import (
	"context"
	"net"
	"strings"
)

type AssetStatus struct {
	URL    string `json:"url"`
	Cached bool   `json:"cached"`
}

// Diagnosis is a snapshot of what the worker would serve offline.
type Diagnosis struct {
	Origin        string        `json:"origin"`
	SecureContext bool          `json:"secure_context"`
	Cache         string        `json:"cache"`
	Buckets       []string      `json:"buckets"`
	Stale         []string      `json:"stale"`
	Assets        []AssetStatus `json:"assets"`
	Missing       int           `json:"missing"`
}

func (w *Worker) Diagnose(ctx context.Context) (*Diagnosis, error) {
	d := &Diagnosis{
		Origin:        strings.TrimRight(w.origin.String(), "/"),
		SecureContext: isSecureOrigin(w.origin.Scheme, w.origin.Hostname()),
		Cache:         w.cfg.CacheName,
	}
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	d.Buckets = names
	for _, n := range names {
		if n != w.cfg.CacheName {
			d.Stale = append(d.Stale, n)
		}
	}
	var bucket Bucket
	for _, n := range names {
		if n == w.cfg.CacheName {
			if bucket, err = w.storage.Open(ctx, n); err != nil {
				return nil, err
			}
			break
		}
	}
	for _, asset := range w.cfg.Assets {
		st := AssetStatus{URL: asset}
		if u, err := w.ResolveURL(asset); err == nil {
			st.URL = u.String()
			if bucket != nil {
				resp, err := bucket.Match(ctx, st.URL)
				if err != nil {
					return nil, err
				}
				st.Cached = resp != nil
			}
		}
		if !st.Cached {
			d.Missing++
		}
		d.Assets = append(d.Assets, st)
	}
	return d, nil
}

// isSecureOrigin mirrors the browser rule: https anywhere, http only on
// loopback.
func isSecureOrigin(scheme, host string) bool {
	if strings.EqualFold(scheme, "https") {
		return true
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
