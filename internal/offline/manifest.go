package offline

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultCacheName carries the version token. Bump it whenever the asset
// list changes so activate drops the old bucket.
const DefaultCacheName = "task-manager-cache-v3"

var defaultAssets = []string{
	"./",
	"./index.html",
	"./styles/style.css",
	"./styles/responsive.css",
	"./scripts/app.js",
	"./scripts/taskManager.js",
	"./scripts/utils.js",
	"./assets/icons/favicon.svg",
	"./assets/icons/favicon.ico",
	"./assets/icons/favicon-32x32.png",
	"./assets/icons/icon-192x192.png",
	"./assets/icons/icon-512x512.png",
	"https://cdn.tailwindcss.com",
	"https://unpkg.com/lucide@latest",
	"https://cdn.jsdelivr.net/npm/marked/marked.min.js",
	"https://cdn.jsdelivr.net/npm/dompurify/dist/purify.min.js",
}

// Manifest is the versioned cache name plus the assets install
// pre-populates. Relative entries resolve against the worker origin.
type Manifest struct {
	Cache  string   `yaml:"cache" json:"cache"`
	Assets []string `yaml:"assets" json:"assets"`
}

func DefaultManifest() Manifest {
	return Manifest{Cache: DefaultCacheName, Assets: append([]string(nil), defaultAssets...)}
}

// LoadManifest reads a YAML manifest. Missing keys fall back to the
// defaults; blank asset entries are dropped.
func LoadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return ParseManifest(b)
}

func ParseManifest(b []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	m.Cache = strings.TrimSpace(m.Cache)
	if m.Cache == "" {
		m.Cache = DefaultCacheName
	}
	if m.Assets == nil {
		m.Assets = append([]string(nil), defaultAssets...)
	}
	assets := m.Assets[:0]
	for _, a := range m.Assets {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		assets = append(assets, a)
	}
	m.Assets = assets
	return m, nil
}
