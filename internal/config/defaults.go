package config

import (
	"os"
	"path/filepath"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: "127.0.0.1:8080"},
		Offline: OfflineConfig{
			CacheName:          "task-manager-cache-v3",
			Origin:             "http://127.0.0.1:8000",
			Storage:            "sqlite",
			DBPath:             filepath.Join(RootDir(), "offline.db"),
			InstallConcurrency: 4,
		},
		UI: UIConfig{Style: "auto", Width: 80},
	}
}

// WriteDefault writes a commented starter config.
func WriteDefault(path string) error {
	content := `# tasker configuration
server:
  addr: 127.0.0.1:8080

# Offline cache worker
offline:
  # Bump the version suffix whenever the asset list changes.
  cache_name: task-manager-cache-v3
  # Upstream serving the app shell; must not be server.addr.
  origin: http://127.0.0.1:8000
  # manifest: ~/.tasker/manifest.yaml
  storage: sqlite   # sqlite | memory (memory is lost when the command exits)
  # db_path: ~/.tasker/offline.db
  install_concurrency: 4

ui:
  style: auto       # auto | dark | light | notty | ascii
  width: 80
`
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
