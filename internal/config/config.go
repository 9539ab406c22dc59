package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var ErrInvalid = errors.New("invalid config")

// Config is the merged tasker configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Offline OfflineConfig `yaml:"offline" mapstructure:"offline"`
	UI      UIConfig      `yaml:"ui" mapstructure:"ui"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// OfflineConfig configures the offline cache worker.
type OfflineConfig struct {
	CacheName string `yaml:"cache_name" mapstructure:"cache_name"`
	// Origin is the worker's own origin; relative manifest entries resolve
	// against it.
	Origin string `yaml:"origin" mapstructure:"origin"`
	// Manifest is an optional YAML asset manifest overriding the built-in list.
	Manifest           string `yaml:"manifest" mapstructure:"manifest"`
	Storage            string `yaml:"storage" mapstructure:"storage"` // memory|sqlite
	DBPath             string `yaml:"db_path" mapstructure:"db_path"`
	InstallConcurrency int    `yaml:"install_concurrency" mapstructure:"install_concurrency"`
}

type UIConfig struct {
	Style string `yaml:"style" mapstructure:"style"` // auto|dark|light|notty|ascii
	Width int    `yaml:"width" mapstructure:"width"`
}

// Paths are the locations Load consults, lowest precedence first.
type Paths struct {
	Global  string
	Project string
	// Explicit must exist when set.
	Explicit string
}

// DefaultPaths returns ~/.tasker/config.yaml and ./.tasker/config.yaml.
func DefaultPaths(explicit string) Paths {
	p := Paths{Global: filepath.Join(RootDir(), "config.yaml"), Explicit: explicit}
	if cwd, err := os.Getwd(); err == nil {
		p.Project = filepath.Join(cwd, ".tasker", "config.yaml")
	}
	return p
}

// RootDir is TASKER_ROOT or ~/.tasker.
func RootDir() string {
	if env := os.Getenv("TASKER_ROOT"); env != "" {
		return expandHome(env)
	}
	home, _ := os.UserHomeDir()
	if home == "" {
		return ".tasker"
	}
	return filepath.Join(home, ".tasker")
}

func Load(explicit string) (*Config, error) {
	return LoadPaths(DefaultPaths(explicit))
}

// LoadPaths merges defaults, the global file, the project file, the
// explicit file and TASKER_* environment variables, in that order.
func LoadPaths(p Paths) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	for _, path := range []string{p.Global, p.Project} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := mergeFile(v, path); err != nil {
			return nil, err
		}
	}
	if p.Explicit != "" {
		if _, err := os.Stat(p.Explicit); err != nil {
			return nil, fmt.Errorf("config %s: %w", p.Explicit, err)
		}
		if err := mergeFile(v, p.Explicit); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix("TASKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func mergeFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("offline.cache_name", d.Offline.CacheName)
	v.SetDefault("offline.origin", d.Offline.Origin)
	v.SetDefault("offline.manifest", d.Offline.Manifest)
	v.SetDefault("offline.storage", d.Offline.Storage)
	v.SetDefault("offline.db_path", d.Offline.DBPath)
	v.SetDefault("offline.install_concurrency", d.Offline.InstallConcurrency)
	v.SetDefault("ui.style", d.UI.Style)
	v.SetDefault("ui.width", d.UI.Width)
}

func (c *Config) normalize() error {
	c.Offline.Storage = strings.ToLower(strings.TrimSpace(c.Offline.Storage))
	switch c.Offline.Storage {
	case "", "memory":
		c.Offline.Storage = "memory"
	case "sqlite":
	default:
		return fmt.Errorf("%w: offline.storage must be memory or sqlite, got %q", ErrInvalid, c.Offline.Storage)
	}
	c.Offline.DBPath = expandHome(c.Offline.DBPath)
	c.Offline.Manifest = expandHome(c.Offline.Manifest)
	if c.UI.Width <= 0 {
		c.UI.Width = 80
	}
	return nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~"+string(os.PathSeparator)) || path == "~" {
		home, _ := os.UserHomeDir()
		if home != "" {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
