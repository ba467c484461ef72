package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	yaml "sigs.k8s.io/yaml"
)

type ImpersonateConfig struct {
	User   string   `json:"user,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

type ClustersConfig struct {
	// TTL evicts sessions of contexts not used for this long.
	TTL metav1.Duration `json:"ttl"`
}

type KubernetesConfig struct {
	Impersonate ImpersonateConfig `json:"impersonate"`
	Clusters    ClustersConfig    `json:"clusters"`
}

type DiscoveryConfig struct {
	Timeout metav1.Duration `json:"timeout"`
}

type WatchConfig struct {
	AllowBookmarks bool `json:"allowBookmarks"`
}

type LogConfig struct {
	Verbosity int `json:"verbosity"`
}

type Config struct {
	Kubernetes KubernetesConfig `json:"kubernetes"`
	Discovery  DiscoveryConfig  `json:"discovery"`
	Watch      WatchConfig      `json:"watch"`
	Log        LogConfig        `json:"log"`
}

func Default() *Config {
	return &Config{
		Kubernetes: KubernetesConfig{Clusters: ClustersConfig{TTL: metav1.Duration{Duration: 2 * time.Minute}}},
		Discovery:  DiscoveryConfig{Timeout: metav1.Duration{Duration: 30 * time.Second}},
		Watch:      WatchConfig{AllowBookmarks: true},
	}
}

// DefaultPath returns ~/.sparkles/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sparkles", "config.yaml"), nil
}

// Load reads the config at path (DefaultPath if empty). A missing file yields
// the defaults; keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = p
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return Default(), fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Kubernetes.Clusters.TTL.Duration <= 0 {
		cfg.Kubernetes.Clusters.TTL = Default().Kubernetes.Clusters.TTL
	}
	if cfg.Discovery.Timeout.Duration <= 0 {
		cfg.Discovery.Timeout = Default().Discovery.Timeout
	}
	return cfg, nil
}

// Save writes the config to path (DefaultPath if empty), creating the
// directory if needed.
func Save(cfg *Config, path string) error {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
