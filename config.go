package offlinecache

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration for the gateway process.
type FileConfig struct {
	Port    int    `yaml:"port"`
	Origin  string `yaml:"origin"`
	Version string `yaml:"version"`
	// Cache DB file name; empty means in-memory.
	DB string `yaml:"db"`
	// Directory for the sync queue database.
	QueueDir    string `yaml:"queueDir"`
	SkipWaiting bool   `yaml:"skipWaiting"`

	APIPrefixes  []string `yaml:"apiPrefixes"`
	PagePatterns []string `yaml:"pagePatterns"`
	Manifest     []string `yaml:"manifest"`

	MaxReplayAttempts int `yaml:"maxReplayAttempts"`
}

// LoadConfig reads and validates the YAML config file.
func LoadConfig(filename string) (FileConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return FileConfig{}, err
	}
	var config FileConfig
	if err := yaml.Unmarshal(b, &config); err != nil {
		return FileConfig{}, err
	}
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.Origin == "" {
		return FileConfig{}, fmt.Errorf("origin is required")
	}
	config.Origin = strings.TrimRight(config.Origin, "/")
	if _, err := url.Parse(config.Origin); err != nil {
		return FileConfig{}, fmt.Errorf("origin: %w", err)
	}
	if config.Version == "" {
		return FileConfig{}, fmt.Errorf("version is required")
	}
	for i, entry := range config.Manifest {
		if !strings.HasPrefix(entry, "/") && !strings.Contains(entry, "://") {
			return FileConfig{}, fmt.Errorf("manifest[%d]: entry must be absolute or root-relative", i)
		}
	}
	return config, nil
}
