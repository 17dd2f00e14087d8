package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProjectSpec declares a project the resolver should track.
type ProjectSpec struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

// Config represents the run configuration file.
type Config struct {
	// Projects are registered in addition to those already stored.
	Projects []ProjectSpec `yaml:"projects"`
	// Routes maps a scan product to the Pub/Sub topic its scans are exported to.
	Routes map[string]string `yaml:"routes"`
}

// Loader retrieves and parses the run configuration.
type Loader interface {
	Load(ctx context.Context) (*Config, error)
}

// FileLoader loads configuration from a YAML file on disk.
type FileLoader struct {
	path string
}

func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads, parses and validates the configuration file.
func (l *FileLoader) Load(ctx context.Context) (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Routes) == 0 {
		errs = append(errs, errors.New("no export routes configured"))
	}
	for product, topic := range c.Routes {
		if product == "" {
			errs = append(errs, errors.New("route with empty scan product"))
		}
		if topic == "" {
			errs = append(errs, fmt.Errorf("route %q has no topic", product))
		}
	}
	seen := make(map[int]bool, len(c.Projects))
	for _, p := range c.Projects {
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("project %d declared twice", p.ID))
		}
		seen[p.ID] = true
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
