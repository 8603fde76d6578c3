package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/skyforge-dev/skyforge/pkg/governance"
	"github.com/skyforge-dev/skyforge/pkg/runtime/budget"
	"github.com/skyforge-dev/skyforge/pkg/runtime/sandbox"
	"gopkg.in/yaml.v3"
)

// HostFile is the name of the host configuration file in the config root.
const HostFile = "host.yaml"

// HostConfig is what the operator of this host decides, independent of any
// module declaration.
type HostConfig struct {
	Limits             budget.Limits     `yaml:"limits" json:"limits"`
	Sandbox            sandbox.Policy    `yaml:"sandbox" json:"sandbox"`
	Admission          []governance.Rule `yaml:"admission,omitempty" json:"admission,omitempty"`
	MaxConcurrentLoads int               `yaml:"max_concurrent_loads" json:"max_concurrent_loads"`
}

// DefaultHostConfig returns the configuration used without a host.yaml.
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		Limits:             budget.Default(),
		Sandbox:            *sandbox.DefaultPolicy(),
		MaxConcurrentLoads: 4,
	}
}

// LoadHost reads <configRoot>/host.yaml over the defaults. A missing file
// yields the defaults. Unknown keys are rejected.
func LoadHost(configRoot string) (*HostConfig, error) {
	path := filepath.Join(configRoot, HostFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultHostConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := DefaultHostConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no component can honour.
func (c *HostConfig) Validate() error {
	if c.Limits.MemoryLimitBytes < 0 {
		return fmt.Errorf("limits.memory_limit_bytes must not be negative")
	}
	if c.Limits.CallTimeLimitMs < 0 {
		return fmt.Errorf("limits.call_time_limit_ms must not be negative")
	}
	if c.MaxConcurrentLoads < 1 {
		return fmt.Errorf("max_concurrent_loads must be at least 1")
	}
	for i, r := range c.Admission {
		if r.Expr == "" {
			return fmt.Errorf("admission[%d]: expr is required", i)
		}
	}
	return nil
}
