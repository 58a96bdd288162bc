package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/groundlink/internal/adapter"
)

// DefaultReconnectDelay applies to instances that do not set reconnect_delay.
const DefaultReconnectDelay = 5 * time.Second

// Config is the top-level groundlink.yml: the packet definitions and every
// interface and router of a scope.
type Config struct {
	Version     string              `yaml:"version"`
	Definitions string              `yaml:"definitions"` // Catalog path, relative to the config file
	Interfaces  map[string]Instance `yaml:"interfaces"`
	Routers     map[string]Instance `yaml:"routers,omitempty"`
}

// Instance configures one interface or router.
type Instance struct {
	Kind             string            `yaml:"kind"` // Adapter kind, e.g. tcpclient or simulated
	Targets          []string          `yaml:"targets"`
	CmdTargets       []string          `yaml:"cmd_targets,omitempty"`
	TlmTargets       []string          `yaml:"tlm_targets,omitempty"`
	ConnectOnStartup *bool             `yaml:"connect_on_startup,omitempty"` // Default true
	AutoReconnect    *bool             `yaml:"auto_reconnect,omitempty"`     // Default true
	ReconnectDelay   time.Duration     `yaml:"reconnect_delay,omitempty"`
	ReadOnly         bool              `yaml:"read_only,omitempty"`
	WriteOnly        bool              `yaml:"write_only,omitempty"`
	DisableRaw       bool              `yaml:"disable_raw,omitempty"`
	Options          map[string]string `yaml:"options,omitempty"`
	Params           map[string]any    `yaml:"params,omitempty"` // Adapter construction parameters
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}
	if c.Definitions == "" {
		return fmt.Errorf("definitions path is required")
	}
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("no interfaces defined")
	}

	for _, name := range sortedNames(c.Interfaces) {
		inst := c.Interfaces[name]
		if err := inst.Validate("interface", name); err != nil {
			return err
		}
		c.Interfaces[name] = inst
	}
	for _, name := range sortedNames(c.Routers) {
		inst := c.Routers[name]
		if err := inst.Validate("router", name); err != nil {
			return err
		}
		c.Routers[name] = inst
		if _, clash := c.Interfaces[name]; clash {
			return fmt.Errorf("name '%s' is used by both an interface and a router", name)
		}
	}

	// Commands for a target are queued on one topic; two interfaces
	// commanding the same target would race for them.
	owners := make(map[string]string)
	for _, name := range sortedNames(c.Interfaces) {
		for _, target := range c.Interfaces[name].CmdTargets {
			if other, exists := owners[target]; exists {
				return fmt.Errorf("target '%s' is commanded by both interface '%s' and '%s'", target, other, name)
			}
			owners[target] = name
		}
	}
	return nil
}

// Validate checks one instance and applies defaults. kind is "interface"
// or "router" and only used in messages.
func (i *Instance) Validate(kind, name string) error {
	if i.Kind == "" {
		return fmt.Errorf("%s '%s': kind is required", kind, name)
	}
	if len(i.Targets) == 0 && len(i.CmdTargets) == 0 && len(i.TlmTargets) == 0 {
		return fmt.Errorf("%s '%s': at least one target is required", kind, name)
	}
	if i.ReadOnly && i.WriteOnly {
		return fmt.Errorf("%s '%s': read_only and write_only are mutually exclusive", kind, name)
	}
	if i.ReconnectDelay < 0 {
		return fmt.Errorf("%s '%s': reconnect_delay must be >= 0, got %s", kind, name, i.ReconnectDelay)
	}

	if len(i.CmdTargets) == 0 {
		i.CmdTargets = i.Targets
	}
	if len(i.TlmTargets) == 0 {
		i.TlmTargets = i.Targets
	}
	if i.ConnectOnStartup == nil {
		v := true
		i.ConnectOnStartup = &v
	}
	if i.AutoReconnect == nil {
		v := true
		i.AutoReconnect = &v
	}
	if i.ReconnectDelay == 0 {
		i.ReconnectDelay = DefaultReconnectDelay
	}
	return nil
}

// Settings converts an instance into adapter settings.
func (i Instance) Settings(name, streamLogDir string) adapter.Settings {
	return adapter.Settings{
		Name:             name,
		Targets:          i.Targets,
		CmdTargets:       i.CmdTargets,
		TlmTargets:       i.TlmTargets,
		ConnectOnStartup: i.ConnectOnStartup == nil || *i.ConnectOnStartup,
		AutoReconnect:    i.AutoReconnect == nil || *i.AutoReconnect,
		ReconnectDelay:   i.ReconnectDelay,
		ReadOnly:         i.ReadOnly,
		WriteOnly:        i.WriteOnly,
		DisableRaw:       i.DisableRaw,
		Options:          i.Options,
		StreamLogDir:     streamLogDir,
	}
}

// Interface returns the named interface.
func (c *Config) Interface(name string) (Instance, error) {
	inst, ok := c.Interfaces[name]
	if !ok {
		return Instance{}, fmt.Errorf("interface '%s' is not configured (have: %v)", name, sortedNames(c.Interfaces))
	}
	return inst, nil
}

// Router returns the named router.
func (c *Config) Router(name string) (Instance, error) {
	inst, ok := c.Routers[name]
	if !ok {
		return Instance{}, fmt.Errorf("router '%s' is not configured (have: %v)", name, sortedNames(c.Routers))
	}
	return inst, nil
}

// InterfaceForTarget returns the interface commanding target.
func (c *Config) InterfaceForTarget(target string) (string, bool) {
	for _, name := range sortedNames(c.Interfaces) {
		for _, t := range c.Interfaces[name].CmdTargets {
			if t == target {
				return name, true
			}
		}
	}
	return "", false
}

func sortedNames(m map[string]Instance) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads and validates groundlink.yml from the specified path. A
// relative definitions path is resolved against the config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if !filepath.IsAbs(config.Definitions) {
		config.Definitions = filepath.Join(filepath.Dir(path), config.Definitions)
	}
	return &config, nil
}
