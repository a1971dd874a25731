// Package config loads bridge settings from an optional YAML file. Command
// line flags are applied on top by the caller.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"vnic/internal/shm"
)

// EngineLoopback selects the built-in self-check engine instead of a
// simulator shared object.
const EngineLoopback = "loopback"

// Config holds everything the bridge process needs besides the interface name.
type Config struct {
	// Engine is a path to the simulator shared object, or "loopback".
	Engine string `yaml:"engine"`
	// EngineArgs are appended after argv[0] when the engine is started.
	EngineArgs []string `yaml:"engineArgs,omitempty"`
	// Trace is a pcap file receiving every bridged frame.
	Trace string `yaml:"trace,omitempty"`
	// EtherType restricts RX to one EtherType; 0 accepts everything.
	EtherType EtherType `yaml:"etherType,omitempty"`
	// BufferSize is the capacity of each of RX and TX.
	BufferSize int  `yaml:"bufferSize,omitempty"`
	Verbose    bool `yaml:"verbose,omitempty"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Engine:     EngineLoopback,
		BufferSize: shm.DefaultCapacity,
	}
}

// Load reads path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside startup.
func (c Config) Validate() error {
	if c.Engine == "" {
		return fmt.Errorf("engine must be set")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("bufferSize must be positive, got %d", c.BufferSize)
	}
	return nil
}

// EtherType is a 16-bit EtherType that accepts decimal or 0x-prefixed hex,
// both in YAML and on the command line.
type EtherType uint16

// String implements flag.Value.
func (e *EtherType) String() string {
	if e == nil || *e == 0 {
		return ""
	}
	return fmt.Sprintf("0x%04x", uint16(*e))
}

// Set implements flag.Value.
func (e *EtherType) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return fmt.Errorf("invalid EtherType %q: %w", s, err)
	}
	*e = EtherType(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *EtherType) UnmarshalYAML(node *yaml.Node) error {
	return e.Set(node.Value)
}
