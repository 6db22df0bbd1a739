// Package config holds the relay configuration: the shared port, the
// ordered source and destination addresses, and verbosity.
//
// A configuration is built by the command line, optionally starting from a
// YAML file given with --config. There is no implicit file discovery and no
// environment override. Validate must pass before any socket is opened.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"netforward/internal/common"
)

// ErrInvalid marks every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the relay configuration.
type Config struct {
	// Port is used both for binding every source and as the peer port of
	// every destination.
	Port uint16 `yaml:"port"`

	// Sources are bound for receiving, in this order. The order is the
	// service order when several sources are readable at once.
	Sources []common.Address `yaml:"sources"`

	// Dests receive every datagram, in this order.
	Dests []common.Address `yaml:"dests"`

	// Verbose enables diagnostic logging when > 0. It never changes
	// forwarding behavior.
	Verbose int `yaml:"verbose"`
}

// Validate reports every violated invariant, joined, each wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == 0 {
		errs = append(errs, fmt.Errorf("%w: port must be non-zero", ErrInvalid))
	}
	if len(c.Sources) == 0 {
		errs = append(errs, fmt.Errorf("%w: at least one source address is required", ErrInvalid))
	}
	if len(c.Dests) == 0 {
		errs = append(errs, fmt.Errorf("%w: at least one destination address is required", ErrInvalid))
	}
	for i, a := range c.Sources {
		if !a.IsValid() {
			errs = append(errs, fmt.Errorf("%w: source %d has no address", ErrInvalid, i))
		}
	}
	for i, a := range c.Dests {
		if !a.IsValid() {
			errs = append(errs, fmt.Errorf("%w: destination %d has no address", ErrInvalid, i))
		}
	}
	if c.Verbose < 0 {
		errs = append(errs, fmt.Errorf("%w: verbose must not be negative", ErrInvalid))
	}
	return errors.Join(errs...)
}

// LoadFile reads a YAML configuration file. The result is not validated;
// command-line flags are usually merged in first.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document. Unknown keys are errors. An empty document
// yields the zero Config.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}
