// Copyright (c) 2019 The Gnet Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config is a dotted-key configuration store. Files in INI, YAML,
// TOML or JSON are flattened into "section.key" entries and read back with
// typed getters that fall back to a caller-supplied default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	errorx "github.com/orderengine/reactor/pkg/errors"
	"github.com/orderengine/reactor/pkg/logging"
)

// Config holds flattened configuration entries, it is safe for concurrent use.
type Config struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
	logger logging.Logger
}

// New returns an empty configuration that reports parse failures to logger,
// nil selects the default logger.
func New(logger logging.Logger) *Config {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Config{values: make(map[string]string), logger: logger}
}

// Load reads the file at path, its format is derived from the extension.
func Load(path string, logger logging.Logger) (*Config, error) {
	c := New(logger)
	if err := c.LoadFile(path); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile replaces every entry with the content of the file at path.
func (c *Config) LoadFile(path string) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Errorf("failed to open config file %s: %v", path, err)
		return err
	}
	values, err := parse(format, data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	c.mu.Lock()
	c.path = path
	c.values = values
	c.mu.Unlock()

	c.logger.Infof("loaded %d config item(s) from %s", len(values), path)
	return nil
}

// LoadBytes replaces every entry with data parsed as format.
func (c *Config) LoadBytes(format Format, data []byte) error {
	values, err := parse(format, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.values = values
	c.mu.Unlock()
	return nil
}

// Reload reads the file the configuration was loaded from again.
func (c *Config) Reload() error {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()
	if path == "" {
		return errorx.ErrNoConfigFile
	}
	return c.LoadFile(path)
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

func (c *Config) lookup(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

// GetString returns the value of key, or def when it is missing or empty.
func (c *Config) GetString(key, def string) string {
	if v := c.lookup(key); v != "" {
		return v
	}
	return def
}

// GetInt returns the value of key as an int, or def when it is missing or
// not an integer.
func (c *Config) GetInt(key string, def int) int {
	v := c.lookup(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.logger.Warnf("failed to parse int config: %s = %s, using default: %d", key, v, def)
		return def
	}
	return n
}

// GetFloat returns the value of key as a float64, or def when it is missing
// or not a number.
func (c *Config) GetFloat(key string, def float64) float64 {
	v := c.lookup(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		c.logger.Warnf("failed to parse float config: %s = %s, using default: %g", key, v, def)
		return def
	}
	return f
}

// GetBool returns the value of key as a bool. true, 1, yes and on are true,
// false, 0, no and off are false, in any case. Anything else yields def.
func (c *Config) GetBool(key string, def bool) bool {
	v := c.lookup(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	c.logger.Warnf("failed to parse bool config: %s = %s, using default: %t", key, v, def)
	return def
}

// GetDuration returns the value of key as a duration. Plain numbers are
// seconds, anything else goes through time.ParseDuration.
func (c *Config) GetDuration(key string, def time.Duration) time.Duration {
	v := c.lookup(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.logger.Warnf("failed to parse duration config: %s = %s, using default: %v", key, v, def)
		return def
	}
	return d
}

// Set stores value under key.
func (c *Config) Set(key, value string) error {
	if key == "" {
		return errorx.ErrEmptyConfigKey
	}
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
	return nil
}

func (c *Config) SetInt(key string, value int) error {
	return c.Set(key, strconv.Itoa(value))
}

func (c *Config) SetFloat(key string, value float64) error {
	return c.Set(key, strconv.FormatFloat(value, 'f', -1, 64))
}

func (c *Config) SetBool(key string, value bool) error {
	return c.Set(key, strconv.FormatBool(value))
}

// Has reports whether key is present, even with an empty value.
func (c *Config) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.values[key]
	return ok
}

// All returns a copy of every entry.
func (c *Config) All() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := make(map[string]string, len(c.values))
	for k, v := range c.values {
		all[k] = v
	}
	return all
}

// Keys returns the sorted keys.
func (c *Config) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Format is a configuration file syntax.
type Format int

const (
	FormatINI Format = iota
	FormatYAML
	FormatTOML
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatINI:
		return "ini"
	case FormatYAML:
		return "yaml"
	case FormatTOML:
		return "toml"
	case FormatJSON:
		return "json"
	}
	return "unknown"
}

// FormatOf derives the format from the extension of path.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ini", ".conf", ".cfg":
		return FormatINI, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	}
	return 0, fmt.Errorf("%w: %q", errorx.ErrUnsupportedConfigFormat, path)
}
