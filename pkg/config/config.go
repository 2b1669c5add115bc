// Package config loads one section of a TOML or YAML file and serves typed
// lookups with caller-supplied defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("config: file not found")

// Source is the key/value view of a single section.
type Source struct {
	path   string
	values map[string]any
}

// Load reads path and keeps the keys of section. Files ending in .yaml or
// .yml are decoded as YAML, anything else as TOML. A missing section yields
// an empty source; a missing file is an error.
func Load(path, section string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		_, err = toml.Decode(string(data), &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	values := map[string]any{}
	if sec, ok := raw[section]; ok {
		m, ok := sec.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("config parse failed (%s): section %q is not a table", path, section)
		}
		values = m
	}
	return &Source{path: path, values: values}, nil
}

// FromMap builds a source from in-memory values.
func FromMap(values map[string]any) *Source {
	if values == nil {
		values = map[string]any{}
	}
	return &Source{values: values}
}

func (s *Source) Path() string { return s.path }

// Has reports whether key is set.
func (s *Source) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// String returns key's value as text. An empty value is returned as is.
func (s *Source) String(key, def string) string {
	v, ok := s.values[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return fmt.Sprint(t)
	}
}

// Int returns key's value as an integer, or def if it is absent or not a
// whole number.
func (s *Source) Int(key string, def int) int {
	v, ok := s.values[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case uint64:
		return int(t)
	case float64:
		if t == float64(int(t)) {
			return int(t)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// Bool accepts true/1/on/yes and false/0/off/no in any case. Other values
// yield def.
func (s *Source) Bool(key string, def bool) bool {
	v, ok := s.values[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case int, int64:
		return s.Int(key, 0) != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "on", "yes":
			return true
		case "false", "0", "off", "no":
			return false
		}
	}
	return def
}
