package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "WHEELSORT_"
	// EnvNestingSeparator separates section levels in environment variable
	// names, so that single underscores can stay inside key names.
	EnvNestingSeparator = "__"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
)

// searchPaths are tried in order when no config file is given.
var searchPaths = []string{
	"wheelsort.yaml",
	"config.yaml",
	"config.yml",
	"config.json",
	"configs/config.yaml",
	"/etc/wheelsort/config.yaml",
}

var durationType = reflect.TypeOf(time.Duration(0))

// Loader merges defaults, a config file, environment variables and CLI
// overrides, in that order of increasing precedence.
type Loader struct {
	k *koanf.Koanf
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{k: koanf.New(Delimiter)}
}

// Load builds and validates the configuration. An empty configPath searches
// the standard locations and carries on with defaults if none exists.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	// Every load starts from scratch so a reload forgets removed keys.
	l.k = koanf.New(Delimiter)

	defaults := flatten(DefaultConfig(), "")
	steps := []struct {
		name string
		run  func() error
	}{
		{"defaults", func() error { return l.k.Load(confmap.Provider(defaults, Delimiter), nil) }},
		{"config file", func() error { return l.loadConfigFile(configPath) }},
		{"environment", func() error { return l.k.Load(env.Provider(EnvPrefix, Delimiter, envKey), nil) }},
		{"overrides", func() error { return l.k.Load(confmap.Provider(overrides, Delimiter), nil) }},
		{"defaults", func() error { return l.restoreDefaults(defaults) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", step.name, err)
		}
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) loadConfigFile(path string) error {
	if path != "" {
		return l.loadFile(path)
	}
	for _, candidate := range searchPaths {
		if _, err := os.Stat(candidate); err == nil {
			return l.loadFile(candidate)
		}
	}
	return nil
}

func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", path)
	}
	return l.k.Load(file.Provider(path), parser)
}

// restoreDefaults puts back defaults a file removed by setting a section
// to null.
func (l *Loader) restoreDefaults(defaults map[string]interface{}) error {
	for key, value := range defaults {
		if l.k.Exists(key) {
			continue
		}
		if err := l.k.Set(key, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// envKey maps environment variable names to config keys:
//
//	WHEELSORT_SERVER__PORT               -> server.port
//	WHEELSORT_SORTER__EXCEPTION_CHUTE_ID -> sorter.exception_chute_id
//	WHEELSORT_EMC__REDIS__ADDRESS        -> emc.redis.address
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, EnvNestingSeparator, Delimiter)
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} { return l.k.Get(key) }

// GetString returns a string configuration value.
func (l *Loader) GetString(key string) string { return l.k.String(key) }

// GetInt returns an int configuration value.
func (l *Loader) GetInt(key string) int { return l.k.Int(key) }

// GetBool returns a bool configuration value.
func (l *Loader) GetBool(key string) bool { return l.k.Bool(key) }

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) error { return l.k.Set(key, value) }

// Print returns the merged keys for debugging.
func (l *Loader) Print() string { return l.k.Sprint() }

// flatten turns a struct into dot-separated mapstructure keys. Durations
// stay time.Duration; slices of structs become slices of maps.
func flatten(v interface{}, prefix string) map[string]interface{} {
	out := make(map[string]interface{})
	val := reflect.Indirect(reflect.ValueOf(v))
	if val.Kind() != reflect.Struct {
		return out
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("mapstructure")
		if !field.IsExported() || tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + Delimiter + tag
		}

		fv := val.Field(i)
		switch {
		case fv.Type() == durationType:
			out[key] = time.Duration(fv.Int())
		case fv.Kind() == reflect.Ptr:
			if !fv.IsNil() {
				for k, nested := range flatten(fv.Interface(), key) {
					out[k] = nested
				}
			}
		case fv.Kind() == reflect.Struct:
			for k, nested := range flatten(fv.Interface(), key) {
				out[k] = nested
			}
		case fv.Kind() == reflect.Slice:
			out[key] = sliceValue(fv)
		default:
			out[key] = fv.Interface()
		}
	}
	return out
}

func sliceValue(fv reflect.Value) []interface{} {
	items := make([]interface{}, fv.Len())
	for j := range items {
		elem := fv.Index(j)
		if reflect.Indirect(elem).Kind() == reflect.Struct {
			items[j] = unflatten(flatten(elem.Interface(), ""))
			continue
		}
		items[j] = elem.Interface()
	}
	return items
}

// unflatten nests dot-separated keys back into maps.
func unflatten(flat map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for key, value := range flat {
		parts := strings.Split(key, Delimiter)
		node := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := node[part].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				node[part] = next
			}
			node = next
		}
		node[parts[len(parts)-1]] = value
	}
	return out
}

// Load is a convenience function to load configuration.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}

// LoadOrDie loads configuration and panics on error.
func LoadOrDie(configPath string, overrides map[string]interface{}) *Config {
	cfg, err := Load(configPath, overrides)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
