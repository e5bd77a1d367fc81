package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/pool"
)

// Loader builds a Config from defaults, a YAML file and the environment.
type Loader struct {
	configPath string
	lookup     func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader returns a loader reading os.LookupEnv and no file.
func NewLoader() *Loader {
	return &Loader{lookup: os.LookupEnv}
}

// WithConfigPath sets the YAML file to read. The file must exist.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithLookupEnv replaces os.LookupEnv. nil disables environment overrides.
func (l *Loader) WithLookupEnv(lookup func(string) (string, bool)) *Loader {
	l.lookup = lookup
	return l
}

// WithValidator adds a check run after all sources are applied.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load applies defaults, then the file, then the environment, and
// validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, errors.InvalidConfig("config_path", l.configPath, err)
		}
		if err := Decode(bytes.NewReader(data), cfg); err != nil {
			return nil, err
		}
	}

	if l.lookup != nil {
		if err := cfg.Pool.ApplyEnv(l.lookup); err != nil {
			return nil, err
		}
		if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), strings.TrimSuffix(pool.EnvPrefix, "_"), l.lookup); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, err
		}
	}

	Logger().Debug("configuration loaded",
		zap.String("path", l.configPath),
		zap.Bool("pooling", cfg.Pooling),
		zap.Uint64("instance_count", cfg.Pool.InstanceCount),
		zap.Duration("epoch_tick_interval", cfg.EpochTickInterval))
	return cfg, nil
}

// Decode reads YAML from r over cfg. Unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return errors.New(errors.PhaseConfig, errors.KindInvalidConfig).
			Detail("parse configuration file").
			Cause(err).
			Build()
	}
	return nil
}

// Validate reports the first setting that cannot build an engine.
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if c.EpochTickInterval <= 0 {
		return errors.InvalidConfig("epoch_tick_interval", c.EpochTickInterval, fmt.Errorf("must be positive"))
	}
	if c.MemoryLimitPages > 65536 {
		return errors.InvalidConfig("memory_limit_pages", c.MemoryLimitPages, fmt.Errorf("exceeds 65536 pages"))
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return errors.InvalidConfig("log.format", c.Log.Format, fmt.Errorf("want json or console"))
	}
	return nil
}

// setFieldsFromEnv walks the env-tagged fields of v. Nested structs extend
// the prefix with their own tag.
func setFieldsFromEnv(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, key, lookup); err != nil {
				return err
			}
			continue
		}

		value, ok := lookup(key)
		if !ok {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return errors.InvalidConfig(key, value, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldValue(field reflect.Value, value string) error {
	value = strings.TrimSpace(value)
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int64:
		if field.Type() != durationType {
			return fmt.Errorf("unsupported field type %s", field.Type())
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
	case reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(u)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported field type %s", field.Type())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}
