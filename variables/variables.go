// Package variables is a host component serving application variables to
// guests from an ordered list of providers.
//
// A variable path is one or more dot-separated keys. Each key starts with
// an ASCII letter and contains ASCII letters, digits and single dashes.
// The first provider that knows a path wins; resolved values are cached
// per store.
package variables

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/errors"
)

// Provider resolves a variable path. found is false when the provider has
// no value for it.
type Provider interface {
	Get(ctx context.Context, path string) (value string, found bool, err error)
}

// StaticProvider serves a fixed map.
type StaticProvider map[string]string

// Get implements Provider.
func (p StaticProvider) Get(_ context.Context, path string) (string, bool, error) {
	v, ok := p[path]
	return v, ok, nil
}

// DefaultEnvPrefix prefixes variables read by an EnvProvider without one.
const DefaultEnvPrefix = "APP"

// EnvProvider reads PREFIX_PATH from the environment, where PATH is the
// variable path upper-cased with "." replaced by "__" and "-" by "_".
type EnvProvider struct {
	Prefix string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Get implements Provider.
func (p EnvProvider) Get(_ context.Context, path string) (string, bool, error) {
	lookup := p.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(p.Key(path))
	return v, ok, nil
}

// Key returns the environment variable name for path.
func (p EnvProvider) Key(path string) string {
	prefix := p.Prefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return prefix + "_" + EnvVar(path)
}

// EnvVar converts a variable path to its environment form.
func EnvVar(path string) string {
	path = strings.ReplaceAll(path, ".", "__")
	path = strings.ReplaceAll(path, "-", "_")
	return strings.ToUpper(path)
}

// ValidatePath reports whether path is a well-formed variable path.
func ValidatePath(path string) error {
	if path == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "empty variable path")
	}
	for _, key := range strings.Split(path, ".") {
		if err := validateKey(key); err != nil {
			return errors.InvalidInput(errors.PhaseRuntime, fmt.Sprintf("variable path %q: %v", path, err))
		}
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if c := key[0]; !isLetter(c) {
		return fmt.Errorf("keys must start with an ASCII letter")
	}
	if strings.Contains(key, "--") {
		return fmt.Errorf("keys may not contain consecutive dashes")
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if !isLetter(c) && !(c >= '0' && c <= '9') && c != '-' {
			return fmt.Errorf("invalid character %q in key", c)
		}
	}
	return nil
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// resolve asks providers in order.
func resolve(ctx context.Context, providers []Provider, path string) (string, bool, error) {
	if err := ValidatePath(path); err != nil {
		return "", false, err
	}
	for i, p := range providers {
		v, ok, err := p.Get(ctx, path)
		if err != nil {
			Logger().Warn("variable provider failed",
				zap.String("path", path),
				zap.Int("provider", i),
				zap.Error(err))
			return "", false, errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
				Path(path).
				Detail("resolve variable").
				Cause(err).
				Build()
		}
		if ok {
			return v, true, nil
		}
	}
	return "", false, nil
}
