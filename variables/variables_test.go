package variables

import (
	"context"
	stderrors "errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestValidatePath(t *testing.T) {
	for _, ok := range []string{"a", "db.url", "api-key", "Service.v2.token", "a-b-c.d1"} {
		assert.NoError(t, ValidatePath(ok), ok)
	}
	for _, bad := range []string{"", ".", "a.", ".a", "1abc", "-a", "a--b", "a_b", "a b", "ключ"} {
		assert.Error(t, ValidatePath(bad), bad)
	}
}

func TestEnvProvider_Key(t *testing.T) {
	assert.Equal(t, "APP_DB__URL", EnvProvider{}.Key("db.url"))
	assert.Equal(t, "SVC_API_KEY", EnvProvider{Prefix: "SVC"}.Key("api-key"))
}

func TestEnvVar_Charset(t *testing.T) {
	envChars := regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
	key := rapid.StringMatching(`[a-zA-Z]([a-zA-Z0-9]|-[a-zA-Z0-9]){0,8}`)
	rapid.Check(t, func(t *rapid.T) {
		keys := rapid.SliceOfN(key, 1, 4).Draw(t, "keys")
		path := strings.Join(keys, ".")
		if err := ValidatePath(path); err != nil {
			t.Fatalf("generated path %q rejected: %v", path, err)
		}
		if v := EnvVar(path); !envChars.MatchString(v) {
			t.Fatalf("EnvVar(%q) = %q", path, v)
		}
	})
}

type countingProvider struct {
	values map[string]string
	calls  int
	err    error
}

func (p *countingProvider) Get(_ context.Context, path string) (string, bool, error) {
	p.calls++
	if p.err != nil {
		return "", false, p.err
	}
	v, ok := p.values[path]
	return v, ok, nil
}

func TestData_ProviderOrderAndCache(t *testing.T) {
	ctx := context.Background()
	first := &countingProvider{values: map[string]string{"a": "first"}}
	env := EnvProvider{LookupEnv: func(k string) (string, bool) {
		if k == "APP_B" {
			return "from-env", true
		}
		return "", false
	}}
	c := New(first, env, StaticProvider{"a": "shadowed", "c": "static"})
	d := c.BuildData()

	for path, want := range map[string]string{"a": "first", "b": "from-env", "c": "static"} {
		v, ok, err := d.Get(ctx, path)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
	_, ok, err := d.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, d.Cached())

	calls := first.calls
	v, _, _ := d.Get(ctx, "a")
	assert.Equal(t, "first", v)
	assert.Equal(t, calls, first.calls, "cached values skip providers")

	other := c.BuildData()
	assert.Equal(t, 0, other.Cached())
}

func TestData_ProviderFailure(t *testing.T) {
	boom := stderrors.New("vault sealed")
	d := New(&countingProvider{err: boom}, StaticProvider{"a": "x"}).BuildData()
	_, _, err := d.Get(context.Background(), "a")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, d.Cached())
}
