package outbound

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-host/errors"
)

func TestParseAllowlist_Invalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"example.com",
		"https://",
		"https://example.com/path",
		"https://user@example.com",
		"https://ex*ample.com",
		"https://*example.com",
		"https://*.*.example.com",
		"https://example.com:http",
		"https://example.com:70000",
		"gopher://example.com",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseAllowlist([]string{raw})
			require.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}

func TestAllowlist_CheckURL(t *testing.T) {
	al, err := ParseAllowlist([]string{
		"https://api.example.com",
		"postgres://db.internal:5433",
		"*://*.svc.local:*",
		"redis://*:6379",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, al.Len())

	tests := []struct {
		address string
		scheme  string
		want    bool
	}{
		{"https://api.example.com", "https", true},
		{"https://api.example.com:443/v1/items", "https", true},
		{"api.example.com:443", "https", true},
		{"API.Example.com", "https", true},
		{"https://api.example.com:8443", "https", false},
		{"http://api.example.com", "https", false},
		{"http://api.example.com", "http", false},
		{"db.internal:5433", "postgres", true},
		{"db.internal", "postgres", false},
		{"cache.svc.local:9000", "grpc", true},
		{"svc.local:9000", "grpc", false},
		{"a.b.svc.local:1", "mqtt", true},
		{"anything.at.all:6379", "redis", true},
		{"anything.at.all:6380", "redis", false},
		{"no-port-known", "grpc", false},
	}
	for _, tt := range tests {
		t.Run(tt.scheme+" "+tt.address, func(t *testing.T) {
			got, err := al.CheckURL(context.Background(), tt.address, tt.scheme)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllowlist_Empty(t *testing.T) {
	al, err := ParseAllowlist(nil)
	require.NoError(t, err)
	ok, err := al.CheckURL(context.Background(), "example.com:80", "http")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	al, err := ParseAllowlist([]string{"http://localhost:8080"})
	require.NoError(t, err)

	require.NoError(t, Check(ctx, al, "localhost:8080", "http"))
	require.NoError(t, Check(ctx, AllowAll, "10.0.0.1:22", "ssh"))

	err = Check(ctx, al, "localhost:9090", "http")
	require.ErrorIs(t, err, errors.ErrNotPermitted)
	var he *errors.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, errors.KindNotPermitted, he.Kind)

	assert.ErrorIs(t, Check(ctx, nil, "localhost:8080", "http"), errors.ErrNotPermitted)

	err = Check(ctx, al, "http://%zz", "http")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errors.ErrNotPermitted)
}
