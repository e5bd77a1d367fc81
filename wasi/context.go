package wasi

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/wasm-host/resource"
)

// Version selects the system interface generation a store speaks.
type Version uint8

const (
	// Preview1 is wasi_snapshot_preview1, served by wazero.
	Preview1 Version = iota + 1
	// Preview2 is the wasi:* 0.2 interfaces in their core flat lowering.
	Preview2
)

func (v Version) String() string {
	switch v {
	case Preview1:
		return "preview1"
	case Preview2:
		return "preview2"
	default:
		return fmt.Sprintf("wasi.Version(%d)", uint8(v))
	}
}

// ParseVersion accepts "preview1", "p1", "preview2" and "p2".
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "preview1", "p1", "wasi_snapshot_preview1":
		return Preview1, nil
	case "preview2", "p2":
		return Preview2, nil
	}
	return 0, fmt.Errorf("unknown wasi version %q", s)
}

// Preopen maps a host directory into the guest filesystem.
type Preopen struct {
	Host     string
	Guest    string
	ReadOnly bool
}

// Options are the construction values of a system interface context.
type Options struct {
	Stdin    io.Reader
	Stdout   io.Writer
	Stderr   io.Writer
	Random   io.Reader
	Cwd      string
	Args     []string
	Env      [][2]string
	Preopens []Preopen
}

func (o Options) withDefaults() Options {
	if o.Stdin == nil {
		o.Stdin = strings.NewReader("")
	}
	if o.Stdout == nil {
		o.Stdout = io.Discard
	}
	if o.Stderr == nil {
		o.Stderr = io.Discard
	}
	if o.Random == nil {
		o.Random = rand.Reader
	}
	if o.Cwd == "" {
		o.Cwd = "/"
	}
	return o
}

// Context is a tagged variant holding exactly one of the two generations.
// The accessors of the other generation panic.
type Context struct {
	p1      *Preview1Context
	p2      *Preview2Context
	version Version
}

// NewContext builds the context for version v. table holds the preview2
// stream handles and may be nil for preview1.
func NewContext(v Version, opts Options, table *resource.Table) (Context, error) {
	opts = opts.withDefaults()
	switch v {
	case Preview1:
		return Context{version: v, p1: &Preview1Context{opts: opts}}, nil
	case Preview2:
		if table == nil {
			table = resource.NewTable(0)
		}
		return Context{version: v, p2: &Preview2Context{
			opts:  opts,
			table: table,
			start: time.Now(),
		}}, nil
	}
	return Context{}, fmt.Errorf("unknown wasi version %d", v)
}

// Version reports the active generation.
func (c Context) Version() Version {
	return c.version
}

// Preview1 returns the preview1 context and panics on a preview2 store.
func (c Context) Preview1() *Preview1Context {
	if c.p1 == nil {
		panic(fmt.Sprintf("wasi: preview1 context requested from a %s store", c.version))
	}
	return c.p1
}

// Preview2 returns the preview2 context and panics on a preview1 store.
func (c Context) Preview2() *Preview2Context {
	if c.p2 == nil {
		panic(fmt.Sprintf("wasi: preview2 context requested from a %s store", c.version))
	}
	return c.p2
}

// ModuleConfig returns the wazero instance configuration for this context.
func (c Context) ModuleConfig() wazero.ModuleConfig {
	if c.p1 != nil {
		return c.p1.ModuleConfig()
	}
	if c.p2 == nil {
		panic("wasi: zero Context")
	}
	return wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions()
}
