package wasi

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Preview1ModuleName is the import module of preview1 guests.
const Preview1ModuleName = wasi_snapshot_preview1.ModuleName

// Preview1Context carries the per-store preview1 configuration.
type Preview1Context struct {
	opts Options
}

// Args returns the guest arguments.
func (c *Preview1Context) Args() []string {
	return c.opts.Args
}

// Env returns the guest environment in order.
func (c *Preview1Context) Env() [][2]string {
	return c.opts.Env
}

// Preopens returns the mounted directories.
func (c *Preview1Context) Preopens() []Preopen {
	return c.opts.Preopens
}

// ModuleConfig builds a fresh anonymous instance configuration carrying
// args, env, stdio, mounts and real clocks.
func (c *Preview1Context) ModuleConfig() wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithArgs(c.opts.Args...).
		WithStdin(c.opts.Stdin).
		WithStdout(c.opts.Stdout).
		WithStderr(c.opts.Stderr).
		WithRandSource(c.opts.Random).
		WithSysWalltime().
		WithSysNanotime()
	for _, kv := range c.opts.Env {
		cfg = cfg.WithEnv(kv[0], kv[1])
	}
	if len(c.opts.Preopens) > 0 {
		fs := wazero.NewFSConfig()
		for _, p := range c.opts.Preopens {
			if p.ReadOnly {
				fs = fs.WithReadOnlyDirMount(p.Host, p.Guest)
			} else {
				fs = fs.WithDirMount(p.Host, p.Guest)
			}
		}
		cfg = cfg.WithFSConfig(fs)
	}
	return cfg
}

// InstantiatePreview1 instantiates wazero's preview1 host into rt.
func InstantiatePreview1(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, err
	}
	return rt.Module(wasi_snapshot_preview1.ModuleName), nil
}
