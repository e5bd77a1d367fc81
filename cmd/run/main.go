package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/wippyai/wasm-host/config"
	"github.com/wippyai/wasm-host/core"
	"github.com/wippyai/wasm-host/epoch"
	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/hostcomponent"
	"github.com/wippyai/wasm-host/linker"
	"github.com/wippyai/wasm-host/metrics"
	"github.com/wippyai/wasm-host/outbound"
	"github.com/wippyai/wasm-host/pool"
	"github.com/wippyai/wasm-host/variables"
	"github.com/wippyai/wasm-host/wasi"
)

// exitError carries a guest exit status out of run.
type exitError struct {
	code uint32
}

func (e exitError) Error() string { return fmt.Sprintf("guest exited with code %d", e.code) }
func (e exitError) ExitCode() int { return int(e.code) }

func main() {
	if err := run(os.Args[1:]); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		if stderrors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	wasm        string
	funcName    string
	abi         string
	configPath  string
	metricsAddr string
	logLevel    string
	env         []string
	args        []string
	dirs        []string
	vars        []string
	params      []string
	outbound    []string
	timeout     time.Duration
	maxMemory   uint64
	concurrency int
	noPooling   bool
	list        bool
	interactive bool
}

func parseFlags(argv []string) (*options, error) {
	var o options
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.StringVar(&o.wasm, "wasm", "", "path to the WebAssembly program")
	fs.StringVar(&o.funcName, "func", "", "exported function to call (default _start, run or main)")
	fs.StringVar(&o.abi, "abi", "preview2", "system interface generation: preview1 or preview2")
	fs.StringVar(&o.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error (overrides the config file)")
	fs.StringArrayVar(&o.env, "env", nil, "guest environment variable KEY=VALUE (repeatable)")
	fs.StringArrayVar(&o.args, "arg", nil, "guest argument (repeatable)")
	fs.StringArrayVar(&o.dirs, "dir", nil, "preopened directory HOST[:GUEST[:ro]] (repeatable, preview1)")
	fs.StringArrayVar(&o.vars, "var", nil, "application variable path=value (repeatable)")
	fs.StringArrayVar(&o.params, "param", nil, "function parameter in declaration order (repeatable)")
	fs.StringArrayVar(&o.outbound, "allow-outbound", nil, "allowed outbound host pattern scheme://host:port (repeatable)")
	fs.DurationVar(&o.timeout, "timeout", 0, "per-invocation deadline, 0 for none")
	fs.Uint64Var(&o.maxMemory, "max-memory", 0, "per-store linear memory ceiling in bytes (overrides the config file)")
	fs.IntVar(&o.concurrency, "concurrency", 1, "number of concurrent invocations")
	fs.BoolVar(&o.noPooling, "no-pooling", false, "use on-demand allocation instead of the instance pool")
	fs.BoolVar(&o.list, "list", false, "list exported functions and exit")
	fs.BoolVarP(&o.interactive, "interactive", "i", false, "pick and call functions in a terminal UI")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: run --wasm <file.wasm> [flags]\n\n%s", fs.FlagUsages())
	}

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	if o.wasm == "" {
		fs.Usage()
		return nil, fmt.Errorf("--wasm is required")
	}
	if o.concurrency < 1 {
		return nil, fmt.Errorf("--concurrency must be at least 1")
	}
	return &o, nil
}

func run(argv []string) error {
	o, err := parseFlags(argv)
	if err != nil {
		return err
	}
	version, err := wasi.ParseVersion(o.abi)
	if err != nil {
		return err
	}

	cfg, err := config.NewLoader().WithConfigPath(o.configPath).Load()
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.maxMemory > 0 {
		cfg.MaxMemorySize = o.maxMemory
	}
	cfg.AllowedOutboundHosts = append(cfg.AllowedOutboundHosts, o.outbound...)

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	installLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	program, err := os.ReadFile(o.wasm)
	if err != nil {
		return fmt.Errorf("read program: %w", err)
	}

	ec := cfg.EngineConfig()
	if o.noPooling {
		ec.DisablePooling()
	}
	reg := prometheus.NewRegistry()
	if o.metricsAddr != "" {
		ec.Metrics = metrics.NewCollector("wasmhost", reg, logger)
	}

	h, err := newHost(ctx, ec, cfg, o.vars)
	if err != nil {
		return err
	}
	defer h.engine.Close(context.Background())

	var pre core.InstancePre[invocation]
	if version == wasi.Preview1 {
		pre, err = h.engine.ModuleInstantiatePre(ctx, program)
	} else {
		pre, err = h.engine.InstantiatePre(ctx, program)
	}
	if err != nil {
		return err
	}
	defer pre.Close(context.Background())

	if o.list {
		for _, name := range pre.Exports() {
			fmt.Println(name)
		}
		return nil
	}
	if o.interactive {
		return runInteractive(ctx, h, pre, o)
	}

	name := o.funcName
	if name == "" {
		if name = defaultEntry(pre.Exports()); name == "" {
			return fmt.Errorf("no entry point found, use --func (exports: %s)", strings.Join(pre.Exports(), ", "))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if o.metricsAddr != "" {
		srv := &http.Server{
			Addr:              o.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background()) //nolint:errcheck
		logger.Info("serving metrics", zap.String("addr", o.metricsAddr))
	}

	results := make([]string, o.concurrency)
	for i := range o.concurrency {
		g.Go(func() error {
			out, err := h.invoke(gctx, pre, o, name, i)
			results[i] = out
			return err
		})
	}
	err = g.Wait()
	for i, r := range results {
		if r == "" {
			continue
		}
		if o.concurrency > 1 {
			fmt.Printf("[%d] ", i)
		}
		fmt.Println(r)
	}
	if code, ok := errors.ExitCode(err); ok {
		return exitError{code: code}
	}
	return err
}

// invocation is the per-store host state of the command.
type invocation struct {
	id int
}

type host struct {
	engine    *core.Engine[invocation]
	maxMemory uint64
}

func newHost(ctx context.Context, ec *core.Config, cfg *config.Config, vars []string) (*host, error) {
	static := variables.StaticProvider{}
	for k, v := range cfg.Variables {
		static[k] = v
	}
	for _, kv := range vars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, errors.InvalidConfig("var", kv, fmt.Errorf("want path=value"))
		}
		if err := variables.ValidatePath(k); err != nil {
			return nil, err
		}
		static[k] = v
	}
	allowed, err := outbound.ParseAllowlist(cfg.AllowedOutboundHosts)
	if err != nil {
		return nil, err
	}

	b, err := core.NewEngineBuilder[invocation](ctx, ec)
	if err != nil {
		return nil, err
	}
	if _, err := core.AddHostComponent[invocation, variables.Data](b, variables.New(static, variables.EnvProvider{})); err != nil {
		return nil, err
	}
	if _, err := core.AddHostComponent[invocation, outbound.Data](b, outbound.NewComponent(allowed)); err != nil {
		return nil, err
	}
	e, err := b.Build(ctx)
	if err != nil {
		return nil, err
	}
	return &host{engine: e, maxMemory: cfg.MaxMemorySize}, nil
}

// newStore builds a store configured from the command line.
func (h *host) newStore(pre core.InstancePre[invocation], o *options, id int) (*core.Store[invocation], error) {
	b := h.engine.StoreBuilder(pre.Version()).
		Args(append([]string{o.wasm}, o.args...)...)
	// Guest stdio would corrupt the terminal UI.
	if !o.interactive {
		b.Stdout(os.Stdout).Stderr(os.Stderr)
		if id == 0 {
			b.Stdin(os.Stdin)
		}
	}
	for _, kv := range o.env {
		k, v, _ := strings.Cut(kv, "=")
		b.Env(k, v)
	}
	for _, d := range o.dirs {
		hostDir, guest, readOnly := parseDir(d)
		b.PreopenedDir(hostDir, guest, readOnly)
	}
	if h.maxMemory > 0 {
		b.MaxMemorySize(h.maxMemory)
	}
	return b.Build(invocation{id: id})
}

func (h *host) invoke(ctx context.Context, pre core.InstancePre[invocation], o *options, name string, id int) (string, error) {
	def, ok := pre.ExportedFunction(name)
	if !ok {
		return "", errors.NotFound(errors.PhaseRuntime, "export", name)
	}
	params, err := parseParams(o.params, def.ParamTypes())
	if err != nil {
		return "", err
	}

	store, err := h.newStore(pre, o, id)
	if err != nil {
		return "", err
	}
	defer store.Close(context.Background())
	if o.timeout > 0 {
		store.SetDeadline(o.timeout)
	}

	inst, err := pre.Instantiate(ctx, store)
	if err != nil {
		return "", err
	}
	defer inst.Close(context.Background())

	res, err := inst.Call(ctx, name, params...)
	if code, ok := errors.ExitCode(err); ok && code == 0 {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return formatResults(res, def.ResultTypes()), nil
}

// parseDir splits HOST[:GUEST[:ro]]. The guest path defaults to the host
// path.
func parseDir(arg string) (hostDir, guest string, readOnly bool) {
	parts := strings.Split(arg, ":")
	hostDir, guest = parts[0], parts[0]
	if len(parts) > 1 && parts[1] != "" {
		guest = parts[1]
	}
	readOnly = len(parts) > 2 && parts[2] == "ro"
	return hostDir, guest, readOnly
}

func defaultEntry(exports []string) string {
	for _, want := range []string{"_start", "run", "main"} {
		for _, name := range exports {
			if name == want {
				return name
			}
		}
	}
	if len(exports) == 1 {
		return exports[0]
	}
	return ""
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, errors.InvalidConfig("log.level", c.Level, err)
	}
	format := c.Format
	if format == "" {
		format = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "console"
		}
	}

	zc := zap.NewProductionConfig()
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = format
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func installLogger(l *zap.Logger) {
	core.SetLogger(l.Named("core"))
	config.SetLogger(l.Named("config"))
	epoch.SetLogger(l.Named("epoch"))
	pool.SetLogger(l.Named("pool"))
	linker.SetLogger(l.Named("linker"))
	hostcomponent.SetLogger(l.Named("hostcomponent"))
	wasi.SetLogger(l.Named("wasi"))
	variables.SetLogger(l.Named("variables"))
	outbound.SetLogger(l.Named("outbound"))
}
