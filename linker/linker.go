package linker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/errors"
)

// Linker is an import table: host functions grouped by module name, backed
// by one wazero runtime. Definitions are accepted until Finalize; after that
// the table is read-only except for version aliases created on demand.
// Thread-safe.
type Linker struct {
	runtime   wazero.Runtime
	modules   map[string]*Namespace
	adopted   map[string]bool
	aliases   map[string]string
	label     string
	mu        sync.RWMutex
	aliasMu   sync.Mutex
	finalized bool
}

// New creates an empty import table over rt. label names the table in
// errors and logs.
func New(rt wazero.Runtime, label string) *Linker {
	return &Linker{
		runtime: rt,
		label:   label,
		modules: make(map[string]*Namespace),
		adopted: make(map[string]bool),
		aliases: make(map[string]string),
	}
}

// Runtime returns the wazero runtime.
func (l *Linker) Runtime() wazero.Runtime {
	return l.runtime
}

// Label returns the table name.
func (l *Linker) Label() string {
	return l.label
}

// DefineFunc registers a host function. Defining the same module and name
// twice is an error.
func (l *Linker) DefineFunc(module, name string, fn api.GoModuleFunc, params, results []api.ValueType) error {
	if module == "" || name == "" {
		return errors.Registration(module, name, fmt.Errorf("module and function name are required"))
	}
	if fn == nil {
		return errors.Registration(module, name, fmt.Errorf("nil handler"))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized {
		return errors.Finalized(l.label + " import table")
	}
	if l.adopted[module] {
		return errors.Registration(module, name, fmt.Errorf("module is provided by the runtime"))
	}

	ns, ok := l.modules[module]
	if !ok {
		ns = newNamespace(module)
		l.modules[module] = ns
	}
	if _, exists := ns.funcs[name]; exists {
		return errors.Registration(module, name, fmt.Errorf("already defined"))
	}
	ns.funcs[name] = &FuncDef{
		Module:      module,
		Name:        name,
		Handler:     fn,
		ParamTypes:  params,
		ResultTypes: results,
	}
	ns.order = append(ns.order, name)
	return nil
}

// Adopt records the exports of a module already instantiated in the
// runtime, such as wazero's WASI preview1 host, so imports of it resolve.
func (l *Linker) Adopt(mod api.Module) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	name := mod.Name()
	if _, exists := l.modules[name]; exists {
		return errors.Registration(name, "*", fmt.Errorf("already defined"))
	}
	ns := newNamespace(name)
	defs := mod.ExportedFunctionDefinitions()
	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		def := defs[n]
		ns.funcs[n] = &FuncDef{
			Module:      name,
			Name:        n,
			ParamTypes:  def.ParamTypes(),
			ResultTypes: def.ResultTypes(),
		}
		ns.order = append(ns.order, n)
	}
	l.modules[name] = ns
	l.adopted[name] = true
	return nil
}

// Finalize instantiates every defined module into the runtime and closes
// the table to further definitions. Calling it twice is a no-op.
func (l *Linker) Finalize(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized {
		return nil
	}
	for _, name := range l.moduleNamesLocked() {
		if l.adopted[name] {
			continue
		}
		if _, err := l.instantiate(ctx, name, l.modules[name]); err != nil {
			return err
		}
	}
	l.finalized = true
	Logger().Debug("import table finalized",
		zap.String("table", l.label),
		zap.Int("modules", len(l.modules)))
	return nil
}

// Finalized reports whether Finalize has run.
func (l *Linker) Finalized() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.finalized
}

// Modules returns the defined module names in sorted order.
func (l *Linker) Modules() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.moduleNamesLocked()
}

// Namespace returns the host module with exactly this name.
func (l *Linker) Namespace(name string) *Namespace {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.modules[name]
}

// Resolve finds the host namespace serving a guest import module. An exact
// name wins; otherwise the newest semver-compatible version is chosen.
func (l *Linker) Resolve(module string) *Namespace {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.resolveLocked(module)
}

func (l *Linker) resolveLocked(module string) *Namespace {
	if ns, ok := l.modules[module]; ok {
		return ns
	}
	base, want := ParseModuleName(module)
	if want == nil {
		return nil
	}
	var best *Namespace
	for _, ns := range l.modules {
		if ns.base != base || !Compatible(ns.version, want) {
			continue
		}
		if best == nil || best.version.LessThan(*ns.version) {
			best = ns
		}
	}
	return best
}

// Link checks every imported function against the table. Imports served by
// a different compatible version get an alias module under the requested
// name. All unresolved imports are reported together.
func (l *Linker) Link(ctx context.Context, compiled wazero.CompiledModule) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var missing []errors.MissingImport
	aliases := make(map[string]*Namespace)

	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		ns := l.resolveLocked(module)
		if ns == nil {
			missing = append(missing, errors.MissingImport{Module: module, Function: name})
			continue
		}
		fn := ns.Func(name)
		if fn == nil {
			missing = append(missing, errors.MissingImport{Module: module, Function: name})
			continue
		}
		if !fn.Matches(def) {
			missing = append(missing, errors.MissingImport{
				Module:   module,
				Function: name,
				Reason: fmt.Sprintf("signature mismatch: guest %s, host %s",
					signature(def.ParamTypes(), def.ResultTypes()), fn.Signature()),
			})
			continue
		}
		if ns.name != module {
			aliases[module] = ns
		}
	}

	for _, mem := range compiled.ImportedMemories() {
		module, name, _ := mem.Import()
		missing = append(missing, errors.MissingImport{
			Module:   module,
			Function: name,
			Reason:   "memory imports are not provided",
		})
	}

	if len(missing) > 0 {
		return errors.NewMissingImportsError(missing)
	}

	for module, ns := range aliases {
		if err := l.ensureAlias(ctx, module, ns); err != nil {
			return err
		}
	}
	return nil
}

// ensureAlias instantiates ns a second time under the guest's requested
// module name, once per name.
func (l *Linker) ensureAlias(ctx context.Context, module string, ns *Namespace) error {
	l.aliasMu.Lock()
	defer l.aliasMu.Unlock()

	if _, ok := l.aliases[module]; ok {
		return nil
	}
	if l.adopted[ns.name] {
		return errors.NotFound(errors.PhaseLinking, "aliasable module", module)
	}
	if l.runtime.Module(module) == nil {
		if _, err := l.instantiate(ctx, module, ns); err != nil {
			return err
		}
	}
	l.aliases[module] = ns.name
	Logger().Debug("version alias created",
		zap.String("table", l.label),
		zap.String("requested", module),
		zap.String("provided", ns.name))
	return nil
}

func (l *Linker) instantiate(ctx context.Context, as string, ns *Namespace) (api.Module, error) {
	builder := l.runtime.NewHostModuleBuilder(as)
	for _, f := range ns.Funcs() {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(f.Handler, f.ParamTypes, f.ResultTypes).
			WithName(f.Name).
			Export(f.Name)
	}
	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, errors.New(errors.PhaseLinking, errors.KindRegistration).
			Detail("instantiate host module %s", as).
			Cause(err).
			Build()
	}
	return mod, nil
}

func (l *Linker) moduleNamesLocked() []string {
	names := make([]string, 0, len(l.modules))
	for name := range l.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
