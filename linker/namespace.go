package linker

import (
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/tetratelabs/wazero/api"
)

// FuncDef defines a host function
type FuncDef struct {
	Module      string
	Name        string
	Handler     api.GoModuleFunc
	ParamTypes  []api.ValueType
	ResultTypes []api.ValueType
}

// Matches reports whether def has the same signature as the guest import.
func (f *FuncDef) Matches(def api.FunctionDefinition) bool {
	return sameTypes(f.ParamTypes, def.ParamTypes()) && sameTypes(f.ResultTypes, def.ResultTypes())
}

// Signature renders the function type like "(i32,i32) -> (i64)".
func (f *FuncDef) Signature() string {
	return signature(f.ParamTypes, f.ResultTypes)
}

// Namespace is one host module: a name with an optional version and the
// functions defined under it.
type Namespace struct {
	version *semver.Version
	funcs   map[string]*FuncDef
	order   []string
	base    string
	name    string
}

func newNamespace(name string) *Namespace {
	base, version := ParseModuleName(name)
	return &Namespace{
		name:    name,
		base:    base,
		version: version,
		funcs:   make(map[string]*FuncDef),
	}
}

// Name returns the full module name, e.g. "wasi:io/streams@0.2.0".
func (ns *Namespace) Name() string {
	return ns.name
}

// Version returns the namespace version, or nil if unversioned
func (ns *Namespace) Version() *semver.Version {
	return ns.version
}

// Func returns a function by name, or nil if not found
func (ns *Namespace) Func(name string) *FuncDef {
	return ns.funcs[name]
}

// Funcs returns the functions in definition order.
func (ns *Namespace) Funcs() []*FuncDef {
	out := make([]*FuncDef, 0, len(ns.order))
	for _, name := range ns.order {
		out = append(out, ns.funcs[name])
	}
	return out
}

// ParseModuleName splits "wasi:cli/environment@0.2.0" into its base name and
// version. Names without a valid "@major.minor.patch" suffix are returned
// unchanged with a nil version.
func ParseModuleName(s string) (string, *semver.Version) {
	idx := strings.LastIndex(s, "@")
	if idx < 0 {
		return s, nil
	}
	v, err := semver.NewVersion(s[idx+1:])
	if err != nil {
		return s, nil
	}
	return s[:idx], v
}

// Compatible reports whether a host namespace at version host can satisfy
// a guest import of version want: same major and minor, and a patch level no
// older than requested. Pre-release versions must match exactly.
func Compatible(host, want *semver.Version) bool {
	if host == nil || want == nil {
		return host == want
	}
	if host.PreRelease != "" || want.PreRelease != "" {
		return host.Equal(*want)
	}
	return host.Major == want.Major &&
		host.Minor == want.Minor &&
		!host.LessThan(*want)
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func signature(params, results []api.ValueType) string {
	var b strings.Builder
	writeTypes(&b, params)
	b.WriteString(" -> ")
	writeTypes(&b, results)
	return b.String()
}

func writeTypes(b *strings.Builder, types []api.ValueType) {
	b.WriteByte('(')
	for i, t := range types {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(api.ValueTypeName(t))
	}
	b.WriteByte(')')
}
