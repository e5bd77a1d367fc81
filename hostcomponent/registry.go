package hostcomponent

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/errors"
)

// Linker is the part of an import table a host component registers into.
type Linker interface {
	DefineFunc(module, name string, fn api.GoModuleFunc, params, results []api.ValueType) error
}

// HostComponent is a capability with private per-store data of type D.
//
// AddToLinker registers the component's host functions. Inside a host
// function, get returns the calling store's D.
type HostComponent[D any] interface {
	AddToLinker(l Linker, get func(ctx context.Context) *D) error
	BuildData() D
}

// registryID identifies the builder and the registry it finalizes into.
type registryID struct {
	_ byte
}

type slot struct {
	typ   reflect.Type
	build func() any
	name  string
}

// Handle is a typed index into the data table of stores built from one
// registry.
type Handle[D any] struct {
	owner *registryID
	index int
}

// Index returns the slot index.
func (h Handle[D]) Index() int {
	return h.index
}

// Valid reports whether the handle was issued by a registry.
func (h Handle[D]) Valid() bool {
	return h.owner != nil
}

// Builder collects host components until Build.
type Builder struct {
	id        *registryID
	slots     []slot
	byType    map[reflect.Type]int
	mu        sync.Mutex
	finalized bool
}

// NewBuilder creates an empty registry builder.
func NewBuilder() *Builder {
	return &Builder{
		id:     &registryID{},
		byType: make(map[reflect.Type]int),
	}
}

// Register adds hc and wires its host functions into every linker. Each
// data type may be registered once.
func Register[D any](b *Builder, hc HostComponent[D], linkers ...Linker) (Handle[D], error) {
	typ := reflect.TypeFor[D]()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finalized {
		return Handle[D]{}, errors.Finalized("host component registry")
	}
	if _, exists := b.byType[typ]; exists {
		return Handle[D]{}, errors.Registration(typ.String(), "*", fmt.Errorf("host component data type already registered"))
	}

	h := Handle[D]{owner: b.id, index: len(b.slots)}
	get := func(ctx context.Context) *D {
		return Get(DataFrom(ctx), h)
	}
	for _, l := range linkers {
		if err := hc.AddToLinker(l, get); err != nil {
			return Handle[D]{}, errors.Registration(typ.String(), "*", err)
		}
	}

	b.slots = append(b.slots, slot{
		typ:  typ,
		name: typ.String(),
		build: func() any {
			d := hc.BuildData()
			return &d
		},
	})
	b.byType[typ] = h.index

	Logger().Debug("host component registered",
		zap.String("data", typ.String()),
		zap.Int("slot", h.index))
	return h, nil
}

// Build finalizes the builder. Later Register calls fail.
func (b *Builder) Build() *Registry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.finalized = true
	return &Registry{
		id:     b.id,
		slots:  append([]slot(nil), b.slots...),
		byType: b.byType,
	}
}

// Registry is the immutable set of host components of one engine.
type Registry struct {
	id     *registryID
	byType map[reflect.Type]int
	slots  []slot
}

// Len returns the number of registered components.
func (r *Registry) Len() int {
	return len(r.slots)
}

// Names returns the data type names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.slots))
	for i, s := range r.slots {
		out[i] = s.name
	}
	return out
}

// NewData runs every component's BuildData in registration order.
func (r *Registry) NewData() *Data {
	d := &Data{owner: r.id, values: make([]any, len(r.slots))}
	for i, s := range r.slots {
		d.values[i] = s.build()
	}
	return d
}

// Owns reports whether h was issued by this registry.
func Owns[D any](r *Registry, h Handle[D]) bool {
	return h.owner == r.id
}

// FindHandle returns the handle for the component whose data type is D.
func FindHandle[D any](r *Registry) (Handle[D], bool) {
	idx, ok := r.byType[reflect.TypeFor[D]()]
	if !ok {
		return Handle[D]{}, false
	}
	return Handle[D]{owner: r.id, index: idx}, true
}

// Data is one store's host component data table.
type Data struct {
	owner  *registryID
	values []any
}

// Len returns the number of slots.
func (d *Data) Len() int {
	return len(d.values)
}

// Get returns the store's data for h. A handle from a different registry,
// or a nil table, is a programming error and panics.
func Get[D any](d *Data, h Handle[D]) *D {
	if d == nil {
		panic("hostcomponent: no host component data in context")
	}
	if h.owner != d.owner {
		panic("hostcomponent: handle used with data from a different registry")
	}
	v, ok := d.values[h.index].(*D)
	if !ok {
		panic(fmt.Sprintf("hostcomponent: slot %d holds %T, not *%s", h.index, d.values[h.index], reflect.TypeFor[D]()))
	}
	return v
}

// Set replaces the store's data for h.
func Set[D any](d *Data, h Handle[D], v D) {
	*Get(d, h) = v
}

type dataKey struct{}

// WithData attaches a data table to ctx for host functions to find.
func WithData(ctx context.Context, d *Data) context.Context {
	return context.WithValue(ctx, dataKey{}, d)
}

// DataFrom returns the data table attached to ctx, or nil.
func DataFrom(ctx context.Context) *Data {
	d, _ := ctx.Value(dataKey{}).(*Data)
	return d
}
