package variables

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-host/hostcomponent"
)

// ModuleName is the guest import module.
const ModuleName = "wasm-host:variables/variables@1.0.0"

// Guest-visible failures of get. Non-negative results are value lengths.
const (
	NotFound       int32 = -1
	BufferTooSmall int32 = -2
	Failure        int32 = -3
)

// Component serves variables to guests as
//
//	get(key_ptr, key_len, out_ptr, out_cap) -> i32
//
// which copies the value to out_ptr and returns its length. A malformed
// path reads as NotFound. BufferTooSmall leaves the output untouched so the
// guest can retry with a larger buffer.
type Component struct {
	providers []Provider
}

// New returns a component that consults providers in order.
func New(providers ...Provider) Component {
	return Component{providers: providers}
}

var _ hostcomponent.HostComponent[Data] = Component{}

// Data is the per-store resolution cache.
type Data struct {
	providers []Provider
	cache     map[string]string
}

// Get resolves path, consulting the cache first. Misses are not cached.
func (d *Data) Get(ctx context.Context, path string) (string, bool, error) {
	if v, ok := d.cache[path]; ok {
		return v, true, nil
	}
	v, ok, err := resolve(ctx, d.providers, path)
	if err != nil || !ok {
		return "", ok, err
	}
	if d.cache == nil {
		d.cache = make(map[string]string)
	}
	d.cache[path] = v
	return v, true, nil
}

// Cached returns the number of resolved paths held by the store.
func (d *Data) Cached() int {
	return len(d.cache)
}

// BuildData returns an empty cache over the component's providers.
func (c Component) BuildData() Data {
	return Data{providers: c.providers}
}

// AddToLinker defines get.
func (c Component) AddToLinker(l hostcomponent.Linker, get func(context.Context) *Data) error {
	i32 := api.ValueTypeI32
	return l.DefineFunc(ModuleName, "get", func(ctx context.Context, mod api.Module, stack []uint64) {
		keyPtr, keyLen := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
		outPtr, outCap := api.DecodeU32(stack[2]), api.DecodeU32(stack[3])
		stack[0] = api.EncodeI32(serve(ctx, get(ctx), mod.Memory(), keyPtr, keyLen, outPtr, outCap))
	}, []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32})
}

func serve(ctx context.Context, d *Data, mem api.Memory, keyPtr, keyLen, outPtr, outCap uint32) int32 {
	if mem == nil {
		return Failure
	}
	key, ok := mem.Read(keyPtr, keyLen)
	if !ok {
		return Failure
	}
	path := string(key)
	if ValidatePath(path) != nil {
		return NotFound
	}
	v, found, err := d.Get(ctx, path)
	switch {
	case err != nil:
		return Failure
	case !found:
		return NotFound
	case uint32(len(v)) > outCap:
		return BufferTooSmall
	}
	if !mem.WriteString(outPtr, v) {
		return Failure
	}
	return int32(len(v))
}
