package outbound

import (
	"context"
	stderrors "errors"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/hostcomponent"
)

// ModuleName is the import module of the guest-facing check.
const ModuleName = "wasm-host:outbound/outbound@1.0.0"

// Results of the guest check function.
const (
	Denied    int32 = 0
	Allowed   int32 = 1
	Malformed int32 = -1
)

// Data is the per-store allowlist. Stores may replace it with
// hostcomponent.Set before they are built.
type Data struct {
	Allowed AllowedHosts
}

// Component exposes the allowlist to guests as
//
//	check(addr_ptr, addr_len, scheme_ptr, scheme_len) -> i32
//
// returning Allowed, Denied or Malformed.
type Component struct {
	defaults AllowedHosts
}

// NewComponent returns a component whose stores start with allowed.
func NewComponent(allowed AllowedHosts) Component {
	return Component{defaults: allowed}
}

var _ hostcomponent.HostComponent[Data] = Component{}

// BuildData returns the default allowlist.
func (c Component) BuildData() Data {
	return Data{Allowed: c.defaults}
}

// AddToLinker defines the check function.
func (c Component) AddToLinker(l hostcomponent.Linker, get func(context.Context) *Data) error {
	i32 := api.ValueTypeI32
	return l.DefineFunc(ModuleName, "check", func(ctx context.Context, mod api.Module, stack []uint64) {
		mem := mod.Memory()
		if mem == nil {
			stack[0] = api.EncodeI32(Malformed)
			return
		}
		addr, ok1 := mem.Read(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
		scheme, ok2 := mem.Read(api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
		if !ok1 || !ok2 {
			stack[0] = api.EncodeI32(Malformed)
			return
		}
		err := Check(ctx, get(ctx).Allowed, string(addr), string(scheme))
		switch {
		case err == nil:
			stack[0] = api.EncodeI32(Allowed)
		case stderrors.Is(err, errors.ErrNotPermitted):
			stack[0] = api.EncodeI32(Denied)
		default:
			Logger().Debug("outbound check failed", zap.Error(err))
			stack[0] = api.EncodeI32(Malformed)
		}
	}, []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32})
}
