package wasi

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// reallocName is the guest export lists are allocated through.
const reallocName = "cabi_realloc"

// lowerer writes host values into guest memory using the guest allocator.
type lowerer struct {
	ctx context.Context
	mod api.Module
	mem api.Memory
}

func newLowerer(ctx context.Context, mod api.Module) *lowerer {
	mem := mod.Memory()
	if mem == nil {
		panic(fmt.Errorf("wasi: guest exports no memory"))
	}
	return &lowerer{ctx: ctx, mod: mod, mem: mem}
}

// alloc reserves size bytes in the guest.
func (l *lowerer) alloc(align, size uint32) uint32 {
	if size == 0 {
		return align
	}
	realloc := l.mod.ExportedFunction(reallocName)
	if realloc == nil {
		panic(fmt.Errorf("wasi: guest does not export %s", reallocName))
	}
	res, err := realloc.Call(l.ctx, 0, 0, uint64(align), uint64(size))
	if err != nil {
		panic(err)
	}
	return uint32(res[0])
}

func (l *lowerer) u8(off uint32, v uint8) {
	if !l.mem.WriteByte(off, v) {
		panic(outOfRange(off, 1))
	}
}

func (l *lowerer) u32(off, v uint32) {
	if !l.mem.WriteUint32Le(off, v) {
		panic(outOfRange(off, 4))
	}
}

func (l *lowerer) u64(off uint32, v uint64) {
	if !l.mem.WriteUint64Le(off, v) {
		panic(outOfRange(off, 8))
	}
}

func (l *lowerer) bytes(b []byte) (ptr, n uint32) {
	n = uint32(len(b))
	ptr = l.alloc(1, n)
	if n > 0 && !l.mem.Write(ptr, b) {
		panic(outOfRange(ptr, n))
	}
	return ptr, n
}

func (l *lowerer) string(s string) (ptr, n uint32) {
	n = uint32(len(s))
	ptr = l.alloc(1, n)
	if n > 0 && !l.mem.WriteString(ptr, s) {
		panic(outOfRange(ptr, n))
	}
	return ptr, n
}

// strings lowers list<string> and writes (ptr, len) at ret.
func (l *lowerer) strings(ret uint32, list []string) {
	base := l.alloc(4, uint32(len(list))*8)
	for i, s := range list {
		p, n := l.string(s)
		l.u32(base+uint32(i)*8, p)
		l.u32(base+uint32(i)*8+4, n)
	}
	l.u32(ret, base)
	l.u32(ret+4, uint32(len(list)))
}

// pairs lowers list<tuple<string, string>> and writes (ptr, len) at ret.
func (l *lowerer) pairs(ret uint32, list [][2]string) {
	base := l.alloc(4, uint32(len(list))*16)
	for i, kv := range list {
		kp, kn := l.string(kv[0])
		vp, vn := l.string(kv[1])
		off := base + uint32(i)*16
		l.u32(off, kp)
		l.u32(off+4, kn)
		l.u32(off+8, vp)
		l.u32(off+12, vn)
	}
	l.u32(ret, base)
	l.u32(ret+4, uint32(len(list)))
}

// read copies n bytes of guest memory at ptr.
func read(mod api.Module, ptr, n uint32) []byte {
	b, ok := mod.Memory().Read(ptr, n)
	if !ok {
		panic(outOfRange(ptr, n))
	}
	return append([]byte(nil), b...)
}

func outOfRange(off, n uint32) error {
	return fmt.Errorf("wasi: memory access [%d, %d) out of range", off, uint64(off)+uint64(n))
}
