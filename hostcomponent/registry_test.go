package hostcomponent

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
	"pgregory.net/rapid"

	"github.com/wippyai/wasm-host/errors"
)

type fakeLinker struct {
	funcs map[string]api.GoModuleFunc
}

func newFakeLinker() *fakeLinker {
	return &fakeLinker{funcs: make(map[string]api.GoModuleFunc)}
}

func (l *fakeLinker) DefineFunc(module, name string, fn api.GoModuleFunc, _, _ []api.ValueType) error {
	key := module + "#" + name
	if _, ok := l.funcs[key]; ok {
		return stderrors.New("duplicate " + key)
	}
	l.funcs[key] = fn
	return nil
}

type counter struct{ n int }

type counterComponent struct{ start int }

func (c counterComponent) AddToLinker(l Linker, get func(context.Context) *counter) error {
	return l.DefineFunc("test:counter", "inc", func(ctx context.Context, _ api.Module, _ []uint64) {
		get(ctx).n++
	}, nil, nil)
}

func (c counterComponent) BuildData() counter { return counter{n: c.start} }

type label struct{ s string }

type labelComponent struct{}

func (labelComponent) AddToLinker(Linker, func(context.Context) *label) error { return nil }
func (labelComponent) BuildData() label                                      { return label{s: "fresh"} }

type failing struct{}

func (failing) AddToLinker(Linker, func(context.Context) *string) error {
	return stderrors.New("boom")
}
func (failing) BuildData() string { return "" }

func TestRegister_DisjointSlots(t *testing.T) {
	b := NewBuilder()
	l := newFakeLinker()

	hc, err := Register[counter](b, counterComponent{start: 7}, l)
	require.NoError(t, err)
	hl, err := Register[label](b, labelComponent{}, l)
	require.NoError(t, err)
	assert.NotEqual(t, hc.Index(), hl.Index())

	reg := b.Build()
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, []string{"hostcomponent.counter", "hostcomponent.label"}, reg.Names())

	data := reg.NewData()
	assert.Equal(t, 7, Get(data, hc).n)
	assert.Equal(t, "fresh", Get(data, hl).s)

	Get(data, hc).n = 42
	assert.Equal(t, "fresh", Get(data, hl).s)
	assert.Equal(t, 42, Get(data, hc).n)
}

func TestRegister_HostFunctionSeesStoreData(t *testing.T) {
	b := NewBuilder()
	l := newFakeLinker()
	h, err := Register[counter](b, counterComponent{}, l)
	require.NoError(t, err)
	reg := b.Build()

	a, c := reg.NewData(), reg.NewData()
	inc := l.funcs["test:counter#inc"]
	require.NotNil(t, inc)

	inc(WithData(context.Background(), a), nil, nil)
	inc(WithData(context.Background(), a), nil, nil)
	inc(WithData(context.Background(), c), nil, nil)

	assert.Equal(t, 2, Get(a, h).n)
	assert.Equal(t, 1, Get(c, h).n)
}

func TestRegister_AfterBuild(t *testing.T) {
	b := NewBuilder()
	b.Build()
	_, err := Register[counter](b, counterComponent{}, newFakeLinker())
	assert.ErrorIs(t, err, errors.ErrFinalized)
}

func TestRegister_DuplicateType(t *testing.T) {
	b := NewBuilder()
	_, err := Register[counter](b, counterComponent{}, newFakeLinker())
	require.NoError(t, err)
	_, err = Register[counter](b, counterComponent{}, newFakeLinker())
	require.Error(t, err)
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindRegistration})
}

func TestRegister_LinkerError(t *testing.T) {
	b := NewBuilder()
	_, err := Register[string](b, failing{}, newFakeLinker())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 0, b.Build().Len())
}

func TestFindHandle(t *testing.T) {
	b := NewBuilder()
	h, err := Register[counter](b, counterComponent{start: 3}, newFakeLinker())
	require.NoError(t, err)
	reg := b.Build()

	found, ok := FindHandle[counter](reg)
	require.True(t, ok)
	assert.Equal(t, h, found)
	assert.True(t, Owns(reg, found))
	assert.Equal(t, 3, Get(reg.NewData(), found).n)

	_, ok = FindHandle[label](reg)
	assert.False(t, ok)
}

func TestGet_ForeignRegistryPanics(t *testing.T) {
	b1, b2 := NewBuilder(), NewBuilder()
	h1, err := Register[counter](b1, counterComponent{}, newFakeLinker())
	require.NoError(t, err)
	_, err = Register[counter](b2, counterComponent{}, newFakeLinker())
	require.NoError(t, err)

	other := b2.Build().NewData()
	assert.False(t, Owns(b2.Build(), h1))
	assert.Panics(t, func() { Get(other, h1) })
	assert.Panics(t, func() { Get[counter](nil, h1) })
}

func TestSet(t *testing.T) {
	b := NewBuilder()
	h, err := Register[label](b, labelComponent{}, newFakeLinker())
	require.NoError(t, err)
	data := b.Build().NewData()

	Set(data, h, label{s: "changed"})
	assert.Equal(t, "changed", Get(data, h).s)
}

func TestDataFrom_Missing(t *testing.T) {
	assert.Nil(t, DataFrom(context.Background()))
}

func TestNewData_Concurrent(t *testing.T) {
	b := NewBuilder()
	h, err := Register[counter](b, counterComponent{}, newFakeLinker())
	require.NoError(t, err)
	reg := b.Build()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := reg.NewData()
			Get(d, h).n = i
			assert.Equal(t, i, Get(d, h).n)
		}()
	}
	wg.Wait()
}

type slotA struct{ v int }
type slotB struct{ v int }
type slotC struct{ v int }

type valueComponent[D any] struct{ build func() D }

func (c valueComponent[D]) AddToLinker(Linker, func(context.Context) *D) error { return nil }
func (c valueComponent[D]) BuildData() D                                      { return c.build() }

func TestRegistry_FactoryValuesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Int().Draw(t, "a")
		bv := rapid.Int().Draw(t, "b")
		c := rapid.Int().Draw(t, "c")

		b := NewBuilder()
		ha, err := Register[slotA](b, valueComponent[slotA]{build: func() slotA { return slotA{a} }})
		if err != nil {
			t.Fatal(err)
		}
		hb, err := Register[slotB](b, valueComponent[slotB]{build: func() slotB { return slotB{bv} }})
		if err != nil {
			t.Fatal(err)
		}
		hc, err := Register[slotC](b, valueComponent[slotC]{build: func() slotC { return slotC{c} }})
		if err != nil {
			t.Fatal(err)
		}
		if ha.Index() == hb.Index() || hb.Index() == hc.Index() || ha.Index() == hc.Index() {
			t.Fatalf("slots overlap: %d %d %d", ha.Index(), hb.Index(), hc.Index())
		}

		d := b.Build().NewData()
		if Get(d, ha).v != a || Get(d, hb).v != bv || Get(d, hc).v != c {
			t.Fatalf("factory values not returned")
		}
	})
}
