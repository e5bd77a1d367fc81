package core

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/wippyai/wasm-host/epoch"
	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/hostcomponent"
	"github.com/wippyai/wasm-host/metrics"
	"github.com/wippyai/wasm-host/resource"
	"github.com/wippyai/wasm-host/wasi"
)

// errEpochDeadline is the cancellation cause of a store deadline.
var errEpochDeadline = stderrors.New("epoch deadline reached")

// StoreBuilder collects the settings of one store. Option errors
// accumulate and are reported by Build.
type StoreBuilder[T any] struct {
	engine       *Engine[T]
	components   *hostcomponent.Data
	err          error
	opts         wasi.Options
	maxMemory    uint64
	tickInterval time.Duration
	version      wasi.Version
}

func newStoreBuilder[T any](e *Engine[T], v wasi.Version) *StoreBuilder[T] {
	b := &StoreBuilder[T]{engine: e, version: v, tickInterval: e.tickInterval}
	if v != wasi.Preview1 && v != wasi.Preview2 {
		b.err = errors.InvalidInput(errors.PhaseStore, fmt.Sprintf("unknown wasi version %d", v))
	}
	return b
}

// Args sets the guest arguments.
func (b *StoreBuilder[T]) Args(args ...string) *StoreBuilder[T] {
	b.opts.Args = append(b.opts.Args, args...)
	return b
}

// Env adds one environment variable.
func (b *StoreBuilder[T]) Env(key, value string) *StoreBuilder[T] {
	if key == "" || strings.ContainsRune(key, '=') {
		b.err = multierr.Append(b.err, errors.InvalidInput(errors.PhaseStore,
			fmt.Sprintf("invalid environment variable name %q", key)))
		return b
	}
	b.opts.Env = append(b.opts.Env, [2]string{key, value})
	return b
}

// Stdin sets the guest standard input.
func (b *StoreBuilder[T]) Stdin(r io.Reader) *StoreBuilder[T] {
	b.opts.Stdin = r
	return b
}

// Stdout sets the guest standard output.
func (b *StoreBuilder[T]) Stdout(w io.Writer) *StoreBuilder[T] {
	b.opts.Stdout = w
	return b
}

// Stderr sets the guest standard error.
func (b *StoreBuilder[T]) Stderr(w io.Writer) *StoreBuilder[T] {
	b.opts.Stderr = w
	return b
}

// StdoutBuffered captures standard output in memory.
func (b *StoreBuilder[T]) StdoutBuffered() *OutputBuffer {
	buf := &OutputBuffer{}
	b.opts.Stdout = buf
	return buf
}

// Random sets the guest entropy source.
func (b *StoreBuilder[T]) Random(r io.Reader) *StoreBuilder[T] {
	b.opts.Random = r
	return b
}

// Cwd sets the initial working directory reported to the guest.
func (b *StoreBuilder[T]) Cwd(dir string) *StoreBuilder[T] {
	b.opts.Cwd = dir
	return b
}

// PreopenedDir mounts the host directory at guest. Only preview1 stores
// expose a filesystem.
func (b *StoreBuilder[T]) PreopenedDir(host, guest string, readOnly bool) *StoreBuilder[T] {
	info, err := os.Stat(host)
	switch {
	case err != nil:
		b.err = multierr.Append(b.err, errors.New(errors.PhaseStore, errors.KindInvalidInput).
			Detail("preopen %s", host).
			Cause(err).
			Build())
		return b
	case !info.IsDir():
		b.err = multierr.Append(b.err, errors.InvalidInput(errors.PhaseStore,
			fmt.Sprintf("preopen %s is not a directory", host)))
		return b
	case b.version != wasi.Preview1:
		b.err = multierr.Append(b.err, errors.InvalidInput(errors.PhaseStore,
			fmt.Sprintf("preopened directories require preview1, store is %s", b.version)))
		return b
	}
	b.opts.Preopens = append(b.opts.Preopens, wasi.Preopen{Host: host, Guest: guest, ReadOnly: readOnly})
	return b
}

// MaxMemorySize caps the linear memory bytes the store may be granted.
// 0 means unlimited.
func (b *StoreBuilder[T]) MaxMemorySize(n uint64) *StoreBuilder[T] {
	b.maxMemory = n
	return b
}

// EpochTickInterval overrides the tick period used to convert deadlines.
func (b *StoreBuilder[T]) EpochTickInterval(d time.Duration) *StoreBuilder[T] {
	if d <= 0 {
		b.err = multierr.Append(b.err, errors.InvalidConfig("epoch_tick_interval", d,
			fmt.Errorf("must be positive")))
		return b
	}
	b.tickInterval = d
	return b
}

// HostComponentsData returns the store's host component data so values can
// be set before Build. The table is created on first use.
func (b *StoreBuilder[T]) HostComponentsData() *hostcomponent.Data {
	if b.components == nil {
		b.components = b.engine.components.NewData()
	}
	return b.components
}

// Build creates the store holding data.
func (b *StoreBuilder[T]) Build(data T) (*Store[T], error) {
	if b.err != nil {
		return nil, b.err
	}

	table := resource.NewTable(resource.DefaultLimit)
	wctx, err := wasi.NewContext(b.version, b.opts, table)
	if err != nil {
		return nil, errors.New(errors.PhaseStore, errors.KindInvalidInput).
			Detail("system interface context").
			Cause(err).
			Build()
	}

	st := &storeState{
		wasi:         wctx,
		components:   b.HostComponentsData(),
		table:        table,
		limiter:      newLimiter(b.maxMemory, b.engine.metrics),
		counter:      b.engine.counter,
		metrics:      b.engine.metrics,
		tickInterval: b.tickInterval,
		instances:    make(map[closer]struct{}),
	}
	s := &Store[T]{engine: b.engine, state: st}
	s.data = &Data[T]{state: st, inner: data}
	st.owner = s
	return s, nil
}

// Store is the isolated execution context of one invocation. It is used by
// one goroutine at a time; host functions reach it through the call ctx.
type Store[T any] struct {
	engine *Engine[T]
	state  *storeState
	data   *Data[T]
}

// Data returns the store data.
func (s *Store[T]) Data() *Data[T] {
	return s.data
}

// Version reports the store's system interface generation.
func (s *Store[T]) Version() wasi.Version {
	return s.state.wasi.Version()
}

// MemoryConsumed returns the linear memory bytes granted so far across all
// instances of the store.
func (s *Store[T]) MemoryConsumed() uint64 {
	return s.state.limiter.Consumed()
}

// SetDeadline arms the deadline d from now, rounded up to whole ticks.
// Guest code traps at its next checkpoint once the epoch has moved past the
// resulting target.
func (s *Store[T]) SetDeadline(d time.Duration) {
	target := s.state.counter.Load() + epoch.Ticks(d, s.state.tickInterval)
	s.state.deadline.Store(target)
	s.state.hasDeadline.Store(true)
}

// ClearDeadline disarms the deadline.
func (s *Store[T]) ClearDeadline() {
	s.state.hasDeadline.Store(false)
}

// Deadline returns the epoch target, if armed.
func (s *Store[T]) Deadline() (uint64, bool) {
	if !s.state.hasDeadline.Load() {
		return 0, false
	}
	return s.state.deadline.Load(), true
}

// Close closes every live instance of the store and its resource table.
func (s *Store[T]) Close(ctx context.Context) error {
	s.state.mu.Lock()
	if s.state.closed {
		s.state.mu.Unlock()
		return nil
	}
	s.state.closed = true
	live := make([]closer, 0, len(s.state.instances))
	for inst := range s.state.instances {
		live = append(live, inst)
	}
	s.state.mu.Unlock()

	var err error
	for _, inst := range live {
		err = multierr.Append(err, inst.Close(ctx))
	}
	return multierr.Append(err, s.state.table.Close())
}

type closer interface {
	Close(ctx context.Context) error
}

// storeState is the part of a store host functions see, independent of
// the caller state type.
type storeState struct {
	owner        any
	wasi         wasi.Context
	components   *hostcomponent.Data
	table        *resource.Table
	limiter      *limiter
	counter      *epoch.Counter
	metrics      *metrics.Collector
	instances    map[closer]struct{}
	tickInterval time.Duration
	deadline     atomic.Uint64
	mu           sync.Mutex
	hasDeadline  atomic.Bool
	closed       bool
}

func (st *storeState) track(c closer) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return errors.InvalidInput(errors.PhaseInstantiate, "store is closed")
	}
	st.instances[c] = struct{}{}
	return nil
}

func (st *storeState) untrack(c closer) {
	st.mu.Lock()
	delete(st.instances, c)
	st.mu.Unlock()
}

type stateKey struct{}

// bind makes the store visible to host functions called under ctx.
func (st *storeState) bind(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, stateKey{}, st)
	return hostcomponent.WithData(ctx, st.components)
}

// withDeadline derives a ctx cancelled once the armed deadline passes.
func (st *storeState) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if !st.hasDeadline.Load() {
		return ctx, func() {}
	}
	return st.counter.WithDeadline(ctx, st.deadline.Load(), errEpochDeadline)
}

func stateFrom(ctx context.Context) *storeState {
	st, _ := ctx.Value(stateKey{}).(*storeState)
	return st
}

func storeFrom[T any](ctx context.Context) *Store[T] {
	st := stateFrom(ctx)
	if st == nil {
		return nil
	}
	s, _ := st.owner.(*Store[T])
	return s
}

func preview2From(ctx context.Context) *wasi.Preview2Context {
	st := stateFrom(ctx)
	if st == nil {
		panic("core: preview2 host function called outside a store")
	}
	return st.wasi.Preview2()
}

// OutputBuffer is a goroutine-safe in-memory sink for guest output.
type OutputBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (o *OutputBuffer) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Write(p)
}

// Bytes returns a copy of the captured output.
func (o *OutputBuffer) Bytes() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return bytes.Clone(o.buf.Bytes())
}

// String returns the captured output.
func (o *OutputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

// Reset discards the captured output.
func (o *OutputBuffer) Reset() {
	o.mu.Lock()
	o.buf.Reset()
	o.mu.Unlock()
}
