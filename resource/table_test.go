package resource

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

type testObserver struct {
	events []Event
}

func (o *testObserver) OnResourceEvent(e Event) {
	o.events = append(o.events, e)
}

type closer struct {
	err    error
	closed bool
}

func (c *closer) Close() error {
	c.closed = true
	return c.err
}

func TestTable_Basic(t *testing.T) {
	table := NewTable(0)

	h, err := table.Insert(KindOutputStream, "test")
	if err != nil || h == 0 {
		t.Fatalf("Insert = %d, %v", h, err)
	}

	val, ok := table.Get(h)
	if !ok || val != "test" {
		t.Fatalf("Get = %v, %v", val, ok)
	}

	if _, ok := table.GetKind(h, KindOutputStream); !ok {
		t.Fatal("GetKind with correct kind failed")
	}
	if _, ok := table.GetKind(h, KindInputStream); ok {
		t.Fatal("GetKind with wrong kind should fail")
	}

	val, err = table.Remove(h)
	if err != nil || val != "test" {
		t.Fatalf("Remove = %v, %v", val, err)
	}
	if table.Len() != 0 {
		t.Fatal("Expected Len() == 0 after Remove")
	}
	if _, err := table.Remove(h); err == nil {
		t.Fatal("second Remove should fail")
	}
}

func TestTable_InvalidHandles(t *testing.T) {
	table := NewTable(0)
	for _, h := range []Handle{0, 1, 99} {
		if _, ok := table.Get(h); ok {
			t.Errorf("Get(%d) succeeded on empty table", h)
		}
	}
	if _, err := table.Insert(KindInvalid, 1); err == nil {
		t.Error("Insert with invalid kind should fail")
	}
}

func TestTable_HandleReuse(t *testing.T) {
	table := NewTable(0)
	h1, _ := table.Insert(KindError, 1)
	h2, _ := table.Insert(KindError, 2)
	if _, err := table.Remove(h1); err != nil {
		t.Fatal(err)
	}
	h3, _ := table.Insert(KindError, 3)
	if h3 != h1 {
		t.Errorf("expected freed handle %d to be reused, got %d", h1, h3)
	}
	if v, _ := table.Get(h2); v != 2 {
		t.Errorf("h2 = %v", v)
	}
}

func TestTable_Limit(t *testing.T) {
	table := NewTable(2)
	for i := range 2 {
		if _, err := table.Insert(KindError, i); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := table.Insert(KindError, 3); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestTable_Observer(t *testing.T) {
	table := NewTable(0)
	obs := &testObserver{}
	table.Subscribe(obs)

	h, _ := table.Insert(KindPollable, "x")
	_, _ = table.Remove(h)

	if len(obs.events) != 2 {
		t.Fatalf("events = %d, want 2", len(obs.events))
	}
	if obs.events[0].Type != EventCreated || obs.events[1].Type != EventDropped {
		t.Errorf("unexpected event order: %+v", obs.events)
	}
	if obs.events[1].Kind != KindPollable {
		t.Errorf("Kind = %v", obs.events[1].Kind)
	}
}

func TestTable_RemoveClosesValue(t *testing.T) {
	table := NewTable(0)
	c := &closer{err: io.ErrClosedPipe}
	h, _ := table.Insert(KindOutputStream, c)

	_, err := table.Remove(h)
	if !c.closed {
		t.Error("value not closed on Remove")
	}
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("expected close error, got %v", err)
	}
}

func TestTable_Close(t *testing.T) {
	table := NewTable(0)
	a := &closer{err: errors.New("a failed")}
	b := &closer{err: errors.New("b failed")}
	c := &closer{}
	_, _ = table.Insert(KindOutputStream, a)
	_, _ = table.Insert(KindOutputStream, b)
	_, _ = table.Insert(KindOutputStream, c)

	err := table.Close()
	if err == nil || !strings.Contains(err.Error(), "a failed") || !strings.Contains(err.Error(), "b failed") {
		t.Fatalf("expected combined close errors, got %v", err)
	}
	if !c.closed {
		t.Error("c not closed")
	}
	if _, err := table.Insert(KindError, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Insert after Close: %v", err)
	}
	if err := table.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestTyped(t *testing.T) {
	table := NewTable(0)
	streams := NewTyped[*strings.Builder](table, KindOutputStream)

	sb := &strings.Builder{}
	h, err := streams.Insert(sb)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := streams.Get(h)
	if !ok || got != sb {
		t.Fatal("typed Get failed")
	}

	other, _ := table.Insert(KindError, "not a stream")
	if _, ok := streams.Get(other); ok {
		t.Error("typed Get should reject other kinds")
	}
	if _, err := streams.Remove(other); err == nil {
		t.Error("typed Remove should reject other kinds")
	}
	if _, err := streams.Remove(h); err != nil {
		t.Errorf("typed Remove: %v", err)
	}
}

func TestTable_Concurrent(t *testing.T) {
	table := NewTable(0)
	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := table.Insert(KindError, i)
			if err != nil {
				t.Error(err)
				return
			}
			if v, ok := table.Get(h); !ok || v != i {
				t.Errorf("Get(%d) = %v, %v", h, v, ok)
			}
			if _, err := table.Remove(h); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if table.Len() != 0 {
		t.Errorf("Len = %d", table.Len())
	}
}

func TestKindString(t *testing.T) {
	if KindOutputStream.String() != "output-stream" || KindUser.String() != "user" {
		t.Error("unexpected kind names")
	}
}
