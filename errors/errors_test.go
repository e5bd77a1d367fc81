package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseConfig,
				Kind:   KindInvalidConfig,
				Path:   []string{"pool", "instance_count"},
				Detail: "must be positive",
			},
			contains: []string{"[config]", "invalid_config", "pool.instance_count", "must be positive"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseRuntime,
				Kind:  KindTrap,
			},
			contains: []string{"[runtime]", "trap"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseInstantiate,
				Kind:   KindInstantiation,
				Detail: "instantiate module",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[instantiate]", "instantiation", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Instantiation(cause)

	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not reach cause")
	}
}

func TestError_Is(t *testing.T) {
	err := DeadlineExceeded(PhaseRuntime, 3, 4)

	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Error("kind-only sentinel should match any phase")
	}
	if !errors.Is(err, &Error{Phase: PhaseRuntime, Kind: KindDeadlineExceeded}) {
		t.Error("same phase and kind should match")
	}
	if errors.Is(err, &Error{Phase: PhaseInstantiate, Kind: KindDeadlineExceeded}) {
		t.Error("different phase should not match")
	}
	if errors.Is(err, ErrMemoryLimit) {
		t.Error("different kind should not match")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("strconv failure")
	err := New(PhaseConfig, KindInvalidConfig).
		Path("pool", "instance_size").
		Value("ten").
		Cause(cause).
		Detail("expected %s", "integer").
		Build()

	if err.Phase != PhaseConfig || err.Kind != KindInvalidConfig {
		t.Errorf("unexpected phase/kind: %s/%s", err.Phase, err.Kind)
	}
	if err.Detail != "expected integer" {
		t.Errorf("Detail = %q", err.Detail)
	}
	if err.Value != "ten" {
		t.Errorf("Value = %v", err.Value)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		err  *Error
		kind Kind
		name string
	}{
		{InvalidConfig("WASMHOST_INSTANCE_COUNT", "x", nil), KindInvalidConfig, "invalid config"},
		{Registration("wasi:cli/exit@0.2.0", "exit", errors.New("dup")), KindRegistration, "registration"},
		{Finalized("engine builder"), KindFinalized, "finalized"},
		{PoolLimit("instance_memories", 2, 1), KindPoolLimit, "pool limit"},
		{MemoryLimit(PhaseInstantiate, 10, 5, 12), KindMemoryLimit, "memory limit"},
		{Exit(3, nil), KindExit, "exit"},
		{NotPermitted("db.internal:5432", "postgres"), KindNotPermitted, "not permitted"},
		{NotFound(PhaseRuntime, "export", "run"), KindNotFound, "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", tt.err.Kind, tt.kind)
			}
			if tt.err.Error() == "" {
				t.Error("empty message")
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	err := Trap(PhaseRuntime, Exit(7, nil))

	code, ok := ExitCode(err)
	if !ok || code != 7 {
		t.Errorf("ExitCode = %d, %v; want 7, true", code, ok)
	}

	if _, ok := ExitCode(errors.New("plain")); ok {
		t.Error("plain error should carry no exit code")
	}
}

func TestMissingImportsError(t *testing.T) {
	err := NewMissingImportsError([]MissingImport{
		{Module: "wasi:io/streams@0.2.0", Function: "[resource-drop]output-stream"},
		{Module: "env", Function: "log", Reason: "signature mismatch"},
		{Module: "env", Function: "abort"},
	})

	msg := err.Error()
	for _, s := range []string{"missing 3 host function(s)", "env:", "- log (signature mismatch)", "- abort", "wasi:io/streams@0.2.0:"} {
		if !strings.Contains(msg, s) {
			t.Errorf("message %q does not contain %q", msg, s)
		}
	}
	if strings.Index(msg, "env:") > strings.Index(msg, "wasi:io") {
		t.Error("modules should be listed in sorted order")
	}

	var target *MissingImportsError
	if !errors.As(err, &target) {
		t.Error("errors.As failed")
	}
	if !errors.Is(err, &Error{Kind: KindMissingImport}) {
		t.Error("should match missing_import kind")
	}
}

func TestMissingImportsError_Empty(t *testing.T) {
	err := NewMissingImportsError(nil)
	if !strings.Contains(err.Error(), "no imports specified") {
		t.Errorf("unexpected message %q", err.Error())
	}
}
