package console

import (
	"context"
	"testing"
	"time"

	"github.com/runinator/runinator/internal/handler"
)

func TestRunConsole_Success(t *testing.T) {
	outcome, err := RunConsole(context.Background(), []byte("echo hello"))
	if err != nil {
		t.Fatalf("RunConsole() error = %v", err)
	}
	if !outcome.Success {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if outcome.Stdout != "hello\n" {
		t.Errorf("stdout = %q, want %q", outcome.Stdout, "hello\n")
	}
}

func TestRunConsole_NonZeroExit(t *testing.T) {
	outcome, err := RunConsole(context.Background(), []byte("exit 1"))
	if err != nil {
		t.Fatalf("RunConsole() error = %v", err)
	}
	if outcome.Success {
		t.Fatal("expected failure for non-zero exit")
	}
	if outcome.Retryable {
		t.Error("exit failures should not be retryable")
	}
}

func TestRunConsole_EmptyConfiguration(t *testing.T) {
	outcome, err := RunConsole(context.Background(), []byte(""))
	if err != nil {
		t.Fatalf("RunConsole() error = %v", err)
	}
	if outcome.Success {
		t.Fatal("expected failure for empty configuration")
	}
}

func TestRunConsole_TimeoutCancelsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := RunConsole(ctx, []byte("sleep 5"))
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestRegister_AddsBothFunctions(t *testing.T) {
	r := handler.NewRegistry()
	Register(r)

	if _, ok := r.Resolve(handler.Key{ActionName: ActionName, ActionFunction: FunctionShell}); !ok {
		t.Error("run_console not registered")
	}
	if _, ok := r.Resolve(handler.Key{ActionName: ActionName, ActionFunction: FunctionPowerShell}); !ok {
		t.Error("run_powershell not registered")
	}
}
