package deliberation

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"
)

func TestCLIAdapter_Invoke_ReturnsStdout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a posix shell")
	}
	a := NewCLIAdapter(CLIAdapterConfig{Command: "sh", Args: []string{"-c", "cat"}})

	out, err := a.Invoke(context.Background(), "hello there", "test-model", "", true, "")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "hello there" {
		t.Errorf("expected stdin echoed back via cat, got %q", out)
	}
}

func TestCLIAdapter_Invoke_PrependsRoundContext(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a posix shell")
	}
	a := NewCLIAdapter(CLIAdapterConfig{Command: "sh", Args: []string{"-c", "cat"}})

	out, err := a.Invoke(context.Background(), "the question", "test-model", "prior context", true, "")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "prior context\n\nthe question" {
		t.Errorf("expected round context prepended, got %q", out)
	}
}

func TestCLIAdapter_Invoke_NonZeroExitReturnsError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a posix shell")
	}
	a := NewCLIAdapter(CLIAdapterConfig{Command: "sh", Args: []string{"-c", "exit 1"}})

	_, err := a.Invoke(context.Background(), "x", "m", "", true, "")
	if err == nil {
		t.Error("expected a non-zero exit to surface as an error")
	}
}

func TestCLIAdapter_Invoke_TimeoutReturnsErrAdapterTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a posix shell")
	}
	a := NewCLIAdapter(CLIAdapterConfig{Command: "sh", Args: []string{"-c", "sleep 5"}, Timeout: 20 * time.Millisecond})

	_, err := a.Invoke(context.Background(), "x", "m", "", true, "")
	if !errors.Is(err, ErrAdapterTimeout) {
		t.Errorf("expected ErrAdapterTimeout, got %v", err)
	}
}
