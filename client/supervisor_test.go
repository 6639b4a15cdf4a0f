package client

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/justapithecus/quill/wire"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func TestSupervisorUnexpectedExit(t *testing.T) {
	requireTool(t, "true")
	s := NewSupervisor("true", nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The child exits immediately; this is an unannounced death.
	s.Wait()

	dp := s.Dispatcher()
	if err := dp.Log(wire.LevelInfo, "into the void"); !errors.Is(err, ErrSidecarTerminated) {
		t.Fatalf("Log after unexpected exit: %v", err)
	}
	select {
	case err := <-dp.Errors():
		if !errors.Is(err, ErrSidecarTerminated) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unexpected exit never surfaced on Errors")
	}
}

func TestSupervisorKillRejectsPending(t *testing.T) {
	requireTool(t, "sleep")
	s := NewSupervisor("sleep", []string{"30"},
		WithDispatcherOptions(WithCallTimeout(10*time.Second)),
	)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Pid() == 0 {
		t.Fatal("Pid = 0 for a running child")
	}

	errc := make(chan error, 1)
	go func() { errc <- s.Dispatcher().Call(context.Background(), wire.MethodFlush) }()
	time.Sleep(50 * time.Millisecond)

	if err := s.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrNotRunning) {
			t.Fatalf("expected ErrNotRunning after kill, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call survived the kill")
	}
	if err := s.Wait(); err == nil {
		t.Fatal("Wait returned nil for a killed child")
	}
}

func TestSupervisorCorrelatesResponses(t *testing.T) {
	requireTool(t, "sh")
	// A stand-in sidecar: acknowledge request id 1 as a successful
	// flush, then linger so the pipes stay open.
	script := `printf '\000\000\000\001\002\001\001\000'; sleep 2`
	s := NewSupervisor("sh", []string{"-c", script})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		s.Kill()
		s.Wait()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Dispatcher().Call(ctx, wire.MethodFlush); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestSupervisorRespawn(t *testing.T) {
	requireTool(t, "true")
	s := NewSupervisor("true", nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := s.InstanceID()
	s.Wait()

	if err := s.Respawn(); err != nil {
		t.Fatalf("Respawn: %v", err)
	}
	if second := s.InstanceID(); second == first {
		t.Fatalf("instance id %q unchanged across respawn", second)
	}
	s.Wait()
}

func TestSupervisorStartWhileRunning(t *testing.T) {
	requireTool(t, "sleep")
	s := NewSupervisor("sleep", []string{"30"})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		s.Kill()
		s.Wait()
	}()

	if err := s.Start(); err == nil {
		t.Fatal("second Start succeeded with a child running")
	}
}
