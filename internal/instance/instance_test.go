package instance

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestPortAvailability(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	if IsPortAvailable(port) {
		t.Errorf("port %d is bound but reported available", port)
	}

	found := FindAvailablePort(port)
	if found == 0 {
		t.Fatalf("no available port found near %d", port)
	}
	if found == port {
		t.Errorf("FindAvailablePort returned the bound port %d", port)
	}
}

func TestLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "agentmux.lock")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed after release")
	}

	second, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	second.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	lock, err := Acquire(filepath.Join(t.TempDir(), "a.lock"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}
