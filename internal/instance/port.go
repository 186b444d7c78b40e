// Package instance guards against two orchestrators fighting over the same
// tmux server: a flock-based lock file plus port probing at startup.
package instance

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

// IsPortAvailable reports whether a TCP port can be bound.
func IsPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// FindAvailablePort returns the first bindable port at or after startPort,
// or 0 when none of the next 20 are free.
func FindAvailablePort(startPort int) int {
	for i := 0; i < 20; i++ {
		if IsPortAvailable(startPort + i) {
			return startPort + i
		}
	}
	return 0
}

// HealthCheck probes a running instance's health endpoint.
func HealthCheck(port int) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/api/system-health", port))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
