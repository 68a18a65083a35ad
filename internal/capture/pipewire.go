package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// PipeWire manages PipeWire/JACK port operations
type PipeWire struct {
	// listOutput returns the raw `pw-link -io` listing
	listOutput func() ([]byte, error)
}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{
		listOutput: func() ([]byte, error) {
			return exec.Command("pw-link", "-io").Output()
		},
	}
}

// ListPorts returns all available JACK ports via PipeWire
func (pw *PipeWire) ListPorts() ([]string, error) {
	output, err := pw.listOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePortList(string(output)), nil
}

func parsePortList(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// ValidatePort checks if a specific port exists and has no duplicates
func (pw *PipeWire) ValidatePort(portName string) error {
	if portName == "" || portName == "disabled" {
		return nil
	}

	allPorts, err := pw.ListPorts()
	if err != nil {
		return fmt.Errorf("failed to check port: %w", err)
	}

	duplicates := findPortDuplicatesInList(portName, allPorts)
	if len(duplicates) == 0 {
		return fmt.Errorf("port not found: %s", portName)
	}
	if len(duplicates) > 1 {
		return fmt.Errorf("duplicate sources detected for '%s': %v. Please close conflicting applications", portName, duplicates)
	}

	return nil
}

// findPortDuplicatesInList finds all ports with exactly the same name
func findPortDuplicatesInList(portName string, allPorts []string) []string {
	var duplicates []string
	for _, port := range allPorts {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}

// portExists checks if a port exists in the current JACK graph
func (pw *PipeWire) portExists(portName string) bool {
	ports, err := pw.ListPorts()
	if err != nil {
		slog.Debug("Failed to check port existence", "port", portName, "error", err)
		return false
	}
	return len(findPortDuplicatesInList(portName, ports)) > 0
}

// WaitForPort polls until the port appears or the timeout expires
func (pw *PipeWire) WaitForPort(ctx context.Context, portName string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if pw.portExists(portName) {
			slog.Debug("JACK port found", "port", portName)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	return fmt.Errorf("timeout waiting for JACK port: %s", portName)
}

// ConnectPortsWithRetry connects two JACK ports with intelligent retry logic
func (pw *PipeWire) ConnectPortsWithRetry(ctx context.Context, sourcePort, destPort string) error {
	maxRetries, retryDelay := retryStrategy(sourcePort)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if pw.portExists(sourcePort) {
			err := pw.connectPorts(sourcePort, destPort)
			if err == nil {
				slog.Debug("Successfully connected ports", "source", sourcePort, "dest", destPort, "attempt", attempt)
				return nil
			}
			slog.Debug("Connection attempt failed", "source", sourcePort, "dest", destPort, "attempt", attempt, "error", err)
		} else {
			slog.Debug("Source port not yet available", "source", sourcePort, "attempt", attempt)
		}

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	return fmt.Errorf("failed to connect %s to %s after %d attempts", sourcePort, destPort, maxRetries)
}

// retryStrategy gives application ports longer to appear than hardware ones
func retryStrategy(sourcePort string) (int, time.Duration) {
	if isEphemeralPort(sourcePort) {
		return 15, 1 * time.Second
	}
	return 5, 500 * time.Millisecond
}

func (pw *PipeWire) connectPorts(sourcePort, destPort string) error {
	cmd := exec.Command("pw-link", sourcePort, destPort)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to connect ports: %w (output: %s)", err, string(output))
	}
	return nil
}

// isEphemeralPort determines if a port is ephemeral (may appear/disappear)
func isEphemeralPort(portName string) bool {
	lowerPort := strings.ToLower(portName)

	ephemeralApps := []string{
		"chrome", "firefox", "spotify", "discord", "steam",
		"vlc", "mpv", "zoom", "teams", "slack", "wire",
	}

	for _, app := range ephemeralApps {
		if strings.Contains(lowerPort, app) {
			return true
		}
	}

	return false
}

// DisconnectPorts disconnects two JACK ports
func (pw *PipeWire) DisconnectPorts(sourcePort, destPort string) error {
	cmd := exec.Command("pw-link", "-d", sourcePort, destPort)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to disconnect ports: %w (output: %s)", err, string(output))
	}

	slog.Debug("Disconnected ports successfully", "source", sourcePort, "dest", destPort)
	return nil
}

// PortStatus reports "available", "unavailable" or "duplicate" for each of
// the given ports
func (pw *PipeWire) PortStatus(ports []string) map[string]string {
	status := make(map[string]string, len(ports))

	allPorts, err := pw.ListPorts()
	if err != nil {
		slog.Debug("Failed to list ports", "error", err)
	}

	for _, port := range ports {
		switch n := len(findPortDuplicatesInList(port, allPorts)); {
		case n == 1:
			status[port] = "available"
		case n > 1:
			status[port] = "duplicate"
		default:
			status[port] = "unavailable"
		}
	}
	return status
}
