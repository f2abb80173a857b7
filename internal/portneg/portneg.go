// Package portneg finds free TCP ports for the node's listeners and records
// them in the configuration.
package portneg

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"

	"github.com/Klingon-tech/orignode/config"
	"github.com/Klingon-tech/orignode/internal/log"
)

// ScanRange is how many ports above the configured one are tried.
const ScanRange = 100

// DefaultHost is probed when no host is given.
const DefaultHost = "0.0.0.0"

// ErrNotFound is returned by FindAvailable when every port in the range is
// taken.
var ErrNotFound = errors.New("no available port in range")

// PortExhaustedError is returned when a mandatory port could not be
// negotiated.
type PortExhaustedError struct {
	Name  config.PortName
	Start int
	End   int
}

func (e *PortExhaustedError) Error() string {
	return fmt.Sprintf("no available port for %s in %d-%d", e.Name, e.Start, e.End)
}

func (e *PortExhaustedError) Unwrap() error { return ErrNotFound }

// IsAvailable reports whether a TCP listener can be bound on host:port.
func IsAvailable(port int, host string) bool {
	if host == "" {
		host = DefaultHost
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindAvailable returns the first free port in [start, end], skipping the
// listed ports.
func FindAvailable(start, end int, host string, skip ...int) (int, error) {
	if start < 1 {
		start = 1
	}
	if end > config.MaxPort {
		end = config.MaxPort
	}
	for port := start; port <= end; port++ {
		if slices.Contains(skip, port) {
			continue
		}
		if IsAvailable(port, host) {
			return port, nil
		}
	}
	return 0, ErrNotFound
}

// Negotiator moves busy ports of a config to free ones.
type Negotiator struct {
	Host string
	// Persist saves the ports that changed. May be nil.
	Persist func(cfg *config.NodeConfig, changed ...config.PortName) error
	// Available overrides IsAvailable in tests.
	Available func(port int, host string) bool
}

// Negotiate checks the p2p, API and key rotation ports in that order and
// replaces busy ones with the next free port above them. The p2p and API
// ports are mandatory; the key rotation port is best effort.
func (n *Negotiator) Negotiate(cfg *config.NodeConfig) error {
	available := n.Available
	if available == nil {
		available = IsAvailable
	}

	var changed []config.PortName
	for _, name := range config.PortNames {
		port := cfg.Port(name)
		if available(port, n.Host) {
			continue
		}

		var others []int
		for other, p := range cfg.Ports() {
			if other != name {
				others = append(others, p)
			}
		}
		found := 0
		for p := port + 1; p <= port+ScanRange && p <= config.MaxPort; p++ {
			if !slices.Contains(others, p) && available(p, n.Host) {
				found = p
				break
			}
		}

		if found == 0 {
			if name == config.KeyRotationPort {
				log.Node.Warn().Int("port", port).Msg("No free key rotation port; keeping configured port")
				continue
			}
			return &PortExhaustedError{Name: name, Start: port + 1, End: port + ScanRange}
		}
		if err := cfg.SetPort(name, found); err != nil {
			return err
		}
		changed = append(changed, name)
		log.Node.Info().
			Str("port_name", string(name)).
			Int("from", port).
			Int("to", found).
			Msg("Port busy; negotiated a new one")
	}

	if len(changed) > 0 && n.Persist != nil {
		if err := n.Persist(cfg, changed...); err != nil {
			return fmt.Errorf("persist negotiated ports: %w", err)
		}
	}
	return nil
}
