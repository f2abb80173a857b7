package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ConfigError reports a malformed config value. Bootstrap entries that fail
// to parse produce one each and are dropped without aborting startup.
type ConfigError struct {
	Field string
	Value string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s %q: %s", e.Field, e.Value, e.Msg)
}

// BootstrapNode is a parsed host:port bootstrap entry.
type BootstrapNode struct {
	Host string
	Port int
}

// Addr returns the entry as host:port.
func (b BootstrapNode) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// ParseBootstrapNode parses one host:port entry with the port in
// [MinPort, MaxPort].
func ParseBootstrapNode(entry string) (BootstrapNode, error) {
	entry = strings.TrimSpace(entry)
	host, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		return BootstrapNode{}, &ConfigError{Field: "bootstrap_nodes", Value: entry, Msg: "expected host:port"}
	}
	if host == "" {
		return BootstrapNode{}, &ConfigError{Field: "bootstrap_nodes", Value: entry, Msg: "empty host"}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return BootstrapNode{}, &ConfigError{Field: "bootstrap_nodes", Value: entry, Msg: "port is not a number"}
	}
	if port < MinPort || port > MaxPort {
		return BootstrapNode{}, &ConfigError{
			Field: "bootstrap_nodes",
			Value: entry,
			Msg:   fmt.Sprintf("port must be in range [%d, %d]", MinPort, MaxPort),
		}
	}
	return BootstrapNode{Host: host, Port: port}, nil
}

// ParseBootstrapNodes parses every entry, returning the valid nodes and one
// *ConfigError per dropped entry. Blank entries are skipped silently.
func ParseBootstrapNodes(entries []string) ([]BootstrapNode, []error) {
	var (
		nodes []BootstrapNode
		errs  []error
	)
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		node, err := ParseBootstrapNode(entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, errs
}

// SplitBootstrapFlag splits the comma separated --bootstrap value.
func SplitBootstrapFlag(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
