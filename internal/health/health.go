// Package health probes a node's HTTP health endpoint.
package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Klingon-tech/orignode/internal/log"
)

// Defaults for Checker.
const (
	DefaultRetries = 5
	DefaultDelay   = time.Second
	DefaultTimeout = 5 * time.Second
	DefaultPath    = "/health"
)

// Checker polls a health endpoint over plain HTTP and then HTTPS until one
// answers 2xx or the attempts run out. Self-signed certificates are
// accepted.
type Checker struct {
	Retries int
	Delay   time.Duration
	Timeout time.Duration
	Path    string

	clientOnce sync.Once
	client     *http.Client
}

// NewChecker returns a checker with the default settings.
func NewChecker() *Checker {
	return &Checker{
		Retries: DefaultRetries,
		Delay:   DefaultDelay,
		Timeout: DefaultTimeout,
		Path:    DefaultPath,
	}
}

func (c *Checker) httpClient() *http.Client {
	c.clientOnce.Do(func() {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:   &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // local node, self-signed cert
				DisableKeepAlives: true,
			},
		}
	})
	return c.client
}

// Check reports whether host:port answers its health endpoint. It never
// returns an error; failures are logged at debug level.
func (c *Checker) Check(ctx context.Context, host string, port int) bool {
	retries := c.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	path := c.Path
	if path == "" {
		path = DefaultPath
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	for attempt := 1; attempt <= retries; attempt++ {
		for _, scheme := range []string{"http", "https"} {
			url := fmt.Sprintf("%s://%s%s", scheme, addr, path)
			if err := c.probe(ctx, url); err != nil {
				log.Node.Debug().Err(err).Str("url", url).Int("attempt", attempt).Msg("Health probe failed")
				continue
			}
			log.Node.Debug().Str("url", url).Int("attempt", attempt).Msg("Health check passed")
			return true
		}
		if attempt == retries {
			break
		}
		timer := time.NewTimer(c.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
	return false
}

func (c *Checker) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
