// Package api serves the node's HTTP interface: health, status, metrics and
// the wallet endpoints under /api/v1.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/metrics"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// Defaults for Config.
const (
	DefaultRateLimit = 20
	DefaultBurst     = 40
	requestTimeout   = 60 * time.Second
)

// Wallets is the wallet facade the handlers call.
type Wallets interface {
	CreateWallet(ctx context.Context, userID, passphrase string) (string, error)
	GetBalance(ctx context.Context, address string) (engine.Amount, error)
	GetWallet(ctx context.Context, address, passphrase string) (*engine.WalletKeys, error)
	GetTransactions(ctx context.Context, address string, limit int) ([]*engine.Transaction, error)
	SendTransaction(ctx context.Context, req engine.TxRequest) (*engine.Transaction, error)
}

// Chain is the chain facade the handlers call.
type Chain interface {
	Status(ctx context.Context) (*engine.Status, error)
}

// Security is the optional security subsystem: event recording and the
// second-factor routes under /api/v1/mfa.
type Security interface {
	Record(kind, source, detail string)
	EnrollMFA(userID, account string) (secret, uri string, err error)
	VerifyMFA(userID, code string) (bool, error)
	ResetMFA(userID string) error
	BackupCodes(userID string) ([]string, error)
}

// NodeInfo describes the running node for /health and /status.
type NodeInfo struct {
	NodeID  string `json:"node_id" yaml:"node_id"`
	State   string `json:"state" yaml:"state"`
	Peers   int    `json:"peers" yaml:"peers"`
	P2PPort int    `json:"p2p_port" yaml:"p2p_port"`
	APIPort int    `json:"api_port" yaml:"api_port"`
	TLS     bool   `json:"tls" yaml:"tls"`
}

// Config configures the server.
type Config struct {
	Addr string
	// TLS enables HTTPS when set.
	TLS *tls.Config
	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit float64
	Burst     int
	Registry  *prometheus.Registry
	Metrics   *metrics.APIMetrics
	Info      func() NodeInfo
	Security  Security
}

// Server is the HTTP API server.
type Server struct {
	config  Config
	wallets Wallets
	chain   Chain
	limiter *ipLimiter
	logger  zerolog.Logger

	server   *http.Server
	ln       net.Listener
	stopOnce sync.Once
}

// New builds a server. Nothing listens until Start.
func New(cfg Config, wallets Wallets, chain Chain) *Server {
	s := &Server{
		config:  cfg,
		wallets: wallets,
		chain:   chain,
		limiter: newIPLimiter(cfg.RateLimit, cfg.Burst),
		logger:  log.API,
	}
	s.server = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      requestTimeout + 5*time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// Start binds the listener and serves in the background. It returns once
// the port is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	scheme := "http"
	if s.config.TLS != nil {
		ln = tls.NewListener(ln, s.config.TLS)
		scheme = "https"
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Str("scheme", scheme).Msg("API server listening")
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.config.Addr
}

// Stop shuts the server down gracefully. Repeated calls are no-ops.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.ln == nil {
			return
		}
		err = s.server.Shutdown(ctx)
		s.logger.Info().Msg("API server stopped")
	})
	return err
}

// record forwards a security event when a Security subsystem is set.
func (s *Server) record(kind, source, detail string) {
	if s.config.Security != nil {
		s.config.Security.Record(kind, source, detail)
	}
}

func (s *Server) info() NodeInfo {
	if s.config.Info == nil {
		return NodeInfo{}
	}
	return s.config.Info()
}
