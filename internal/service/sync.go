package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/orignode/internal/bridge"
	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/loop"
	"github.com/Klingon-tech/orignode/internal/metrics"
)

// DefaultSyncInterval is used when SyncConfig.Interval is zero.
const DefaultSyncInterval = 10 * time.Second

// SyncPassTimeout bounds one synchronous sync pass.
const SyncPassTimeout = 30 * time.Second

// SyncConfig configures the background sync.
type SyncConfig struct {
	Interval time.Duration
	// Validator lets the sync mine pending transactions with the node
	// wallet.
	Validator bool
	// Metrics may be nil.
	Metrics *metrics.ChainMetrics
}

// SyncService periodically refreshes tracked balances, reports chain state
// and, on validators, mines while the mempool holds transactions.
type SyncService struct {
	bridge *EngineBridge
	cfg    SyncConfig
	logger zerolog.Logger

	mu      sync.Mutex
	tracked map[string]engine.Amount
	height  uint64
	task    *loop.Task

	// Only touched inside the worker loop.
	mining bool
}

// NewSyncService wraps b.
func NewSyncService(b *EngineBridge, cfg SyncConfig) *SyncService {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSyncInterval
	}
	return &SyncService{
		bridge:  b,
		cfg:     cfg,
		logger:  log.Sync,
		tracked: make(map[string]engine.Amount),
	}
}

// Bridge returns the underlying bridge.
func (s *SyncService) Bridge() *EngineBridge { return s.bridge }

// Track adds address to the balances refreshed on every pass.
func (s *SyncService) Track(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracked[address]; !ok {
		s.tracked[address] = 0
	}
}

// Balance returns the last refreshed balance of a tracked address.
func (s *SyncService) Balance(address string) (engine.Amount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.tracked[address]
	return bal, ok
}

// Height returns the chain height seen by the last pass.
func (s *SyncService) Height() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

// Start launches the periodic sync task on the sync worker loop. It is a
// no-op if the task is already running.
func (s *SyncService) Start(ctx context.Context) error {
	s.mu.Lock()
	running := s.task != nil
	s.mu.Unlock()
	if running {
		return nil
	}

	task, err := s.bridge.Go(ctx, "sync", s.run)
	if err != nil {
		return fmt.Errorf("start sync: %w", err)
	}
	s.mu.Lock()
	s.task = task
	s.mu.Unlock()
	s.logger.Info().Dur("interval", s.cfg.Interval).Bool("validator", s.cfg.Validator).Msg("Background sync started")
	return nil
}

// Stop cancels the periodic task and waits for it.
func (s *SyncService) Stop(ctx context.Context) {
	s.mu.Lock()
	task := s.task
	s.task = nil
	s.mu.Unlock()
	if task == nil {
		return
	}
	task.Cancel()
	if _, err := task.Wait(ctx); err != nil && ctx.Err() != nil {
		s.logger.Warn().Err(err).Msg("Sync task did not stop in time")
	}
}

// RunOnce performs a single pass synchronously.
func (s *SyncService) RunOnce(ctx context.Context) error {
	_, err := bridge.Call(ctx, s.bridge, "sync_pass", SyncPassTimeout, func(ctx context.Context, e engine.Engine) (struct{}, error) {
		return struct{}{}, s.pass(ctx, e)
	})
	return err
}

func (s *SyncService) run(ctx context.Context, e engine.Engine) error {
	for {
		if err := s.pass(ctx, e); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn().Err(err).Msg("Sync pass failed")
		}
		if err := loop.Sleep(ctx, s.cfg.Interval); err != nil {
			return nil
		}
	}
}

func (s *SyncService) pass(ctx context.Context, e engine.Engine) error {
	st, err := e.Status(ctx)
	if err != nil {
		s.cfg.Metrics.SyncRun("error")
		return err
	}
	if !st.Active {
		s.cfg.Metrics.SyncRun("inactive")
		s.logger.Debug().Str("reason", st.Message).Msg("Engine inactive; skipping sync")
		return nil
	}
	s.cfg.Metrics.SetHeight(st.Height)
	s.cfg.Metrics.SetMempool(st.MempoolSize)

	s.mu.Lock()
	s.height = st.Height
	addrs := make([]string, 0, len(s.tracked))
	for addr := range s.tracked {
		addrs = append(addrs, addr)
	}
	s.mu.Unlock()

	for _, addr := range addrs {
		bal, err := e.GetBalance(ctx, addr)
		if err != nil {
			s.logger.Debug().Err(err).Str("address", addr).Msg("Balance refresh failed")
			continue
		}
		s.mu.Lock()
		s.tracked[addr] = bal
		s.mu.Unlock()
	}

	if s.cfg.Validator {
		if err := s.mine(ctx, e, st); err != nil {
			s.cfg.Metrics.SyncRun("error")
			return err
		}
	}
	s.cfg.Metrics.SyncRun("ok")
	s.logger.Debug().Uint64("height", st.Height).Int("mempool", st.MempoolSize).Int("tracked", len(addrs)).Msg("Sync pass complete")
	return nil
}

// mine starts the miner when transactions are pending and stops a miner it
// started once the mempool drains.
func (s *SyncService) mine(ctx context.Context, e engine.Engine, st *engine.Status) error {
	switch {
	case st.MempoolSize > 0 && !st.Mining:
		if st.NodeAddress == "" {
			s.logger.Warn().Msg("Pending transactions but no node wallet to mine with")
			return nil
		}
		if err := e.StartMining(ctx, st.NodeAddress); err != nil {
			return fmt.Errorf("start mining: %w", err)
		}
		s.mining = true
		s.logger.Info().Int("pending", st.MempoolSize).Msg("Mining pending transactions")
	case st.MempoolSize == 0 && st.Mining && s.mining:
		if err := e.StopMining(ctx); err != nil {
			return fmt.Errorf("stop mining: %w", err)
		}
		s.mining = false
		s.logger.Info().Msg("Mempool drained; mining stopped")
	}
	return nil
}
