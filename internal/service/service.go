// Package service exposes the engine to synchronous callers through three
// bridge facades: wallet operations, chain operations and the background
// sync. Each facade owns its own bridge and therefore its own worker loop.
package service

import (
	"context"
	"errors"

	"github.com/Klingon-tech/orignode/internal/bridge"
	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/ledger"
	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/metrics"
)

// Reasons reported by the degraded stand-ins.
const (
	WalletUnavailable = "wallet service unavailable"
	ChainUnavailable  = "blockchain service unavailable"
)

// EngineBridge is a bridge driving an engine.
type EngineBridge = bridge.Bridge[engine.Engine]

// DegradedWallet is the stand-in served when the wallet engine cannot be
// built.
func DegradedWallet(cause error) engine.Engine {
	return engine.NewDegraded(WalletUnavailable, cause)
}

// DegradedChain is the stand-in served when the chain engine cannot be
// built.
func DegradedChain(cause error) engine.Engine {
	return engine.NewDegraded(ChainUnavailable, cause)
}

// LedgerFactory builds and initializes a ledger inside the worker loop.
func LedgerFactory(cfg ledger.Config) bridge.Factory[engine.Engine] {
	return func(ctx context.Context) (engine.Engine, error) {
		l, err := ledger.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// NewEngineBridge creates a bridge whose engine is shut down by StopEngine.
// degraded may be nil.
func NewEngineBridge(name string, factory bridge.Factory[engine.Engine], degraded func(error) engine.Engine, m *metrics.BridgeMetrics) *EngineBridge {
	return bridge.New(name, factory, bridge.Config[engine.Engine]{
		Degraded: degraded,
		Close: func(ctx context.Context, e engine.Engine) error {
			return e.Shutdown(ctx)
		},
		Metrics: m,
	})
}

// Subscribe registers cb for events of type t on the engine behind b. Each
// bridge runs its own engine, so events are only seen by subscribers of the
// bridge whose engine raised them. The returned function unregisters cb.
func Subscribe(ctx context.Context, b *EngineBridge, t engine.EventType, cb func(engine.Event)) (func(), error) {
	unsub, err := bridge.Call(ctx, b, "subscribe", StatusTimeout, func(ctx context.Context, e engine.Engine) (func(), error) {
		return e.Subscribe(t, cb), nil
	})
	if err != nil {
		return nil, err
	}
	return func() {
		_, err := bridge.Call(context.Background(), b, "unsubscribe", StatusTimeout, func(ctx context.Context, e engine.Engine) (struct{}, error) {
			unsub()
			return struct{}{}, nil
		})
		if err != nil {
			log.Bridge.Debug().Err(err).Str("bridge", b.Name()).Str("event", string(t)).Msg("Unsubscribe failed")
		}
	}, nil
}

// isTimeout reports a bridge call that outlived its timeout.
func isTimeout(err error) bool {
	return errors.Is(err, bridge.ErrCallTimeout)
}

func isNotFound(err error) bool {
	return errors.Is(err, engine.ErrWalletNotFound)
}
