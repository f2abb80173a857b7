package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/orignode/internal/bridge"
	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/log"
)

// Wallet operation timeouts.
const (
	BalanceTimeout      = 10 * time.Second
	CreateWalletTimeout = 30 * time.Second
	GetWalletTimeout    = 15 * time.Second
	SendTimeout         = 30 * time.Second
	HistoryTimeout      = 20 * time.Second
	LookupTimeout       = 10 * time.Second
)

type walletTimeouts struct {
	balance, create, get, send, history, lookup time.Duration
}

// WalletService is the synchronous facade for wallet operations.
type WalletService struct {
	bridge   *EngineBridge
	logger   zerolog.Logger
	timeouts walletTimeouts
}

// NewWalletService wraps b.
func NewWalletService(b *EngineBridge) *WalletService {
	return &WalletService{
		bridge: b,
		logger: log.Wallet,
		timeouts: walletTimeouts{
			balance: BalanceTimeout,
			create:  CreateWalletTimeout,
			get:     GetWalletTimeout,
			send:    SendTimeout,
			history: HistoryTimeout,
			lookup:  LookupTimeout,
		},
	}
}

// Bridge returns the underlying bridge.
func (s *WalletService) Bridge() *EngineBridge { return s.bridge }

// CreateWallet creates a wallet for userID and returns its address.
func (s *WalletService) CreateWallet(ctx context.Context, userID, passphrase string) (string, error) {
	return bridge.Call(ctx, s.bridge, "create_wallet", s.timeouts.create, func(ctx context.Context, e engine.Engine) (string, error) {
		return e.CreateWallet(ctx, userID, passphrase)
	})
}

// GetBalance returns the balance of address. A timed-out lookup reports
// zero rather than failing.
func (s *WalletService) GetBalance(ctx context.Context, address string) (engine.Amount, error) {
	bal, err := bridge.Call(ctx, s.bridge, "get_balance", s.timeouts.balance, func(ctx context.Context, e engine.Engine) (engine.Amount, error) {
		return e.GetBalance(ctx, address)
	})
	if isTimeout(err) {
		s.logger.Warn().Str("address", address).Msg("Balance lookup timed out; reporting 0")
		return 0, nil
	}
	return bal, err
}

// GetWallet unlocks the wallet at address.
func (s *WalletService) GetWallet(ctx context.Context, address, passphrase string) (*engine.WalletKeys, error) {
	return bridge.Call(ctx, s.bridge, "get_wallet", s.timeouts.get, func(ctx context.Context, e engine.Engine) (*engine.WalletKeys, error) {
		return e.GetWallet(ctx, address, passphrase)
	})
}

// AddressForUser returns the address owned by userID.
func (s *WalletService) AddressForUser(ctx context.Context, userID string) (string, error) {
	return bridge.Call(ctx, s.bridge, "address_for_user", s.timeouts.lookup, func(ctx context.Context, e engine.Engine) (string, error) {
		return e.AddressForUser(ctx, userID)
	})
}

// EnsureWallet returns the address of userID, creating the wallet first if
// needed.
func (s *WalletService) EnsureWallet(ctx context.Context, userID, passphrase string) (string, error) {
	return bridge.Call(ctx, s.bridge, "ensure_wallet", s.timeouts.create, func(ctx context.Context, e engine.Engine) (string, error) {
		addr, err := e.AddressForUser(ctx, userID)
		if err == nil {
			return addr, nil
		}
		if !isNotFound(err) {
			return "", err
		}
		return e.CreateWallet(ctx, userID, passphrase)
	})
}

// SendTransaction builds, signs and queues a transfer in one engine call.
func (s *WalletService) SendTransaction(ctx context.Context, req engine.TxRequest) (*engine.Transaction, error) {
	return bridge.Call(ctx, s.bridge, "send_transaction", s.timeouts.send, func(ctx context.Context, e engine.Engine) (*engine.Transaction, error) {
		tx, err := e.CreateTransaction(ctx, req)
		if err != nil {
			return nil, err
		}
		if _, err := e.AddTransactionToMempool(ctx, tx); err != nil {
			return nil, err
		}
		return tx, nil
	})
}

// GetTransactions lists transactions touching address. A timed-out lookup
// reports an empty list rather than failing.
func (s *WalletService) GetTransactions(ctx context.Context, address string, limit int) ([]*engine.Transaction, error) {
	txs, err := bridge.Call(ctx, s.bridge, "get_transactions", s.timeouts.history, func(ctx context.Context, e engine.Engine) ([]*engine.Transaction, error) {
		return e.GetTransactionsForAddress(ctx, address, limit)
	})
	if isTimeout(err) {
		s.logger.Warn().Str("address", address).Msg("Transaction history timed out; reporting none")
		return []*engine.Transaction{}, nil
	}
	if txs == nil && err == nil {
		txs = []*engine.Transaction{}
	}
	return txs, err
}
