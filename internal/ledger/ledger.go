// Package ledger implements the blockchain engine: an account ledger with
// proof-of-work blocks, a persistent mempool and passphrase-sealed wallets,
// stored in a storage.DB.
//
// A Ledger is driven from a single event loop. Several ledgers may share one
// Store; writes that read-modify-write state serialise on the store mutex,
// which is never held across a suspension point.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/loop"
	"github.com/Klingon-tech/orignode/internal/metrics"
	"github.com/Klingon-tech/orignode/internal/wallet"
	"github.com/Klingon-tech/orignode/pkg/crypto"
)

// Defaults for Config.
const (
	DefaultFee        = engine.Coin / 1000
	DefaultDifficulty = 16
	DefaultTxLimit    = 50
	MaxTxLimit        = 1000
	// maxFutureDrift bounds how far ahead of the local clock a block may be.
	maxFutureDrift = 2 * time.Hour
)

// NodeUserPrefix prefixes the user id of the node's own wallet.
const NodeUserPrefix = "node:"

var errNoGenesis = errors.New("chain has no genesis block")

// Config configures a Ledger.
type Config struct {
	Store *Store
	// NodeID selects the node wallet. Empty disables it.
	NodeID string
	// Passphrase seals the node wallet. A wrong passphrase for an existing
	// node wallet fails Initialize.
	Passphrase string
	Difficulty uint8
	Fee        engine.Amount
	KDF        wallet.KDFParams
	// Metrics may be nil.
	Metrics *metrics.ChainMetrics
	// Name labels log lines when several ledgers share a store.
	Name string
}

// Ledger implements engine.Engine.
type Ledger struct {
	cfg    Config
	store  *Store
	subs   engine.Subscribers
	logger zerolog.Logger
	now    func() time.Time

	initialized bool
	nodeAddress string
	miner       *loop.Task
	minerAddr   string
}

var _ engine.Engine = (*Ledger)(nil)

// New creates a ledger. Call Initialize before use.
func New(cfg Config) *Ledger {
	if cfg.Difficulty == 0 {
		cfg.Difficulty = DefaultDifficulty
	}
	if cfg.Fee == 0 {
		cfg.Fee = DefaultFee
	}
	if cfg.KDF.Iterations == 0 {
		cfg.KDF = wallet.DefaultKDF()
	}
	logger := log.Chain
	if cfg.Name != "" {
		logger = logger.With().Str("engine", cfg.Name).Logger()
	}
	return &Ledger{
		cfg:    cfg,
		store:  cfg.Store,
		logger: logger,
		now:    time.Now,
	}
}

// Open creates and initializes a ledger.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	l := New(cfg)
	if err := l.Initialize(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) ready() error {
	if !l.initialized {
		return engine.ErrNotInitialized
	}
	return nil
}

// Initialize loads the chain tip and unlocks or creates the node wallet.
func (l *Ledger) Initialize(ctx context.Context) error {
	if l.initialized {
		return nil
	}
	if l.store == nil {
		return errors.New("ledger has no store")
	}
	height, hash, ok, err := l.store.Tip()
	if err != nil {
		return err
	}
	if err := l.ensureNodeWallet(ctx); err != nil {
		return err
	}
	l.initialized = true

	ev := l.logger.Info().Uint8("difficulty", l.cfg.Difficulty)
	if ok {
		ev = ev.Uint64("height", height).Str("tip", hash)
		l.cfg.Metrics.SetHeight(height)
	} else {
		ev = ev.Bool("genesis", false)
	}
	ev.Msg("Ledger initialized")
	return nil
}

func (l *Ledger) ensureNodeWallet(ctx context.Context) error {
	if l.cfg.NodeID == "" {
		return nil
	}
	userID := NodeUserPrefix + l.cfg.NodeID

	for attempt := 0; attempt < 2; attempt++ {
		addr, err := l.store.AddressForUser(userID)
		switch {
		case err == nil:
			if l.cfg.Passphrase == "" {
				l.logger.Warn().Str("address", addr).Msg("No wallet passphrase; node wallet stays locked")
				l.nodeAddress = addr
				return nil
			}
			rec, err := l.store.Wallet(addr)
			if err != nil {
				return err
			}
			key, err := l.unlock(ctx, rec, l.cfg.Passphrase)
			if err != nil {
				return fmt.Errorf("unlock node wallet: %w", err)
			}
			key.Zero()
			l.nodeAddress = addr
			return nil

		case errors.Is(err, engine.ErrWalletNotFound):
			if l.cfg.Passphrase == "" {
				l.logger.Warn().Msg("No wallet passphrase; node wallet not created")
				return nil
			}
			addr, err := l.createWallet(ctx, userID, l.cfg.Passphrase)
			if errors.Is(err, engine.ErrWalletExists) {
				// Another ledger on the same store won the race.
				continue
			}
			if err != nil {
				return fmt.Errorf("create node wallet: %w", err)
			}
			l.logger.Info().Str("address", addr).Msg("Created node wallet")
			l.nodeAddress = addr
			return nil

		default:
			return err
		}
	}
	return fmt.Errorf("node wallet for %s changed concurrently", userID)
}

// unlock opens rec with the loop released while Argon2 runs.
func (l *Ledger) unlock(ctx context.Context, rec *wallet.Record, passphrase string) (*crypto.PrivateKey, error) {
	var (
		key *crypto.PrivateKey
		err error
	)
	loop.Suspend(ctx, func() {
		key, err = rec.Unlock(passphrase)
	})
	if errors.Is(err, wallet.ErrDecrypt) {
		return nil, fmt.Errorf("wallet %s: %w", rec.Address, engine.ErrInvalidPassphrase)
	}
	return key, err
}

func (l *Ledger) createWallet(ctx context.Context, userID, passphrase string) (string, error) {
	if userID == "" {
		return "", errors.New("user id must not be empty")
	}
	if _, err := l.store.AddressForUser(userID); err == nil {
		return "", engine.ErrWalletExists
	} else if !errors.Is(err, engine.ErrWalletNotFound) {
		return "", err
	}

	var (
		rec *wallet.Record
		err error
	)
	loop.Suspend(ctx, func() {
		rec, err = wallet.NewRecord(userID, passphrase, l.cfg.KDF)
	})
	if errors.Is(err, wallet.ErrEmptyPassphrase) {
		return "", fmt.Errorf("%w: %v", engine.ErrInvalidPassphrase, err)
	}
	if err != nil {
		return "", err
	}
	if err := l.store.PutWallet(rec); err != nil {
		return "", err
	}
	return rec.Address, nil
}

// Shutdown stops mining and flushes state.
func (l *Ledger) Shutdown(ctx context.Context) error {
	if !l.initialized {
		return nil
	}
	if err := l.StopMining(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("Stop mining during shutdown")
	}
	err := l.SaveState(ctx)
	l.initialized = false
	l.logger.Info().Msg("Ledger shut down")
	return err
}

// SaveState flushes the store.
func (l *Ledger) SaveState(ctx context.Context) error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := l.store.Sync(); err != nil {
		return fmt.Errorf("sync ledger store: %w", err)
	}
	return nil
}

// CreateWallet creates a wallet for userID sealed under passphrase.
func (l *Ledger) CreateWallet(ctx context.Context, userID, passphrase string) (string, error) {
	if err := l.ready(); err != nil {
		return "", err
	}
	addr, err := l.createWallet(ctx, userID, passphrase)
	if err != nil {
		return "", err
	}
	l.logger.Info().Str("user", userID).Str("address", addr).Msg("Created wallet")
	return addr, nil
}

// GetBalance returns the confirmed balance of address.
func (l *Ledger) GetBalance(ctx context.Context, address string) (engine.Amount, error) {
	if err := l.ready(); err != nil {
		return 0, err
	}
	if err := crypto.ValidateAddress(address); err != nil {
		return 0, fmt.Errorf("%w: %v", engine.ErrInvalidAddress, err)
	}
	return l.store.Balance(address)
}

// GetWallet unlocks the wallet at address.
func (l *Ledger) GetWallet(ctx context.Context, address, passphrase string) (*engine.WalletKeys, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	rec, err := l.store.Wallet(address)
	if err != nil {
		return nil, err
	}
	key, err := l.unlock(ctx, rec, passphrase)
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	return &engine.WalletKeys{
		Address:    rec.Address,
		PublicKey:  rec.PublicKey,
		PrivateKey: key.Hex(),
	}, nil
}

// AddressForUser returns the wallet address of userID.
func (l *Ledger) AddressForUser(ctx context.Context, userID string) (string, error) {
	if err := l.ready(); err != nil {
		return "", err
	}
	return l.store.AddressForUser(userID)
}

// CreateTransaction builds and signs a transfer. It does not submit it.
func (l *Ledger) CreateTransaction(ctx context.Context, req engine.TxRequest) (*engine.Transaction, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	for _, addr := range []string{req.Sender, req.Recipient} {
		if err := crypto.ValidateAddress(addr); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidAddress, err)
		}
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: zero amount", engine.ErrInvalidTransaction)
	}

	rec, err := l.store.Wallet(req.Sender)
	if err != nil {
		return nil, err
	}
	key, err := l.unlock(ctx, rec, req.Passphrase)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	// State is read after the unlock: other tasks ran meanwhile.
	nonce, err := l.store.Nonce(req.Sender)
	if err != nil {
		return nil, err
	}
	queued, spent, err := l.store.pending(req.Sender)
	if err != nil {
		return nil, err
	}
	bal, err := l.store.Balance(req.Sender)
	if err != nil {
		return nil, err
	}
	cost := req.Amount + l.cfg.Fee
	if cost < req.Amount || bal < spent || bal-spent < cost {
		return nil, fmt.Errorf("%w: %s available, %s needed", engine.ErrInsufficientFunds, available(bal, spent), cost)
	}

	tx := &engine.Transaction{
		Type:      engine.TxTransfer,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Fee:       l.cfg.Fee,
		Memo:      req.Memo,
		Nonce:     nonce + queued + 1,
		Timestamp: l.now().Unix(),
	}
	if err := signTx(tx, key); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

func available(bal, spent engine.Amount) engine.Amount {
	if bal < spent {
		return 0
	}
	return bal - spent
}

// AddTransactionToMempool validates tx against confirmed and pending state
// and queues it. A transaction already queued returns false.
func (l *Ledger) AddTransactionToMempool(ctx context.Context, tx *engine.Transaction) (bool, error) {
	if err := l.ready(); err != nil {
		return false, err
	}
	if tx == nil {
		return false, fmt.Errorf("%w: nil transaction", engine.ErrInvalidTransaction)
	}
	if err := checkTransfer(tx); err != nil {
		return false, err
	}

	added, err := l.queue(tx)
	if err != nil || !added {
		return false, err
	}
	l.logger.Debug().Str("tx", tx.ID).Str("sender", tx.Sender).Msg("Transaction queued")
	l.subs.Emit(engine.Event{Type: engine.EventNewTransaction, Tx: tx})
	return true, nil
}

func (l *Ledger) queue(tx *engine.Transaction) (bool, error) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if dup, err := l.store.InMempool(tx.ID); err != nil {
		return false, err
	} else if dup {
		return false, nil
	}
	nonce, err := l.store.Nonce(tx.Sender)
	if err != nil {
		return false, err
	}
	queued, spent, err := l.store.pending(tx.Sender)
	if err != nil {
		return false, err
	}
	if want := nonce + queued + 1; tx.Nonce != want {
		return false, fmt.Errorf("%w: nonce %d, want %d", engine.ErrInvalidTransaction, tx.Nonce, want)
	}
	bal, err := l.store.Balance(tx.Sender)
	if err != nil {
		return false, err
	}
	if cost := tx.Amount + tx.Fee; bal < spent || bal-spent < cost {
		return false, fmt.Errorf("%w: %s available, %s needed", engine.ErrInsufficientFunds, available(bal, spent), cost)
	}
	if err := l.store.putMempool(tx); err != nil {
		return false, err
	}
	return true, nil
}

// GetTransactionsForAddress lists pending and confirmed transactions
// touching address, newest first.
func (l *Ledger) GetTransactionsForAddress(ctx context.Context, address string, limit int) ([]*engine.Transaction, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	if err := crypto.ValidateAddress(address); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInvalidAddress, err)
	}
	if limit <= 0 {
		limit = DefaultTxLimit
	}
	if limit > MaxTxLimit {
		limit = MaxTxLimit
	}
	return l.store.TransactionsFor(address, limit)
}

// Status summarises the ledger.
func (l *Ledger) Status(ctx context.Context) (*engine.Status, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	height, hash, ok, err := l.store.Tip()
	if err != nil {
		return nil, err
	}
	pool, err := l.store.Mempool()
	if err != nil {
		return nil, err
	}
	wallets, err := l.store.WalletCount()
	if err != nil {
		return nil, err
	}
	st := &engine.Status{
		Active:       true,
		NodeID:       l.cfg.NodeID,
		Height:       height,
		TipHash:      hash,
		MempoolSize:  len(pool),
		Wallets:      wallets,
		Difficulty:   l.cfg.Difficulty,
		Mining:       l.miner != nil,
		MinerAddress: l.minerAddr,
		NodeAddress:  l.nodeAddress,
		Reward:       Reward(height + 1),
	}
	if !ok {
		st.Message = "no genesis block"
		st.Reward = Reward(0)
	}
	return st, nil
}

// CreateGenesis mines block 0. It returns false if the chain already has
// one.
func (l *Ledger) CreateGenesis(ctx context.Context) (bool, error) {
	if err := l.ready(); err != nil {
		return false, err
	}
	if _, _, ok, err := l.store.Tip(); err != nil || ok {
		return false, err
	}
	b := &engine.Block{
		Height:     0,
		PrevHash:   ZeroHash,
		Timestamp:  l.now().Unix(),
		Difficulty: l.cfg.Difficulty,
	}
	if err := seal(ctx, b); err != nil {
		return false, err
	}
	if err := l.ApplyBlock(ctx, b); err != nil {
		if _, _, ok, _ := l.store.Tip(); ok {
			return false, nil
		}
		return false, err
	}
	l.logger.Info().Str("hash", b.Hash).Msg("Genesis block created")
	return true, nil
}

// ApplyBlock validates b against the tip and commits it.
func (l *Ledger) ApplyBlock(ctx context.Context, b *engine.Block) error {
	if err := l.ready(); err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("%w: nil block", engine.ErrInvalidBlock)
	}

	l.store.mu.Lock()
	st, err := l.validateBlock(b)
	if err == nil {
		err = l.store.commit(b, st)
	}
	l.store.mu.Unlock()
	if err != nil {
		return err
	}

	l.cfg.Metrics.SetHeight(b.Height)
	l.logger.Info().
		Uint64("height", b.Height).
		Str("hash", b.Hash).
		Int("txs", len(b.Transactions)).
		Msg("Block applied")
	l.subs.Emit(engine.Event{Type: engine.EventNewBlock, Block: b})
	return nil
}

// validateBlock must be called with the store mutex held.
func (l *Ledger) validateBlock(b *engine.Block) (*overlay, error) {
	height, hash, ok, err := l.store.Tip()
	if err != nil {
		return nil, err
	}
	if !ok {
		if b.Height != 0 || b.PrevHash != ZeroHash {
			return nil, fmt.Errorf("%w: expected genesis, got height %d", engine.ErrInvalidBlock, b.Height)
		}
	} else if b.Height != height+1 || b.PrevHash != hash {
		return nil, fmt.Errorf("%w: block %d does not extend tip %d", engine.ErrInvalidBlock, b.Height, height)
	}
	if b.Difficulty != l.cfg.Difficulty {
		return nil, fmt.Errorf("%w: difficulty %d, want %d", engine.ErrInvalidBlock, b.Difficulty, l.cfg.Difficulty)
	}
	if time.Unix(b.Timestamp, 0).After(l.now().Add(maxFutureDrift)) {
		return nil, fmt.Errorf("%w: timestamp too far in the future", engine.ErrInvalidBlock)
	}
	if !checkWork(b) {
		return nil, fmt.Errorf("%w: bad proof of work", engine.ErrInvalidBlock)
	}

	st := newOverlay(l.store)
	if b.Height == 0 {
		if len(b.Transactions) > 0 {
			return nil, fmt.Errorf("%w: genesis carries transactions", engine.ErrInvalidBlock)
		}
		return st, nil
	}
	if len(b.Transactions) == 0 || b.Transactions[0].Type != engine.TxCoinbase {
		return nil, fmt.Errorf("%w: missing coinbase", engine.ErrInvalidBlock)
	}
	cb := b.Transactions[0]
	if cb.Recipient != b.Miner || crypto.ValidateAddress(b.Miner) != nil {
		return nil, fmt.Errorf("%w: coinbase must pay a valid miner address", engine.ErrInvalidBlock)
	}
	if cb.ID != txID(cb) {
		return nil, fmt.Errorf("%w: coinbase id mismatch", engine.ErrInvalidBlock)
	}

	var fees engine.Amount
	seen := make(map[string]bool, len(b.Transactions))
	for _, tx := range b.Transactions[1:] {
		if seen[tx.ID] {
			return nil, fmt.Errorf("%w: duplicate transaction %s", engine.ErrInvalidBlock, tx.ID)
		}
		seen[tx.ID] = true
		if err := st.apply(tx); err != nil {
			return nil, fmt.Errorf("%w: transaction %s: %v", engine.ErrInvalidBlock, tx.ID, err)
		}
		fees += tx.Fee
	}
	if want := Reward(b.Height) + fees; cb.Amount != want {
		return nil, fmt.Errorf("%w: coinbase pays %s, want %s", engine.ErrInvalidBlock, cb.Amount, want)
	}
	if err := st.credit(b.Miner, cb.Amount); err != nil {
		return nil, err
	}
	return st, nil
}

// Subscribe registers cb for events of type t.
func (l *Ledger) Subscribe(t engine.EventType, cb func(engine.Event)) func() {
	return l.subs.Add(t, cb)
}

// NodeAddress returns the node wallet address, empty when there is none.
func (l *Ledger) NodeAddress() string { return l.nodeAddress }
