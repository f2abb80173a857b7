package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/storage"
	"github.com/Klingon-tech/orignode/internal/wallet"
)

// Key prefixes and state keys.
var (
	prefixBlock   = []byte("blk/")   // blk/<height(8)> -> block JSON
	prefixBalance = []byte("bal/")   // bal/<address> -> amount(8)
	prefixNonce   = []byte("nonce/") // nonce/<address> -> last confirmed nonce(8)
	prefixMempool = []byte("mp/")    // mp/<txid> -> tx JSON
	prefixWallet  = []byte("wal/")   // wal/<address> -> wallet.Record JSON
	prefixUser    = []byte("usr/")   // usr/<userID> -> address
	prefixAddrTx  = []byte("atx/")   // atx/<address>/<height(8)><index(4)> -> tx JSON
	keyTip        = []byte("meta/tip")
)

func blockKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, prefixBlock...), height)
}

func keyWith(prefix []byte, s string) []byte {
	return append(append([]byte{}, prefix...), s...)
}

func addrTxPrefix(addr string) []byte {
	return append(keyWith(prefixAddrTx, addr), '/')
}

func addrTxKey(addr string, height uint64, idx uint32) []byte {
	k := binary.BigEndian.AppendUint64(addrTxPrefix(addr), height)
	return binary.BigEndian.AppendUint32(k, idx)
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// Store is the persistent ledger state. It is shared by every engine built
// over the same database; writers serialise on its mutex.
type Store struct {
	db storage.DB
	mu sync.Mutex
}

// NewStore wraps db.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database.
func (s *Store) DB() storage.DB { return s.db }

// Sync flushes the database to disk.
func (s *Store) Sync() error { return storage.Sync(s.db) }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

type tipRecord struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// Tip returns the current chain tip. ok is false before genesis.
func (s *Store) Tip() (height uint64, hash string, ok bool, err error) {
	data, err := s.db.Get(keyTip)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("read tip: %w", err)
	}
	var tip tipRecord
	if err := json.Unmarshal(data, &tip); err != nil {
		return 0, "", false, fmt.Errorf("decode tip: %w", err)
	}
	return tip.Height, tip.Hash, true, nil
}

// Block returns the block at height.
func (s *Store) Block(height uint64) (*engine.Block, error) {
	data, err := s.db.Get(blockKey(height))
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", height, err)
	}
	var b engine.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", height, err)
	}
	return &b, nil
}

func (s *Store) getUint64(key []byte) (uint64, error) {
	data, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("key %q: corrupt value of %d bytes", key, len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// Balance returns the confirmed balance of addr.
func (s *Store) Balance(addr string) (engine.Amount, error) {
	v, err := s.getUint64(keyWith(prefixBalance, addr))
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", addr, err)
	}
	return engine.Amount(v), nil
}

// Nonce returns the last confirmed nonce of addr.
func (s *Store) Nonce(addr string) (uint64, error) {
	v, err := s.getUint64(keyWith(prefixNonce, addr))
	if err != nil {
		return 0, fmt.Errorf("nonce %s: %w", addr, err)
	}
	return v, nil
}

// Wallet returns the wallet record stored for addr.
func (s *Store) Wallet(addr string) (*wallet.Record, error) {
	data, err := s.db.Get(keyWith(prefixWallet, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, engine.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", addr, err)
	}
	var rec wallet.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode wallet %s: %w", addr, err)
	}
	return &rec, nil
}

// AddressForUser returns the wallet address owned by userID.
func (s *Store) AddressForUser(userID string) (string, error) {
	data, err := s.db.Get(keyWith(prefixUser, userID))
	if errors.Is(err, storage.ErrNotFound) {
		return "", engine.ErrWalletNotFound
	}
	if err != nil {
		return "", fmt.Errorf("user %s: %w", userID, err)
	}
	return string(data), nil
}

// PutWallet stores rec and indexes it by user. It fails with
// engine.ErrWalletExists if the user already owns a wallet.
func (s *Store) PutWallet(rec *wallet.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok, err := s.db.Has(keyWith(prefixUser, rec.UserID)); err != nil {
		return fmt.Errorf("check user %s: %w", rec.UserID, err)
	} else if ok {
		return engine.ErrWalletExists
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode wallet: %w", err)
	}
	batch := storage.NewBatch(s.db)
	if err := batch.Put(keyWith(prefixWallet, rec.Address), data); err != nil {
		return err
	}
	if err := batch.Put(keyWith(prefixUser, rec.UserID), []byte(rec.Address)); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("store wallet: %w", err)
	}
	return nil
}

// WalletCount returns the number of stored wallets.
func (s *Store) WalletCount() (int, error) {
	n := 0
	err := s.db.ForEach(prefixWallet, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// Wallets returns every stored wallet record.
func (s *Store) Wallets() ([]*wallet.Record, error) {
	var out []*wallet.Record
	err := s.db.ForEach(prefixWallet, func(_, value []byte) error {
		var rec wallet.Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode wallet: %w", err)
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}

// Mempool returns pending transactions ordered by timestamp, sender and
// nonce.
func (s *Store) Mempool() ([]*engine.Transaction, error) {
	var txs []*engine.Transaction
	err := s.db.ForEach(prefixMempool, func(_, value []byte) error {
		var tx engine.Transaction
		if err := json.Unmarshal(value, &tx); err != nil {
			return fmt.Errorf("decode mempool entry: %w", err)
		}
		txs = append(txs, &tx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.Sender != b.Sender {
			return a.Sender < b.Sender
		}
		return a.Nonce < b.Nonce
	})
	return txs, nil
}

// InMempool reports whether a transaction with id is pending.
func (s *Store) InMempool(id string) (bool, error) {
	return s.db.Has(keyWith(prefixMempool, id))
}

// pending sums what sender has queued in the mempool.
func (s *Store) pending(sender string) (count uint64, spent engine.Amount, err error) {
	txs, err := s.Mempool()
	if err != nil {
		return 0, 0, err
	}
	for _, tx := range txs {
		if tx.Sender == sender {
			count++
			spent += tx.Amount + tx.Fee
		}
	}
	return count, spent, nil
}

// TransactionsFor returns pending transactions touching addr, then confirmed
// ones newest first, up to limit.
func (s *Store) TransactionsFor(addr string, limit int) ([]*engine.Transaction, error) {
	var out []*engine.Transaction
	pool, err := s.Mempool()
	if err != nil {
		return nil, err
	}
	for _, tx := range pool {
		if tx.Sender == addr || tx.Recipient == addr {
			out = append(out, tx)
		}
	}

	var confirmed []*engine.Transaction
	err = s.db.ForEach(addrTxPrefix(addr), func(_, value []byte) error {
		var tx engine.Transaction
		if err := json.Unmarshal(value, &tx); err != nil {
			return fmt.Errorf("decode address index: %w", err)
		}
		confirmed = append(confirmed, &tx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := len(confirmed) - 1; i >= 0; i-- {
		out = append(out, confirmed[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// putMempool stores tx as pending.
func (s *Store) putMempool(tx *engine.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	return s.db.Put(keyWith(prefixMempool, tx.ID), data)
}

// commit writes b and the state it produces in one batch.
func (s *Store) commit(b *engine.Block, st *overlay) error {
	batch := storage.NewBatch(s.db)

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	if err := batch.Put(blockKey(b.Height), data); err != nil {
		return err
	}
	tip, _ := json.Marshal(tipRecord{Height: b.Height, Hash: b.Hash})
	if err := batch.Put(keyTip, tip); err != nil {
		return err
	}

	for addr, bal := range st.balances {
		if err := batch.Put(keyWith(prefixBalance, addr), encodeUint64(uint64(bal))); err != nil {
			return err
		}
	}
	for addr, n := range st.nonces {
		if err := batch.Put(keyWith(prefixNonce, addr), encodeUint64(n)); err != nil {
			return err
		}
	}

	for i, tx := range b.Transactions {
		confirmed := *tx
		confirmed.BlockHeight = b.Height
		txData, err := json.Marshal(&confirmed)
		if err != nil {
			return fmt.Errorf("encode transaction %s: %w", tx.ID, err)
		}
		for _, addr := range []string{tx.Sender, tx.Recipient} {
			if addr == "" {
				continue
			}
			if err := batch.Put(addrTxKey(addr, b.Height, uint32(i)), txData); err != nil {
				return err
			}
		}
		if err := batch.Delete(keyWith(prefixMempool, tx.ID)); err != nil {
			return err
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit block %d: %w", b.Height, err)
	}
	return nil
}

// dropMempool removes transactions that can no longer be mined.
func (s *Store) dropMempool(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := storage.NewBatch(s.db)
	for _, id := range ids {
		if err := batch.Delete(keyWith(prefixMempool, id)); err != nil {
			return err
		}
	}
	return batch.Commit()
}
