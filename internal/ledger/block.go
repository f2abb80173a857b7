package ledger

import (
	"encoding/hex"
	"strings"

	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/pkg/crypto"
)

// Chain parameters.
const (
	InitialReward   = 50 * engine.Coin
	HalvingInterval = 210_000
	// MaxBlockTxs bounds the transfers a mined block carries.
	MaxBlockTxs = 500
)

// ZeroHash is the previous hash of the genesis block.
var ZeroHash = strings.Repeat("0", 2*crypto.HashSize)

// Reward returns the coinbase subsidy at height.
func Reward(height uint64) engine.Amount {
	halvings := height / HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return InitialReward >> halvings
}

// merkleRoot pairs transaction ids up to a single root, duplicating the last
// element of odd layers. No transactions give a zero root.
func merkleRoot(txs []*engine.Transaction) [crypto.HashSize]byte {
	if len(txs) == 0 {
		return [crypto.HashSize]byte{}
	}
	level := make([][crypto.HashSize]byte, len(txs))
	for i, tx := range txs {
		level[i] = crypto.Hash([]byte(tx.ID))
	}
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([][crypto.HashSize]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.Hash(append(level[i][:], level[i+1][:]...))
		}
		level = next
	}
	return level[0]
}

// headerPrefix is the hashed header without the nonce.
func headerPrefix(b *engine.Block) []byte {
	var e encoder
	e.u64(b.Height)
	e.str(b.PrevHash)
	e.u64(uint64(b.Timestamp))
	e = append(e, b.Difficulty)
	e.str(b.Miner)
	root := merkleRoot(b.Transactions)
	return append(e, root[:]...)
}

func hashWithNonce(prefix []byte, nonce uint64) [crypto.HashSize]byte {
	e := encoder(prefix)
	e.u64(nonce)
	return crypto.Hash(e)
}

// blockHash recomputes the hash of b from its contents.
func blockHash(b *engine.Block) string {
	h := hashWithNonce(headerPrefix(b), b.Nonce)
	return hex.EncodeToString(h[:])
}
