package ledger

import (
	"context"
	"encoding/hex"

	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/loop"
	"github.com/Klingon-tech/orignode/pkg/crypto"
)

// yieldEvery is how many nonces are tried between yields to the event loop.
const yieldEvery = 4096

// seal searches for a nonce giving b a hash with at least b.Difficulty
// leading zero bits. It yields to the loop regularly and stops when ctx ends.
func seal(ctx context.Context, b *engine.Block) error {
	prefix := headerPrefix(b)
	for nonce := uint64(0); ; nonce++ {
		if nonce%yieldEvery == 0 && nonce > 0 {
			loop.Yield(ctx)
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		h := hashWithNonce(prefix, nonce)
		if crypto.LeadingZeroBits(h[:]) >= int(b.Difficulty) {
			b.Nonce = nonce
			b.Hash = hex.EncodeToString(h[:])
			return nil
		}
	}
}

// checkWork verifies b's hash and proof of work.
func checkWork(b *engine.Block) bool {
	if blockHash(b) != b.Hash {
		return false
	}
	raw, err := hex.DecodeString(b.Hash)
	if err != nil {
		return false
	}
	return crypto.LeadingZeroBits(raw) >= int(b.Difficulty)
}
