package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/pkg/crypto"
)

// MaxMemoLength bounds the free-text memo of a transfer.
const MaxMemoLength = 256

// encoder builds length-prefixed canonical byte strings for hashing.
type encoder []byte

func (e *encoder) str(s string) {
	*e = binary.BigEndian.AppendUint32(*e, uint32(len(s)))
	*e = append(*e, s...)
}

func (e *encoder) u64(v uint64) {
	*e = binary.BigEndian.AppendUint64(*e, v)
}

// signingDigest is the digest a transfer's signature covers. ID, signature
// and block height are excluded.
func signingDigest(tx *engine.Transaction) []byte {
	var e encoder
	e.str(string(tx.Type))
	e.str(tx.Sender)
	e.str(tx.Recipient)
	e.u64(uint64(tx.Amount))
	e.u64(uint64(tx.Fee))
	e.str(tx.Memo)
	e.u64(tx.Nonce)
	e.u64(uint64(tx.Timestamp))
	e.str(tx.PubKey)
	h := crypto.Hash(e)
	return h[:]
}

// txID commits to the signed content and the signature.
func txID(tx *engine.Transaction) string {
	e := encoder(signingDigest(tx))
	e.str(tx.Signature)
	return crypto.HashHex(e)
}

// signTx fills PubKey, Signature and ID.
func signTx(tx *engine.Transaction, key *crypto.PrivateKey) error {
	tx.PubKey = key.PublicKeyHex()
	sig, err := key.Sign(signingDigest(tx))
	if err != nil {
		return err
	}
	tx.Signature = hex.EncodeToString(sig)
	tx.ID = txID(tx)
	return nil
}

func newCoinbase(miner string, amount engine.Amount, height uint64, ts int64) *engine.Transaction {
	tx := &engine.Transaction{
		Type:      engine.TxCoinbase,
		Recipient: miner,
		Amount:    amount,
		Nonce:     height,
		Timestamp: ts,
	}
	tx.ID = txID(tx)
	return tx
}

// checkTransfer validates a transfer on its own, without looking at state.
func checkTransfer(tx *engine.Transaction) error {
	if tx.Type != engine.TxTransfer {
		return fmt.Errorf("%w: unexpected type %q", engine.ErrInvalidTransaction, tx.Type)
	}
	if err := crypto.ValidateAddress(tx.Sender); err != nil {
		return fmt.Errorf("%w: sender: %v", engine.ErrInvalidTransaction, err)
	}
	if err := crypto.ValidateAddress(tx.Recipient); err != nil {
		return fmt.Errorf("%w: recipient: %v", engine.ErrInvalidTransaction, err)
	}
	if tx.Amount == 0 {
		return fmt.Errorf("%w: zero amount", engine.ErrInvalidTransaction)
	}
	if tx.Amount+tx.Fee < tx.Amount {
		return fmt.Errorf("%w: amount overflows", engine.ErrInvalidTransaction)
	}
	if len(tx.Memo) > MaxMemoLength {
		return fmt.Errorf("%w: memo longer than %d bytes", engine.ErrInvalidTransaction, MaxMemoLength)
	}
	pub, err := hex.DecodeString(tx.PubKey)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", engine.ErrInvalidTransaction, err)
	}
	if crypto.AddressFromPubKey(pub) != tx.Sender {
		return fmt.Errorf("%w: public key does not match sender", engine.ErrInvalidTransaction)
	}
	if !crypto.VerifyHex(signingDigest(tx), tx.Signature, tx.PubKey) {
		return fmt.Errorf("%w: bad signature", engine.ErrInvalidTransaction)
	}
	if tx.ID != txID(tx) {
		return fmt.Errorf("%w: id mismatch", engine.ErrInvalidTransaction)
	}
	return nil
}
