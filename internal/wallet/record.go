package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/orignode/pkg/crypto"
)

// Record is the persisted form of a wallet. Only the sealed mnemonic is
// secret; the rest is public.
type Record struct {
	Address   string `json:"address"`
	UserID    string `json:"user_id"`
	PublicKey string `json:"public_key"`
	Sealed    []byte `json:"sealed"`
	CreatedAt int64  `json:"created_at"`
}

// ErrEmptyPassphrase is returned when creating a wallet without a passphrase.
var ErrEmptyPassphrase = errors.New("passphrase must not be empty")

// NewRecord creates a wallet for userID sealed under passphrase.
func NewRecord(userID, passphrase string, kdf KDFParams) (*Record, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	mnemonic, err := NewMnemonic()
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(mnemonic, 0, 0)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	sealed, err := Seal([]byte(mnemonic), []byte(passphrase), kdf)
	if err != nil {
		return nil, fmt.Errorf("seal wallet: %w", err)
	}
	return &Record{
		Address:   key.Address(),
		UserID:    userID,
		PublicKey: key.PublicKeyHex(),
		Sealed:    sealed,
		CreatedAt: time.Now().Unix(),
	}, nil
}

// Unlock opens the record and returns its signing key. The caller must Zero
// the key when done.
func (r *Record) Unlock(passphrase string) (*crypto.PrivateKey, error) {
	plain, err := Open(r.Sealed, []byte(passphrase))
	if err != nil {
		return nil, err
	}
	defer wipe(plain)

	key, err := DeriveKey(string(plain), 0, 0)
	if err != nil {
		return nil, err
	}
	if key.Address() != r.Address {
		key.Zero()
		return nil, fmt.Errorf("wallet %s: derived key does not match address", r.Address)
	}
	return key, nil
}
