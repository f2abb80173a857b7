// Package wallet derives, seals and unlocks wallet keys.
//
// A wallet is a BIP-39 mnemonic sealed under the owner's passphrase. Its
// signing key is the BIP-32 child at m/44'/CoinType'/0'/0/0.
package wallet

import (
	"fmt"

	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/Klingon-tech/orignode/pkg/crypto"
)

// BIP-44 path components.
const (
	Purpose  = bip32.FirstHardenedChild + 44
	CoinType = bip32.FirstHardenedChild + 8333
)

// MnemonicEntropyBits gives 24-word mnemonics.
const MnemonicEntropyBits = 256

// NewMnemonic creates a 24-word BIP-39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	m, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return m, nil
}

// DeriveKey returns the signing key at m/44'/CoinType'/account'/0/index.
func DeriveKey(mnemonic string, account, index uint32) (*crypto.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("derive seed: %w", err)
	}
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	for _, idx := range []uint32{Purpose, CoinType, bip32.FirstHardenedChild + account, 0, index} {
		if key, err = key.NewChildKey(idx); err != nil {
			return nil, fmt.Errorf("derive child %d: %w", idx, err)
		}
	}
	// bip32 prefixes private keys with a zero byte.
	raw := key.Key
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	return crypto.PrivateKeyFromBytes(raw)
}
