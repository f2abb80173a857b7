package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// PrivateKey is a secp256k1 key signing with BIP-340 style Schnorr.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey creates a new random key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes wraps a 32-byte scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

// Sign signs a 32-byte digest.
func (pk *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != HashSize {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", HashSize, len(digest))
	}
	sig, err := schnorr.Sign(pk.key, digest)
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// PublicKey returns the compressed 33-byte public key.
func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

// PublicKeyHex returns the compressed public key hex encoded.
func (pk *PrivateKey) PublicKeyHex() string {
	return hex.EncodeToString(pk.PublicKey())
}

// Hex returns the private scalar hex encoded.
func (pk *PrivateKey) Hex() string {
	return hex.EncodeToString(pk.key.Serialize())
}

// Address returns the address of the key's public key.
func (pk *PrivateKey) Address() string {
	return AddressFromPubKey(pk.PublicKey())
}

// Zero wipes the key from memory.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// Verify checks a Schnorr signature over digest against a compressed public
// key. Any parse failure counts as an invalid signature.
func Verify(digest, signature, publicKey []byte) bool {
	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(digest, pub)
}

// VerifyHex is Verify over hex encoded inputs.
func VerifyHex(digest []byte, signatureHex, publicKeyHex string) bool {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false
	}
	return Verify(digest, sig, pub)
}
