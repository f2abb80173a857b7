// Package crypto provides the hashing, signing and address primitives used by
// the ledger and the key rotation service.
package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3-256 digest.
const HashSize = 32

// AddressPrefix starts every address string.
const AddressPrefix = "orig"

const (
	addressHashSize = 20
	checksumSize    = 4
)

// ErrBadAddress is returned for malformed addresses.
var ErrBadAddress = errors.New("malformed address")

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) [HashSize]byte {
	return blake3.Sum256(data)
}

// HashHex returns the hex encoded BLAKE3-256 hash of data.
func HashHex(data []byte) string {
	h := Hash(data)
	return hex.EncodeToString(h[:])
}

// AddressFromPubKey derives an address from a compressed public key:
// prefix + base58(BLAKE3(pubkey)[:20] || checksum), where the checksum is the
// first four bytes of the hash of the payload.
func AddressFromPubKey(pubKey []byte) string {
	h := Hash(pubKey)
	payload := h[:addressHashSize]
	sum := Hash(payload)
	raw := append(append([]byte{}, payload...), sum[:checksumSize]...)
	return AddressPrefix + base58.Encode(raw)
}

// ValidateAddress checks the prefix, encoding and checksum of addr.
func ValidateAddress(addr string) error {
	body, ok := strings.CutPrefix(addr, AddressPrefix)
	if !ok {
		return fmt.Errorf("%w: missing %q prefix", ErrBadAddress, AddressPrefix)
	}
	raw, err := base58.Decode(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	if len(raw) != addressHashSize+checksumSize {
		return fmt.Errorf("%w: decoded length %d", ErrBadAddress, len(raw))
	}
	sum := Hash(raw[:addressHashSize])
	if !bytes.Equal(sum[:checksumSize], raw[addressHashSize:]) {
		return fmt.Errorf("%w: checksum mismatch", ErrBadAddress)
	}
	return nil
}

// LeadingZeroBits counts the leading zero bits of h.
func LeadingZeroBits(h []byte) int {
	n := 0
	for _, b := range h {
		if b == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask != 0 && b&mask == 0; mask >>= 1 {
			n++
		}
		break
	}
	return n
}
