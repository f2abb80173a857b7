package p2p

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// LoadOrCreateIdentity reads the hex encoded ed25519 key at path, creating
// it on first use. The derived peer ID is the node's identifier.
func LoadOrCreateIdentity(path string) (libp2pcrypto.PrivKey, peer.ID, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, "", fmt.Errorf("decode node key %s: %w", path, err)
		}
		priv, err := libp2pcrypto.UnmarshalEd25519PrivateKey(raw)
		if err != nil {
			return nil, "", fmt.Errorf("parse node key %s: %w", path, err)
		}
		return withID(priv)
	case !errors.Is(err, os.ErrNotExist):
		return nil, "", fmt.Errorf("read node key: %w", err)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate node key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, "", fmt.Errorf("marshal node key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, "", fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, "", fmt.Errorf("save node key: %w", err)
	}
	return withID(priv)
}

func withID(priv libp2pcrypto.PrivKey) (libp2pcrypto.PrivKey, peer.ID, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("derive peer id: %w", err)
	}
	return priv, id, nil
}
