// Package keyrotation periodically replaces the node's signing key and
// publishes the current public key over HTTP.
//
// Each new key is endorsed by the key it replaces: the previous key signs
// the digest of the node id, the new public key and its creation time. The
// first key of a process carries no endorsement.
package keyrotation

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/loop"
	"github.com/Klingon-tech/orignode/internal/metrics"
	"github.com/Klingon-tech/orignode/pkg/crypto"
)

// DefaultInterval is the rotation period when none is configured.
const DefaultInterval = 24 * time.Hour

// historySize is how many retired public keys are kept.
const historySize = 16

// Key is the public view of a rotation key.
type Key struct {
	ID          string    `json:"id" yaml:"id"`
	NodeID      string    `json:"node_id" yaml:"node_id"`
	PublicKey   string    `json:"public_key" yaml:"public_key"`
	Address     string    `json:"address" yaml:"address"`
	Validator   bool      `json:"validator" yaml:"validator"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	ExpiresAt   time.Time `json:"expires_at" yaml:"expires_at"`
	PreviousID  string    `json:"previous_id,omitempty" yaml:"previous_id,omitempty"`
	Endorsement string    `json:"endorsement,omitempty" yaml:"endorsement,omitempty"`
}

// Config configures a Manager.
type Config struct {
	NodeID    string
	Validator bool
	Interval  time.Duration
	Metrics   *metrics.SecurityMetrics
}

// Manager owns the current rotation key.
type Manager struct {
	nodeID    string
	validator bool
	interval  time.Duration
	metrics   *metrics.SecurityMetrics
	now       func() time.Time

	mu      sync.RWMutex
	priv    *crypto.PrivateKey
	current *Key
	history []Key
}

// NewManager creates a manager without a key; Rotate or Run creates one.
func NewManager(cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Manager{
		nodeID:    cfg.NodeID,
		validator: cfg.Validator,
		interval:  cfg.Interval,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// endorsementDigest is what the previous key signs for the next one.
func endorsementDigest(nodeID, pubKeyHex string, created time.Time) []byte {
	buf := make([]byte, 0, len(nodeID)+len(pubKeyHex)+8)
	buf = append(buf, nodeID...)
	buf = append(buf, pubKeyHex...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(created.Unix()))
	h := crypto.Hash(buf)
	return h[:]
}

// Rotate generates a new key, endorses it with the current one and retires
// the current one.
func (m *Manager) Rotate() (*Key, error) {
	next, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	key := &Key{
		ID:        uuid.NewString(),
		NodeID:    m.nodeID,
		PublicKey: next.PublicKeyHex(),
		Address:   next.Address(),
		Validator: m.validator,
		CreatedAt: now,
		ExpiresAt: now.Add(m.interval),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.priv != nil {
		sig, err := m.priv.Sign(endorsementDigest(m.nodeID, key.PublicKey, now))
		if err != nil {
			next.Zero()
			return nil, fmt.Errorf("endorse rotation key: %w", err)
		}
		key.PreviousID = m.current.ID
		key.Endorsement = hex.EncodeToString(sig)

		m.history = append(m.history, *m.current)
		if len(m.history) > historySize {
			m.history = m.history[len(m.history)-historySize:]
		}
		m.priv.Zero()
	}
	m.priv = next
	m.current = key
	m.metrics.Rotation()

	log.Security.Info().
		Str("key_id", key.ID).
		Str("address", key.Address).
		Time("expires", key.ExpiresAt).
		Msg("Rotated node key")
	out := *key
	return &out, nil
}

// Current returns the current key, or nil before the first rotation.
func (m *Manager) Current() *Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	out := *m.current
	return &out
}

// History returns retired keys, oldest first.
func (m *Manager) History() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Key(nil), m.history...)
}

// Verify checks that next is endorsed by prev.
func Verify(prev, next *Key) bool {
	if prev == nil || next == nil || next.PreviousID != prev.ID || next.NodeID != prev.NodeID {
		return false
	}
	return crypto.VerifyHex(endorsementDigest(next.NodeID, next.PublicKey, next.CreatedAt), next.Endorsement, prev.PublicKey)
}

// Run rotates once at start and then every interval until ctx ends. On an
// event loop it sleeps without holding the loop.
func (m *Manager) Run(ctx context.Context) error {
	if m.Current() == nil {
		if _, err := m.Rotate(); err != nil {
			return err
		}
	}
	for {
		if err := loop.Sleep(ctx, m.interval); err != nil {
			log.Security.Debug().Msg("Key rotation stopped")
			return nil
		}
		if _, err := m.Rotate(); err != nil {
			log.Security.Error().Err(err).Msg("Key rotation failed")
		}
	}
}

// Close wipes the private key.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.priv != nil {
		m.priv.Zero()
		m.priv = nil
	}
}
