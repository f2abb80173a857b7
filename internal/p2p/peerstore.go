package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/orignode/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	staleThreshold    = 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 200
)

// PeerRecord is a persisted peer entry.
type PeerRecord struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"`
	Source   string   `json:"source"`
}

// PeerStore remembers peers across restarts so a node can rejoin without
// waiting for discovery. Keys are peer IDs; the DB is expected to be a
// namespace of the node database.
type PeerStore struct {
	db storage.DB
}

// NewPeerStore returns a store over db.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{db: db}
}

// Save writes rec. New peers are ignored once the store is full.
func (ps *PeerStore) Save(rec PeerRecord) error {
	key := []byte(rec.ID)
	exists, err := ps.db.Has(key)
	if err != nil {
		return fmt.Errorf("check peer %s: %w", rec.ID, err)
	}
	if !exists {
		n, err := ps.Count()
		if err != nil {
			return err
		}
		if n >= maxPersistedPeers {
			return nil
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode peer %s: %w", rec.ID, err)
	}
	return ps.db.Put(key, data)
}

// LoadAll returns every record that decodes.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var out []PeerRecord
	err := ps.db.ForEach(nil, func(_, value []byte) error {
		var rec PeerRecord
		if json.Unmarshal(value, &rec) == nil {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}
	return out, nil
}

// Forget removes id.
func (ps *PeerStore) Forget(id peer.ID) error {
	return ps.db.Delete([]byte(id.String()))
}

// PruneStale drops records last seen before now-threshold, and records that
// no longer decode. It returns how many were removed.
func (ps *PeerStore) PruneStale(now time.Time, threshold time.Duration) (int, error) {
	cutoff := now.Add(-threshold).Unix()
	var stale [][]byte
	err := ps.db.ForEach(nil, func(key, value []byte) error {
		var rec PeerRecord
		if json.Unmarshal(value, &rec) != nil || rec.LastSeen < cutoff {
			stale = append(stale, append([]byte{}, key...))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan peers: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	batch := storage.NewBatch(ps.db)
	for _, k := range stale {
		if err := batch.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(); err != nil {
		return 0, fmt.Errorf("prune peers: %w", err)
	}
	return len(stale), nil
}

// Count returns the number of stored records.
func (ps *PeerStore) Count() (int, error) {
	n := 0
	err := ps.db.ForEach(nil, func(_, _ []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return n, nil
}
