package storage

// PrefixDB namespaces a DB under a fixed key prefix. The security subsystem
// keeps its records in the ledger database this way.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB wraps inner so that every key is stored under prefix.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	return &PrefixDB{inner: inner, prefix: append([]byte{}, prefix...)}
}

func (p *PrefixDB) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	return append(append(out, p.prefix...), k...)
}

// Get retrieves a value by key.
func (p *PrefixDB) Get(key []byte) ([]byte, error) { return p.inner.Get(p.key(key)) }

// Put stores a key-value pair.
func (p *PrefixDB) Put(key, value []byte) error { return p.inner.Put(p.key(key), value) }

// Delete removes a key.
func (p *PrefixDB) Delete(key []byte) error { return p.inner.Delete(p.key(key)) }

// Has checks if a key exists.
func (p *PrefixDB) Has(key []byte) (bool, error) { return p.inner.Has(p.key(key)) }

// ForEach iterates the namespace; keys are passed to fn without the prefix.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return p.inner.ForEach(p.key(prefix), func(key, value []byte) error {
		return fn(key[len(p.prefix):], value)
	})
}

// NewBatch returns a batch on the inner store with keys rewritten.
func (p *PrefixDB) NewBatch() Batch {
	return &prefixBatch{inner: NewBatch(p.inner), db: p}
}

// Sync flushes the inner store.
func (p *PrefixDB) Sync() error { return Sync(p.inner) }

// Close is a no-op; the inner DB owns its lifecycle.
func (p *PrefixDB) Close() error { return nil }

type prefixBatch struct {
	inner Batch
	db    *PrefixDB
}

func (pb *prefixBatch) Put(key, value []byte) error { return pb.inner.Put(pb.db.key(key), value) }
func (pb *prefixBatch) Delete(key []byte) error     { return pb.inner.Delete(pb.db.key(key)) }
func (pb *prefixBatch) Commit() error               { return pb.inner.Commit() }
