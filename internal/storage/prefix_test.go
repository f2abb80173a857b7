package storage

import (
	"errors"
	"testing"
)

func TestPrefixDB_Isolation(t *testing.T) {
	inner := NewMemory()
	a := NewPrefixDB(inner, []byte("a/"))
	b := NewPrefixDB(inner, []byte("b/"))

	if err := a.Put([]byte("k"), []byte("from-a")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := b.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("b.Get = %v, want ErrNotFound", err)
	}
	raw, err := inner.Get([]byte("a/k"))
	if err != nil {
		t.Fatalf("inner.Get: %v", err)
	}
	if string(raw) != "from-a" {
		t.Errorf("inner value = %q, want from-a", raw)
	}
}

func TestPrefixDB_ForEachStripsPrefix(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("sec/"))
	db.Put([]byte("mfa/alice"), []byte("1"))
	db.Put([]byte("mfa/bob"), []byte("2"))
	inner.Put([]byte("mfa/outside"), []byte("3"))

	var keys []string
	err := db.ForEach([]byte("mfa/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(keys) != 2 || keys[0] != "mfa/alice" || keys[1] != "mfa/bob" {
		t.Errorf("keys = %v, want [mfa/alice mfa/bob]", keys)
	}
}

func TestPrefixDB_Batch(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("p/"))
	db.Put([]byte("old"), []byte("x"))

	batch := db.NewBatch()
	batch.Put([]byte("new"), []byte("y"))
	batch.Delete([]byte("old"))
	if ok, _ := inner.Has([]byte("p/new")); ok {
		t.Fatal("batch write visible before Commit")
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ok, _ := inner.Has([]byte("p/new")); !ok {
		t.Error("p/new missing after Commit")
	}
	if ok, _ := inner.Has([]byte("p/old")); ok {
		t.Error("p/old still present after Commit")
	}
}
