package store

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStoreGetMutate(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Get([]byte("a")); err != nil || ok {
		t.Fatalf("Get on empty store: ok=%v err=%v", ok, err)
	}

	if err := s.Mutate([]KV{{Key: []byte("a"), Value: []byte("1")}}, true); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	v, ok, err := s.Get([]byte("a"))
	if err != nil || !ok || !bytes.Equal(v, []byte("1")) {
		t.Fatalf("Get after Mutate: v=%q ok=%v err=%v", v, ok, err)
	}

	if err := s.Mutate([]KV{{Key: []byte("a"), Value: nil}}, true); err != nil {
		t.Fatalf("Mutate delete: %v", err)
	}
	if _, ok, _ := s.Get([]byte("a")); ok {
		t.Fatalf("expected a to be deleted")
	}
}

func TestBoltStoreSnapshotIsolation(t *testing.T) {
	s := openTestStore(t)
	if err := s.Mutate([]KV{{Key: []byte("k1"), Value: []byte("v1")}}, true); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	snap := s.Snapshot()
	defer snap.Close()

	if err := s.Mutate([]KV{{Key: []byte("k2"), Value: []byte("v2")}}, true); err != nil {
		t.Fatalf("Mutate after snapshot: %v", err)
	}

	if _, ok := snap.Get([]byte("k2")); ok {
		t.Fatalf("snapshot observed a write made after it was taken")
	}
	if v, ok := snap.Get([]byte("k1")); !ok || !bytes.Equal(v, []byte("v1")) {
		t.Fatalf("snapshot missing pre-existing key: v=%q ok=%v", v, ok)
	}
}

func TestBoltStoreScanPrefixAndRemoveRange(t *testing.T) {
	s := openTestStore(t)
	writes := []KV{
		{Key: []byte("sm/a"), Value: []byte("1")},
		{Key: []byte("sm/b"), Value: []byte("2")},
		{Key: []byte("meta/x"), Value: []byte("3")},
	}
	if err := s.Mutate(writes, true); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	snap := s.Snapshot()
	var got []string
	snap.ScanPrefix([]byte("sm/"), func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	})
	snap.Close()
	if len(got) != 2 || got[0] != "sm/a" || got[1] != "sm/b" {
		t.Fatalf("ScanPrefix returned %v", got)
	}

	if err := s.RemoveRange([]byte("sm/")); err != nil {
		t.Fatalf("RemoveRange: %v", err)
	}
	if _, ok, _ := s.Get([]byte("sm/a")); ok {
		t.Fatalf("expected sm/a removed")
	}
	if _, ok, _ := s.Get([]byte("meta/x")); !ok {
		t.Fatalf("expected meta/x to survive RemoveRange")
	}
}
