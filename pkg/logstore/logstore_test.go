package logstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendLoadGet(t *testing.T) {
	dir := t.TempDir()
	ls, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ls.Close()

	for i := 1; i <= 3; i++ {
		e, err := ls.Append(1, []byte{byte(i)}, nil, int64(i))
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if e.Index != uint64(i) {
			t.Fatalf("Append %d: got index %d", i, e.Index)
		}
	}

	if got := ls.LastIndex(); got != 3 {
		t.Fatalf("LastIndex = %d, want 3", got)
	}

	entries, err := ls.Load(0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Load returned %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Index != uint64(i+1) || !bytes.Equal(e.Writes, []byte{byte(i + 1)}) {
			t.Fatalf("entry %d mismatch: %+v", i, e)
		}
	}

	e, ok := ls.Get(2)
	if !ok || e.Index != 2 {
		t.Fatalf("Get(2) = %+v, %v", e, ok)
	}
}

func TestReopenRecoversEntries(t *testing.T) {
	dir := t.TempDir()
	ls, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := ls.Append(1, []byte("a"), nil, 1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := ls.Append(2, []byte("b"), nil, 2); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := ls.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ls2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ls2.Close()

	if got := ls2.LastIndex(); got != 2 {
		t.Fatalf("LastIndex after reopen = %d, want 2", got)
	}
	if got := ls2.LastTerm(); got != 2 {
		t.Fatalf("LastTerm after reopen = %d, want 2", got)
	}
	entries, err := ls2.Load(0)
	if err != nil || len(entries) != 2 {
		t.Fatalf("Load after reopen: %v, %d entries", err, len(entries))
	}
}

func TestDeleteTruncatesTail(t *testing.T) {
	dir := t.TempDir()
	ls, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ls.Close()

	for i := 1; i <= 5; i++ {
		if _, err := ls.Append(1, nil, nil, int64(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := ls.Delete(3); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := ls.LastIndex(); got != 2 {
		t.Fatalf("LastIndex after Delete(3) = %d, want 2", got)
	}
	if _, ok := ls.Get(3); ok {
		t.Fatalf("entry 3 should have been deleted")
	}
}

func TestOpenIgnoresLeftoverTempFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "log-0000000000000000001-0000000000000000001.bin.tmp-1"), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	ls, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ls.Close()

	if got := ls.LastIndex(); got != 0 {
		t.Fatalf("LastIndex = %d, want 0 (temp file should be ignored)", got)
	}
	remaining, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected temp file to be cleaned up, found %v", remaining)
	}
}
