package storage

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"testing"
)

// backends returns a fresh instance of every DB implementation, including
// prefix views over each of them.
func backends(t *testing.T) map[string]DB {
	t.Helper()
	open := func() *BadgerDB {
		db, err := NewBadger(t.TempDir())
		if err != nil {
			t.Fatalf("NewBadger() error: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	}
	inMemory, err := NewBadgerInMemory()
	if err != nil {
		t.Fatalf("NewBadgerInMemory() error: %v", err)
	}
	t.Cleanup(func() { inMemory.Close() })
	return map[string]DB{
		"memory":        NewMemory(),
		"badger":        open(),
		"badger/memory": inMemory,
		"prefix/memory": NewPrefixDB(NewMemory(), []byte("w/test/")),
		"prefix/badger": NewPrefixDB(open(), []byte("w/test/")),
	}
}

func TestDB_Conformance(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			testDB(t, db)
		})
	}
}

func testDB(t *testing.T, db DB) {
	t.Helper()
	mustPut := func(k, v string) {
		t.Helper()
		if err := db.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Put(%q) error: %v", k, err)
		}
	}
	get := func(k string) ([]byte, error) { return db.Get([]byte(k)) }
	has := func(k string) bool {
		t.Helper()
		ok, err := db.Has([]byte(k))
		if err != nil {
			t.Fatalf("Has(%q) error: %v", k, err)
		}
		return ok
	}

	mustPut("meta", "v1")
	mustPut("meta", "v2")
	if v, err := get("meta"); err != nil || string(v) != "v2" {
		t.Errorf("Get(meta) = %q, %v; want last write", v, err)
	}
	if !has("meta") || has("seed") {
		t.Error("Has() disagrees with stored keys")
	}
	if _, err := get("seed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}

	if err := db.Delete([]byte("meta")); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := get("meta"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
	if err := db.Delete([]byte("never-written")); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}

	mustPut("empty", "")
	if v, err := get("empty"); err != nil || len(v) != 0 {
		t.Errorf("Get(empty) = %q, %v", v, err)
	}

	bin := make([]byte, 256)
	for i := range bin {
		bin[i] = byte(i)
	}
	key := []byte{0x00, 0x01, 0xff}
	if err := db.Put(key, bin); err != nil {
		t.Fatalf("Put(binary) error: %v", err)
	}
	if v, err := db.Get(key); err != nil || !bytes.Equal(v, bin) {
		t.Error("binary value did not round-trip")
	}

	// Returned values are owned by the caller.
	v, _ := db.Get(key)
	v[0] = 0xee
	if again, _ := db.Get(key); again[0] != 0x00 {
		t.Error("Get() returned a slice aliasing stored data")
	}

	for _, k := range []string{"w/a/meta", "w/a/seed", "w/b/meta"} {
		mustPut(k, k)
	}
	var keys []string
	err := db.ForEach([]byte("w/a/"), func(k, v []byte) error {
		if string(k) != string(v) {
			t.Errorf("ForEach pair %q=%q", k, v)
		}
		keys = append(keys, string(k))
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach() error: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "w/a/meta" || keys[1] != "w/a/seed" {
		t.Errorf("ForEach(w/a/) keys = %v", keys)
	}

	stop := errors.New("stop")
	calls := 0
	err = db.ForEach([]byte("w/"), func(_, _ []byte) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("ForEach early stop = %v after %d calls", err, calls)
	}
}

func TestDB_Batch(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			batcher, ok := db.(Batcher)
			if !ok {
				t.Fatal("db does not support batches")
			}
			if err := db.Put([]byte("state"), []byte("old")); err != nil {
				t.Fatalf("Put: %v", err)
			}

			b := batcher.NewBatch()
			b.Put([]byte("seed"), []byte("s"))
			b.Put([]byte("meta"), []byte("m"))
			b.Delete([]byte("state"))
			if ok, _ := db.Has([]byte("seed")); ok {
				t.Fatal("batch writes visible before Commit")
			}
			if err := b.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			for _, k := range []string{"seed", "meta"} {
				if ok, _ := db.Has([]byte(k)); !ok {
					t.Errorf("%s missing after Commit", k)
				}
			}
			if ok, _ := db.Has([]byte("state")); ok {
				t.Error("state should be deleted after Commit")
			}
		})
	}
}

func TestBadgerDB_Persistence(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	db1.Put([]byte("w/alice/seed"), []byte("ciphertext"))
	db1.Close()

	db2, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() reopen error: %v", err)
	}
	defer db2.Close()

	val, err := NewPrefixDB(db2, []byte("w/alice/")).Get([]byte("seed"))
	if err != nil {
		t.Fatalf("Get() after reopen error: %v", err)
	}
	if string(val) != "ciphertext" {
		t.Errorf("persisted value = %q, want %q", val, "ciphertext")
	}
}

func TestBadgerDB_Locked(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()

	if _, err := NewBadger(dir); err == nil || !strings.Contains(err.Error(), "in use") {
		t.Fatalf("second open of a locked directory = %v", err)
	}
}
