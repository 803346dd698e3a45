package storage

import (
	"errors"
	"sort"
	"testing"
)

// plainDB hides MemoryDB's NewBatch so PrefixDB takes the unbatched path.
type plainDB struct{ DB }

func walletView(inner DB, name string) *PrefixDB {
	return NewPrefixDB(inner, []byte("w/"+name+"/"))
}

func logicalKeys(t *testing.T, db DB, prefix string) []string {
	t.Helper()
	var keys []string
	if err := db.ForEach([]byte(prefix), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}); err != nil {
		t.Fatalf("ForEach(%q): %v", prefix, err)
	}
	sort.Strings(keys)
	return keys
}

func TestPrefixDB_Namespaces(t *testing.T) {
	inner := NewMemory()
	alice := walletView(inner, "alice")
	alice2 := walletView(inner, "alice2")

	for _, kv := range []struct {
		db  *PrefixDB
		key string
		val string
	}{
		{alice, "meta", "a-meta"},
		{alice, "seed", "a-seed"},
		{alice2, "meta", "a2-meta"},
	} {
		if err := kv.db.Put([]byte(kv.key), []byte(kv.val)); err != nil {
			t.Fatalf("Put(%s): %v", kv.key, err)
		}
	}

	got, err := alice.Get([]byte("meta"))
	if err != nil || string(got) != "a-meta" {
		t.Fatalf("alice meta = %q, %v", got, err)
	}
	if ok, _ := alice2.Has([]byte("seed")); ok {
		t.Error("alice2 sees alice's seed")
	}
	if _, err := inner.Get([]byte("w/alice/seed")); err != nil {
		t.Errorf("inner key not prefixed: %v", err)
	}
	if keys := logicalKeys(t, alice, ""); len(keys) != 2 || keys[0] != "meta" || keys[1] != "seed" {
		t.Errorf("alice keys = %v", keys)
	}
	if keys := logicalKeys(t, alice, "se"); len(keys) != 1 || keys[0] != "seed" {
		t.Errorf("alice keys under \"se\" = %v", keys)
	}

	if err := alice.Delete([]byte("seed")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := alice.Get([]byte("seed")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestPrefixDB_PrefixIsCopied(t *testing.T) {
	raw := []byte("w/x/")
	db := NewPrefixDB(NewMemory(), raw)
	raw[2] = 'y'
	if string(db.Prefix()) != "w/x/" {
		t.Errorf("Prefix() = %q after caller mutated input", db.Prefix())
	}
}

func TestPrefixDB_DeleteAll(t *testing.T) {
	for name, inner := range map[string]DB{
		"batched":   NewMemory(),
		"unbatched": plainDB{NewMemory()},
	} {
		t.Run(name, func(t *testing.T) {
			alice := walletView(inner, "alice")
			alice2 := walletView(inner, "alice2")
			for _, k := range []string{"meta", "seed", "state"} {
				alice.Put([]byte(k), []byte("v"))
			}
			alice2.Put([]byte("meta"), []byte("v"))

			if err := alice.DeleteAll(); err != nil {
				t.Fatalf("DeleteAll: %v", err)
			}
			if keys := logicalKeys(t, alice, ""); len(keys) != 0 {
				t.Errorf("alice keys after DeleteAll = %v", keys)
			}
			if ok, _ := alice2.Has([]byte("meta")); !ok {
				t.Error("DeleteAll removed a sibling namespace")
			}
		})
	}
}

func TestPrefixDB_UnbatchedCommit(t *testing.T) {
	inner := plainDB{NewMemory()}
	db := walletView(inner, "bob")
	db.Put([]byte("old"), []byte("x"))

	b := db.NewBatch()
	value := []byte("seed")
	b.Put([]byte("seed"), value)
	b.Delete([]byte("old"))
	value[0] = 'X' // the batch holds its own copy

	if ok, _ := db.Has([]byte("seed")); ok {
		t.Fatal("write visible before Commit")
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, err := db.Get([]byte("seed"))
	if err != nil || string(got) != "seed" {
		t.Errorf("seed = %q, %v", got, err)
	}
	if ok, _ := db.Has([]byte("old")); ok {
		t.Error("deleted key still present")
	}
	if _, err := inner.Get([]byte("w/bob/seed")); err != nil {
		t.Errorf("batch wrote outside the namespace: %v", err)
	}
}
