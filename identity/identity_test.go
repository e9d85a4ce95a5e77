package identity

import "testing"

func TestNewOrderIndependent(t *testing.T) {
	t.Parallel()

	// Map iteration order is already random, but be explicit: two maps
	// built in different insertion orders derive the same identity.
	a := New(map[string]string{"host": "db1", "port": "5432", "database": "app"})
	b := New(map[string]string{"database": "app", "port": "5432", "host": "db1"})

	if a.Hash != b.Hash {
		t.Fatalf("hash differs: %s vs %s", a.Hash, b.Hash)
	}
	if string(a.Secret) != string(b.Secret) {
		t.Fatal("secret differs for identical params")
	}
}

func TestNewDistinctParams(t *testing.T) {
	t.Parallel()

	a := New(map[string]string{"host": "db1", "database": "app"})
	b := New(map[string]string{"host": "db2", "database": "app"})
	c := New(map[string]string{"host": "db1", "database": "other"})

	if a.Hash == b.Hash || a.Hash == c.Hash || b.Hash == c.Hash {
		t.Fatal("distinct connections must derive distinct fingerprints")
	}
	if string(a.Secret) == string(b.Secret) {
		t.Fatal("distinct connections must derive distinct secrets")
	}
}

func TestNewShape(t *testing.T) {
	t.Parallel()

	id := New(map[string]string{"host": "db1"})
	if len(id.Hash) != 16 {
		t.Fatalf("fingerprint length %d, want 16 hex chars", len(id.Hash))
	}
	if len(id.Secret) != 32 {
		t.Fatalf("secret length %d, want 32", len(id.Secret))
	}
	if id.Hash == New(nil).Hash {
		t.Fatal("non-empty params must not collide with empty params")
	}
}
