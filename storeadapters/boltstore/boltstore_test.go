package boltstore

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/orclabs/orcd/contract"
)

func fullDescriptor(hash string) map[string]interface{} {
	return map[string]interface{}{
		"data_hash":           hash,
		"data_size":           uint64(10),
		"renter_id":           "renter1",
		"farmer_id":           "farmer1",
		"renter_hd_key":       "rxpub",
		"farmer_hd_key":       "fxpub",
		"renter_hd_index":     uint64(0),
		"farmer_hd_index":     uint64(0),
		"renter_signature":    []byte("rsig"),
		"farmer_signature":    []byte("fsig"),
		"store_begin":         int64(0),
		"store_end":           int64(1000),
		"audit_leaves":        []string{"leaf0"},
		"payment_destination": "dest",
		"version":             uint64(1),
	}
}

func TestContractStorePutGetDelete(t *testing.T) {
	dir := t.TempDir()
	cs, err := OpenContractStore(filepath.Join(dir, "contracts.db"), filepath.Join(dir, "contracts.wal"))
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	c := contract.New(fullDescriptor("deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"))
	key := c.StoreKey("rxpub")
	if err := cs.Put(key, c); err != nil {
		t.Fatal(err)
	}

	got, ok, err := cs.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected contract to be found")
	}
	if got.GetString(contract.FieldDataHash) != "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef" {
		t.Fatalf("unexpected data_hash: %s", got.GetString(contract.FieldDataHash))
	}

	if err := cs.Delete(key); err != nil {
		t.Fatal(err)
	}
	_, ok, err = cs.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected contract to be gone after delete")
	}
}

func TestContractStoreReopenRecovers(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "contracts.db")
	walPath := filepath.Join(dir, "contracts.wal")

	cs, err := OpenContractStore(dbPath, walPath)
	if err != nil {
		t.Fatal(err)
	}
	c := contract.New(fullDescriptor("cafebabecafebabecafebabecafebabecafebabe"))
	key := c.StoreKey("rxpub")
	if err := cs.Put(key, c); err != nil {
		t.Fatal(err)
	}
	if err := cs.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenContractStore(dbPath, walPath)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, ok, err := reopened.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.GetString(contract.FieldDataHash) != "cafebabecafebabecafebabecafebabecafebabe" {
		t.Fatal("expected contract to survive close/reopen")
	}
}

func TestShardStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ss, err := NewShardStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	hash := "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	exists, err := ss.Exists(hash)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("should not exist before write")
	}

	ws, err := ss.CreateWriteStream(hash)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ws.Write([]byte("shard bytes")); err != nil {
		t.Fatal(err)
	}
	if err := ws.Close(); err != nil {
		t.Fatal(err)
	}

	exists, err = ss.Exists(hash)
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("expected shard to exist after write")
	}

	rs, err := ss.CreateReadStream(hash)
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()
	b, err := io.ReadAll(rs)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "shard bytes" {
		t.Fatalf("unexpected contents: %s", b)
	}

	if err := ss.Unlink(hash); err != nil {
		t.Fatal(err)
	}
	exists, _ = ss.Exists(hash)
	if exists {
		t.Fatal("expected shard to be gone after unlink")
	}
}
