package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ripemd160"

	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/store"
	"github.com/orclabs/orcd/token"
)

type memShardStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemShardStore() *memShardStore { return &memShardStore{data: map[string][]byte{}} }

func (s *memShardStore) Exists(hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[hash]
	return ok, nil
}

func (s *memShardStore) CreateReadStream(hash string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[hash]
	if !ok {
		return nil, errNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type writeStream struct {
	*bytes.Buffer
	hash  string
	store *memShardStore
}

func (w *writeStream) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.data[w.hash] = w.Buffer.Bytes()
	return nil
}

func (s *memShardStore) CreateWriteStream(hash string) (io.WriteCloser, error) {
	return &writeStream{Buffer: &bytes.Buffer{}, hash: hash, store: s}, nil
}

func (s *memShardStore) Unlink(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, hash)
	return nil
}

func (s *memShardStore) Size() (store.Capacity, error) { return store.Capacity{}, nil }

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

const errNotFound = simpleErr("not found")

type fixedSizeLookup struct {
	size uint64
	ok   bool
}

func (f fixedSizeLookup) DataSizeFor(hash string) (uint64, bool, error) { return f.size, f.ok, nil }

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	rh := ripemd160.New()
	rh.Write(sum[:])
	return hex.EncodeToString(rh.Sum(nil))
}

func newTestServer(shards *memShardStore, maxSize uint64) (*Server, *token.Table) {
	tbl := token.NewTable(time.Minute)
	srv := NewServer(tbl, shards, fixedSizeLookup{size: maxSize, ok: true}, contact.Contact{Identity: "id1"}, nil, nil, nil)
	return srv, tbl
}

// TestUploadHappyPath is property 8 (accept iff hash matches, token
// live, size within bound).
func TestUploadHappyPath(t *testing.T) {
	shards := newMemShardStore()
	data := []byte("shard payload bytes")
	hash := hashOf(data)
	srv, tbl := newTestServer(shards, uint64(len(data)))

	tok, _ := tbl.Mint(hash, contact.Contact{})
	req := httptest.NewRequest(http.MethodPost, "/shards/"+hash+"?token="+tok, bytes.NewReader(data))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	exists, _ := shards.Exists(hash)
	if !exists {
		t.Fatal("expected shard to be stored")
	}

	// TestTokenSingleUse: a second upload with the same token must 401.
	req2 := httptest.NewRequest(http.MethodPost, "/shards/"+hash+"?token="+tok, bytes.NewReader(data))
	w2 := httptest.NewRecorder()
	srv.Router().ServeHTTP(w2, req2)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on token reuse, got %d", w2.Code)
	}
}

// TestUploadHashMismatch is scenario S4.
func TestUploadHashMismatch(t *testing.T) {
	shards := newMemShardStore()
	data := []byte("real bytes")
	hash := hashOf(data)
	srv, tbl := newTestServer(shards, 1024) // large enough that only the hash check can fail

	tok, _ := tbl.Mint(hash, contact.Contact{})
	wrongData := []byte("not the right bytes at all")
	req := httptest.NewRequest(http.MethodPost, "/shards/"+hash+"?token="+tok, bytes.NewReader(wrongData))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	exists, _ := shards.Exists(hash)
	if exists {
		t.Fatal("partial shard should have been removed")
	}
}

// TestUploadOverflow covers the "exceeds declared data_size" edge case.
func TestUploadOverflow(t *testing.T) {
	shards := newMemShardStore()
	data := []byte("this is too long for the declared size")
	hash := hashOf(data)
	srv, tbl := newTestServer(shards, 4) // declare a tiny size

	tok, _ := tbl.Mint(hash, contact.Contact{})
	req := httptest.NewRequest(http.MethodPost, "/shards/"+hash+"?token="+tok, bytes.NewReader(data))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on overflow, got %d", w.Code)
	}
}

// TestDownloadUnauthorized exercises the 401 path for a bad token.
func TestDownloadUnauthorized(t *testing.T) {
	shards := newMemShardStore()
	srv, _ := newTestServer(shards, 1024)
	req := httptest.NewRequest(http.MethodGet, "/shards/deadbeef?token=bogus", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

// TestMethodNotAllowed covers "other methods on /shards/* -> 405".
func TestMethodNotAllowed(t *testing.T) {
	shards := newMemShardStore()
	srv, _ := newTestServer(shards, 1024)
	req := httptest.NewRequest(http.MethodDelete, "/shards/deadbeef", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

// TestIdentifyHandshake covers the unauthenticated GET / handshake.
func TestIdentifyHandshake(t *testing.T) {
	shards := newMemShardStore()
	srv, _ := newTestServer(shards, 1024)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

// TestCORSPreflight covers permissive CORS on OPTIONS.
func TestCORSPreflight(t *testing.T) {
	shards := newMemShardStore()
	srv, _ := newTestServer(shards, 1024)
	req := httptest.NewRequest(http.MethodOptions, "/shards/deadbeef", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected permissive CORS header")
	}
}
