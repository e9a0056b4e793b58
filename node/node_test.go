package node

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"gitlab.com/NebulousLabs/errors"

	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/contract"
	"github.com/orclabs/orcd/offer"
	"github.com/orclabs/orcd/overlay"
	"github.com/orclabs/orcd/rpc"
	"github.com/orclabs/orcd/store"
	"github.com/orclabs/orcd/token"
	"github.com/orclabs/orcd/wallet"
	"github.com/orclabs/orcd/wire"
)

// fakeOverlay is an in-process overlay.Overlay: Send dispatches
// directly into the registered handler, and Publish fans out
// synchronously to Subscribe callbacks. Enough to exercise Node's
// wiring without a real transport.
type fakeOverlay struct {
	mu       sync.Mutex
	handlers map[string]overlay.HandlerFunc
	subs     map[string][]func(contact.Contact, []byte)
}

func newFakeOverlay() *fakeOverlay {
	return &fakeOverlay{
		handlers: make(map[string]overlay.HandlerFunc),
		subs:     make(map[string][]func(contact.Contact, []byte)),
	}
}

func (o *fakeOverlay) Register(verb string, handler overlay.HandlerFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[verb] = handler
}

func (o *fakeOverlay) Send(ctx context.Context, to contact.Contact, verb string, args, reply interface{}) error {
	o.mu.Lock()
	h, ok := o.handlers[verb]
	o.mu.Unlock()
	if !ok {
		return errors.New("no handler registered for verb " + verb)
	}
	payload, err := wire.Marshal(args)
	if err != nil {
		return err
	}
	result, err := h(ctx, contact.Contact{}, payload)
	if err != nil {
		return err
	}
	encoded, err := wire.Marshal(result)
	if err != nil {
		return err
	}
	return wire.Unmarshal(encoded, reply)
}

func (o *fakeOverlay) Publish(topic string, payload []byte) error {
	o.mu.Lock()
	subs := append([]func(contact.Contact, []byte){}, o.subs[topic]...)
	o.mu.Unlock()
	for _, fn := range subs {
		fn(contact.Contact{}, payload)
	}
	return nil
}

func (o *fakeOverlay) Subscribe(topic string, fn func(from contact.Contact, payload []byte)) func() {
	o.mu.Lock()
	o.subs[topic] = append(o.subs[topic], fn)
	o.mu.Unlock()
	return func() {}
}

func (o *fakeOverlay) Ping(ctx context.Context, to contact.Contact) error { return nil }

// --- minimal in-memory store/signer/verifier doubles ---

type memContractStore struct {
	mu sync.Mutex
	m  map[string]*contract.Contract
}

func newMemContractStore() *memContractStore {
	return &memContractStore{m: make(map[string]*contract.Contract)}
}

func (s *memContractStore) Get(key string) (*contract.Contract, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[key]
	return c, ok, nil
}

func (s *memContractStore) Put(key string, c *contract.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = c
	return nil
}

func (s *memContractStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

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
		return nil, errors.New("shard not found")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type memWriteStream struct {
	*bytes.Buffer
	hash  string
	store *memShardStore
}

func (w *memWriteStream) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.data[w.hash] = w.Buffer.Bytes()
	return nil
}

func (s *memShardStore) CreateWriteStream(hash string) (io.WriteCloser, error) {
	return &memWriteStream{Buffer: &bytes.Buffer{}, hash: hash, store: s}, nil
}
func (s *memShardStore) Unlink(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, hash)
	return nil
}
func (s *memShardStore) Size() (store.Capacity, error) { return store.Capacity{}, nil }

type noopVerifier struct{}

func (noopVerifier) Verify(string, uint32, []byte, []byte) error { return nil }

type stubSigner struct{}

func (stubSigner) Sign(msg []byte) ([]byte, error) { return []byte("sig"), nil }

func newTestNode() *Node {
	ov := newFakeOverlay()
	h := &rpc.Handlers{
		Contracts: newMemContractStore(),
		Shards:    newMemShardStore(),
		Tokens:    token.NewTable(time.Minute),
		Identity:  rpc.Identity{ID: "farmer1", HDKey: "fxpub"},
		Signer:    stubSigner{},
		Verifier:  noopVerifier{},
		Claims:    rpc.AllowList{"*": true},
		Minter:    wallet.Ephemeral{},
	}
	n := New(h, ov, contact.Contact{Identity: "farmer1"}, nil, time.Minute)
	n.Listen()
	return n
}

func TestProbeRoundTrip(t *testing.T) {
	n := newTestNode()
	err := n.ProbeReachability(context.Background(), contact.Contact{Identity: "other"})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPublishShardDescriptorRegistersStream(t *testing.T) {
	n := newTestNode()
	desc := contract.New(map[string]interface{}{
		"data_hash":           "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"data_size":           uint64(10),
		"renter_id":           "r1",
		"farmer_id":           "",
		"renter_hd_key":       "rxpub",
		"farmer_hd_key":       "",
		"renter_hd_index":     uint64(0),
		"farmer_hd_index":     uint64(0),
		"store_begin":         int64(0),
		"store_end":           int64(1000),
		"audit_leaves":        []string{"a"},
		"payment_destination": "",
		"version":             uint64(1),
	})
	stream, err := n.PublishShardDescriptor(desc, offer.Options{MaxOffers: 1, Verifier: noopVerifier{}})
	if err != nil {
		t.Fatal(err)
	}
	got, ok := n.offers.Lookup("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if !ok || got != stream {
		t.Fatal("expected published descriptor to register its stream")
	}
}

func TestCapacityCacheCompaction(t *testing.T) {
	n := newTestNode()
	n.capacity.record(contact.Contact{Identity: "f1"}, store.Capacity{Available: 10})
	n.capacity.maxAge = -time.Second // force immediate staleness
	if removed := n.capacity.compact(); removed != 1 {
		t.Fatalf("expected 1 stale entry removed, got %d", removed)
	}
	if len(n.KnownFarmers()) != 0 {
		t.Fatal("expected cache to be empty after compaction")
	}
}
