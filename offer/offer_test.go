package offer

import (
	"sync"
	"testing"

	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/contract"
	"github.com/orclabs/orcd/idkeys"
)

type noopVerifier struct{}

func (noopVerifier) Verify(string, uint32, []byte, []byte) error { return nil }

func baseDescriptor(hash string) *contract.Contract {
	return contract.New(map[string]interface{}{
		"data_hash":            hash,
		"data_size":            uint64(1024),
		"renter_id":            "r1",
		"farmer_id":            "f1",
		"renter_hd_key":        "rxpub",
		"farmer_hd_key":        "fxpub",
		"renter_hd_index":      uint64(0),
		"farmer_hd_index":      uint64(0),
		"renter_signature":     []byte("rsig"),
		"farmer_signature":     []byte("fsig"),
		"store_begin":          int64(0),
		"store_end":            int64(1000),
		"audit_leaves":         []string{"a", "b"},
		"payment_destination":  "dest",
		"version":              uint64(1),
	})
}

func TestQueueRejectsWrongHash(t *testing.T) {
	t.Parallel()
	owning := baseDescriptor("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	s := New(owning, Options{MaxOffers: 1, Verifier: noopVerifier{}}, nil)

	var gotErr error
	s.Queue(contact.Contact{Identity: "f1"}, baseDescriptor("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"), func(err error, c *contract.Contract) {
		gotErr = err
	})
	if gotErr != ErrWrongDescriptor {
		t.Fatalf("expected ErrWrongDescriptor, got %v", gotErr)
	}
}

func TestQueueRejectsBlacklisted(t *testing.T) {
	t.Parallel()
	owning := baseDescriptor("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	s := New(owning, Options{
		MaxOffers:       1,
		Verifier:        noopVerifier{},
		FarmerBlacklist: map[string]bool{"badfarmer": true},
	}, nil)

	var gotErr error
	s.Queue(contact.Contact{Identity: "badfarmer"}, baseDescriptor("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), func(err error, c *contract.Contract) {
		gotErr = err
	})
	if gotErr != ErrBlacklisted {
		t.Fatalf("expected ErrBlacklisted, got %v", gotErr)
	}
}

// TestConcurrentOfferAdmission is scenario S6: two farmers OFFER
// concurrently against a maxOffers=1 stream; exactly one is exposed to
// the consumer and accepted, the other is rejected.
func TestConcurrentOfferAdmission(t *testing.T) {
	t.Parallel()
	owning := baseDescriptor("cccccccccccccccccccccccccccccccccccccccc")
	ended := make(chan struct{})
	var endOnce sync.Once
	s := New(owning, Options{MaxOffers: 1, Verifier: noopVerifier{}}, func() {
		endOnce.Do(func() { close(ended) })
	})

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Queue(contact.Contact{Identity: "farmer"}, baseDescriptor("cccccccccccccccccccccccccccccccccccccccc"), func(err error, c *contract.Contract) {
				results <- err
			})
		}(i)
	}

	// Consumer accepts exactly one offer.
	o, ok := s.Next()
	if !ok {
		t.Fatal("expected one offer to be exposed")
	}
	o.Resolve(nil, o.Contract)

	wg.Wait()
	close(results)

	var successes, failures int
	for err := range results {
		if err == nil {
			successes++
		} else {
			failures++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 success, got %d (failures=%d)", successes, failures)
	}
	<-ended
}

func TestEndRejectsPending(t *testing.T) {
	t.Parallel()
	owning := baseDescriptor("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	s := New(owning, Options{MaxOffers: 5, Verifier: noopVerifier{}}, nil)

	var gotErr error
	done := make(chan struct{})
	s.Queue(contact.Contact{Identity: "f1"}, baseDescriptor("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), func(err error, c *contract.Contract) {
		gotErr = err
		close(done)
	})
	s.End(nil)
	<-done
	if gotErr == nil {
		t.Fatal("expected pending offer to be rejected on End")
	}
}
