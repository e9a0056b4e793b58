package token

import (
	"testing"
	"time"

	"github.com/orclabs/orcd/contact"
)

func testContact() contact.Contact {
	return contact.Contact{Identity: "abc", Info: contact.Info{Address: "127.0.0.1:1234", HDKey: "xpub1"}}
}

func TestMintAndAuthorize(t *testing.T) {
	t.Parallel()
	tbl := NewTable(time.Minute)
	defer tbl.Close()

	tok, err := tbl.Mint("deadbeef", testContact())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Authorize(tok, "deadbeef"); err != nil {
		t.Fatalf("expected authorized, got %v", err)
	}
	if _, err := tbl.Authorize(tok, "other-hash"); err == nil {
		t.Fatal("expected mismatch to fail")
	}
}

// TestTokenSingleUse covers property 9: a second use after Reject
// returns unauthorized.
func TestTokenSingleUse(t *testing.T) {
	t.Parallel()
	tbl := NewTable(time.Minute)
	defer tbl.Close()

	tok, err := tbl.Mint("deadbeef", testContact())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Authorize(tok, "deadbeef"); err != nil {
		t.Fatal(err)
	}
	tbl.Reject(tok)
	if _, err := tbl.Authorize(tok, "deadbeef"); err == nil {
		t.Fatal("expected second use to fail")
	}
}

// TestTokenExpiry covers property 10: an expired entry is not
// authorizable even before the sweep fires.
func TestTokenExpiry(t *testing.T) {
	t.Parallel()
	tbl := NewTable(time.Hour)
	defer tbl.Close()

	tbl.mu.Lock()
	tbl.records["expired-token"] = Record{
		ShardHash: "deadbeef",
		Contact:   testContact(),
		ExpiresAt: time.Now().Add(-time.Second),
	}
	tbl.mu.Unlock()

	if _, err := tbl.Authorize("expired-token", "deadbeef"); err == nil {
		t.Fatal("expected expired token to be unauthorized")
	}
}

// TestNewTableStartsEmpty checks that a freshly built table holds no
// records. The expired-contract CONSIGN case itself is covered by the
// rpc package's TestConsignExpired.
func TestNewTableStartsEmpty(t *testing.T) {
	t.Parallel()
	tbl := NewTable(time.Minute)
	defer tbl.Close()
	before := tbl.Len()
	if before != 0 {
		t.Fatalf("expected empty table, got %d", before)
	}
}
