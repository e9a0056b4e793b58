// Package token implements TokenTable: short-lived authorization
// tokens gating the HTTP shard-transfer endpoints (SPEC_FULL.md §6.3).
package token

import (
	"encoding/hex"
	"sync"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/fastrand"
	"gitlab.com/NebulousLabs/threadgroup"

	"github.com/orclabs/orcd/contact"
)

// ErrUnauthorized is returned when a token is missing, expired, or does
// not match the requested hash.
var ErrUnauthorized = errors.New("token is not authorized for this shard")

// DefaultTTL is the default token lifetime.
const DefaultTTL = 30 * time.Minute

// Record is the metadata a token authorizes.
type Record struct {
	ShardHash string
	Contact   contact.Contact
	ExpiresAt time.Time
}

// Table is a TTL-based map from random tokens to the shard transfer
// they authorize.
type Table struct {
	mu      sync.Mutex
	records map[string]Record
	ttl     time.Duration
	tg      threadgroup.ThreadGroup
}

// NewTable constructs a Table with the given TTL and starts its
// periodic sweep goroutine.
func NewTable(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	tbl := &Table{
		records: make(map[string]Record),
		ttl:     ttl,
	}
	go tbl.threadedSweep()
	return tbl
}

// Close stops the sweep goroutine and waits for it to exit.
func (t *Table) Close() error {
	return t.tg.Stop()
}

// Mint generates a fresh 32-byte random token and accepts it for hash
// and contact, returning the hex-encoded token.
func (t *Table) Mint(hash string, c contact.Contact) (string, error) {
	token := hex.EncodeToString(fastrand.Bytes(32))
	if err := t.Accept(token, hash, c); err != nil {
		return "", err
	}
	return token, nil
}

// Accept records token as authorizing one transfer of hash with
// contact, expiring after the table's TTL.
func (t *Table) Accept(token, hash string, c contact.Contact) error {
	if err := t.tg.Add(); err != nil {
		return err
	}
	defer t.tg.Done()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[token] = Record{
		ShardHash: hash,
		Contact:   c,
		ExpiresAt: time.Now().Add(t.ttl),
	}
	return nil
}

// Reject removes token unconditionally (used once it has been
// consumed, or if it should be revoked).
func (t *Table) Reject(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, token)
}

// Authorize returns the record for token iff it is present, not
// expired, and recorded against hash. It does not consume the token;
// callers that perform a single-use transfer must call Reject
// themselves once the transfer completes (spec.md property 9).
func (t *Table) Authorize(token, hash string) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[token]
	if !ok {
		return Record{}, ErrUnauthorized
	}
	if time.Now().After(rec.ExpiresAt) {
		delete(t.records, token)
		return Record{}, ErrUnauthorized
	}
	if rec.ShardHash != hash {
		return Record{}, ErrUnauthorized
	}
	return rec, nil
}

// Len reports the number of live (possibly expired-but-unswept)
// records; used by tests asserting the table was not mutated.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// threadedSweep runs once per TTL, dropping expired records.
func (t *Table) threadedSweep() {
	if err := t.tg.Add(); err != nil {
		return
	}
	defer t.tg.Done()
	ticker := time.NewTicker(t.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-t.tg.StopChan():
			return
		case <-ticker.C:
			t.sweepOnce()
		}
	}
}

func (t *Table) sweepOnce() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for tok, rec := range t.records {
		if now.After(rec.ExpiresAt) {
			delete(t.records, tok)
		}
	}
}
