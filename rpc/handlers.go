// Package rpc implements the eight overlay RPC verb handlers — OFFER,
// CLAIM, CONSIGN, RETRIEVE, MIRROR, AUDIT, RENEW, PROBE — operating on
// a node's shared state (SPEC_FULL.md §6.6).
package rpc

import (
	"net/http"
	"time"

	"gitlab.com/NebulousLabs/log"

	"github.com/orclabs/orcd/contract"
	"github.com/orclabs/orcd/idkeys"
	"github.com/orclabs/orcd/offer"
	"github.com/orclabs/orcd/overlay"
	"github.com/orclabs/orcd/store"
	"github.com/orclabs/orcd/token"
	"github.com/orclabs/orcd/wallet"
)

// OfferRegistry is the subset of Node's offer-stream bookkeeping the
// OFFER handler needs: looking an active auction up by the descriptor's
// routing key (its data_hash).
type OfferRegistry interface {
	Lookup(dataHash string) (*offer.Stream, bool)
}

// ClaimsPolicy decides whether a renter's extended public key may claim
// capacity from this farmer (spec.md §4.6 CLAIM step 1, property 7).
type ClaimsPolicy interface {
	Allows(renterHDKey string) bool
}

// AllowList is a ClaimsPolicy backed by an explicit set of renter
// extended public keys, with "*" meaning "allow anyone".
type AllowList map[string]bool

// Allows implements ClaimsPolicy.
func (a AllowList) Allows(renterHDKey string) bool {
	return a["*"] || a[renterHDKey]
}

// Identity is this node's own identity, as both roles.
type Identity struct {
	ID     string // identity_hex
	HDKey  string // extended public key
	HDIndex uint32
}

// Handlers holds the state the eight verb handlers share.
type Handlers struct {
	Contracts store.ContractStore
	Shards    store.ShardStore
	Tokens    *token.Table
	Offers    OfferRegistry
	Identity  Identity
	Signer    idkeys.Signer
	Verifier  idkeys.Verifier
	Claims    ClaimsPolicy
	Minter    wallet.Minter
	Overlay   overlay.Overlay
	Log       *log.Logger

	// HTTPClient is used by MIRROR to push bytes to the destination
	// farmer's shard server.
	HTTPClient *http.Client

	// TokenTTL is informational only here; the token.Table already owns
	// its TTL. Kept so handlers can report it if ever needed.
	TokenTTL time.Duration
}

func (h *Handlers) logf(format string, args ...interface{}) {
	if h.Log != nil {
		h.Log.Printf(format, args...)
	}
}

// nowMillis is the handlers' single source of "now" for store_end
// comparisons, as a seam for tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// parseDescriptor decodes a contract.MarshalDescriptor wire payload back
// into a Contract.
func parseDescriptor(raw []byte) (*contract.Contract, error) {
	return contract.UnmarshalDescriptor(raw)
}

// contractKey builds the "{hash}:{counterparty_hd_key}" contract-store
// key.
func contractKey(hash, counterpartyHDKey string) string {
	return hash + ":" + counterpartyHDKey
}
