package rpc

import "gitlab.com/NebulousLabs/errors"

// Sentinel errors surfaced verbatim across the overlay RPC boundary,
// per the error taxonomy in SPEC_FULL.md §8.
var (
	ErrInvalidDescriptor  = errors.New("Invalid shard descriptor")
	ErrOffersClosed       = errors.New("Offers for descriptor are closed")
	ErrRejectingClaims    = errors.New("Currently rejecting claims")
	ErrContractExpired    = errors.New("Contract has expired")
	ErrShardNotFound      = errors.New("Shard not found")
	ErrNoSuchContract     = errors.New("No contract exists for this shard/counterparty pair")
	ErrProbeUnreachable   = errors.New("Failed to reach probe originator")
	ErrRenewalNotFound    = errors.New("No local contract to renew")
	ErrRenewalNotValid    = errors.New("Renewal descriptor is not valid and complete")
)

// errRejectingRenewal formats the "Rejecting renewal of X" error for the
// first offending field found by Diff, per spec.md §4.6 RENEW and
// property 6.
func errRejectingRenewal(field string) error {
	return errors.New("Rejecting renewal of " + field)
}
