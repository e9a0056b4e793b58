// Package wallet treats payment address minting as an external
// collaborator (spec.md §1: "the wallet RPC used to mint payment
// addresses"). It defines the interface CLAIM uses, plus a trivial
// random-address implementation for tests.
package wallet

import (
	"encoding/hex"

	"gitlab.com/NebulousLabs/fastrand"
)

// Minter mints a fresh opaque payment destination for a farmer to embed
// in a finalized contract.
type Minter interface {
	MintAddress() (string, error)
}

// Ephemeral is a Minter that hands out random addresses; suitable for
// tests and for farmer profiles that haven't wired a real wallet RPC.
type Ephemeral struct{}

// MintAddress returns a fresh random hex address.
func (Ephemeral) MintAddress() (string, error) {
	return hex.EncodeToString(fastrand.Bytes(32)), nil
}
