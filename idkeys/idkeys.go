// Package idkeys treats long-term identity keys, HD derivation, and
// signing as an external primitive (spec.md §1 names these out of
// scope). It defines the interfaces rpc and contract depend on, plus a
// minimal ed25519-backed implementation sufficient for tests and the
// reference transport adapters — not a claim of BIP32/SLIP10 compliance.
package idkeys

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"

	"gitlab.com/NebulousLabs/errors"
)

// ErrInvalidSignature is returned by Verifier.Verify on a bad signature.
var ErrInvalidSignature = errors.New("invalid signature")

// Signer signs a canonical byte form of a descriptor with a long-term
// private key.
type Signer interface {
	Sign(message []byte) (signature []byte, err error)
}

// Verifier verifies a detached signature against an extended public key
// and derivation index.
type Verifier interface {
	Verify(extendedPublicKey string, index uint32, message, signature []byte) error
}

// Seed is a master HD seed. It implements Signer (signing with the
// seed's own root key) and derives non-hardened child keys.
type Seed struct {
	priv ed25519.PrivateKey
}

// NewSeed builds a Seed from 32 bytes of entropy.
func NewSeed(entropy []byte) *Seed {
	return &Seed{priv: ed25519.NewKeyFromSeed(entropy)}
}

// ExtendedPublicKey returns the hex-encoded extended public key other
// peers reference in contract descriptors.
func (s *Seed) ExtendedPublicKey() string {
	return hex.EncodeToString(s.priv.Public().(ed25519.PublicKey))
}

// Sign signs message with the seed's root key.
func (s *Seed) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

// childSeed derives the non-hardened child seed at index from a parent
// extended public key's bytes. This is a simple HMAC-SHA512 construction,
// not a standards-track derivation — HD derivation is an external
// collaborator per spec.md, this exists only so the reference
// implementation has something real to sign and verify with.
func childSeed(parentPub []byte, index uint32) []byte {
	mac := hmac.New(sha512.New, parentPub)
	mac.Write([]byte{byte(index), byte(index >> 8), byte(index >> 16), byte(index >> 24)})
	sum := mac.Sum(nil)
	return sum[:32]
}

// DefaultVerifier verifies ed25519 signatures against the child key
// derived (non-hardened) from an extended public key and index.
type DefaultVerifier struct{}

// Verify checks that signature is a valid ed25519 signature of message
// under the child key derived from extendedPublicKey at index.
func (DefaultVerifier) Verify(extendedPublicKey string, index uint32, message, signature []byte) error {
	parentPub, err := hex.DecodeString(extendedPublicKey)
	if err != nil {
		return errors.AddContext(err, "malformed extended public key")
	}
	childSeedBytes := childSeed(parentPub, index)
	childPriv := ed25519.NewKeyFromSeed(childSeedBytes)
	childPub := childPriv.Public().(ed25519.PublicKey)
	if !ed25519.Verify(childPub, message, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ChildSigner returns a Signer for the non-hardened child key at index,
// derived from seed's own public key — used by a role to actually
// produce the signature the DefaultVerifier above can check.
func (s *Seed) ChildSigner(index uint32) Signer {
	parentPub := s.priv.Public().(ed25519.PublicKey)
	childSeedBytes := childSeed(parentPub, index)
	return &Seed{priv: ed25519.NewKeyFromSeed(childSeedBytes)}
}
