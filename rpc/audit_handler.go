package rpc

import (
	"context"

	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/contract"
	"github.com/orclabs/orcd/proof"
)

// AuditChallenge is one entry of an AUDIT batch.
type AuditChallenge struct {
	Hash      string
	Challenge string
}

// AuditArgs is the AUDIT verb's single parameter: an ordered list of
// per-shard challenges.
type AuditArgs struct {
	Challenges []AuditChallenge
}

// AuditResult is one entry of the AUDIT reply: the proof, or nil if the
// shard or contract was missing or the proof could not be produced
// (the Auditable error kind, never surfaced as an RPC error).
type AuditResult struct {
	Hash  string
	Proof *proof.Proof
}

// AuditReply is the same-length, same-order list of results.
type AuditReply struct {
	Results []AuditResult
}

// defaultChunkSize is the size, in bytes, of one audit leaf's
// underlying chunk of shard data.
const defaultChunkSize = 64 * 1024

// Audit handles the AUDIT verb (renter -> farmer): spec.md §4.6.
// Entries are processed strictly sequentially so at most one disk read
// is outstanding per peer (design note §9); the handler itself never
// fails, missing shards/contracts are signalled per-entry.
func (h *Handlers) Audit(ctx context.Context, from contact.Contact, args AuditArgs) (*AuditReply, error) {
	results := make([]AuditResult, len(args.Challenges))
	for i, ch := range args.Challenges {
		results[i] = AuditResult{Hash: ch.Hash, Proof: h.auditOne(from, ch)}
	}
	return &AuditReply{Results: results}, nil
}

func (h *Handlers) auditOne(from contact.Contact, ch AuditChallenge) *proof.Proof {
	key := contractKey(ch.Hash, from.Info.HDKey)
	c, ok, err := h.Contracts.Get(key)
	if err != nil || !ok {
		return nil
	}

	leaves := c.GetStringSlice(contract.FieldAuditLeaves)
	numLeaves := uint64(len(leaves))
	if numLeaves == 0 {
		return nil
	}
	index := challengeIndex(ch.Challenge, numLeaves)

	rs, err := h.Shards.CreateReadStream(ch.Hash)
	if err != nil {
		return nil
	}
	defer rs.Close()

	stream := proof.NewStream(index, numLeaves, defaultChunkSize, []byte(ch.Challenge))
	result, err := proof.Pipe(rs, stream)
	if err != nil {
		return nil
	}
	return result
}

// challengeIndex derives the challenged leaf index from the challenge
// string, matching the convention documented in the proof package.
func challengeIndex(challenge string, numLeaves uint64) uint64 {
	var acc uint64
	for i := 0; i < len(challenge); i++ {
		acc = acc*31 + uint64(challenge[i])
	}
	return acc % numLeaves
}
