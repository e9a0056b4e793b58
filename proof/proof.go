// Package proof implements ProofStream: a streaming audit prover and
// verifier built on gitlab.com/NebulousLabs/merkletree, the same
// compact-Merkle-proof library the teacher depends on for storage
// proofs (SPEC_FULL.md §6.2).
package proof

import (
	"crypto/sha256"
	"hash"
	"io"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/merkletree"
)

// ErrTruncated is returned when the shard stream ends before the
// challenged leaf index was produced.
var ErrTruncated = errors.New("shard stream truncated before challenged leaf")

// ErrInconsistentTree is returned when the underlying Merkle tree
// reports a leaf count different from the published leaf set.
var ErrInconsistentTree = errors.New("audit tree leaf count does not match published leaf set")

func newHasher() hash.Hash { return sha256.New() }

// leafHash computes the salted pre-hash of one chunk of shard bytes:
// sha256(salt || chunk), matching the glossary's "salted pre-hashes of
// shard material".
func leafHash(salt, chunk []byte) []byte {
	h := newHasher()
	h.Write(salt)
	h.Write(chunk)
	return h.Sum(nil)
}

// Proof is the compact inclusion proof returned by a Stream: the
// sibling hashes from the challenged leaf to the root, plus the leaf
// payload itself.
type Proof struct {
	HashSet   [][]byte
	Index     uint64
	NumLeaves uint64
	Leaf      []byte
}

// Stream consumes shard bytes chunk by chunk, rehashing each chunk with
// the challenge as salt and feeding it into a Merkle tree positioned to
// prove the chunk at Index. It is also an io.Writer so it can sit at
// the end of an io.Copy from a shard read stream.
type Stream struct {
	tree      *merkletree.Tree
	challenge []byte
	index     uint64
	numLeaves uint64
	chunkSize int

	buf       []byte
	chunkSeen uint64
	leafData  []byte
	done      bool
	err       error
}

// NewStream builds a Stream that will reproduce the Merkle tree over
// numLeaves chunks of chunkSize bytes each, proving inclusion of the
// leaf at index. The caller selects index from the challenge; by
// convention index = h % numLeaves, where h folds every challenge byte
// as h = h*31 + b.
func NewStream(index, numLeaves uint64, chunkSize int, challenge []byte) *Stream {
	t := merkletree.New(newHasher())
	if err := t.SetIndex(index); err != nil {
		return &Stream{err: errors.AddContext(err, "failed to set proof index")}
	}
	return &Stream{
		tree:      t,
		challenge: challenge,
		index:     index,
		numLeaves: numLeaves,
		chunkSize: chunkSize,
	}
}

// Write implements io.Writer, buffering shard bytes into fixed-size
// chunks and pushing the salted pre-hash of each complete chunk into
// the Merkle tree.
func (s *Stream) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	total := len(p)
	s.buf = append(s.buf, p...)
	for len(s.buf) >= s.chunkSize {
		chunk := s.buf[:s.chunkSize]
		s.buf = s.buf[s.chunkSize:]
		lh := leafHash(s.challenge, chunk)
		s.tree.Push(lh)
		if s.chunkSeen == s.index {
			s.leafData = lh
		}
		s.chunkSeen++
	}
	return total, nil
}

// Close flushes any final partial chunk and finalizes the proof.
func (s *Stream) Close() error {
	if s.err != nil {
		return s.err
	}
	if len(s.buf) > 0 {
		lh := leafHash(s.challenge, s.buf)
		s.tree.Push(lh)
		if s.chunkSeen == s.index {
			s.leafData = lh
		}
		s.chunkSeen++
		s.buf = nil
	}
	s.done = true
	return nil
}

// Result finalizes the proof and returns it. It must be called after
// the full shard has been copied into the Stream (typically after
// io.Copy returns and Close has run).
func (s *Stream) Result() (*Proof, error) {
	if s.err != nil {
		return nil, s.err
	}
	if !s.done {
		if err := s.Close(); err != nil {
			return nil, err
		}
	}
	if s.chunkSeen <= s.index {
		return nil, ErrTruncated
	}
	if s.chunkSeen != s.numLeaves {
		return nil, ErrInconsistentTree
	}
	_, proofSet, proofIndex, numLeaves := s.tree.Prove()
	if len(proofSet) == 0 && s.numLeaves > 1 {
		return nil, ErrInconsistentTree
	}
	return &Proof{
		HashSet:   proofSet,
		Index:     proofIndex,
		NumLeaves: numLeaves,
		Leaf:      s.leafData,
	}, nil
}

// Pipe copies shard bytes from r into the Stream and returns the
// finished proof, matching the "pipe shard bytes through it" flow AUDIT
// uses.
func Pipe(r io.Reader, s *Stream) (*Proof, error) {
	if _, err := io.Copy(s, r); err != nil {
		return nil, errors.AddContext(err, "failed to read shard bytes")
	}
	return s.Result()
}

// Verify recomputes the Merkle root from proof and returns
// (expectedRoot, computedRoot) for the caller to compare, per
// spec.md §4.2's static verification calling convention.
func Verify(p *Proof, expectedRoot []byte) (expected, computed []byte) {
	if p == nil {
		return expectedRoot, nil
	}
	ok := merkletree.Verify(newHasher(), expectedRoot, p.HashSet, p.Index, p.NumLeaves)
	if !ok {
		return expectedRoot, []byte{}
	}
	return expectedRoot, expectedRoot
}
