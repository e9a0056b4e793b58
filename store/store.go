// Package store defines the two persistence collaborators spec.md §1
// treats as external: the contract store and the shard store. Only
// their interfaces live in the core; storeadapters/boltstore provides a
// concrete reference implementation.
package store

import (
	"io"

	"github.com/orclabs/orcd/contract"
)

// ContractStore persists Contract descriptors keyed by
// "{data_hash}:{counterparty_hd_key}" (spec.md §3).
type ContractStore interface {
	Get(key string) (*contract.Contract, bool, error)
	Put(key string, c *contract.Contract) error
	Delete(key string) error
}

// Capacity reports a shard store's available and allocated space.
type Capacity struct {
	Available uint64
	Allocated uint64
}

// ShardStore is the content-addressed store for shard bytes, keyed by
// data_hash.
type ShardStore interface {
	Exists(hash string) (bool, error)
	CreateReadStream(hash string) (io.ReadCloser, error)
	CreateWriteStream(hash string) (io.WriteCloser, error)
	Unlink(hash string) error
	Size() (Capacity, error)
}
