package boltstore

import (
	"io"
	"os"
	"path/filepath"

	"gitlab.com/NebulousLabs/errors"

	"github.com/orclabs/orcd/store"
)

// ShardStore is a filesystem-backed store.ShardStore: shard bytes live
// as content-addressed files under dir, sharded two hex characters
// deep so no single directory accumulates millions of entries.
type ShardStore struct {
	dir string
}

// NewShardStore roots a ShardStore at dir, creating it if necessary.
func NewShardStore(dir string) (*ShardStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.AddContext(err, "failed to create shard directory")
	}
	return &ShardStore{dir: dir}, nil
}

// Exists implements store.ShardStore.
func (s *ShardStore) Exists(hash string) (bool, error) {
	_, err := os.Stat(shardPath(s.dir, hash))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.AddContext(err, "failed to stat shard")
	}
	return true, nil
}

// CreateReadStream implements store.ShardStore.
func (s *ShardStore) CreateReadStream(hash string) (io.ReadCloser, error) {
	f, err := os.Open(shardPath(s.dir, hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("shard not found")
		}
		return nil, errors.AddContext(err, "failed to open shard")
	}
	return f, nil
}

// atomicWriteCloser buffers writes to a temp file and renames it into
// place on Close, so a crash mid-write never leaves a partial shard
// visible under its final hash-addressed name.
type atomicWriteCloser struct {
	f        *os.File
	finalPath string
}

func (w *atomicWriteCloser) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *atomicWriteCloser) Close() error {
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return err
	}
	return os.Rename(w.f.Name(), w.finalPath)
}

// CreateWriteStream implements store.ShardStore.
func (s *ShardStore) CreateWriteStream(hash string) (io.WriteCloser, error) {
	finalPath := shardPath(s.dir, hash)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0700); err != nil {
		return nil, errors.AddContext(err, "failed to create shard shard directory")
	}
	f, err := os.CreateTemp(filepath.Dir(finalPath), hash+".tmp-*")
	if err != nil {
		return nil, errors.AddContext(err, "failed to create temp shard file")
	}
	return &atomicWriteCloser{f: f, finalPath: finalPath}, nil
}

// Unlink implements store.ShardStore.
func (s *ShardStore) Unlink(hash string) error {
	err := os.Remove(shardPath(s.dir, hash))
	if err != nil && !os.IsNotExist(err) {
		return errors.AddContext(err, "failed to unlink shard")
	}
	return nil
}

// Size implements store.ShardStore by summing on-disk shard sizes for
// allocated space. It does not query the filesystem for free space, so
// Available is always zero.
func (s *ShardStore) Size() (store.Capacity, error) {
	var allocated uint64
	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			allocated += uint64(info.Size())
		}
		return nil
	})
	if err != nil {
		return store.Capacity{}, errors.AddContext(err, "failed to walk shard directory")
	}
	return store.Capacity{Allocated: allocated}, nil
}
