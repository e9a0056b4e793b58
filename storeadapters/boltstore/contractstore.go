// Package boltstore is the reference ContractStore/ShardStore
// implementation: contract descriptors in a gitlab.com/NebulousLabs/bolt
// database, writes protected by a gitlab.com/NebulousLabs/writeaheadlog
// so a crash mid-commit can't leave a half-written descriptor, and
// shard bytes as content-addressed files on disk, mirroring the
// split the teacher's host module makes between small metadata (bolt)
// and large sector payloads (raw files) (modules/host/paymentextractor.go,
// modules/host/contractmanager/writeaheadlog.go).
package boltstore

import (
	"path/filepath"

	"gitlab.com/NebulousLabs/bolt"
	"gitlab.com/NebulousLabs/encoding"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/writeaheadlog"

	"github.com/orclabs/orcd/contract"
)

var (
	bucketContracts = []byte("contracts")
	bucketSizes     = []byte("sizes")
)

const (
	putContractUpdateName    = "PutContractUpdate"
	deleteContractUpdateName = "DeleteContractUpdate"
)

// ContractStore is a bolt-backed store.ContractStore, write-ahead
// logged for crash safety.
type ContractStore struct {
	db  *bolt.DB
	wal *writeaheadlog.WAL
}

// OpenContractStore opens (creating if necessary) a bolt database at
// dbPath and a companion WAL at walPath, replaying any unfinished
// transactions from a prior crash before returning.
func OpenContractStore(dbPath, walPath string) (*ContractStore, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errors.AddContext(err, "failed to open contract database")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketContracts); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSizes)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.AddContext(err, "failed to initialize contracts bucket")
	}

	txns, wal, err := writeaheadlog.New(walPath)
	if err != nil {
		db.Close()
		return nil, errors.AddContext(err, "failed to open contract store WAL")
	}
	cs := &ContractStore{db: db, wal: wal}
	if err := cs.recover(txns); err != nil {
		db.Close()
		return nil, errors.AddContext(err, "failed to recover contract store WAL")
	}
	return cs, nil
}

// recover replays any WAL transactions left unfinished by a prior
// crash, re-applying each update directly to bolt and acknowledging it.
func (cs *ContractStore) recover(txns []*writeaheadlog.Transaction) error {
	for _, txn := range txns {
		if err := <-txn.SignalSetupComplete(); err != nil {
			return err
		}
		for _, u := range txn.Updates {
			if err := cs.applyUpdate(u); err != nil {
				return err
			}
		}
		if err := txn.SignalUpdatesApplied(); err != nil {
			return err
		}
	}
	return nil
}

func (cs *ContractStore) applyUpdate(u writeaheadlog.Update) error {
	switch u.Name {
	case putContractUpdateName:
		var key, hash string
		var size uint64
		var raw []byte
		if err := encoding.UnmarshalAll(u.Instructions, &key, &hash, &size, &raw); err != nil {
			return err
		}
		return cs.db.Update(func(tx *bolt.Tx) error {
			if err := tx.Bucket(bucketContracts).Put([]byte(key), raw); err != nil {
				return err
			}
			return tx.Bucket(bucketSizes).Put([]byte(hash), encoding.Marshal(size))
		})
	case deleteContractUpdateName:
		var key string
		if err := encoding.Unmarshal(u.Instructions, &key); err != nil {
			return err
		}
		return cs.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketContracts).Delete([]byte(key))
		})
	default:
		return errors.New("contract store: unknown WAL update " + u.Name)
	}
}

// Get implements store.ContractStore.
func (cs *ContractStore) Get(key string) (*contract.Contract, bool, error) {
	var raw []byte
	err := cs.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketContracts).Get([]byte(key))
		if v != nil {
			raw = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, errors.AddContext(err, "failed to read contract")
	}
	if raw == nil {
		return nil, false, nil
	}
	c, err := contract.UnmarshalDescriptor(raw)
	if err != nil {
		return nil, false, errors.AddContext(err, "failed to decode stored contract")
	}
	return c, true, nil
}

// Put implements store.ContractStore, going through the WAL so a crash
// between the log write and the bolt commit is replayed on restart
// instead of silently losing the update.
func (cs *ContractStore) Put(key string, c *contract.Contract) error {
	raw, err := c.MarshalDescriptor()
	if err != nil {
		return errors.AddContext(err, "failed to encode contract")
	}
	update := writeaheadlog.Update{
		Name:         putContractUpdateName,
		Instructions: encoding.MarshalAll(key, c.GetString(contract.FieldDataHash), c.GetUint64(contract.FieldDataSize), raw),
	}
	txn, err := cs.wal.NewTransaction([]writeaheadlog.Update{update})
	if err != nil {
		return errors.AddContext(err, "failed to create WAL transaction")
	}
	if err := <-txn.SignalSetupComplete(); err != nil {
		return errors.AddContext(err, "failed to signal WAL setup complete")
	}
	if err := cs.applyUpdate(update); err != nil {
		return errors.AddContext(err, "failed to apply contract put")
	}
	return txn.SignalUpdatesApplied()
}

// Delete implements store.ContractStore.
func (cs *ContractStore) Delete(key string) error {
	update := writeaheadlog.Update{
		Name:         deleteContractUpdateName,
		Instructions: encoding.Marshal(key),
	}
	txn, err := cs.wal.NewTransaction([]writeaheadlog.Update{update})
	if err != nil {
		return errors.AddContext(err, "failed to create WAL transaction")
	}
	if err := <-txn.SignalSetupComplete(); err != nil {
		return errors.AddContext(err, "failed to signal WAL setup complete")
	}
	if err := cs.applyUpdate(update); err != nil {
		return errors.AddContext(err, "failed to apply contract delete")
	}
	return txn.SignalUpdatesApplied()
}

// DataSizeFor implements httpapi.ContractLookup directly, so a
// ContractStore can be handed straight to an httpapi.Server without an
// adapter: it consults the secondary hash->data_size index maintained
// alongside every Put.
func (cs *ContractStore) DataSizeFor(hash string) (uint64, bool, error) {
	var size uint64
	var found bool
	err := cs.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSizes).Get([]byte(hash))
		if v == nil {
			return nil
		}
		found = true
		return encoding.Unmarshal(v, &size)
	})
	if err != nil {
		return 0, false, errors.AddContext(err, "failed to read contract size index")
	}
	return size, found, nil
}

// Close releases the bolt database and WAL.
func (cs *ContractStore) Close() error {
	return errors.Compose(cs.wal.Close(), cs.db.Close())
}

// shardPath is shared with ShardStore to keep the two adapters'
// on-disk layouts visually associated under the same data directory.
func shardPath(dir, hash string) string {
	return filepath.Join(dir, hash[:2], hash)
}
