package dfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/smbclient/internal/logger"
)

// prefixReferral namespaces referral keys: "r:<lower-cased prefix>".
const prefixReferral = "r:"

func keyReferral(key string) []byte {
	return []byte(prefixReferral + key)
}

// BadgerCache is a Cache persisted in BadgerDB. Entries carry a native
// badger TTL so expired referrals are dropped by badger itself.
type BadgerCache struct {
	db *badgerdb.DB
}

// NewBadgerCache opens (or creates) a cache at dir. An empty dir keeps the
// database in memory.
func NewBadgerCache(dir string) (*BadgerCache, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open referral cache: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

func (c *BadgerCache) Get(key string, now time.Time) (*Referral, bool) {
	var ref Referral
	err := c.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyReferral(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ref)
		})
	})
	if err != nil {
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			logger.Debug("DFS cache read failed", logger.KeyPath, key, logger.KeyError, err)
		}
		return nil, false
	}
	// Badger TTLs have second granularity.
	if ref.Expired(now) {
		return nil, false
	}
	return &ref, true
}

func (c *BadgerCache) Put(key string, ref *Referral) error {
	val, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to encode referral: %w", err)
	}
	e := badgerdb.NewEntry(keyReferral(key), val)
	if !ref.Expiration.IsZero() {
		ttl := time.Until(ref.Expiration)
		if ttl <= 0 {
			return nil
		}
		e = e.WithTTL(ttl)
	}
	return c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.SetEntry(e)
	})
}

func (c *BadgerCache) Delete(key string) error {
	return c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(keyReferral(key))
	})
}

// Size returns the LSM tree and value log sizes in bytes.
func (c *BadgerCache) Size() (lsm, vlog int64) {
	return c.db.Size()
}

func (c *BadgerCache) Close() error {
	return c.db.Close()
}
