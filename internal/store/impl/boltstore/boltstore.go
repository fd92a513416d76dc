package boltstore

import (
	"fmt"
	"time"

	"github.com/phuslu/log"
	bolt "go.etcd.io/bbolt"
)

// Shared-preferences file name on the device side, reused as the bucket name.
const DefaultBucket = "FlutterSharedPreferences"

type BoltConfig struct {
	Path    string
	Bucket  string
	Timeout time.Duration
}

// BoltPrefs keeps every preference in a single bbolt bucket. Each Put is its
// own write transaction, so a value is either fully replaced or untouched.
type BoltPrefs struct {
	db     *bolt.DB
	bucket []byte
	log    log.Logger
}

func Open(config *BoltConfig) (*BoltPrefs, error) {
	bucket := config.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(config.Path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", config.Path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create bucket %s: %w", bucket, err)
	}
	p := &BoltPrefs{db: db, bucket: []byte(bucket)}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "boltstore").Value()
	p.log.Info().Str("path", config.Path).Str("bucket", bucket).Msg("preferences opened")
	return p, nil
}

func (p *BoltPrefs) Get(key string) (string, bool, error) {
	var value string
	var ok bool
	err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(p.bucket).Get([]byte(key))
		if v != nil {
			// v is only valid inside the transaction
			value = string(v)
			ok = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("boltstore: get %s: %w", key, err)
	}
	return value, ok, nil
}

func (p *BoltPrefs) Put(key, value string) error {
	err := p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(p.bucket).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("boltstore: put %s: %w", key, err)
	}
	return nil
}

func (p *BoltPrefs) Close() error {
	return p.db.Close()
}
