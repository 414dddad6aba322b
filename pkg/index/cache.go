// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

// MetadataCache is the persistent, time-boxed metadata cache: a bolt
// database mapping request path to the raw JSON payload plus its fetch
// time.  Entries older than TTL are treated as absent.
type MetadataCache struct {
	Path string
	TTL  time.Duration

	db *bolt.DB
}

var metadataBucket = []byte("metadata")

type cacheRecord struct {
	FetchedAt time.Time       `json:"fetchedAt"`
	Body      json.RawMessage `json:"body"`
}

func OpenMetadataCache(path string, ttl time.Duration) (*MetadataCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, fmt.Errorf("index: metadata cache: %w", err)
	}
	db, err := bolt.Open(path, 0o666, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("index: metadata cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: metadata cache: %w", err)
	}
	return &MetadataCache{Path: path, TTL: ttl, db: db}, nil
}

func (c *MetadataCache) Close() error {
	return c.db.Close()
}

// Get returns the cached payload for key, or (nil, false) on a miss or an
// expired entry.
func (c *MetadataCache) Get(key string) ([]byte, bool) {
	var body []byte
	_ = c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metadataBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var rec cacheRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil // corrupt entry; treat as a miss
		}
		if c.TTL > 0 && time.Since(rec.FetchedAt) > c.TTL {
			return nil
		}
		body = append([]byte(nil), rec.Body...)
		return nil
	})
	return body, body != nil
}

func (c *MetadataCache) Put(key string, body []byte) error {
	raw, err := json.Marshal(cacheRecord{
		FetchedAt: time.Now(),
		Body:      json.RawMessage(body),
	})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metadataBucket).Put([]byte(key), raw)
	})
}

// Clear drops every cached payload; the next fetches go to the network.
func (c *MetadataCache) Clear() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(metadataBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(metadataBucket)
		return err
	})
}
