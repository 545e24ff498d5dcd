// Package localcache is the device-local durable key-value cache. The catalog,
// the session scan list and the offline queue all live here so a scanner keeps
// working while the remote store is unreachable.
package localcache

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("cache key not found")

// Entry is one key/value pair returned by List
type Entry struct {
	Key   string
	Value []byte
}

// Cache is a key-value store with prefix listing. List returns entries in
// ascending key order.
type Cache interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	List(prefix string) ([]Entry, error)
}

// GetJSON reads key and decodes it into v
func GetJSON(c Cache, key string, v interface{}) error {
	data, err := c.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key
func SetJSON(c Cache, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(key, data)
}
