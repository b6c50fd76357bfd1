// Package edgecache is a caching edge that sits in front of the app origin
// and keeps the editor usable when the origin is unreachable: asset
// prefetch, stale-while-revalidate serving, offline note pages, and a
// message API relayed over redis to subscribed pages.
package edgecache

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is one cached origin response.
type Entry struct {
	Status      int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// Cache holds origin responses keyed by request method and URL.
type Cache struct {
	lru *lru.Cache[uint64, Entry]
}

// NewCache creates a cache bounded to size entries.
func NewCache(size int) (*Cache, error) {
	inner, err := lru.New[uint64, Entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: inner}, nil
}

// Key fingerprints a request.
func Key(method, url string) uint64 {
	return xxhash.Sum64String(method + " " + url)
}

// KeyString renders a key for singleflight grouping.
func KeyString(key uint64) string {
	return strconv.FormatUint(key, 16)
}

func (c *Cache) Get(key uint64) (Entry, bool) {
	return c.lru.Get(key)
}

func (c *Cache) Put(key uint64, entry Entry) {
	entry.FetchedAt = time.Now()
	c.lru.Add(key, entry)
}

func (c *Cache) Len() int {
	return c.lru.Len()
}
