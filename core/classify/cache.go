package classify

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/blake2b"

	"carewatch/core/evidence"
)

type cacheKey struct {
	incidentID  int64
	fingerprint string
}

// Cache memoizes classifications per incident and evidence snapshot. Bounded
// size and TTL make staleness an explicit contract: a changed evidence set
// changes the fingerprint and misses.
type Cache struct {
	lru *expirable.LRU[cacheKey, string]
}

func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{lru: expirable.NewLRU[cacheKey, string](size, nil, ttl)}
}

func (c *Cache) Get(incidentID int64, fingerprint string) (string, bool) {
	if c == nil || c.lru == nil {
		return "", false
	}
	return c.lru.Get(cacheKey{incidentID: incidentID, fingerprint: fingerprint})
}

func (c *Cache) Add(incidentID int64, fingerprint, subType string) {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Add(cacheKey{incidentID: incidentID, fingerprint: fingerprint}, subType)
}

// Fingerprint hashes note identities and timestamps so any change to the
// evidence set invalidates cached classifications.
func Fingerprint(notes []evidence.Note) string {
	h, _ := blake2b.New256(nil)
	for _, n := range notes {
		h.Write([]byte(n.ID))
		h.Write([]byte{'|'})
		h.Write([]byte(strconv.FormatInt(n.CreatedAt.UTC().UnixNano(), 10)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
