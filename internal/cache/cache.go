// Package cache implements the process-wide LRU specified in spec.md
// §4.11: keyed by Key ∈ {PBA(pba), RID(rid)}, byte-budgeted, with a
// strong/weak reference split and the duplicate-request-collapsing
// registry required by §5 for DDML/IDML get races.
//
// The hot tier is a github.com/hashicorp/golang-lru/v2 strong-reference
// cache, sized unbounded-by-count and instead evicted by hand down to a
// byte budget on every insert (hashicorp/golang-lru/v2 only sizes by
// entry count); VictoriaMetrics/fastcache backs a second, byte-budgeted
// "clean" tier holding the pre-decompression on-disk bytes DDML.Get reads
// off the Pool, so a second Get/GetDirect of the same PBA (the cleaner's
// relocation scan is the common case) skips the Pool read; DDML still
// verifies the checksum of the cached bytes on every read (mirroring the
// teacher's diskLayer.nodes fastcache.Cache).
package cache

import (
	"math"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bfffs/bfffs/common"
)

// Cacheable is any value the cache may hold. Size reports its approximate
// in-memory footprint in bytes, used for byte-budgeted eviction.
type Cacheable interface {
	Size() int
}

// KeyKind distinguishes the two address spaces that share the cache.
type KeyKind int

const (
	KindPba KeyKind = iota
	KindRid
)

// Key is the cache key: either a PBA (DDML-resident records) or an RID
// (IDML-resident records).
type Key struct {
	Kind KeyKind
	Pba  common.Pba
	Rid  common.Rid
}

// PbaKey builds a Key for a DDML-addressed record.
func PbaKey(p common.Pba) Key { return Key{Kind: KindPba, Pba: p} }

// RidKey builds a Key for an IDML-addressed record.
func RidKey(r common.Rid) Key { return Key{Kind: KindRid, Rid: r} }

// CacheRef is a weak reference to a cached value: multiple concurrent
// readers observe the same CacheRef and therefore the same underlying
// Cacheable without each taking an owning copy.
type CacheRef struct {
	key   Key
	value Cacheable
}

// Value returns the referenced Cacheable. It remains valid only as long as
// the entry has not been evicted; callers needing a durable copy must
// clone it themselves (mirrors spec.md's "weak reference... distinct from
// the owned form").
func (r *CacheRef) Value() Cacheable { return r.value }

// Key returns the cache key this reference was resolved from.
func (r *CacheRef) Key() Key { return r.key }

// Cache is the LRU described in spec.md §4.11. All methods take an
// exclusive lock; fine-grained locking is explicitly out of scope there.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	hot      *lru.Cache[Key, Cacheable]

	blobs *fastcache.Cache // byte-budgeted tier for pre-serialized inserts

	inflight map[Key]*inflightRead
}

// inflightRead is the duplicate-request-collapsing registry entry
// (spec.md §5): the first miss on a Key installs one of these before
// releasing the cache lock; subsequent concurrent misses subscribe to its
// done channel instead of issuing a second read.
type inflightRead struct {
	done  chan struct{}
	value Cacheable
	err   error
}

// New constructs a Cache with the given byte capacity for the hot tier and
// blob-bytes capacity for the fastcache-backed clean tier.
func New(capacityBytes int, blobBytes int) *Cache {
	if blobBytes <= 0 {
		blobBytes = 32 * 1024 * 1024
	}
	c := &Cache{
		capacity: int64(capacityBytes),
		blobs:    fastcache.New(blobBytes),
		inflight: make(map[Key]*inflightRead),
	}
	// golang-lru sizes by entry count, not bytes, so the hot tier is given
	// an effectively unbounded count and insertLocked evicts by hand down
	// to c.capacity bytes on every insert; onEvicted keeps c.used in sync
	// however an entry leaves the LRU (our own eviction loop, an explicit
	// Remove, or a Finish replacing a stale entry).
	hot, _ := lru.NewWithEvict[Key, Cacheable](math.MaxInt32, func(_ Key, value Cacheable) {
		c.used -= int64(value.Size())
	})
	c.hot = hot
	return c
}

// Get returns a weak reference to the cached value for key, bumping it to
// MRU, or (nil, false) on a miss.
func (c *Cache) Get(key Key) (*CacheRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.hot.Get(key)
	if !ok {
		return nil, false
	}
	return &CacheRef{key: key, value: value}, true
}

// Insert pushes value to MRU under key, evicting LRU entries until it
// fits within the byte budget.
func (c *Cache) Insert(key Key, value Cacheable) *CacheRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(key, value)
}

func (c *Cache) insertLocked(key Key, value Cacheable) *CacheRef {
	if old, ok := c.hot.Peek(key); ok {
		// Add on an existing key replaces its value without invoking
		// onEvicted, so the byte budget has to be adjusted by hand.
		c.used -= int64(old.Size())
	}
	c.hot.Add(key, value)
	c.used += int64(value.Size())

	for c.capacity > 0 && c.used > c.capacity && c.hot.Len() > 1 {
		oldestKey, _, ok := c.hot.GetOldest()
		if !ok || oldestKey == key {
			break
		}
		c.hot.Remove(oldestKey)
	}
	return &CacheRef{key: key, value: value}
}

// Remove evicts key from both tiers, if present. Clearing the blob tier
// too matters once a freed PBA is reallocated to an unrelated record: a
// stale blob surviving under the same key would otherwise be returned
// for the new DRP and fail its checksum check.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hot.Remove(key)
	c.blobs.Del(blobCacheKey(key))
}

// InsertBlob caches a pre-serialized byte blob in the byte-budgeted clean
// tier, bypassing the Go-heap hot tier entirely.
func (c *Cache) InsertBlob(key Key, blob []byte) {
	c.blobs.SetBig(blobCacheKey(key), blob)
}

// GetBlob retrieves a pre-serialized byte blob, if cached.
func (c *Cache) GetBlob(key Key) ([]byte, bool) {
	blob := c.blobs.GetBig(nil, blobCacheKey(key))
	return blob, len(blob) > 0
}

func blobCacheKey(key Key) []byte {
	switch key.Kind {
	case KindPba:
		return []byte{'p', byte(key.Pba.Cluster >> 8), byte(key.Pba.Cluster),
			byte(key.Pba.Lba >> 56), byte(key.Pba.Lba >> 48), byte(key.Pba.Lba >> 40),
			byte(key.Pba.Lba >> 32), byte(key.Pba.Lba >> 24), byte(key.Pba.Lba >> 16),
			byte(key.Pba.Lba >> 8), byte(key.Pba.Lba)}
	default:
		r := uint64(key.Rid)
		return []byte{'r', byte(r >> 56), byte(r >> 48), byte(r >> 40), byte(r >> 32),
			byte(r >> 24), byte(r >> 16), byte(r >> 8), byte(r)}
	}
}

// BeginRead installs (or joins) the in-flight-read registry entry for key,
// per spec.md §5 / §9 "Duplicate-request collapsing". The first caller
// receives owner=true and must eventually call Finish; subsequent callers
// receive owner=false and a channel that closes once the owner finishes,
// after which they should re-check Get or read the returned value/err.
func (c *Cache) BeginRead(key Key) (owner bool, wait <-chan struct{}, get func() (Cacheable, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ir, ok := c.inflight[key]; ok {
		return false, ir.done, func() (Cacheable, error) { return ir.value, ir.err }
	}
	ir := &inflightRead{done: make(chan struct{})}
	c.inflight[key] = ir
	return true, ir.done, func() (Cacheable, error) { return ir.value, ir.err }
}

// Finish completes an in-flight read the caller began with BeginRead,
// inserting the value into the cache (if err == nil) and waking every
// subscriber.
func (c *Cache) Finish(key Key, value Cacheable, err error) {
	c.mu.Lock()
	ir, ok := c.inflight[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.inflight, key)
	if err == nil {
		c.insertLocked(key, value)
	}
	ir.value, ir.err = value, err
	c.mu.Unlock()
	close(ir.done)
}

// Len returns the number of hot-tier entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hot.Len()
}

// Used returns the current byte usage of the hot tier.
func (c *Cache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}
