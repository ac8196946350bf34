// Package cache stores fetched blocks keyed by hash so a long-running
// fetcher client never re-requests a block it already has. The original
// Blockfetcher had no cache of its own; this supplements spec.md with the
// durable store a real client needs once it sits in front of a chain
// database instead of a single test assertion.
//
// A hashicorp/golang-lru simplelru front (grounded on the quarantine/trusted
// LRUs in op-node/p2p/sync.go) serves hot reads; a miss falls through to an
// ipfs/go-datastore Batching store, snappy-compressed on write.
package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
)

// DefaultHotSize is the number of recently-fetched blocks kept decompressed
// in memory before falling through to the datastore.
const DefaultHotSize = 256

// Cache is a bounded, optionally persistent store of blocks keyed by hash.
// It never validates a block: Get returns whatever Put stored under that
// hash, with only the hash-equality check "keyed by hash" already implies.
// Chain validation remains out of scope, per spec.md §1.
type Cache struct {
	mu    sync.Mutex
	hot   *lru.LRU[chainhash.Hash, *wire.MsgBlock]
	store ds.Batching
}

// New builds a Cache backed by store, with a hot LRU of hotSize entries in
// front of it. hotSize <= 0 falls back to DefaultHotSize.
func New(store ds.Batching, hotSize int) (*Cache, error) {
	if hotSize <= 0 {
		hotSize = DefaultHotSize
	}
	c := &Cache{store: store}
	hot, err := lru.NewLRU[chainhash.Hash, *wire.MsgBlock](hotSize, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("cache: building hot LRU: %w", err)
	}
	c.hot = hot
	return c, nil
}

// onEvict is the simplelru eviction callback: an evicted hot entry is not
// lost, it just stops being resident in memory — the datastore copy, if
// Put persisted one, remains authoritative.
func (c *Cache) onEvict(_ chainhash.Hash, _ *wire.MsgBlock) {}

func blockKey(hash chainhash.Hash) ds.Key {
	return ds.NewKey("/blocks/" + hash.String())
}

// Put records block under hash, snappy-compressed in the backing
// datastore, and promotes it into the hot LRU.
func (c *Cache) Put(ctx context.Context, hash chainhash.Hash, block *wire.MsgBlock) error {
	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		return fmt.Errorf("cache: serializing block %s: %w", hash, err)
	}

	if err := c.store.Put(ctx, blockKey(hash), snappy.Encode(nil, buf.Bytes())); err != nil {
		return fmt.Errorf("cache: persisting block %s: %w", hash, err)
	}

	c.mu.Lock()
	c.hot.Add(hash, block)
	c.mu.Unlock()
	return nil
}

// Get returns the cached block for hash, if any, serving from the hot LRU
// when present and otherwise decompressing from the datastore.
func (c *Cache) Get(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, bool, error) {
	c.mu.Lock()
	if block, ok := c.hot.Get(hash); ok {
		c.mu.Unlock()
		return block, true, nil
	}
	c.mu.Unlock()

	compressed, err := c.store.Get(ctx, blockKey(hash))
	if err != nil {
		if err == ds.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: reading block %s: %w", hash, err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, false, fmt.Errorf("cache: decompressing block %s: %w", hash, err)
	}
	block := wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, false, fmt.Errorf("cache: deserializing block %s: %w", hash, err)
	}
	if got := block.BlockHash(); got != hash {
		return nil, false, fmt.Errorf("cache: hash mismatch for %s: stored block hashes to %s", hash, got)
	}

	c.mu.Lock()
	c.hot.Add(hash, &block)
	c.mu.Unlock()
	return &block, true, nil
}

// Has reports whether hash is already cached, checking the hot LRU only —
// a cheap pre-filter a caller can use before deciding to FetchBlocks at all.
func (c *Cache) Has(hash chainhash.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hot.Contains(hash)
}

// Keys lists every hash currently durable in the backing datastore, mostly
// useful for tests and offline inspection.
func (c *Cache) Keys(ctx context.Context) ([]chainhash.Hash, error) {
	results, err := c.store.Query(ctx, dsq.Query{Prefix: "/blocks"})
	if err != nil {
		return nil, fmt.Errorf("cache: querying keys: %w", err)
	}
	defer results.Close()

	var out []chainhash.Hash
	for entry := range results.Next() {
		if entry.Error != nil {
			return nil, entry.Error
		}
		name := ds.RawKey(entry.Key).Name()
		h, err := chainhash.NewHashFromStr(name)
		if err != nil {
			continue
		}
		out = append(out, *h)
	}
	return out, nil
}
