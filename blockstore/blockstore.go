// Package blockstore stores immutable component payloads content-addressed
// by CID. A version row in the search index carries the CID of its payload
// block; rewriting a component produces a new block, so blocks are never
// mutated and orphans left by rolled-back commits are harmless. They stay in
// the store: the service's Compact removes orphaned index rows, not blocks.
package blockstore

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	"github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"

	"termstore/datastore"
)

const defaultCacheSize = 4096

// Prefix under which blocks live in the datastore.
var blockPrefix = ds.NewKey("/blocks")

type Blockstore interface {
	// Put stores data and returns its CID (v1, raw codec, BLAKE3).
	Put(ctx context.Context, data []byte) (cid.Cid, error)
	// Get returns the block bytes for c.
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	// Has reports block presence without reading it.
	Has(ctx context.Context, c cid.Cid) (bool, error)
	// Delete removes a block.
	Delete(ctx context.Context, c cid.Cid) error
	// View invokes fn on the block bytes without copying out of the cache.
	View(ctx context.Context, c cid.Cid, fn func([]byte) error) error
	Close() error
}

type blockstore struct {
	ds    datastore.Datastore
	cache *lru.Cache[string, []byte]
}

var _ Blockstore = (*blockstore)(nil)

// New creates a blockstore over the datastore with an LRU block cache.
// cacheSize <= 0 picks the default.
func New(store datastore.Datastore, cacheSize int) Blockstore {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, _ := lru.New[string, []byte](cacheSize)
	return &blockstore{ds: store, cache: cache}
}

// CidOf computes the CID a payload would be stored under.
func CidOf(data []byte) (cid.Cid, error) {
	sum := blake3.Sum256(data)
	mh, err := multihash.Encode(sum[:], multihash.BLAKE3)
	if err != nil {
		return cid.Undef, fmt.Errorf("encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

func blockKey(c cid.Cid) ds.Key {
	return blockPrefix.ChildString(c.String())
}

func (bs *blockstore) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	c, err := CidOf(data)
	if err != nil {
		return cid.Undef, err
	}
	key := c.String()
	if _, ok := bs.cache.Get(key); ok {
		return c, nil
	}
	if err := bs.ds.Put(ctx, blockKey(c), data); err != nil {
		return cid.Undef, fmt.Errorf("store block %s: %w", key, err)
	}
	bs.cache.Add(key, data)
	return c, nil
}

func (bs *blockstore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	if data, ok := bs.cache.Get(c.String()); ok {
		return data, nil
	}
	data, err := bs.ds.Get(ctx, blockKey(c))
	if err != nil {
		if err == ds.ErrNotFound {
			return nil, fmt.Errorf("block %s: %w", c, ds.ErrNotFound)
		}
		return nil, err
	}
	bs.cache.Add(c.String(), data)
	return data, nil
}

func (bs *blockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if _, ok := bs.cache.Get(c.String()); ok {
		return true, nil
	}
	return bs.ds.Has(ctx, blockKey(c))
}

func (bs *blockstore) Delete(ctx context.Context, c cid.Cid) error {
	bs.cache.Remove(c.String())
	return bs.ds.Delete(ctx, blockKey(c))
}

func (bs *blockstore) View(ctx context.Context, c cid.Cid, fn func([]byte) error) error {
	data, err := bs.Get(ctx, c)
	if err != nil {
		return err
	}
	return fn(data)
}

func (bs *blockstore) Close() error {
	// The datastore is owned by whoever opened it; nothing to release here.
	return nil
}
