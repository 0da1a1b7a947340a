// Package datastore wraps a badger-backed go-datastore with the streaming
// helpers the store and branch registry need: prefix iteration over keys or
// key-value pairs and bulk clearing of a key range.
package datastore

import (
	"context"

	badger "github.com/dgraph-io/badger/v4"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badger4 "github.com/ipfs/go-ds-badger4"
)

// Datastore is the persistent KV surface under the blockstore and the
// branch registry.
type Datastore interface {
	ds.Datastore
	ds.BatchingFeature
	ds.TxnFeature
	ds.GCFeature
	ds.PersistentFeature

	// Iterator streams key-value pairs under prefix. The error channel
	// carries failures from the underlying query or ctx cancellation.
	Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error)

	// Keys streams only the keys under prefix.
	Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error)

	// ClearPrefix removes every entry under prefix in one batch.
	ClearPrefix(ctx context.Context, prefix ds.Key) error
}

// KeyValue is one streamed entry.
type KeyValue struct {
	Key   ds.Key
	Value []byte
}

var _ Datastore = (*datastorage)(nil)

type datastorage struct {
	*badger4.Datastore
}

// Open creates or opens a badger datastore at path. A nil opts gets
// defaults tuned for this workload: single version per key and no conflict
// detection, since writes are serialized by the branch locks above us.
func Open(path string, opts *badger4.Options) (Datastore, error) {
	if opts == nil {
		o := badger4.DefaultOptions
		o.Options = badger.DefaultOptions("").
			WithNumVersionsToKeep(1).
			WithDetectConflicts(false).
			WithLogger(nil)
		opts = &o
	}
	bds, err := badger4.NewDatastore(path, opts)
	if err != nil {
		return nil, err
	}
	return &datastorage{Datastore: bds}, nil
}

func (s *datastorage) Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error) {
	result, err := s.Datastore.Query(ctx, query.Query{Prefix: prefix.String(), KeysOnly: keysOnly})
	if err != nil {
		return nil, nil, err
	}

	out := make(chan KeyValue)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		defer result.Close()

		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errc <- res.Error
					return
				}
				select {
				case out <- KeyValue{Key: ds.NewKey(res.Key), Value: res.Value}:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
	}()

	return out, errc, nil
}

func (s *datastorage) Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error) {
	kvs, errc, err := s.Iterator(ctx, prefix, true)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan ds.Key)
	go func() {
		defer close(out)
		for kv := range kvs {
			select {
			case out <- kv.Key:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc, nil
}

func (s *datastorage) ClearPrefix(ctx context.Context, prefix ds.Key) error {
	result, err := s.Datastore.Query(ctx, query.Query{Prefix: prefix.String(), KeysOnly: true})
	if err != nil {
		return err
	}
	defer result.Close()

	b, err := s.Batch(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-result.Next():
			if !ok {
				return b.Commit(ctx)
			}
			if res.Error != nil {
				return res.Error
			}
			if err := b.Delete(ctx, ds.NewKey(res.Key)); err != nil {
				return err
			}
		}
	}
}

func (s *datastorage) Close() error {
	return s.Datastore.Close()
}
