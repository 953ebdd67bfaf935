// Package imagecache memoizes compiled configuration images in BadgerDB.
//
// Images are keyed by the device name and the canonical form of the design,
// so a rerun with the same seed, or any design that was already compiled in
// an earlier session, skips the slow compile step.
package imagecache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitimage"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/fuzz"
)

const keyPrefix = "img/"

// Options configures a Cache.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM; used by tests and one-shot runs.
	InMemory bool
	// SyncWrites flushes every write to disk before returning.
	SyncWrites bool
	// Logger receives badger's own log output. The zero value discards it.
	Logger zerolog.Logger
}

// Cache is a persistent store of compiled images. It is safe for concurrent
// use and may be shared by several wrapped backends.
type Cache struct {
	db  *badger.DB
	log zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Open opens or creates a cache.
func Open(opts Options) (*Cache, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("imagecache: path is required for a persistent cache")
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("imagecache: create %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{opts.Logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("imagecache: open: %w", err)
	}
	return &Cache{db: db, log: opts.Logger}, nil
}

// Close releases the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Stats returns the hit and miss counts since Open.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Key returns the cache key of a design compiled for a device.
func Key(device string, d fuzz.Design) []byte {
	h := sha256.New()
	writeField(h, device)
	for _, k := range d.Keys() {
		writeField(h, k)
		writeField(h, d[k])
	}
	return []byte(keyPrefix + hex.EncodeToString(h.Sum(nil)))
}

// writeField length-prefixes s so that adjacent fields cannot run together.
func writeField(w io.Writer, s string) {
	io.WriteString(w, strconv.Itoa(len(s))+":"+s)
}

// get returns the cached images for keys; missing entries are nil.
func (c *Cache) get(keys [][]byte) ([]*bitimage.Image, error) {
	out := make([]*bitimage.Image, len(keys))
	err := c.db.View(func(txn *badger.Txn) error {
		for i, key := range keys {
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				img, err := bitimage.Decode(bytes.NewReader(val))
				if err != nil {
					return err
				}
				out[i] = img
				return nil
			})
			if err != nil {
				return fmt.Errorf("entry %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("imagecache: read: %w", err)
	}
	return out, nil
}

func (c *Cache) put(keys [][]byte, imgs []*bitimage.Image) error {
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for i, key := range keys {
		var buf bytes.Buffer
		if err := bitimage.Encode(&buf, imgs[i]); err != nil {
			return fmt.Errorf("imagecache: encode: %w", err)
		}
		if err := wb.Set(key, buf.Bytes()); err != nil {
			return fmt.Errorf("imagecache: write: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("imagecache: flush: %w", err)
	}
	return nil
}

// badgerLogger routes badger's logging into zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.log.Error().Msgf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.log.Warn().Msgf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.log.Debug().Msgf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.log.Trace().Msgf(format, args...) }
