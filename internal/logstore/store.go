// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package logstore implements the append-only, segmented log. Each
// segment is a single bbolt file holding one bucket keyed by
// big-endian LogIndex; bbolt's transactional commit gives
// fsync-before-return durability without having to hand-roll
// segment-file framing and recovery.
package logstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/wal-sink/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

const segmentSuffix = ".wal"

// Option configures a Store at Open time.
type Option func(*Store)

// WithBlockSize overrides the default segment rollover threshold.
func WithBlockSize(n int64) Option {
	return func(s *Store) { s.blockSize = n }
}

// segment wraps one bbolt file holding indices [startIndex, nextStart).
type segment struct {
	db         *bolt.DB
	path       string
	startIndex types.LogIndex
	size       int64 // approximate bytes written, used for rollover only
}

// Store is a durable, append-only, segmented log. It is safe for
// concurrent use by multiple appenders and multiple independent
// Tailers.
type Store struct {
	dir       string
	blockSize int64

	mu        sync.RWMutex
	segments  []*segment // ordered by startIndex ascending; last is the writable one
	nextIndex types.LogIndex
	closed    bool
}

// Open opens (or creates) a log store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating log directory %s", dir)
	}

	s := &Store{dir: dir, blockSize: types.DefaultBlockSize}
	for _, opt := range opts {
		opt(s)
	}

	starts, err := existingSegmentStarts(dir)
	if err != nil {
		return nil, err
	}

	if len(starts) == 0 {
		seg, err := openSegment(dir, 0)
		if err != nil {
			return nil, err
		}
		s.segments = []*segment{seg}
		s.nextIndex = 0
		return s, nil
	}

	for _, start := range starts {
		seg, err := openSegment(dir, start)
		if err != nil {
			return nil, err
		}
		s.segments = append(s.segments, seg)
	}

	last := s.segments[len(s.segments)-1]
	maxIdx, err := maxKey(last.db)
	if err != nil {
		return nil, err
	}
	if maxIdx == types.NoIndex {
		s.nextIndex = last.startIndex
	} else {
		s.nextIndex = maxIdx + 1
	}
	last.size, err = segmentSize(last.db)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func existingSegmentStarts(dir string) ([]types.LogIndex, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading log directory %s", dir)
	}
	var starts []types.LogIndex
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentSuffix) {
			continue
		}
		raw := strings.TrimSuffix(e.Name(), segmentSuffix)
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue // not one of ours; ignore stray files
		}
		starts = append(starts, types.LogIndex(n))
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}

func segmentPath(dir string, start types.LogIndex) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", start, segmentSuffix))
}

func openSegment(dir string, start types.LogIndex) (*segment, error) {
	path := segmentPath(dir, start)
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening segment %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "initializing segment %s", path)
	}
	return &segment{db: db, path: path, startIndex: start}, nil
}

func maxKey(db *bolt.DB) (types.LogIndex, error) {
	var max = types.NoIndex
	err := db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		k, _ := c.Last()
		if k != nil {
			max = types.LogIndex(decodeKey(k))
		}
		return nil
	})
	return max, err
}

func segmentSize(db *bolt.DB) (int64, error) {
	var size int64
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			size += int64(len(k) + len(v))
			return nil
		})
	})
	return size, err
}

func encodeKey(idx types.LogIndex) []byte {
	b := make([]byte, 8)
	// Big-endian so bbolt's byte-order cursor walks keys in index order.
	u := uint64(idx)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

func decodeKey(b []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return int64(u)
}

// Append durably writes one record and returns its assigned LogIndex.
// It is safe to call concurrently from multiple goroutines: the store
// serialises writes internally.
func (s *Store) Append(record []byte) (types.LogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NoIndex, errors.Wrap(types.ErrEndOfLog, "log store is closed")
	}

	cur := s.segments[len(s.segments)-1]
	if cur.size >= s.blockSize {
		next, err := openSegment(s.dir, s.nextIndex)
		if err != nil {
			return types.NoIndex, errors.Wrap(err, "rolling over log segment")
		}
		s.segments = append(s.segments, next)
		cur = next
		log.WithFields(log.Fields{"segment": next.path, "startIndex": next.startIndex}).Info("log segment rollover")
	}

	idx := s.nextIndex
	key := encodeKey(idx)
	if err := cur.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put(key, record)
	}); err != nil {
		return types.NoIndex, errors.Wrap(err, "appending log record")
	}

	cur.size += int64(len(key) + len(record))
	s.nextIndex++
	return idx, nil
}

// segmentFor returns the segment that holds idx, or nil if idx is not
// yet (or no longer) covered by any open segment.
func (s *Store) segmentFor(idx types.LogIndex) *segment {
	// segments are ordered by startIndex ascending; find the last one
	// whose startIndex <= idx.
	for i := len(s.segments) - 1; i >= 0; i-- {
		if s.segments[i].startIndex <= idx {
			return s.segments[i]
		}
	}
	return nil
}

// End returns the index one past the last appended record — i.e. the
// index the next Append call will assign. Used by the supervisor's
// Stats.
func (s *Store) End() types.LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextIndex
}

// Close invalidates all outstanding Tailers and releases the store's
// segment files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for _, seg := range s.segments {
		if err := seg.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenTailer returns a Tailer positioned so that its next Read returns
// the record at startIndex. A nil startIndex means "from the
// beginning". startIndex beyond the current end is valid; reads will
// return types.ErrEndOfLog until data catches up.
func (s *Store) OpenTailer(startIndex *types.LogIndex) *Tailer {
	pos := types.NoIndex
	if startIndex != nil {
		pos = *startIndex - 1
	}
	return &Tailer{store: s, pos: pos}
}

// Tailer is a single-reader cursor over a Store. It is not safe for
// concurrent use by multiple goroutines.
type Tailer struct {
	store *Store
	pos   types.LogIndex
}

// CurrentIndex returns the index of the last successfully read record,
// or types.NoIndex before any read.
func (t *Tailer) CurrentIndex() types.LogIndex { return t.pos }

// Seek repositions the tailer so the next Read returns idx.
func (t *Tailer) Seek(idx types.LogIndex) { t.pos = idx - 1 }

// Read returns the next record after the tailer's current position.
// It returns types.ErrEndOfLog if no new data is available (non-fatal;
// the caller may retry), or types.ErrCorrupt if the next index is below
// the store's end but no record is stored there (no covering segment,
// or a missing key). It does not decode the record; decode failures
// are reported by the log codec.
func (t *Tailer) Read(ctx context.Context) (types.LogIndex, []byte, error) {
	if err := ctx.Err(); err != nil {
		return types.NoIndex, nil, err
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	if t.store.closed {
		return types.NoIndex, nil, errors.New("tailer's log store has been closed")
	}

	next := t.pos + 1
	if next >= t.store.nextIndex {
		return types.NoIndex, nil, types.ErrEndOfLog
	}

	seg := t.store.segmentFor(next)
	if seg == nil {
		return types.NoIndex, nil, errors.Wrapf(types.ErrCorrupt, "no segment covers index %d", next)
	}

	var record []byte
	err := seg.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get(encodeKey(next))
		if v == nil {
			return errors.Wrapf(types.ErrCorrupt, "missing record at index %d", next)
		}
		record = append([]byte(nil), v...) // copy out of the mmap'd page
		return nil
	})
	if err != nil {
		return types.NoIndex, nil, err
	}

	t.pos = next
	return next, record, nil
}
