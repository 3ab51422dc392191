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

// Package consumer implements the transactional consumer: it tails the
// log, applies entries to the target database and commits the
// consumer's offset in the same transaction, and handles log
// corruption without losing the at-most-once-per-target guarantee. A
// single *sql.Tx is pinned across the read/apply/commit cycle of each
// batch, so a failure partway through never leaves the offset ahead of
// what was actually applied.
package consumer

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/wal-sink/internal/logcodec"
	"github.com/cockroachdb/wal-sink/internal/logstore"
	"github.com/cockroachdb/wal-sink/internal/offsetstore"
	"github.com/cockroachdb/wal-sink/internal/sqlsynth"
	"github.com/cockroachdb/wal-sink/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config are a Consumer's construction-time parameters.
type Config struct {
	LogStore   *logstore.Store
	Pool       types.TargetPool
	ConsumerID string
	Offsets    *offsetstore.Store
	BatchSize  int
	Listener   types.ConsumerListener
}

// Consumer is the read/apply/commit state machine for one consumerId.
type Consumer struct {
	logStore   *logstore.Store
	pool       types.TargetPool
	consumerID string
	offsets    *offsetstore.Store
	batchSize  int
	listener   types.ConsumerListener

	tailer        *logstore.Tailer
	lastCommitted types.LogIndex

	// wrapTx lets tests inject failures into a batch's transaction
	// (e.g. via WithChaosTx) without any production code path setting
	// it. nil means no wrapping.
	wrapTx func(types.TargetTx) types.TargetTx

	mu    sync.Mutex
	state types.ConsumerState

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New constructs a Consumer. Call Run to drive it; Run performs
// construction steps (ensureTable, seek to the last committed offset,
// STARTING -> RUNNING) itself, so that a restarted process can simply
// call New+Run again.
func New(cfg Config) *Consumer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = types.DefaultBatchSize
	}
	listener := cfg.Listener
	if listener == nil {
		listener = types.NopListener{}
	}
	return &Consumer{
		logStore:      cfg.LogStore,
		pool:          cfg.Pool,
		consumerID:    cfg.ConsumerID,
		offsets:       cfg.Offsets,
		batchSize:     batchSize,
		listener:      listener,
		lastCommitted: types.NoIndex,
		state:         types.StateStarting,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
}

// State returns the consumer's current state.
func (c *Consumer) State() types.ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) setState(s types.ConsumerState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Stop requests a clean shutdown: STOPPING is set, the in-flight
// iteration (if any) finishes with its natural commit or rollback, the
// connection is released, and the state becomes STOPPED. Stop does not
// block; use Stopped() to wait.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		c.setState(types.StateStopping)
		close(c.stopCh)
	})
}

// Stopped returns a channel closed once the run loop has exited.
func (c *Consumer) Stopped() <-chan struct{} { return c.stoppedCh }

// Run performs the §4.6 construction steps and then drives the main
// loop until the context is cancelled or Stop is called. It returns nil
// on a clean shutdown, or the fatal error that ended the loop (e.g.
// types.ErrFatalCorruption).
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.stoppedCh)

	if err := c.init(ctx); err != nil {
		c.setState(types.StateStopped)
		return err
	}

	idleBackoff := newBackoff(types.MinIdleBackoff, 2*time.Second)
	failureBackoff := newBackoff(types.MinFailureBackoff, 30*time.Second)

	for {
		select {
		case <-ctx.Done():
			c.setState(types.StateStopped)
			return nil
		case <-c.stopCh:
			c.setState(types.StateStopped)
			return nil
		default:
		}

		progressed, err := c.runIteration(ctx)
		if err != nil {
			if errors.Is(err, types.ErrFatalCorruption) {
				c.setState(types.StateStopping)
				log.WithFields(log.Fields{"consumer": c.consumerID}).Error("stopping after unrecoverable log corruption")
				c.setState(types.StateStopped)
				return err
			}

			log.WithError(err).WithField("consumer", c.consumerID).
				Warn("consumer iteration failed; rolling back and retrying")
			sleep(ctx, failureBackoff.NextBackOff())
			continue
		}
		failureBackoff.Reset()

		if !progressed {
			sleep(ctx, idleBackoff.NextBackOff())
			continue
		}
		idleBackoff.Reset()
	}
}

func (c *Consumer) init(ctx context.Context) error {
	if err := c.offsets.EnsureTable(ctx, dbFromPool(c.pool)); err != nil {
		return errors.Wrap(err, "ensuring offset table exists")
	}

	last, ok, err := c.offsets.Get(ctx, dbFromPool(c.pool), c.consumerID)
	if err != nil {
		return errors.Wrap(err, "reading last committed offset")
	}

	var start *types.LogIndex
	if ok {
		c.lastCommitted = last
		next := last + 1
		start = &next
	}
	c.tailer = c.logStore.OpenTailer(start)

	c.setState(types.StateRunning)
	log.WithFields(log.Fields{"consumer": c.consumerID, "resumeAt": start}).Info("consumer started")
	return nil
}

// dbFromPool adapts a types.TargetPool (which only guarantees BeginTx
// and PingContext) to a types.TargetQuerier for the one-off DDL/SELECT
// calls that happen outside of a batch transaction, over a short-lived
// connection. *sql.DB satisfies both.
func dbFromPool(p types.TargetPool) types.TargetQuerier {
	return p.(types.TargetQuerier)
}

// decodedRecord pairs a successfully read+decoded log record with its
// assigned index.
type decodedRecord struct {
	index types.LogIndex
	item  any // *types.LogEntry or *types.LogBatch
}

// runIteration executes one pass of the main loop. It returns
// progressed=true if at least one record was applied and committed.
func (c *Consumer) runIteration(ctx context.Context) (progressed bool, err error) {
	records, batchEnd, corrupted, rerr := c.readBatch(ctx)
	if rerr != nil {
		return false, rerr
	}

	// A corrupt record stops readBatch early; whatever was read before
	// it is still good and must be committed before we touch corruption
	// recovery, or those already-read entries would be silently lost.
	// The tailer's position is left sitting just before the corrupt
	// record, so the next iteration rediscovers it and runs
	// handleCorruption.
	if len(records) == 0 {
		if corrupted {
			return false, c.handleCorruption(ctx)
		}
		return false, nil
	}

	if err := c.applyAndCommit(ctx, records, batchEnd); err != nil {
		// Reset the tailer to resume from the last committed offset;
		// nothing beyond it was persisted.
		c.tailer.Seek(c.lastCommitted + 1)
		return false, err
	}

	c.lastCommitted = batchEnd
	return true, nil
}

// readBatch reads up to c.batchSize successive records. It stops early
// on end-of-log. If a CORRUPT record is hit, corrupted=true is
// returned along with whatever was read before it (the corrupt record
// itself is not included; the caller must invoke handleCorruption).
func (c *Consumer) readBatch(ctx context.Context) (records []decodedRecord, batchEnd types.LogIndex, corrupted bool, err error) {
	batchEnd = types.NoIndex
	for len(records) < c.batchSize {
		idx, raw, rerr := c.tailer.Read(ctx)
		if errors.Is(rerr, types.ErrEndOfLog) {
			break
		}
		if errors.Is(rerr, types.ErrCorrupt) {
			return records, batchEnd, true, nil
		}
		if rerr != nil {
			return records, batchEnd, false, errors.Wrap(rerr, "reading log record")
		}

		item, derr := logcodec.Decode(raw)
		if derr != nil {
			// A structurally-present but undecodable record is the same
			// operator-visible condition as a missing one. If good records
			// precede it, step back so the next iteration re-reads it and
			// runs handleCorruption instead of reading past it.
			if len(records) > 0 {
				c.tailer.Seek(idx)
			}
			return records, batchEnd, true, nil
		}

		records = append(records, decodedRecord{index: idx, item: item})
		batchEnd = idx
	}
	return records, batchEnd, false, nil
}

// handleCorruption implements the progressive-skip protocol: on
// hitting an undecodable record it tries successively larger jumps
// forward looking for the next readable one, rather than stalling.
func (c *Consumer) handleCorruption(ctx context.Context) error {
	c.setState(types.StateDegraded)
	current := c.tailer.CurrentIndex()

	log.WithFields(log.Fields{"consumer": c.consumerID, "after": current}).
		Warn("log corruption detected; attempting progressive skip")
	corruptionSkipsTotal.WithLabelValues(c.consumerID).Inc()

	for _, off := range types.CorruptionSkipOffsets {
		candidate := current + off
		c.tailer.Seek(candidate)

		idx, raw, err := c.tailer.Read(ctx)
		if err != nil {
			continue // still corrupt, or ran past the end; try the next offset
		}
		if _, derr := logcodec.Decode(raw); derr != nil {
			continue
		}

		gap := int64(idx - current - 1)
		corruptionGapWidth.WithLabelValues(c.consumerID).Set(float64(gap))
		log.WithFields(log.Fields{
			"consumer": c.consumerID, "resumedAt": idx, "gap": gap,
		}).Warn("resumed past corrupt log region; gap is NOT committed and is operator-visible")

		// Undo the probe read so the main loop re-reads (and applies)
		// this record on its next iteration.
		c.tailer.Seek(idx)
		c.setState(types.StateRunning)
		return nil
	}

	return errors.Wrapf(types.ErrFatalCorruption,
		"consumer %s: no candidate offset after %d recovered", c.consumerID, current)
}

// applyAndCommit runs one DB transaction covering every entry in
// records plus the trailing offset commit.
func (c *Consumer) applyAndCommit(ctx context.Context, records []decodedRecord, batchEnd types.LogIndex) (err error) {
	start := time.Now()
	rawTx, err := c.pool.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	var tx types.TargetTx = rawTx
	if c.wrapTx != nil {
		tx = c.wrapTx(tx)
	}

	var applied []*types.LogEntry
	defer func() {
		batchApplyDurations.WithLabelValues(c.consumerID).Observe(time.Since(start).Seconds())
		if err != nil {
			batchCommitErrors.WithLabelValues(c.consumerID).Inc()
			_ = tx.Rollback()
			c.listener.OnBatchComplete(ctx, applied, false)
		} else {
			entriesAppliedTotal.WithLabelValues(c.consumerID).Add(float64(len(applied)))
		}
	}()

	var entries []*types.LogEntry
	for _, rec := range records {
		switch v := rec.item.(type) {
		case *types.LogBatch:
			entries = append(entries, v.Entries()...)
		case *types.LogEntry:
			entries = append(entries, v)
		default:
			err = errors.Errorf("unexpected decoded record type %T", v)
			return err
		}
	}

	for _, e := range entries {
		applied = append(applied, e)
		if err = c.applyEntry(ctx, tx, e); err != nil {
			return err
		}
	}

	if err = c.offsets.Upsert(ctx, tx, c.consumerID, batchEnd); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}

	c.listener.OnBatchComplete(ctx, applied, true)
	return nil
}

func (c *Consumer) applyEntry(ctx context.Context, tx types.TargetTx, e *types.LogEntry) error {
	c.listener.BeforeProcess(ctx, e)

	stmt, err := sqlsynth.Synthesize(e)
	if err != nil {
		c.listener.AfterProcess(ctx, e, false, err)
		return err
	}

	_, err = tx.ExecContext(ctx, stmt.SQL, stmt.Args...)
	c.listener.AfterProcess(ctx, e, err == nil, err)
	if err != nil {
		return errors.Wrapf(err, "applying %s on %s.%s", e.GetOp(), e.GetDb(), e.GetTable())
	}
	rowsAppliedTotal.WithLabelValues(e.GetDb(), e.GetTable()).Inc()
	return nil
}

func newBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.RandomizationFactor = 0 // keep initial as a true floor
	b.MaxElapsedTime = 0      // never gives up; the caller loops forever
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = types.MinIdleBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
