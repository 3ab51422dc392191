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

// Package supervisor constructs the log store and offset store,
// registers one transactional consumer per configured worker, runs
// them to completion, and reports aggregate stats. An arbitrary-sized
// consumer pool is fanned out and joined with golang.org/x/sync/errgroup.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/wal-sink/internal/consumer"
	"github.com/cockroachdb/wal-sink/internal/logstore"
	"github.com/cockroachdb/wal-sink/internal/offsetstore"
	"github.com/cockroachdb/wal-sink/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config carries the configuration surface needed to construct a
// Supervisor.
type Config struct {
	QueuePath     string
	BlockSize     int64
	OffsetDB      string
	OffsetTable   string
	ConsumerCount int
	BatchSize     int
	Listener      types.ConsumerListener

	// Pool is the target database the consumers apply mutations to.
	Pool types.TargetPool
}

func (c *Config) preflight() error {
	if c.QueuePath == "" {
		c.QueuePath = types.DefaultQueuePath
	}
	if c.BlockSize <= 0 {
		c.BlockSize = types.DefaultBlockSize
	}
	if c.OffsetDB == "" {
		c.OffsetDB = types.DefaultOffsetDB
	}
	if c.OffsetTable == "" {
		c.OffsetTable = types.DefaultOffsetTable
	}
	if c.ConsumerCount <= 0 {
		c.ConsumerCount = types.DefaultConsumerCount
	}
	if c.BatchSize <= 0 {
		c.BatchSize = types.DefaultBatchSize
	}
	if c.Pool == nil {
		return errors.New("supervisor: Pool is required")
	}
	return nil
}

// Stats is the snapshot returned by Supervisor.Stats.
type Stats struct {
	LogPath       string
	ConsumerCount int
	ActiveCount   int
	LastLogIndex  types.LogIndex
}

// Supervisor owns the log store, the offset store, and the pool of
// transactional consumers built on top of them.
type Supervisor struct {
	cfg       Config
	logStore  *logstore.Store
	offsets   *offsetstore.Store
	consumers []*consumer.Consumer

	eg    *errgroup.Group
	egCtx context.Context
}

// New opens the log store at cfg.QueuePath and constructs one Consumer
// per cfg.ConsumerCount, each with a distinct consumerId. It does not
// start any consumer; call StartConsumers for that.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.preflight(); err != nil {
		return nil, err
	}

	store, err := logstore.Open(cfg.QueuePath, logstore.WithBlockSize(cfg.BlockSize))
	if err != nil {
		return nil, errors.Wrap(err, "opening log store")
	}

	offsets := offsetstore.New(cfg.OffsetDB, cfg.OffsetTable)

	s := &Supervisor{cfg: cfg, logStore: store, offsets: offsets}
	for i := 0; i < cfg.ConsumerCount; i++ {
		s.consumers = append(s.consumers, consumer.New(consumer.Config{
			LogStore:   store,
			Pool:       cfg.Pool,
			ConsumerID: fmt.Sprintf("consumer-%d", i),
			Offsets:    offsets,
			BatchSize:  cfg.BatchSize,
			Listener:   cfg.Listener,
		}))
	}

	return s, nil
}

// LogStore returns the underlying log store, e.g. so a caller-supplied
// producer can Append to it.
func (s *Supervisor) LogStore() *logstore.Store { return s.logStore }

// StartConsumers runs every registered consumer on its own goroutine,
// supervised by an errgroup bound to ctx. It returns immediately; use
// Wait or Stop to observe completion.
func (s *Supervisor) StartConsumers(ctx context.Context) {
	s.eg, s.egCtx = errgroup.WithContext(ctx)
	for _, c := range s.consumers {
		c := c
		s.eg.Go(func() error { return c.Run(s.egCtx) })
	}
	log.WithField("count", len(s.consumers)).Info("consumers started")
}

// Wait blocks until every consumer has exited and returns the first
// non-nil error reported, if any.
func (s *Supervisor) Wait() error {
	if s.eg == nil {
		return nil
	}
	return s.eg.Wait()
}

// Stop broadcasts a graceful stop to every consumer and waits up to
// grace for them to finish their current iteration. If grace elapses
// first, it returns a "stop timed out" error instead of blocking
// forever; the consumers are not cancelled and may still be running.
func (s *Supervisor) Stop(grace time.Duration) error {
	for _, c := range s.consumers {
		c.Stop()
	}

	done := make(chan error, 1)
	go func() { done <- s.Wait() }()

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		log.Warn("supervisor stop grace period elapsed; consumers may still be unwinding")
		return errors.New("supervisor: stop timed out waiting for consumers")
	}
}

// Stats reports the current aggregate state. LastLogIndex is read by
// opening a transient tailer positioned at the log's current
// end, matching the store's own bookkeeping without performing any I/O.
func (s *Supervisor) Stats() Stats {
	end := s.logStore.End()
	tailer := s.logStore.OpenTailer(&end)

	active := 0
	for _, c := range s.consumers {
		switch c.State() {
		case types.StateStopped:
		default:
			active++
		}
	}

	return Stats{
		LogPath:       s.cfg.QueuePath,
		ConsumerCount: len(s.consumers),
		ActiveCount:   active,
		LastLogIndex:  tailer.CurrentIndex(),
	}
}

// Close releases the log store's segment files. Call after Stop/Wait
// has returned.
func (s *Supervisor) Close() error {
	return s.logStore.Close()
}
