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

package consumer

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/wal-sink/internal/logcodec"
	"github.com/cockroachdb/wal-sink/internal/logstore"
	"github.com/cockroachdb/wal-sink/internal/offsetstore"
	"github.com/cockroachdb/wal-sink/internal/types"
	"github.com/stretchr/testify/require"
)

// captureListener records OnBatchComplete calls and signals on ch after
// each one, so tests can synchronize with the consumer's main loop
// without sleeping.
type captureListener struct {
	types.NopListener
	ch chan []*types.LogEntry
}

func (l *captureListener) OnBatchComplete(_ context.Context, entries []*types.LogEntry, ok bool) {
	if ok {
		l.ch <- entries
	} else {
		l.ch <- nil
	}
}

func mustAppendEntry(t *testing.T, store *logstore.Store, e *types.LogEntry) types.LogIndex {
	t.Helper()
	raw, err := logcodec.EncodeEntry(e)
	require.NoError(t, err)
	idx, err := store.Append(raw)
	require.NoError(t, err)
	return idx
}

func waitFor(t *testing.T, ch chan []*types.LogEntry) []*types.LogEntry {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the consumer to complete a batch")
		return nil
	}
}

func TestConsumerAppliesEntryAndCommitsOffset(t *testing.T) {
	store, err := logstore.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	entry, err := types.NewEntryBuilder("shop", "orders", types.OpInsert).
		Put("id", types.Int64Value(1)).
		Put("total", types.Int64Value(500)).
		Build()
	require.NoError(t, err)
	mustAppendEntry(t, store, entry)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	offsets := offsetstore.New("admin", "consumer_offsets")
	mock.ExpectExec(regexp.QuoteMeta(offsets.FullName())).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT last_offset").WithArgs("consumer-0").
		WillReturnRows(sqlmock.NewRows([]string{"last_offset"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO shop.orders (id,total) VALUES (?,?)")).
		WithArgs(int64(1), int64(500)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO admin.consumer_offsets").
		WithArgs("consumer-0", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ch := make(chan []*types.LogEntry, 1)
	listener := &captureListener{ch: ch}

	c := New(Config{
		LogStore:   store,
		Pool:       db,
		ConsumerID: "consumer-0",
		Offsets:    offsets,
		BatchSize:  10,
		Listener:   listener,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	got := waitFor(t, ch)
	require.Len(t, got, 1)
	require.Equal(t, "orders", got[0].GetTable())

	cancel()
	require.NoError(t, <-runErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumerRecoversFromCorruptionViaProgressiveSkip(t *testing.T) {
	store, err := logstore.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	first, err := types.NewEntryBuilder("shop", "orders", types.OpInsert).
		Put("id", types.Int64Value(1)).
		Build()
	require.NoError(t, err)
	mustAppendEntry(t, store, first) // idx 0

	// idx 1..10: undecodable tag byte -> CORRUPT. The tailer's position
	// lands on idx 1 first (current=1); candidate current+1 (idx 2) is
	// also corrupt, so recovery only succeeds at candidate current+10
	// (idx 11), exercising the progressive part of the skip protocol.
	for i := 0; i < 10; i++ {
		_, err := store.Append([]byte{0xFF})
		require.NoError(t, err)
	}

	resume, err := types.NewEntryBuilder("shop", "orders", types.OpInsert).
		Put("id", types.Int64Value(10)).
		Build()
	require.NoError(t, err)
	mustAppendEntry(t, store, resume) // idx 11

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	offsets := offsetstore.New("admin", "consumer_offsets")
	mock.ExpectExec(regexp.QuoteMeta(offsets.FullName())).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT last_offset").WithArgs("consumer-0").
		WillReturnRows(sqlmock.NewRows([]string{"last_offset"}))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO shop.orders (id) VALUES (?)")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO admin.consumer_offsets").
		WithArgs("consumer-0", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO shop.orders (id) VALUES (?)")).
		WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO admin.consumer_offsets").
		WithArgs("consumer-0", int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ch := make(chan []*types.LogEntry, 2)
	listener := &captureListener{ch: ch}

	c := New(Config{
		LogStore:   store,
		Pool:       db,
		ConsumerID: "consumer-0",
		Offsets:    offsets,
		BatchSize:  1,
		Listener:   listener,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	first1 := waitFor(t, ch)
	require.Len(t, first1, 1)

	second := waitFor(t, ch)
	require.Len(t, second, 1)
	v, _ := second[0].Get("id")
	require.True(t, v.Equal(types.Int64Value(10)))
	require.Equal(t, types.StateRunning, c.State())

	cancel()
	require.NoError(t, <-runErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumerRollsBackAndRetriesAfterChaosInjectedFailure(t *testing.T) {
	store, err := logstore.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	entry, err := types.NewEntryBuilder("shop", "orders", types.OpInsert).
		Put("id", types.Int64Value(1)).
		Build()
	require.NoError(t, err)
	mustAppendEntry(t, store, entry)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	offsets := offsetstore.New("admin", "consumer_offsets")
	mock.ExpectExec(regexp.QuoteMeta(offsets.FullName())).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT last_offset").WithArgs("consumer-0").
		WillReturnRows(sqlmock.NewRows([]string{"last_offset"}))

	// First attempt: WithChaosTx(tx, 1) always fails the INSERT before it
	// ever reaches the driver, so the mock never sees that statement --
	// only the surrounding Begin/Rollback.
	mock.ExpectBegin()
	mock.ExpectRollback()

	// Second attempt: unwrapped, it goes through and commits normally.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO shop.orders (id) VALUES (?)")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO admin.consumer_offsets").
		WithArgs("consumer-0", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ch := make(chan []*types.LogEntry, 2)
	listener := &captureListener{ch: ch}

	c := New(Config{
		LogStore:   store,
		Pool:       db,
		ConsumerID: "consumer-0",
		Offsets:    offsets,
		BatchSize:  1,
		Listener:   listener,
	})

	var attempts int
	c.wrapTx = func(tx types.TargetTx) types.TargetTx {
		attempts++
		if attempts == 1 {
			return WithChaosTx(tx, 1)
		}
		return tx
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	failed := waitFor(t, ch)
	require.Nil(t, failed)

	succeeded := waitFor(t, ch)
	require.Len(t, succeeded, 1)

	cancel()
	require.NoError(t, <-runErr)
	require.NoError(t, mock.ExpectationsWereMet())
}
