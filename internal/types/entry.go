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

package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// WherePrefix marks a data field as a WHERE predicate rather than a SET
// column.
const WherePrefix = "where_"

// InternalPrefix marks a data field as internal metadata, never
// serialised to SQL.
const InternalPrefix = "_"

// LogEntry is one logical mutation, immutable once Build() returns it.
type LogEntry struct {
	db        string
	table     string
	op        Op
	data      []Field // insertion order preserved
	txID      string
	timestamp int64 // epoch-ms
}

// GetDb returns the target logical database name.
func (e *LogEntry) GetDb() string { return e.db }

// GetTable returns the target table name.
func (e *LogEntry) GetTable() string { return e.table }

// GetOp returns the mutation kind.
func (e *LogEntry) GetOp() Op { return e.op }

// GetData returns the entry's fields in original insertion order. The
// returned slice must not be mutated by callers.
func (e *LogEntry) GetData() []Field { return e.data }

// GetTxID returns the owning transaction id, or "" if none.
func (e *LogEntry) GetTxID() string { return e.txID }

// GetTimestamp returns the entry's epoch-ms timestamp.
func (e *LogEntry) GetTimestamp() int64 { return e.timestamp }

// Get returns the value of the named field and whether it was present.
func (e *LogEntry) Get(name string) (Value, bool) {
	for _, f := range e.data {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Columns returns the SET/INSERT column subset: names not starting with
// WherePrefix or InternalPrefix, in insertion order.
func (e *LogEntry) Columns() []Field {
	out := make([]Field, 0, len(e.data))
	for _, f := range e.data {
		if strings.HasPrefix(f.Name, InternalPrefix) || strings.HasPrefix(f.Name, WherePrefix) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Where returns the WHERE-predicate subset, stripped of WherePrefix, in
// insertion order.
func (e *LogEntry) Where() []Field {
	out := make([]Field, 0, len(e.data))
	for _, f := range e.data {
		if !strings.HasPrefix(f.Name, WherePrefix) {
			continue
		}
		out = append(out, Field{Name: strings.TrimPrefix(f.Name, WherePrefix), Value: f.Value})
	}
	return out
}

// EntryBuilder constructs a LogEntry field-by-field. The zero value is
// not usable; create one with NewEntryBuilder.
type EntryBuilder struct {
	db, table string
	op        Op
	data      []Field
	seen      map[string]bool
	txID      string
	built     bool
}

// NewEntryBuilder starts building a LogEntry for the given target table
// and operation.
func NewEntryBuilder(db, table string, op Op) *EntryBuilder {
	return &EntryBuilder{db: db, table: table, op: op, seen: make(map[string]bool)}
}

// Put appends a (name, value) field. Re-putting an existing name
// replaces its value in place, preserving original position — this
// keeps column order stable if a producer updates a field value before
// calling Build.
func (b *EntryBuilder) Put(name string, v Value) *EntryBuilder {
	if b.seen[name] {
		for i := range b.data {
			if b.data[i].Name == name {
				b.data[i].Value = v
				return b
			}
		}
	}
	b.seen[name] = true
	b.data = append(b.data, Field{Name: name, Value: v})
	return b
}

// WithTxID sets an explicit transaction id on a standalone entry. Used
// rarely outside of batch construction; most entries get their txID
// from BatchBuilder.Build.
func (b *EntryBuilder) WithTxID(txID string) *EntryBuilder {
	b.txID = txID
	return b
}

// Build validates and freezes the entry: db/table/op non-empty, WHERE
// subset non-empty for UPDATE/DELETE, and SET subset non-empty for
// UPDATE. INSERT/UPSERT empty-column checks are the SQL synthesiser's
// concern, since they are specific to how a statement is rendered
// rather than to the entry's own shape.
func (b *EntryBuilder) Build() (*LogEntry, error) {
	if b.built {
		return nil, errors.New("entry builder already used")
	}
	b.built = true

	if b.db == "" {
		return nil, errors.Wrap(ErrMalformed, "db is empty")
	}
	if b.table == "" {
		return nil, errors.Wrap(ErrMalformed, "table is empty")
	}
	if b.op == OpUnknown {
		return nil, errors.Wrap(ErrMalformed, "op is empty")
	}

	e := &LogEntry{
		db:        b.db,
		table:     b.table,
		op:        b.op,
		data:      b.data,
		txID:      b.txID,
		timestamp: time.Now().UnixMilli(),
	}

	if b.op == OpUpdate || b.op == OpDelete {
		if len(e.Where()) == 0 {
			return nil, errors.Wrapf(ErrMalformed, "%s on %s.%s has no WHERE-keyed fields", b.op, b.db, b.table)
		}
	}
	if b.op == OpUpdate {
		if len(e.Columns()) == 0 {
			return nil, errors.Wrapf(ErrMalformed, "UPDATE on %s.%s has no SET columns", b.db, b.table)
		}
	}

	return e, nil
}

// LogBatch is an atomic group of LogEntry values sharing one txID.
type LogBatch struct {
	txID      string
	timestamp int64
	entries   []*LogEntry
	dbNames   map[string]struct{}
}

// GetTxID returns the batch's transaction id.
func (b *LogBatch) GetTxID() string { return b.txID }

// GetTimestamp returns the batch's epoch-ms timestamp.
func (b *LogBatch) GetTimestamp() int64 { return b.timestamp }

// Entries returns the batch's entries in the order they were added.
func (b *LogBatch) Entries() []*LogEntry { return b.entries }

// DBNames returns the distinct set of db names touched by the batch.
func (b *LogBatch) DBNames() map[string]struct{} { return b.dbNames }

// ReconstructEntry rebuilds a LogEntry from its already-validated wire
// representation. It is exported for use by the log codec's Decode path
// only: unlike EntryBuilder.Build, it performs no validation, since a
// previously-encoded entry was valid when it was written and decode
// must reproduce it exactly.
func ReconstructEntry(db, table string, op Op, data []Field, txID string, timestamp int64) *LogEntry {
	return &LogEntry{db: db, table: table, op: op, data: data, txID: txID, timestamp: timestamp}
}

// ReconstructBatch rebuilds a LogBatch from its already-validated wire
// representation. Exported for use by the log codec's Decode path only.
func ReconstructBatch(txID string, timestamp int64, entries []*LogEntry) *LogBatch {
	dbNames := make(map[string]struct{}, 1)
	for _, e := range entries {
		dbNames[e.db] = struct{}{}
	}
	return &LogBatch{txID: txID, timestamp: timestamp, entries: entries, dbNames: dbNames}
}

// BatchBuilder constructs a LogBatch. The zero value is not usable;
// create one with NewBatchBuilder.
type BatchBuilder struct {
	txID    string
	entries []*LogEntry
	built   bool
}

// NewBatchBuilder starts a batch with an explicit transaction id. If
// txID is empty, a fresh unique one is generated.
func NewBatchBuilder(txID string) *BatchBuilder {
	if txID == "" {
		txID = uuid.NewString()
	}
	return &BatchBuilder{txID: txID}
}

// AddEntry appends an already-built entry to the batch. Its txID will
// be overwritten with the batch's txID on Build.
func (b *BatchBuilder) AddEntry(e *LogEntry) *BatchBuilder {
	b.entries = append(b.entries, e)
	return b
}

// Build validates and freezes the batch: txID non-empty (guaranteed by
// NewBatchBuilder), entries non-empty, and every entry stamped with
// the batch's txID.
func (b *BatchBuilder) Build() (*LogBatch, error) {
	if b.built {
		return nil, errors.New("batch builder already used")
	}
	b.built = true

	if len(b.entries) == 0 {
		return nil, errors.Wrap(ErrMalformed, "batch has no entries")
	}

	dbNames := make(map[string]struct{}, 1)
	for _, e := range b.entries {
		e.txID = b.txID
		dbNames[e.db] = struct{}{}
	}

	return &LogBatch{
		txID:      b.txID,
		timestamp: time.Now().UnixMilli(),
		entries:   b.entries,
		dbNames:   dbNames,
	}, nil
}
