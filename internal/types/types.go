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

// Package types contains the data types and interfaces that define the
// major functional blocks of the WAL core: the log entry model, the log
// store, the SQL synthesiser, the offset store, and the transactional
// consumer. Keeping them in one package makes it easy to compose
// implementations without import cycles.
package types

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Op identifies the kind of mutation a LogEntry carries.
type Op int

// The supported mutation kinds. BatchMarker never appears inside a
// LogBatch's entries; it is reserved for standalone markers written
// directly to the log (e.g. savepoints) and is accepted by the codec
// today so that its wire tag is stable.
const (
	OpUnknown Op = iota
	OpInsert
	OpUpdate
	OpDelete
	OpUpsert
	OpBatchMarker
)

// String renders the Op the way it appears in log messages and errors.
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpUpsert:
		return "UPSERT"
	case OpBatchMarker:
		return "BATCH_MARKER"
	default:
		return "UNKNOWN"
	}
}

// ParseOp maps a textual Op back to its enum value.
func ParseOp(s string) (Op, error) {
	switch s {
	case "INSERT":
		return OpInsert, nil
	case "UPDATE":
		return OpUpdate, nil
	case "DELETE":
		return OpDelete, nil
	case "UPSERT":
		return OpUpsert, nil
	case "BATCH_MARKER":
		return OpBatchMarker, nil
	default:
		return OpUnknown, errors.Errorf("unknown op %q", s)
	}
}

// ValueKind is the closed set of wire-level value types a LogEntry's
// data map may carry.
type ValueKind int

// Wire value kinds. The numeric values are part of the on-disk codec
// and must never be renumbered; append only.
const (
	KindNull ValueKind = iota
	KindInt32
	KindInt64
	KindFloat64
	KindBool
	KindString
	KindDecimal
)

// Value is a closed, tagged variant carried in a LogEntry's data map.
// Exactly one of the typed fields is meaningful, as selected by Kind.
type Value struct {
	Kind ValueKind

	Int32   int32
	Int64   int64
	Float64 float64
	Bool    bool
	Str     string
	Dec     decimal.Decimal // Kind == KindDecimal; preserves the original string's scale.
}

// NullValue is the SQL NULL tagged value.
func NullValue() Value { return Value{Kind: KindNull} }

// Int32Value wraps a 32-bit integer.
func Int32Value(v int32) Value { return Value{Kind: KindInt32, Int32: v} }

// Int64Value wraps a signed 64-bit integer.
func Int64Value(v int64) Value { return Value{Kind: KindInt64, Int64: v} }

// Float64Value wraps a double.
func Float64Value(v float64) Value { return Value{Kind: KindFloat64, Float64: v} }

// BoolValue wraps a boolean.
func BoolValue(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// StringValue wraps a UTF-8 string.
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }

// DecimalValue wraps an arbitrary-precision decimal, preserving the
// scale of the string it was parsed from.
func DecimalValue(v decimal.Decimal) Value { return Value{Kind: KindDecimal, Dec: v} }

// DecimalValueFromString parses s into a scale-preserving Value.
func DecimalValueFromString(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Value{}, errors.Wrapf(err, "invalid decimal %q", s)
	}
	return Value{Kind: KindDecimal, Dec: d}, nil
}

// Equal reports whether two Values carry the same kind and contents.
// Decimal comparison is scale-sensitive: "1.50" and "1.5" are NOT Equal,
// matching the string-preserving-scale invariant decimal values carry.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt32:
		return v.Int32 == o.Int32
	case KindInt64:
		return v.Int64 == o.Int64
	case KindFloat64:
		return v.Float64 == o.Float64
	case KindBool:
		return v.Bool == o.Bool
	case KindString:
		return v.Str == o.Str
	case KindDecimal:
		return v.Dec.Exponent() == o.Dec.Exponent() && v.Dec.Equal(o.Dec)
	default:
		return false
	}
}

// Field is one (name, value) pair of a LogEntry's data, kept in
// insertion order. Field order is part of the contract: it drives the
// column order of synthesized INSERT statements.
type Field struct {
	Name  string
	Value Value
}

// ErrMalformed is returned by the SQL synthesiser (and the entry
// builder's preflight checks) when a LogEntry is missing required
// fields or carries a value the target dialect cannot express.
var ErrMalformed = errors.New("malformed log entry")

// ErrCorrupt is returned by a Tailer when the record at the next read
// position is missing, and by the log codec when a record fails to
// decode.
var ErrCorrupt = errors.New("corrupt log record")

// ErrEndOfLog is returned by a Tailer when there is no new data to
// read. It is not fatal; the caller may retry later.
var ErrEndOfLog = errors.New("end of log")

// ErrFatalCorruption is surfaced by the transactional consumer when the
// corruption-skip protocol exhausts all of its candidate offsets.
var ErrFatalCorruption = errors.New("unrecoverable log corruption")

// LogIndex is the monotonically non-decreasing position of a record
// within a log store. Indices are unique and totally ordered across the
// life of one log directory. -1 denotes "before any record".
type LogIndex int64

// NoIndex is the sentinel value returned by a fresh Tailer that has not
// yet read anything.
const NoIndex LogIndex = -1

// TargetQuerier is implemented by *sql.DB and *sql.Tx. It is the
// minimal surface the SQL synthesiser and offset store need to execute
// parameterised statements against the target database.
type TargetQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ TargetQuerier = (*sql.DB)(nil)
	_ TargetQuerier = (*sql.Tx)(nil)
)

// TargetTx is implemented by *sql.Tx; it is TargetQuerier plus explicit
// transaction control.
type TargetTx interface {
	TargetQuerier
	Commit() error
	Rollback() error
}

var _ TargetTx = (*sql.Tx)(nil)

// TargetPool is implemented by *sql.DB. It is the entry point a
// consumer uses to acquire a single connection's worth of transactional
// work per main-loop iteration.
type TargetPool interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	PingContext(ctx context.Context) error
}

var _ TargetPool = (*sql.DB)(nil)

// ConsumerListener is the embedding application's hook into the
// transactional consumer's main loop. consumer.New replaces a nil
// listener with NopListener, a ready-made no-op implementation. Listener
// calls are synchronous with the consumer loop and must not block for
// long.
type ConsumerListener interface {
	// BeforeProcess is called immediately before a single LogEntry is
	// applied, whether the entry stands alone or belongs to a batch.
	BeforeProcess(ctx context.Context, entry *LogEntry)

	// AfterProcess is called immediately after a single LogEntry was
	// applied (successfully or not). It has no error result, so it
	// cannot abort the enclosing transaction by reporting a failure;
	// only a panic propagated out of the listener call does.
	AfterProcess(ctx context.Context, entry *LogEntry, ok bool, err error)

	// OnBatchComplete is called exactly once per main-loop iteration
	// that tries to apply records (not on idle iterations), after commit
	// or rollback, with the entries that were attempted.
	OnBatchComplete(ctx context.Context, entries []*LogEntry, ok bool)
}

// NopListener implements ConsumerListener with no-ops.
type NopListener struct{}

var _ ConsumerListener = NopListener{}

// BeforeProcess implements ConsumerListener.
func (NopListener) BeforeProcess(context.Context, *LogEntry) {}

// AfterProcess implements ConsumerListener.
func (NopListener) AfterProcess(context.Context, *LogEntry, bool, error) {}

// OnBatchComplete implements ConsumerListener.
func (NopListener) OnBatchComplete(context.Context, []*LogEntry, bool) {}

// ConsumerState is one of the states of the transactional consumer's
// state machine.
type ConsumerState int

// The defined states, in their only legal order (DEGRADED may return to
// RUNNING).
const (
	StateStarting ConsumerState = iota
	StateRunning
	StateDegraded
	StateStopping
	StateStopped
)

// String renders the state for logs and stats.
func (s ConsumerState) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateDegraded:
		return "DEGRADED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// DefaultBatchSize is the consumer's default batch size.
const DefaultBatchSize = 100

// DefaultOffsetDB is the default database holding the offset table.
const DefaultOffsetDB = "admin"

// DefaultOffsetTable is the default offset table name.
const DefaultOffsetTable = "consumer_offsets"

// DefaultQueuePath is the default on-disk log directory.
const DefaultQueuePath = "./chronicle-queue"

// DefaultBlockSize is the default segment rollover threshold.
const DefaultBlockSize int64 = 64 << 20 // 64 MiB

// DefaultConsumerCount is the default number of consumers started by
// the supervisor.
const DefaultConsumerCount = 1

// MinIdleBackoff is the floor on the idle-sleep backoff applied when a
// tailer catches up to the end of the log and has nothing to apply.
const MinIdleBackoff = 100 * time.Millisecond

// MinFailureBackoff is the floor on the retry backoff applied after a
// transient failure applying a batch to the target database.
const MinFailureBackoff = time.Second

// CorruptionSkipOffsets are the progressive skip distances a consumer
// tries, in order, when it hits a record it cannot decode: rather than
// giving up it probes forward looking for the next readable record.
var CorruptionSkipOffsets = []LogIndex{1, 10, 100, 1000, 10000}
