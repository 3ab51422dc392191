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

// Package logcodec implements the binary serialisation of LogEntry and
// LogBatch values to and from the byte slice that the log store
// persists per record.
package logcodec

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/cockroachdb/wal-sink/internal/types"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Leading schema tag bytes. Append-only; never renumber.
const (
	tagEntry byte = 1
	tagBatch byte = 2
)

// EncodeEntry serialises a standalone LogEntry.
func EncodeEntry(e *types.LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(tagEntry)
	if err := writeEntryPayload(&buf, e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeBatch serialises a LogBatch: a header followed by each entry's
// single-entry payload, in order.
func EncodeBatch(b *types.LogBatch) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(tagBatch)
	writeString(&buf, b.GetTxID())
	writeInt64(&buf, b.GetTimestamp())
	writeUvarint(&buf, uint64(len(b.Entries())))
	for _, e := range b.Entries() {
		if err := writeEntryPayload(&buf, e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode inspects the leading schema tag and returns either a
// *types.LogEntry or a *types.LogBatch. Any structural problem — an
// unknown tag, a truncated payload, or a decimal that fails to parse —
// is reported as types.ErrCorrupt, distinct from types.ErrEndOfLog
// which the log store returns separately when there is simply no
// record present.
func Decode(data []byte) (any, error) {
	r := bytes.NewReader(data)
	tag, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(types.ErrCorrupt, "empty record")
	}

	switch tag {
	case tagEntry:
		e, err := readEntryPayload(r)
		if err != nil {
			return nil, err
		}
		return e, nil
	case tagBatch:
		txID, err := readString(r)
		if err != nil {
			return nil, corrupt(err, "batch txId")
		}
		ts, err := readInt64(r)
		if err != nil {
			return nil, corrupt(err, "batch timestamp")
		}
		count, err := readUvarint(r)
		if err != nil {
			return nil, corrupt(err, "batch entry count")
		}
		entries := make([]*types.LogEntry, 0, count)
		for i := uint64(0); i < count; i++ {
			e, err := readEntryPayload(r)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
		return types.ReconstructBatch(txID, ts, entries), nil
	default:
		return nil, errors.Wrapf(types.ErrCorrupt, "unknown schema tag %d", tag)
	}
}

func writeEntryPayload(buf *bytes.Buffer, e *types.LogEntry) error {
	writeString(buf, e.GetDb())
	writeString(buf, e.GetTable())
	buf.WriteByte(byte(e.GetOp()))
	writeString(buf, e.GetTxID())
	writeInt64(buf, e.GetTimestamp())

	fields := e.GetData()
	writeUvarint(buf, uint64(len(fields)))
	for _, f := range fields {
		writeString(buf, f.Name)
		if err := writeValue(buf, f.Value); err != nil {
			return errors.Wrapf(err, "field %q", f.Name)
		}
	}
	return nil
}

func readEntryPayload(r *bytes.Reader) (*types.LogEntry, error) {
	db, err := readString(r)
	if err != nil {
		return nil, corrupt(err, "entry db")
	}
	table, err := readString(r)
	if err != nil {
		return nil, corrupt(err, "entry table")
	}
	opByte, err := r.ReadByte()
	if err != nil {
		return nil, corrupt(err, "entry op")
	}
	op := types.Op(opByte)
	txID, err := readString(r)
	if err != nil {
		return nil, corrupt(err, "entry txId")
	}
	ts, err := readInt64(r)
	if err != nil {
		return nil, corrupt(err, "entry timestamp")
	}
	count, err := readUvarint(r)
	if err != nil {
		return nil, corrupt(err, "entry field count")
	}
	fields := make([]types.Field, 0, count)
	for i := uint64(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, corrupt(err, "field name")
		}
		v, err := readValue(r)
		if err != nil {
			return nil, corrupt(err, "field value")
		}
		fields = append(fields, types.Field{Name: name, Value: v})
	}
	return types.ReconstructEntry(db, table, op, fields, txID, ts), nil
}

func writeValue(buf *bytes.Buffer, v types.Value) error {
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case types.KindNull:
		// no payload
	case types.KindInt32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.Int32))
		buf.Write(b[:])
	case types.KindInt64:
		writeInt64(buf, v.Int64)
	case types.KindFloat64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float64))
		buf.Write(b[:])
	case types.KindBool:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case types.KindString:
		writeString(buf, v.Str)
	case types.KindDecimal:
		// StringFixed keeps trailing zeros ("1.50"), unlike String.
		writeString(buf, v.Dec.StringFixed(-v.Dec.Exponent()))
	default:
		return errors.Errorf("unsupported value kind %d", v.Kind)
	}
	return nil
}

func readValue(r *bytes.Reader) (types.Value, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return types.Value{}, err
	}
	kind := types.ValueKind(kindByte)
	switch kind {
	case types.KindNull:
		return types.NullValue(), nil
	case types.KindInt32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return types.Value{}, err
		}
		return types.Int32Value(int32(binary.BigEndian.Uint32(b[:]))), nil
	case types.KindInt64:
		v, err := readInt64(r)
		if err != nil {
			return types.Value{}, err
		}
		return types.Int64Value(v), nil
	case types.KindFloat64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return types.Value{}, err
		}
		return types.Float64Value(math.Float64frombits(binary.BigEndian.Uint64(b[:]))), nil
	case types.KindBool:
		bb, err := r.ReadByte()
		if err != nil {
			return types.Value{}, err
		}
		return types.BoolValue(bb != 0), nil
	case types.KindString:
		s, err := readString(r)
		if err != nil {
			return types.Value{}, err
		}
		return types.StringValue(s), nil
	case types.KindDecimal:
		s, err := readString(r)
		if err != nil {
			return types.Value{}, err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return types.Value{}, errors.Wrapf(types.ErrCorrupt, "bad decimal %q: %v", s, err)
		}
		return types.DecimalValue(d), nil
	default:
		return types.Value{}, errors.Errorf("unknown value kind tag %d", kindByte)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUvarint(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	buf.Write(b[:n])
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func corrupt(err error, what string) error {
	return errors.Wrapf(types.ErrCorrupt, "%s: %v", what, err)
}
