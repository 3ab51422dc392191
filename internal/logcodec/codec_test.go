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

package logcodec

import (
	"testing"

	"github.com/cockroachdb/wal-sink/internal/types"
	"github.com/stretchr/testify/require"
)

func buildEntry(t *testing.T) *types.LogEntry {
	t.Helper()
	dec, err := types.DecimalValueFromString("19.995")
	require.NoError(t, err)

	e, err := types.NewEntryBuilder("shop", "orders", types.OpInsert).
		Put("id", types.Int64Value(42)).
		Put("total", types.DecimalValue(dec)).
		Put("note", types.StringValue("hello")).
		Put("active", types.BoolValue(true)).
		Put("weight", types.Float64Value(3.5)).
		Put("small", types.Int32Value(7)).
		Put("nullable", types.NullValue()).
		Build()
	require.NoError(t, err)
	return e
}

func TestEncodeDecodeEntryRoundTrip(t *testing.T) {
	e := buildEntry(t)

	raw, err := EncodeEntry(e)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)

	got, ok := decoded.(*types.LogEntry)
	require.True(t, ok)
	require.Equal(t, e.GetDb(), got.GetDb())
	require.Equal(t, e.GetTable(), got.GetTable())
	require.Equal(t, e.GetOp(), got.GetOp())
	require.Equal(t, e.GetData(), got.GetData())
}

func TestEncodeDecodeBatchRoundTrip(t *testing.T) {
	e1 := buildEntry(t)
	e2, err := types.NewEntryBuilder("shop", "lines", types.OpDelete).
		Put("where_id", types.Int64Value(1)).
		Build()
	require.NoError(t, err)

	batch, err := types.NewBatchBuilder("tx-77").AddEntry(e1).AddEntry(e2).Build()
	require.NoError(t, err)

	raw, err := EncodeBatch(batch)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)

	got, ok := decoded.(*types.LogBatch)
	require.True(t, ok)
	require.Equal(t, batch.GetTxID(), got.GetTxID())
	require.Len(t, got.Entries(), 2)
	require.Equal(t, e1.GetTable(), got.Entries()[0].GetTable())
	require.Equal(t, e2.GetTable(), got.Entries()[1].GetTable())
}

func TestDecodeEmptyRecordIsCorrupt(t *testing.T) {
	_, err := Decode(nil)
	require.ErrorIs(t, err, types.ErrCorrupt)
}

func TestDecodeUnknownTagIsCorrupt(t *testing.T) {
	_, err := Decode([]byte{99, 1, 2, 3})
	require.ErrorIs(t, err, types.ErrCorrupt)
}

func TestDecodeTruncatedPayloadIsCorrupt(t *testing.T) {
	e := buildEntry(t)
	raw, err := EncodeEntry(e)
	require.NoError(t, err)

	_, err = Decode(raw[:len(raw)-3])
	require.ErrorIs(t, err, types.ErrCorrupt)
}

func TestDecodeBadDecimalStringIsCorrupt(t *testing.T) {
	e, err := types.NewEntryBuilder("shop", "orders", types.OpInsert).
		Put("amount", types.StringValue("placeholder")).
		Build()
	require.NoError(t, err)
	raw, err := EncodeEntry(e)
	require.NoError(t, err)

	// Flip the value's kind tag byte from KindString to KindDecimal so the
	// decoder tries (and fails) to parse "placeholder" as a decimal.
	// Layout: tag(1) db table op txId timestamp(8) fieldCount name("amount") kindByte ...
	idx := -1
	marker := []byte("amount")
	for i := 0; i+len(marker) < len(raw); i++ {
		match := true
		for j := range marker {
			if raw[i+j] != marker[j] {
				match = false
				break
			}
		}
		if match {
			idx = i + len(marker)
			break
		}
	}
	require.NotEqual(t, -1, idx, "could not locate field name in encoded bytes")
	require.Equal(t, byte(types.KindString), raw[idx])
	raw[idx] = byte(types.KindDecimal)

	_, err = Decode(raw)
	require.ErrorIs(t, err, types.ErrCorrupt)
}
