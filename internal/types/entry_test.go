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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestEntryBuilderBasics(t *testing.T) {
	e, err := NewEntryBuilder("shop", "orders", OpInsert).
		Put("id", Int64Value(1)).
		Put("total", StringValue("9.99")).
		Build()
	require.NoError(t, err)
	require.Equal(t, "shop", e.GetDb())
	require.Equal(t, "orders", e.GetTable())
	require.Equal(t, OpInsert, e.GetOp())
	require.Len(t, e.Columns(), 2)
	require.Empty(t, e.Where())
}

func TestEntryBuilderRejectsEmptyDbTableOp(t *testing.T) {
	_, err := NewEntryBuilder("", "orders", OpInsert).Build()
	require.ErrorIs(t, err, ErrMalformed)

	_, err = NewEntryBuilder("shop", "", OpInsert).Build()
	require.ErrorIs(t, err, ErrMalformed)

	_, err = NewEntryBuilder("shop", "orders", OpUnknown).Build()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestEntryBuilderRequiresWhereOnUpdateAndDelete(t *testing.T) {
	_, err := NewEntryBuilder("shop", "orders", OpUpdate).
		Put("total", Int64Value(5)).
		Build()
	require.ErrorIs(t, err, ErrMalformed)

	_, err = NewEntryBuilder("shop", "orders", OpDelete).Build()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestEntryBuilderRequiresSetColumnsOnUpdate(t *testing.T) {
	_, err := NewEntryBuilder("shop", "orders", OpUpdate).
		Put("where_id", Int64Value(1)).
		Build()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestEntryWhereStripsPrefixAndColumnsExcludesIt(t *testing.T) {
	e, err := NewEntryBuilder("shop", "orders", OpUpdate).
		Put("total", Int64Value(5)).
		Put("where_id", Int64Value(1)).
		Put("_ignored", StringValue("metadata")).
		Build()
	require.NoError(t, err)

	where := e.Where()
	require.Len(t, where, 1)
	require.Equal(t, "id", where[0].Name)

	cols := e.Columns()
	require.Len(t, cols, 1)
	require.Equal(t, "total", cols[0].Name)
}

func TestEntryBuilderPutReplacesInPlace(t *testing.T) {
	e, err := NewEntryBuilder("shop", "orders", OpInsert).
		Put("a", Int64Value(1)).
		Put("b", Int64Value(2)).
		Put("a", Int64Value(99)).
		Build()
	require.NoError(t, err)

	cols := e.Columns()
	require.Len(t, cols, 2)
	require.Equal(t, "a", cols[0].Name)
	v, _ := e.Get("a")
	require.True(t, v.Equal(Int64Value(99)))
}

func TestBatchBuilderStampsTxIDOnEveryEntry(t *testing.T) {
	e1, err := NewEntryBuilder("shop", "orders", OpInsert).Put("id", Int64Value(1)).Build()
	require.NoError(t, err)
	e2, err := NewEntryBuilder("shop", "lines", OpInsert).Put("id", Int64Value(2)).Build()
	require.NoError(t, err)

	b, err := NewBatchBuilder("tx-1").AddEntry(e1).AddEntry(e2).Build()
	require.NoError(t, err)
	require.Equal(t, "tx-1", b.GetTxID())
	require.Equal(t, "tx-1", e1.GetTxID())
	require.Equal(t, "tx-1", e2.GetTxID())
	require.Len(t, b.DBNames(), 1)
}

func TestBatchBuilderGeneratesTxIDWhenEmpty(t *testing.T) {
	e, err := NewEntryBuilder("shop", "orders", OpInsert).Put("id", Int64Value(1)).Build()
	require.NoError(t, err)

	b, err := NewBatchBuilder("").AddEntry(e).Build()
	require.NoError(t, err)
	require.NotEmpty(t, b.GetTxID())
}

func TestBatchBuilderRejectsEmptyBatch(t *testing.T) {
	_, err := NewBatchBuilder("tx-1").Build()
	require.True(t, errors.Is(err, ErrMalformed))
}

func TestBuilderCannotBeReused(t *testing.T) {
	b := NewEntryBuilder("shop", "orders", OpInsert).Put("id", Int64Value(1))
	_, err := b.Build()
	require.NoError(t, err)
	_, err = b.Build()
	require.Error(t, err)
}
