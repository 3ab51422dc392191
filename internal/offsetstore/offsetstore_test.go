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

package offsetstore

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/wal-sink/internal/types"
	"github.com/stretchr/testify/require"
)

func TestFullName(t *testing.T) {
	s := New("admin", "consumer_offsets")
	require.Equal(t, "admin.consumer_offsets", s.FullName())
}

func TestEnsureTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New("admin", "consumer_offsets")
	mock.ExpectExec(regexp.QuoteMeta(s.sql.schema)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureTable(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsNotOkWhenRowMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New("admin", "consumer_offsets")
	mock.ExpectQuery(regexp.QuoteMeta(s.sql.selct)).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"last_offset"}))

	_, ok, err := s.Get(context.Background(), db, "c1")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsLastOffset(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New("admin", "consumer_offsets")
	rows := sqlmock.NewRows([]string{"last_offset"}).AddRow(int64(42))
	mock.ExpectQuery(regexp.QuoteMeta(s.sql.selct)).
		WithArgs("c1").
		WillReturnRows(rows)

	idx, ok, err := s.Get(context.Background(), db, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.LogIndex(42), idx)
}

func TestUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New("admin", "consumer_offsets")
	mock.ExpectExec(regexp.QuoteMeta(s.sql.upsert)).
		WithArgs("c1", int64(7)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Upsert(context.Background(), db, "c1", types.LogIndex(7)))
	require.NoError(t, mock.ExpectationsWereMet())
}
