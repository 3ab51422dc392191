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

// Package offsetstore tracks each consumer's last-applied index, stored
// in the target database alongside application data so that progress
// commit and data commit can share one transaction. Its shape is a
// fully-qualified table name, idempotent DDL, a query, and an upsert
// write, one row per consumer.
package offsetstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cockroachdb/wal-sink/internal/types"
	"github.com/pkg/errors"
)

// schemaTemplate creates the offset table if it does not already exist.
// last_processed is maintained by the database itself so a crash
// between the application's own writes never leaves it stale relative
// to last_offset.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %s (
	consumer_id     VARCHAR(255) NOT NULL PRIMARY KEY,
	last_offset     BIGINT NOT NULL,
	last_processed  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`

const selectTemplate = `SELECT last_offset FROM %s WHERE consumer_id = ?`

const upsertTemplate = `
INSERT INTO %s (consumer_id, last_offset) VALUES (?, ?)
ON DUPLICATE KEY UPDATE last_offset = VALUES(last_offset)`

// Store is the offset table for one (offsetDB, offsetTable) pair.
type Store struct {
	fullName string

	sql struct {
		schema string
		selct  string
		upsert string
	}
}

// New returns a Store bound to "{offsetDB}.{offsetTable}" (the usual
// default is admin.consumer_offsets).
func New(offsetDB, offsetTable string) *Store {
	s := &Store{fullName: fmt.Sprintf("%s.%s", offsetDB, offsetTable)}
	s.sql.schema = fmt.Sprintf(schemaTemplate, s.fullName)
	s.sql.selct = fmt.Sprintf(selectTemplate, s.fullName)
	s.sql.upsert = fmt.Sprintf(upsertTemplate, s.fullName)
	return s
}

// FullName returns the fully qualified offset table name.
func (s *Store) FullName() string { return s.fullName }

// EnsureTable idempotently creates the offset table.
func (s *Store) EnsureTable(ctx context.Context, q types.TargetQuerier) error {
	_, err := q.ExecContext(ctx, s.sql.schema)
	return errors.Wrapf(err, "creating offset table %s", s.fullName)
}

// Get returns the last committed LogIndex for consumerID, or ok=false
// if the row doesn't exist yet (a consumer that has never committed).
func (s *Store) Get(ctx context.Context, q types.TargetQuerier, consumerID string) (idx types.LogIndex, ok bool, err error) {
	row := q.QueryRowContext(ctx, s.sql.selct, consumerID)
	var raw int64
	switch scanErr := row.Scan(&raw); scanErr {
	case sql.ErrNoRows:
		return 0, false, nil
	case nil:
		return types.LogIndex(raw), true, nil
	default:
		return 0, false, errors.Wrapf(scanErr, "reading offset for consumer %s", consumerID)
	}
}

// Upsert writes consumerID's last-applied index. Executed on the same
// connection/transaction as the data mutations it accompanies, so that
// the two commit atomically.
func (s *Store) Upsert(ctx context.Context, q types.TargetQuerier, consumerID string, idx types.LogIndex) error {
	_, err := q.ExecContext(ctx, s.sql.upsert, consumerID, int64(idx))
	return errors.Wrapf(err, "committing offset %d for consumer %s", idx, consumerID)
}
