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

// Package sqlsynth turns a types.LogEntry into a parameterised SQL
// statement. It targets the `?` placeholder / ON DUPLICATE KEY UPDATE
// dialect that internal/util/stdpool connects to, and it presumes
// identifiers are already safe names, not user input.
package sqlsynth

import (
	"strings"

	"github.com/cockroachdb/wal-sink/internal/types"
	"github.com/pkg/errors"
)

// Statement is a parameterised SQL statement ready to execute against a
// types.TargetQuerier.
type Statement struct {
	SQL  string
	Args []any
}

// idPrefix and idExact are excluded from an UPSERT's update list: a
// column named "id" or prefixed "id_" is assumed to be a primary key,
// and primary keys never belong on the right-hand side of an UPDATE.
const idPrefix = "id_"
const idExact = "id"

// Synthesize maps a LogEntry to its parameterised statement. It returns
// an error wrapping types.ErrMalformed when the entry is missing the
// columns or WHERE predicate its operation requires.
func Synthesize(e *types.LogEntry) (*Statement, error) {
	table := fullTableName(e.GetDb(), e.GetTable())

	switch e.GetOp() {
	case types.OpInsert:
		return synthInsert(table, e)
	case types.OpUpdate:
		return synthUpdate(table, e)
	case types.OpDelete:
		return synthDelete(table, e)
	case types.OpUpsert:
		return synthUpsert(table, e)
	default:
		return nil, errors.Wrapf(types.ErrMalformed, "op %s has no SQL representation", e.GetOp())
	}
}

func fullTableName(db, table string) string {
	return db + "." + table
}

func synthInsert(table string, e *types.LogEntry) (*Statement, error) {
	cols := e.Columns()
	if len(cols) == 0 {
		return nil, errors.Wrapf(types.ErrMalformed, "INSERT into %s has no columns", table)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	args := make([]any, 0, len(cols))
	for i, f := range cols {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(f.Name)
		args = append(args, bind(f.Value))
	}
	sb.WriteString(") VALUES (")
	writePlaceholders(&sb, len(cols))
	sb.WriteString(")")

	return &Statement{SQL: sb.String(), Args: args}, nil
}

func synthUpdate(table string, e *types.LogEntry) (*Statement, error) {
	cols := e.Columns()
	where := e.Where()
	if len(cols) == 0 {
		return nil, errors.Wrapf(types.ErrMalformed, "UPDATE on %s has no SET columns", table)
	}
	if len(where) == 0 {
		return nil, errors.Wrapf(types.ErrMalformed, "UPDATE on %s has no WHERE predicate", table)
	}

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(table)
	sb.WriteString(" SET ")
	args := make([]any, 0, len(cols)+len(where))
	for i, f := range cols {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(f.Name)
		sb.WriteString("=?")
		args = append(args, bind(f.Value))
	}
	sb.WriteString(" WHERE ")
	for i, f := range where {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(f.Name)
		sb.WriteString("=?")
		args = append(args, bind(f.Value))
	}

	return &Statement{SQL: sb.String(), Args: args}, nil
}

func synthDelete(table string, e *types.LogEntry) (*Statement, error) {
	where := e.Where()
	if len(where) == 0 {
		return nil, errors.Wrapf(types.ErrMalformed, "DELETE on %s has no WHERE predicate", table)
	}

	var sb strings.Builder
	sb.WriteString("DELETE FROM ")
	sb.WriteString(table)
	sb.WriteString(" WHERE ")
	args := make([]any, 0, len(where))
	for i, f := range where {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(f.Name)
		sb.WriteString("=?")
		args = append(args, bind(f.Value))
	}

	return &Statement{SQL: sb.String(), Args: args}, nil
}

func synthUpsert(table string, e *types.LogEntry) (*Statement, error) {
	cols := e.Columns()
	if len(cols) == 0 {
		return nil, errors.Wrapf(types.ErrMalformed, "UPSERT into %s has no columns", table)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	args := make([]any, 0, len(cols))
	for i, f := range cols {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(f.Name)
		args = append(args, bind(f.Value))
	}
	sb.WriteString(") VALUES (")
	writePlaceholders(&sb, len(cols))
	sb.WriteString(")")

	var updates []string
	for _, f := range cols {
		if isPrimaryKeyColumn(f.Name) {
			continue
		}
		updates = append(updates, f.Name+"=VALUES("+f.Name+")")
	}
	if len(updates) > 0 {
		sb.WriteString(" ON DUPLICATE KEY UPDATE ")
		sb.WriteString(strings.Join(updates, ","))
	}

	return &Statement{SQL: sb.String(), Args: args}, nil
}

func isPrimaryKeyColumn(name string) bool {
	return name == idExact || strings.HasPrefix(name, idPrefix)
}

func writePlaceholders(sb *strings.Builder, n int) {
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("?")
	}
}

// bind selects the correctly typed argument for database/sql's driver
// to marshal, per value kind. Unrecognised kinds fall back to their
// textual representation as a last resort.
func bind(v types.Value) any {
	switch v.Kind {
	case types.KindNull:
		return nil
	case types.KindInt32:
		return v.Int32
	case types.KindInt64:
		return v.Int64
	case types.KindFloat64:
		return v.Float64
	case types.KindBool:
		return v.Bool
	case types.KindString:
		return v.Str
	case types.KindDecimal:
		return v.Dec.String()
	default:
		return v.Str
	}
}
