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
	"database/sql"
	"math/rand"

	"github.com/cockroachdb/wal-sink/internal/types"
	"github.com/pkg/errors"
)

// ErrChaos is the error injected by WithChaosTx.
var ErrChaos = errors.New("chaos")

// WithChaosTx wraps an open transaction so that a fraction prob of its
// ExecContext calls fail with ErrChaos. Intended for tests that need
// fine control over exactly which statement in a batch fails.
func WithChaosTx(tx types.TargetTx, prob float32) types.TargetTx {
	if prob <= 0 {
		return tx
	}
	return &chaosTx{delegate: tx, prob: prob}
}

type chaosTx struct {
	delegate types.TargetTx
	prob     float32
}

var _ types.TargetTx = (*chaosTx)(nil)

func (t *chaosTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if rand.Float32() < t.prob {
		return nil, errors.WithMessage(ErrChaos, query)
	}
	return t.delegate.ExecContext(ctx, query, args...)
}

func (t *chaosTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.delegate.QueryRowContext(ctx, query, args...)
}

func (t *chaosTx) Commit() error {
	if rand.Float32() < t.prob {
		return errors.WithMessage(ErrChaos, "commit")
	}
	return t.delegate.Commit()
}

func (t *chaosTx) Rollback() error {
	return t.delegate.Rollback()
}
