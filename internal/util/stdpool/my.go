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

// Package stdpool creates the standardized *sql.DB connection pool that
// the consumer's target-database operations run against.
package stdpool

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"time"

	"github.com/cockroachdb/wal-sink/internal/util/stopper"
	_ "github.com/go-sql-driver/mysql" // registers the "mysql" sql.Open driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config controls pool sizing and startup behavior.
type Config struct {
	// MaxOpenConns caps concurrent connections. Zero means the
	// database/sql default (unlimited).
	MaxOpenConns int
	// MaxIdleConns caps idle connections kept warm between batches.
	MaxIdleConns int
	// ConnMaxLifetime recycles connections older than this, working
	// around MySQL's wait_timeout dropping long-idle connections out
	// from under the pool.
	ConnMaxLifetime time.Duration
	// WaitForStartup retries Ping against a MySQL server that is still
	// coming up (e.g. in a docker-compose stack), instead of failing
	// the consumer supervisor's startup immediately.
	WaitForStartup bool
}

// DefaultConfig returns a set of pool limits. OpenMySQLTargetPool does
// not apply it by itself: zero fields in the Config it is given leave
// the database/sql defaults in place.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    16,
		MaxIdleConns:    16,
		ConnMaxLifetime: time.Hour,
	}
}

// OpenMySQLTargetPool opens dsn as a MySQL target database pool and
// registers its shutdown with ctx: the pool is closed as soon as
// ctx.Stopping() fires, without waiting for consumers to drain (queries
// already running are allowed to finish, new ones fail). The returned
// *sql.DB
// satisfies types.TargetPool directly: no wrapper struct is needed
// since TargetPool's surface (BeginTx, PingContext) is exactly what
// database/sql already provides.
func OpenMySQLTargetPool(ctx *stopper.Context, dsn string, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening mysql target pool")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx.Go(func() error {
		<-ctx.Stopping()
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("could not close target database pool cleanly")
		}
		return nil
	})

	if err := pingWithRetry(ctx, db, cfg.WaitForStartup); err != nil {
		return nil, err
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return nil, errors.Wrap(err, "querying target database version")
	}
	log.WithField("version", version).Info("target database pool ready")

	return db, nil
}

func pingWithRetry(ctx context.Context, db *sql.DB, wait bool) error {
	for {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		if !wait || !isStartupError(err) {
			return errors.Wrap(err, "could not ping target database")
		}
		log.WithError(err).Info("waiting for target database to become ready")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func isStartupError(err error) bool {
	return errors.Is(err, sqldriver.ErrBadConn)
}
