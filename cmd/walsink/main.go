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

// Command walsink runs the WAL supervisor against a MySQL target
// database: it opens (or creates) the on-disk log, starts the
// configured number of transactional consumers, and serves Prometheus
// metrics plus a small JSON stats endpoint until asked to stop.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/wal-sink/internal/supervisor"
	"github.com/cockroachdb/wal-sink/internal/types"
	"github.com/cockroachdb/wal-sink/internal/util/stdpool"
	"github.com/cockroachdb/wal-sink/internal/util/stopper"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// config is the user-visible configuration surface, bound to
// command-line flags.
type config struct {
	supervisor.Config

	TargetDSN      string
	BindAddr       string
	WaitForStartup bool
	StopGrace      time.Duration
}

// bind registers flags.
func (c *config) bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.TargetDSN, "targetDSN", "",
		"MySQL DSN (user:pass@tcp(host:port)/) of the database consumers apply mutations to")
	flags.StringVar(&c.QueuePath, "queuePath", types.DefaultQueuePath,
		"directory holding the durable log segments")
	flags.Int64Var(&c.BlockSize, "blockSize", types.DefaultBlockSize,
		"segment rollover threshold in bytes")
	flags.StringVar(&c.OffsetDB, "offsetDB", types.DefaultOffsetDB,
		"database holding the per-consumer offset table")
	flags.StringVar(&c.OffsetTable, "offsetTable", types.DefaultOffsetTable,
		"name of the per-consumer offset table")
	flags.IntVar(&c.ConsumerCount, "consumers", types.DefaultConsumerCount,
		"number of transactional consumers to run")
	flags.IntVar(&c.BatchSize, "batchSize", types.DefaultBatchSize,
		"maximum number of log records applied per transaction")
	flags.StringVar(&c.BindAddr, "bindAddr", ":26258",
		"address to serve /metrics and /stats on")
	flags.BoolVar(&c.WaitForStartup, "waitForStartup", false,
		"retry connecting to the target database instead of failing immediately")
	flags.DurationVar(&c.StopGrace, "stopGrace", 30*time.Second,
		"how long to wait for in-flight consumer iterations to finish on shutdown")
}

// preflight validates the bound flags.
func (c *config) preflight() error {
	if c.TargetDSN == "" {
		return errors.New("targetDSN is required")
	}
	if c.BindAddr == "" {
		return errors.New("bindAddr unset")
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("walsink exited with an error")
	}
}

func run() error {
	var cfg config
	flags := pflag.NewFlagSet("walsink", pflag.ExitOnError)
	cfg.bind(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if err := cfg.preflight(); err != nil {
		return err
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx := stopper.WithContext(rootCtx)
	go func() {
		<-rootCtx.Done()
		log.Info("signal received")
		ctx.Stop(cfg.StopGrace)
	}()

	pool, err := stdpool.OpenMySQLTargetPool(ctx, cfg.TargetDSN, stdpool.Config{
		WaitForStartup: cfg.WaitForStartup,
	})
	if err != nil {
		return errors.Wrap(err, "opening target database pool")
	}
	cfg.Pool = pool
	cfg.Listener = types.NopListener{}

	sup, err := supervisor.New(cfg.Config)
	if err != nil {
		return errors.Wrap(err, "constructing supervisor")
	}
	sup.StartConsumers(ctx)

	srv := startStatsServer(cfg.BindAddr, sup)
	ctx.Go(func() error {
		<-ctx.Stopping()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	<-ctx.Stopping()
	log.Info("shutdown requested; draining consumers")
	if err := sup.Stop(cfg.StopGrace); err != nil {
		log.WithError(err).Warn("supervisor did not stop cleanly")
	}
	if err := sup.Close(); err != nil {
		log.WithError(err).Warn("error closing log store")
	}
	return ctx.Wait()
}

// startStatsServer serves Prometheus metrics and a JSON snapshot of
// supervisor.Stats, so queue depth and active-consumer count are
// visible to an operator without scraping Prometheus.
func startStatsServer(addr string, sup *supervisor.Supervisor) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sup.Stats())
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("stats server exited unexpectedly")
		}
	}()
	return srv
}
