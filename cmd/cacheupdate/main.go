// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command cacheupdate connects to a remote asset cache server, reconciles
// the local mirror against it, and exits. Given --watch it instead runs
// the same reconciliation on a fixed interval until killed.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/thejerf/suture/v4"

	"github.com/cachesync/updater/internal/cache"
	"github.com/cachesync/updater/internal/slogutil"
	"github.com/cachesync/updater/internal/store"
)

func main() {
	var params CLI
	kong.Parse(&params, kong.Description("Reconcile a local asset cache against a remote server."))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(params.DBPath)
	if err != nil {
		slog.Error("open database", slogutil.FilePath(params.DBPath), slogutil.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	cfg := cache.Config{
		Addr:        params.addr(),
		Revision:    params.Version,
		Key:         params.key(),
		DialTimeout: params.DialTimeout,
	}
	driver := cache.New(db, cfg, slog.Default())

	if params.Watch > 0 {
		runWatch(ctx, driver, params.Watch)
		return
	}

	if err := runOnce(ctx, driver); err != nil {
		slog.Error("reconciliation failed", slogutil.Error(err))
		os.Exit(1)
	}
}

// runOnce performs a single reconciliation. Any outcome other than an
// error — up to date, handshake rejected, or updated — is a successful
// exit per the driver's contract (spec.md §6).
func runOnce(ctx context.Context, driver *cache.Driver) error {
	res, err := driver.Run(ctx)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case cache.UpToDate:
		slog.Info("cache already up to date")
	case cache.HandshakeRejected:
		slog.Warn("server rejected handshake, nothing done")
	case cache.Updated:
		slog.Info("cache updated", "snapshot", res.Snapshot.ID)
	}
	return nil
}

// runWatch drives runOnce on a fixed interval under suture, so a single
// reconciliation failure logs and retries rather than killing the process.
func runWatch(ctx context.Context, driver *cache.Driver, interval time.Duration) {
	sup := suture.NewSimple("cacheupdate")
	sup.Add(newWatchService(driver, interval))
	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		slog.Error("watch service exited", slogutil.Error(err))
		os.Exit(1)
	}
}
