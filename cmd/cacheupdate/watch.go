// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cachesync/updater/internal/cache"
	"github.com/cachesync/updater/internal/slogutil"
)

// watchService runs the reconciliation driver on a fixed interval,
// logging and continuing past individual run failures rather than
// propagating them, so one bad server response doesn't kill the process.
type watchService struct {
	driver   *cache.Driver
	interval time.Duration
}

func newWatchService(driver *cache.Driver, interval time.Duration) *watchService {
	return &watchService{driver: driver, interval: interval}
}

func (s *watchService) String() string {
	return fmt.Sprintf("cacheupdate.watch@%p", s)
}

func (s *watchService) Serve(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := runOnce(ctx, s.driver); err != nil {
			slog.Error("scheduled reconciliation failed, will retry", slogutil.Error(err), "after", s.interval)
		}

		timer.Reset(s.interval)
	}
}
