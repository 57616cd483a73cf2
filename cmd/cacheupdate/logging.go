// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import "github.com/cachesync/updater/internal/slogutil"

// init configures the line format for the default logger installed by
// internal/slogutil's own init(). Per-package verbosity is still
// controlled the usual way, via the STTRACE environment variable.
func init() {
	slogutil.SetLineFormat(slogutil.LineFormat{
		TimestampFormat: "2006-01-02 15:04:05",
		LevelString:     true,
	})
}
