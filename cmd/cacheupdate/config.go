// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"time"
)

// CLI is the kong command-line schema: spec.md §6's "Configuration
// recognized by the driver" (`rs.version`, `rs.host`, `rs.port`, plus
// database connection parameters), each overridable by the matching
// environment variable (teacher convention — see `cmd/stcrashreceiver`).
type CLI struct {
	Host    string `help:"Upstream cache server hostname." env:"RS_HOST" required:""`
	Port    int    `help:"Upstream cache server TCP port." env:"RS_PORT" default:"43594"`
	Version int32  `help:"Client revision sent in the handshake (rs.version)." env:"RS_VERSION" required:""`

	// Key1..Key4 are the four-word handshake key. The upstream server's version
	// dictates its contents; this core treats it as an opaque
	// configuration value (spec.md §6).
	Key1 int32 `help:"Handshake key, word 1." env:"RS_KEY1"`
	Key2 int32 `help:"Handshake key, word 2." env:"RS_KEY2"`
	Key3 int32 `help:"Handshake key, word 3." env:"RS_KEY3"`
	Key4 int32 `help:"Handshake key, word 4." env:"RS_KEY4"`

	DBPath      string        `help:"SQLite database path." env:"CACHE_DB_PATH" default:"cache.db"`
	DialTimeout time.Duration `help:"Connect and handshake timeout." env:"CACHE_DIAL_TIMEOUT" default:"30s"`

	Watch time.Duration `help:"Run continuously, reconciling on this interval instead of once." env:"CACHE_WATCH_INTERVAL"`
}

func (c CLI) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c CLI) key() [4]int32 {
	return [4]int32{c.Key1, c.Key2, c.Key3, c.Key4}
}
