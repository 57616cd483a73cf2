// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package cache implements the reconciliation driver: spec.md §4.2's
// handshake → manifest fetch → diff → download → commit algorithm,
// wiring together the protocol client, the storage adapter, and the
// persistence layer.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cachesync/updater/internal/adapter"
	"github.com/cachesync/updater/internal/cachemodel"
	"github.com/cachesync/updater/internal/client"
	"github.com/cachesync/updater/internal/container"
	"github.com/cachesync/updater/internal/indexdata"
	"github.com/cachesync/updater/internal/rsproto"
	"github.com/cachesync/updater/internal/store"
)

// unusedIndexes are indices the driver never downloads, even if the
// remote server still advertises them (spec.md §4.2 step 5).
var unusedIndexes = map[uint8]bool{16: true, 23: true}

// Config is everything one Run needs to reach and authenticate against
// the upstream server (spec.md §6 "Configuration recognized by the
// driver").
type Config struct {
	Addr        string // rs.host:rs.port
	Revision    int32  // rs.version
	Key         [4]int32
	Codec       container.Codec // defaults to container.Default
	DialTimeout time.Duration   // defaults to 30s
}

// Outcome classifies how a Run concluded.
type Outcome int

const (
	// UpToDate means the remote master list matched the local one
	// exactly; no snapshot was created.
	UpToDate Outcome = iota
	// HandshakeRejected means the server's handshake response was not
	// OK; spec.md §7 treats this as a normal, non-error return.
	HandshakeRejected
	// Updated means a new (or first-ever) snapshot was committed.
	Updated
)

// Result summarizes one Run.
type Result struct {
	Outcome  Outcome
	Snapshot store.Snapshot
}

// Driver runs the reconciliation algorithm against one database using
// one freshly dialed connection per run.
type Driver struct {
	db  *store.DB
	cfg Config
	log *slog.Logger
}

// New returns a Driver bound to db and cfg. If cfg.Codec is nil,
// container.Default is used.
func New(db *store.DB, cfg Config, log *slog.Logger) *Driver {
	if cfg.Codec == nil {
		cfg.Codec = container.Default
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Driver{db: db, cfg: cfg, log: log}
}

// Run performs one full reconciliation (spec.md §4.2).
func (d *Driver) Run(ctx context.Context) (Result, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return Result{}, fail(DBConflict, "begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	snap, existed, err := tx.FindMostRecentSnapshot()
	if err != nil {
		return Result{}, fail(DBConflict, "find most recent snapshot: %w", err)
	}
	created := false
	if !existed {
		// Snapshot revision is always the configured client revision,
		// never the remote master-index revision — preserved behavior,
		// see spec.md §9 open question.
		snap, err = tx.CreateSnapshot(d.cfg.Revision, time.Now())
		if err != nil {
			return Result{}, fail(DBConflict, "create seed snapshot: %w", err)
		}
		created = true
	}

	a := adapter.New(tx, d.cfg.Codec)
	a.SetSnapshot(snap)

	current := cachemodel.NewStore()
	if err := a.Load(current); err != nil {
		return Result{}, fail(DBConflict, "load current snapshot: %w", err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	cli, err := client.Dial(dialCtx, d.cfg.Addr)
	dialCancel()
	if err != nil {
		return Result{}, fail(Network, "dial %s: %w", d.cfg.Addr, err)
	}
	defer cli.Close()

	hsCtx, hsCancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	ok, err := cli.Handshake(hsCtx, d.cfg.Revision, d.cfg.Key)
	hsCancel()
	if err != nil {
		return Result{}, fail(Network, "handshake: %w", err)
	}
	if !ok {
		d.log.Warn("handshake rejected by server", "addr", d.cfg.Addr)
		return Result{Outcome: HandshakeRejected}, nil
	}

	remote, err := d.fetchMasterList(ctx, cli)
	if err != nil {
		return Result{}, err
	}

	localMasters, err := tx.FindMasterEntriesFor(snap)
	if err != nil {
		return Result{}, fail(DBConflict, "find local master entries: %w", err)
	}
	if !created && !checkOutOfDate(remote, localMasters) {
		return Result{Outcome: UpToDate, Snapshot: snap}, nil
	}

	if err := d.reconcileIndexes(ctx, cli, a, current, remote); err != nil {
		return Result{}, err
	}

	if !created {
		snap, err = tx.CreateSnapshot(d.cfg.Revision, time.Now())
		if err != nil {
			return Result{}, fail(DBConflict, "create snapshot: %w", err)
		}
		a.SetSnapshot(snap)
	}
	if err := a.Save(current); err != nil {
		if errors.Is(err, adapter.ErrMissingStagedData) {
			return Result{}, fail(MissingStagedData, "save: %w", err)
		}
		return Result{}, fmt.Errorf("save: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fail(DBConflict, "commit: %w", err)
	}
	committed = true

	return Result{Outcome: Updated, Snapshot: snap}, nil
}

// fetchMasterList performs the urgent (255, 255) request spec.md §4.1
// calls requestIndexes(), then parses its flat (crc, revision) array.
func (d *Driver) fetchMasterList(ctx context.Context, cli *client.Client) ([]remoteIndexSummary, error) {
	res, err := cli.FetchSync(ctx, rsproto.MasterIndex, rsproto.MasterIndex)
	if err != nil {
		return nil, fail(Network, "fetch master list: %w", err)
	}
	decoded, err := container.Unwrap(d.cfg.Codec, res.Data)
	if err != nil {
		return nil, fail(Protocol, "unwrap master list: %w", err)
	}
	list, err := parseMasterList(decoded.Data)
	if err != nil {
		return nil, fail(Protocol, "parse master list: %w", err)
	}
	return list, nil
}

// checkOutOfDate implements spec.md §8 property 4: false iff the
// counts match and every remote (id, crc, revision) equals its local
// counterpart.
func checkOutOfDate(remote []remoteIndexSummary, local []store.ArchiveDescriptor) bool {
	if len(remote) != len(local) {
		return true
	}
	byID := make(map[uint8]store.ArchiveDescriptor, len(local))
	for _, l := range local {
		byID[uint8(l.Archive)] = l
	}
	for _, r := range remote {
		l, ok := byID[r.ID]
		if !ok || l.CRC != r.CRC || l.Revision != r.Revision {
			return true
		}
	}
	return false
}

// reconcileIndexes walks every remote index, fetching and diffing
// archives as spec.md §4.2 step 5 describes, mutating current and
// issuing download requests whose completion handlers CRC-check and
// stage bytes into a.
func (d *Driver) reconcileIndexes(ctx context.Context, cli *client.Client, a *adapter.Adapter, current *cachemodel.Store, remote []remoteIndexSummary) error {
	var mu sync.Mutex
	var firstErr error
	recordErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, r := range remote {
		if unusedIndexes[r.ID] {
			delete(current.Indexes, r.ID)
			continue
		}

		entry, err := cli.FetchSync(ctx, rsproto.MasterIndex, uint16(r.ID))
		if err != nil {
			return fail(Network, "fetch master entry for index %d: %w", r.ID, err)
		}
		decoded, err := container.Unwrap(d.cfg.Codec, entry.Data)
		if err != nil || decoded.CRC != r.CRC {
			d.log.Warn("master index crc mismatch, skipping index", "index", r.ID, "expected", r.CRC)
			continue
		}
		parsed, err := indexdata.Parse(decoded.Data)
		if err != nil {
			d.log.Warn("master index parse failure, skipping index", "index", r.ID, "error", err)
			continue
		}

		idx, ok := current.Indexes[r.ID]
		if !ok {
			idx = cachemodel.NewIndex(r.ID)
			current.Indexes[r.ID] = idx
		} else if parsed.Revision < idx.Revision {
			d.log.Warn("index revision regressed, accepting server's", "index", r.ID, "revision", parsed.Revision, "local", idx.Revision)
		}
		idx.Protocol = parsed.Protocol
		idx.Revision = parsed.Revision
		idx.Named = parsed.Named
		idx.Sized = parsed.Sized
		idx.Compression = decoded.Type

		remoteByID := make(map[uint16]indexdata.Archive, len(parsed.Archives))
		for _, ad := range parsed.Archives {
			remoteByID[ad.ID] = ad

			local, have := idx.Archives[ad.ID]
			wanted := cachemodel.Archive{
				ID: ad.ID, CRC: ad.CRC, Revision: ad.Revision, NameHash: ad.NameHash,
				CompressedSize: ad.CompressedSize, DecompressedSize: ad.DecompressedSize,
			}
			if have && local.Equal(wanted) {
				continue
			}
			idx.Archives[ad.ID] = &wanted

			indexID, archiveID := r.ID, ad.ID
			crc := ad.CRC
			if err := cli.RequestFile(ctx, indexID, archiveID, false, func(res client.FileResult, err error) {
				if err != nil {
					recordErr(fail(Network, "download (%d,%d): %w", indexID, archiveID, err))
					return
				}
				if container.CRC32(res.Data) != crc {
					recordErr(fail(Integrity, "crc mismatch for archive (%d,%d)", indexID, archiveID))
					return
				}
				mu.Lock()
				stageErr := a.Stage(indexID, archiveID, res.Data)
				mu.Unlock()
				if stageErr != nil {
					recordErr(fmt.Errorf("stage (%d,%d): %w", indexID, archiveID, stageErr))
				}
			}); err != nil {
				return fail(Network, "request (%d,%d): %w", r.ID, ad.ID, err)
			}
		}

		for id := range idx.Archives {
			if _, ok := remoteByID[id]; !ok {
				delete(idx.Archives, id)
			}
		}
	}

	if err := cli.Flush(); err != nil {
		return fail(Network, "flush: %w", err)
	}
	if err := cli.Drain(ctx); err != nil {
		return fail(Network, "drain: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return firstErr
}
