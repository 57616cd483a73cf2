// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cachesync/updater/internal/rsproto"
)

// FileResult is what a completed archive request delivers: the raw
// bytes exactly as received on the wire (compressionType + size
// prefix + compressed data — see internal/container.Unwrap), plus the
// key that was requested.
type FileResult struct {
	Index   uint8
	Archive uint16
	Data    []byte
}

// FileHandler receives the result of one requestFile call, or a
// non-nil err on a network/protocol failure. It runs on the client's
// single read-loop goroutine; it must not block.
type FileHandler func(FileResult, error)

type pendingRequest struct {
	index   uint8
	archive uint16
	handler FileHandler
}

// requestRegistry is the pending-request bookkeeping spec.md §4.1/§9
// describes: a map keyed by (index, archive) with one-shot result
// delivery, bounded by a semaphore enforcing MAX_REQUESTS outstanding.
// One mutex covers the map, matching spec.md §5's "single mutex over
// {pending queue, condition variable, staging map}" recommendation
// (the condition variable itself is replaced by the semaphore, which
// is the idiomatic Go equivalent of a bounded admission queue).
type requestRegistry struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	pending map[uint64]*pendingRequest
}

func newRequestRegistry() *requestRegistry {
	return &requestRegistry{
		sem:     semaphore.NewWeighted(rsproto.MaxRequests),
		pending: make(map[uint64]*pendingRequest),
	}
}

// admit blocks until a slot is available (spec.md §4.1: "the caller
// suspends until space is available"), then registers the pending
// request. The caller must eventually cause complete or fail to be
// called for this key exactly once, which releases the slot.
func (r *requestRegistry) admit(ctx context.Context, index uint8, archive uint16, handler FileHandler) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire request slot: %w", err)
	}
	key := rsproto.PackKey(index, archive)
	r.mu.Lock()
	r.pending[key] = &pendingRequest{index: index, archive: archive, handler: handler}
	r.mu.Unlock()
	return nil
}

// complete looks up the pending request for (index, archive), removes
// it, invokes its handler with data, and then releases its slot. Returns
// false if no such request was pending — a PROTOCOL error (spec.md
// §7: "unexpected response for an unrequested (index, archive)").
func (r *requestRegistry) complete(index uint8, archive uint16, data []byte) bool {
	key := rsproto.PackKey(index, archive)
	r.mu.Lock()
	p, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	p.handler(FileResult{Index: index, Archive: archive, Data: data}, nil)
	r.sem.Release(1)
	return true
}

// failAll delivers err to every still-pending request — used when the
// connection dies (spec.md §7: "socket errors abort the run").
func (r *requestRegistry) failAll(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]*pendingRequest)
	r.mu.Unlock()

	for _, p := range pending {
		p.handler(FileResult{}, err)
		r.sem.Release(1)
	}
}

// drain blocks until every outstanding request has completed: spec.md
// §4.2 step 6, "flush the socket and wait until the in-flight queue
// drains". Acquiring the full weight and releasing it immediately is
// the standard semaphore.Weighted idiom for "wait for all holders to
// finish" without a separate sync.WaitGroup.
func (r *requestRegistry) drain(ctx context.Context) error {
	if err := r.sem.Acquire(ctx, rsproto.MaxRequests); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	r.sem.Release(rsproto.MaxRequests)
	return nil
}

// outstanding reports the number of pending requests, for tests
// asserting the pipeline bound (spec.md §8 property 5).
func (r *requestRegistry) outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
