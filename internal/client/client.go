// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package client implements the update protocol's TCP session: the
// handshake, pipelined archive requests, and the framed response
// reader. One Client serves one connection and is not meant to
// outlive a single reconciliation run (spec.md §4.1, §5).
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cachesync/updater/internal/rsproto"
)

// State is the connection's position in the DISCONNECTED →
// HANDSHAKING → CONNECTED → CLOSED state machine spec.md §4.1
// describes.
type State int

const (
	Disconnected State = iota
	Handshaking
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one session against the remote cache server.
type Client struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
	w       *bufio.Writer

	mu    sync.Mutex
	state State
	err   error // first fatal error, set once state becomes Closed

	registry *requestRegistry
	metrics  *metricsSet

	closeOnce sync.Once
}

// Dial opens a TCP connection to addr. The returned Client is in the
// Handshaking state; callers must call Handshake before issuing any
// requests.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return newClient(conn), nil
}

func newClient(conn net.Conn) *Client {
	return &Client{
		conn:     conn,
		r:        bufio.NewReaderSize(conn, 8*rsproto.MaxRequests*1024),
		w:        bufio.NewWriter(conn),
		state:    Handshaking,
		registry: newRequestRegistry(),
		metrics:  newMetricsSet("cacheupdate.client"),
	}
}

func (c *Client) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Handshake sends the handshake request and reads its one-byte
// response. A false, nil return means the server rejected the
// handshake (spec.md §4.1 HANDSHAKE_NOT_OK — a normal outcome, not an
// error); the client is closed either way once Handshake returns,
// except on success, where it stays open for RequestFile/FetchSync.
func (c *Client) Handshake(ctx context.Context, revision int32, key [4]int32) (bool, error) {
	if c.getState() != Handshaking {
		return false, fmt.Errorf("client: handshake called in state %s", c.getState())
	}

	req := rsproto.HandshakeRequest{Revision: revision, Key: key}
	if err := c.writeAndFlush(req.Encode()); err != nil {
		c.fail(err)
		return false, err
	}

	resp := make([]byte, 1)
	if err := readContext(ctx, c.conn, func() error {
		_, err := fullRead(c.r, resp)
		return err
	}); err != nil {
		c.fail(err)
		return false, fmt.Errorf("client: read handshake response: %w", err)
	}
	c.metrics.handshakes.Inc(1)

	if resp[0] != rsproto.HandshakeOK {
		c.setState(Closed)
		c.conn.Close()
		return false, nil
	}

	c.setState(Connected)
	go c.readLoop()
	return true, nil
}

// RequestFile enqueues a request for one archive's bytes. handler
// runs on the client's internal read-loop goroutine once the response
// arrives, or once the connection fails; it must not block. If the
// pipeline already has rsproto.MaxRequests requests outstanding,
// RequestFile blocks until one completes or ctx is done (spec.md §4.1).
func (c *Client) RequestFile(ctx context.Context, index uint8, archive uint16, urgent bool, handler FileHandler) error {
	if c.getState() != Connected {
		return fmt.Errorf("client: request in state %s: %w", c.getState(), ErrNotConnected)
	}
	if err := c.registry.admit(ctx, index, archive, handler); err != nil {
		return err
	}

	req := rsproto.ArchiveRequest{Urgent: urgent, Index: index, Archive: archive}
	buf := req.Encode()

	c.writeMu.Lock()
	_, err := c.w.Write(buf)
	if err == nil && urgent {
		err = c.w.Flush()
	}
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return err
	}

	c.metrics.requestsSent.Inc(1)
	c.metrics.bytesSent.Inc(int64(len(buf)))
	return nil
}

// Flush writes any requests buffered by non-urgent RequestFile calls.
func (c *Client) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.w.Flush()
}

// Drain blocks until every outstanding RequestFile has completed
// (spec.md §4.2 step 6: flush, then wait for the pipeline to empty).
func (c *Client) Drain(ctx context.Context) error {
	return c.registry.drain(ctx)
}

// Outstanding reports how many requests are in flight.
func (c *Client) Outstanding() int {
	return c.registry.outstanding()
}

// FetchSync issues a single urgent request and blocks for its result.
// Used for master-index fetches, which the reconciliation loop needs
// synchronously before it can decide what else to request (spec.md
// §4.2 step 3).
func (c *Client) FetchSync(ctx context.Context, index uint8, archive uint16) (FileResult, error) {
	type outcome struct {
		res FileResult
		err error
	}
	done := make(chan outcome, 1)
	if err := c.RequestFile(ctx, index, archive, true, func(r FileResult, err error) {
		done <- outcome{r, err}
	}); err != nil {
		return FileResult{}, err
	}
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return FileResult{}, ctx.Err()
	}
}

// Close tears down the connection. Safe to call more than once and
// from any goroutine.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}

// fail transitions the client to Closed exactly once, closes the
// socket, and fails every pending request with err.
func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = Closed
		c.err = err
		c.mu.Unlock()
		c.conn.Close()
		c.registry.failAll(err)
	})
}

// readLoop is the client's single I/O worker for the lifetime of the
// connection: it continuously reads archive responses and dispatches
// them to their registered handlers (spec.md §5: "one worker thread
// driving the socket is sufficient").
func (c *Client) readLoop() {
	for {
		header, err := rsproto.ReadResponseHeader(c.r)
		if err != nil {
			c.fail(fmt.Errorf("client: %w", err))
			return
		}
		payload, err := rsproto.ReadFramedPayload(c.r, header.PayloadSize())
		if err != nil {
			c.fail(fmt.Errorf("client: %w", err))
			return
		}
		c.metrics.bytesReceived.Inc(int64(8 + len(payload)))
		c.metrics.archivesRecv.Inc(1)

		if !c.registry.complete(header.Index, header.Archive, payload) {
			c.fail(fmt.Errorf("client: index=%d archive=%d: %w", header.Index, header.Archive, ErrUnexpectedResponse))
			return
		}
	}
}

func (c *Client) writeAndFlush(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(buf); err != nil {
		return err
	}
	return c.w.Flush()
}

// fullRead reads exactly len(buf) bytes, treating io.EOF on a zero
// read as an error rather than success.
func fullRead(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// readContext runs fn with conn's read deadline set from ctx, if any.
// The handshake response is the one read that happens before the
// read-loop goroutine exists to honor cancellation some other way.
func readContext(ctx context.Context, conn net.Conn, fn func() error) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}
	return fn()
}
