// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachesync/updater/internal/rsproto"
)

func TestHandshakeOK(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		require.NoError(t, err)
		defer conn.Close()

		req := make([]byte, 21)
		_, err = readFull(conn, req)
		require.NoError(t, err)
		assert.Equal(t, byte(rsproto.UpdateRequestType), req[0])

		_, err = conn.Write([]byte{rsproto.HandshakeOK})
		require.NoError(t, err)

		// Respond to one archive request with a single-frame payload.
		archReq := make([]byte, 4)
		_, err = readFull(conn, archReq)
		require.NoError(t, err)

		// header: index, archive hi, archive lo, compressionType, size(4)
		full := make([]byte, 8)
		full[0] = archReq[1]
		full[1] = archReq[2]
		full[2] = archReq[3]
		full[3] = 0 // compressionType = None
		full[4], full[5], full[6], full[7] = 0, 0, 0, 2 // compressedSize = 2
		_, err = conn.Write(full)
		require.NoError(t, err)

		// payload: compressionType, size(4), data
		frame := make([]byte, 512)
		copy(frame, []byte{0, 0, 0, 0, 2, 'h', 'i'})
		_, err = conn.Write(frame)
		require.NoError(t, err)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	ok, err := c.Handshake(ctx, 1, [4]int32{1, 2, 3, 4})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Connected, c.getState())

	res, err := c.FetchSync(ctx, 0, 42)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), res.Archive)
	assert.Equal(t, []byte{0, 0, 0, 0, 2, 'h', 'i'}, res.Data)

	<-serverDone
}

func TestHandshakeRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req := make([]byte, 21)
		readFull(conn, req)
		conn.Write([]byte{1}) // not HandshakeOK
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, ln.Addr().String())
	require.NoError(t, err)

	ok, err := c.Handshake(ctx, 1, [4]int32{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Closed, c.getState())
}

func TestRequestFileRespectsPipelineBound(t *testing.T) {
	registry := newRequestRegistry()
	assert.Equal(t, 0, registry.outstanding())

	for i := 0; i < rsproto.MaxRequests; i++ {
		err := registry.admit(context.Background(), 0, uint16(i), func(FileResult, error) {})
		require.NoError(t, err)
	}
	assert.Equal(t, rsproto.MaxRequests, registry.outstanding())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := registry.admit(ctx, 0, 999, func(FileResult, error) {})
	assert.Error(t, err, "the 20th admit must block until a slot frees, then time out")
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
