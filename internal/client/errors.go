// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import "errors"

// ErrClosed is the error delivered to every request handler still
// pending when Close is called (spec.md §4.1 CLOSED state).
var ErrClosed = errors.New("client: connection is closed")

// ErrNotConnected is returned (wrapped) by RequestFile/FetchSync when
// the client is not connected: before a successful Handshake, or after
// the client has closed.
var ErrNotConnected = errors.New("client: not connected")

// ErrUnexpectedResponse is a PROTOCOL-class error: the server sent an
// archive response for an (index, archive) pair nothing requested.
var ErrUnexpectedResponse = errors.New("client: unexpected response for unrequested archive")
