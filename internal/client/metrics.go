// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import "github.com/rcrowley/go-metrics"

// metricsSet is the runtime-counter bundle one Client registers into
// the global go-metrics registry, named after the teacher's
// lib/protocol style of counting bytes and messages.
type metricsSet struct {
	bytesSent     metrics.Counter
	bytesReceived metrics.Counter
	requestsSent  metrics.Counter
	archivesRecv  metrics.Counter
	handshakes    metrics.Counter
}

func newMetricsSet(namespace string) *metricsSet {
	return &metricsSet{
		bytesSent:     metrics.GetOrRegisterCounter(namespace+".bytes-sent", metrics.DefaultRegistry),
		bytesReceived: metrics.GetOrRegisterCounter(namespace+".bytes-received", metrics.DefaultRegistry),
		requestsSent:  metrics.GetOrRegisterCounter(namespace+".requests-sent", metrics.DefaultRegistry),
		archivesRecv:  metrics.GetOrRegisterCounter(namespace+".archives-received", metrics.DefaultRegistry),
		handshakes:    metrics.GetOrRegisterCounter(namespace+".handshakes", metrics.DefaultRegistry),
	}
}
