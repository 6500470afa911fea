// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import "time"

const (
	// MaxHeaderSize is the largest request or response header accepted, including the terminator.
	MaxHeaderSize = 8 * 1024
	// RawFrameLengthSize is the number of bytes in a raw framing length prefix.
	RawFrameLengthSize = 4
	// RawFrameMaxPayload is the largest payload emitted in one raw framing frame.
	RawFrameMaxPayload = 0x10000
	// StreamChunkSize is the copy buffer size used when passing a result stream through.
	StreamChunkSize = 0x10000
	// AbortByte is sent by a client on the request connection to cancel the running handler.
	AbortByte = byte(0x18)
	// DefaultPort is used when a destination does not carry a port.
	DefaultPort = 9000
	// DefaultDNSTimeout bounds host name resolution when dialing.
	DefaultDNSTimeout = time.Second * 5
	// DefaultDialTimeout bounds each connect attempt.
	DefaultDialTimeout = time.Second * 3
	// DefaultSweepInterval is how often idle pooled connections are checked.
	DefaultSweepInterval = time.Minute * 2
	// DefaultMaxLifetime is how long a pooled connection may live before the sweep closes it.
	DefaultMaxLifetime = time.Minute * 10
	// DefaultMaxConnectionsPerDestination bounds open client connections per destination.
	DefaultMaxConnectionsPerDestination = 64
	// DefaultMaxConcurrency is used for handlers registered without a concurrency limit,
	// and for the client call throttle.
	DefaultMaxConcurrency = 256
	// DefaultMaxConnections bounds connections being served by a listener.
	DefaultMaxConnections = 1024
	// DefaultAbortTimeout is how long a client waits for the peer to acknowledge an abort.
	DefaultAbortTimeout = time.Millisecond * 500
	// DefaultAliveInterval is the poll interval of the alive monitor.
	DefaultAliveInterval = time.Second
)
