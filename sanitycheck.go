// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package zerra

// sanity check the configuration
func init() {
	if MaxHeaderSize < 256 {
		panic("MaxHeaderSize < 256")
	}
	if RawFrameLengthSize != 4 {
		panic("RawFrameLengthSize != 4")
	}
	if RawFrameMaxPayload < 1 {
		panic("RawFrameMaxPayload < 1")
	}
	if StreamChunkSize < 1 {
		panic("StreamChunkSize < 1")
	}
	if AbortByte == '~' || AbortByte == 'R' || AbortByte == 'E' || AbortByte >= 'A' && AbortByte <= 'Z' {
		panic("AbortByte collides with a header start byte")
	}
	if DefaultMaxConnectionsPerDestination < 1 {
		panic("DefaultMaxConnectionsPerDestination < 1")
	}
	if DefaultMaxConcurrency < 1 {
		panic("DefaultMaxConcurrency < 1")
	}
	if DefaultMaxConnections < 1 {
		panic("DefaultMaxConnections < 1")
	}
	if DefaultDNSTimeout <= 0 || DefaultDialTimeout <= 0 {
		panic("DefaultDNSTimeout or DefaultDialTimeout <= 0")
	}
	if DefaultAbortTimeout <= 0 {
		panic("DefaultAbortTimeout <= 0")
	}
	if DefaultMaxLifetime < DefaultSweepInterval {
		panic("DefaultMaxLifetime < DefaultSweepInterval")
	}
}
