// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

// Buffers of allocated but unused header and stream chunk memory.
var (
	headerBufferPool chan []byte
	chunkBufferPool  chan []byte
)

func init() {
	headerBufferPool = make(chan []byte, 0x400)
	chunkBufferPool = make(chan []byte, 0x100)
}

// headerBufferAlloc returns a buffer of MaxHeaderSize bytes.
func headerBufferAlloc() []byte {
	select {
	case b := <-headerBufferPool:
		return b
	default:
		return make([]byte, MaxHeaderSize)
	}
}

// headerBufferFree releases a buffer from headerBufferAlloc.
// The buffer must not be used afterwards, including any tail slice into it.
func headerBufferFree(b []byte) {
	if cap(b) == MaxHeaderSize {
		select {
		case headerBufferPool <- b[:MaxHeaderSize]:
		default:
		}
	}
}

// chunkBufferAlloc returns a buffer of StreamChunkSize bytes.
func chunkBufferAlloc() []byte {
	select {
	case b := <-chunkBufferPool:
		return b
	default:
		return make([]byte, StreamChunkSize)
	}
}

// chunkBufferFree releases a buffer from chunkBufferAlloc.
func chunkBufferFree(b []byte) {
	if cap(b) == StreamChunkSize {
		select {
		case chunkBufferPool <- b[:StreamChunkSize]:
		default:
		}
	}
}
