// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_FramePool_HeaderBuffer(t *testing.T) {
	b1 := headerBufferAlloc()
	assert.Equal(t, MaxHeaderSize, len(b1))
	headerBufferFree(b1[:10])
	b2 := headerBufferAlloc()
	assert.Equal(t, MaxHeaderSize, len(b2))
	headerBufferFree(b2)
	// foreign buffers are not pooled
	headerBufferFree(make([]byte, 10))
}

func Test_FramePool_HeaderBuffer_Overflow(t *testing.T) {
	for len(headerBufferPool) < cap(headerBufferPool) {
		headerBufferFree(make([]byte, MaxHeaderSize))
	}
	assert.Equal(t, cap(headerBufferPool), len(headerBufferPool))
	b := headerBufferAlloc()
	assert.NotNil(t, b)
	assert.Equal(t, cap(headerBufferPool)-1, len(headerBufferPool))
	headerBufferFree(b)
	assert.Equal(t, cap(headerBufferPool), len(headerBufferPool))
	headerBufferFree(make([]byte, MaxHeaderSize))
	assert.Equal(t, cap(headerBufferPool), len(headerBufferPool))
}

func Test_FramePool_ChunkBuffer(t *testing.T) {
	for len(chunkBufferPool) < cap(chunkBufferPool) {
		chunkBufferFree(make([]byte, StreamChunkSize))
	}
	b := chunkBufferAlloc()
	assert.Equal(t, StreamChunkSize, len(b))
	assert.Equal(t, cap(chunkBufferPool)-1, len(chunkBufferPool))
	chunkBufferFree(b[:1])
	assert.Equal(t, cap(chunkBufferPool), len(chunkBufferPool))
	chunkBufferFree(make([]byte, 1))
	assert.Equal(t, cap(chunkBufferPool), len(chunkBufferPool))
}
