// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// rawBody implements the raw framing body: each frame is a four byte signed
// little-endian length followed by that many payload bytes. A zero length
// frame ends the body.
type rawBody struct {
	bodyState
	remaining int // payload bytes left in the current frame
	rlen      [RawFrameLengthSize]byte
	wlen      [RawFrameLengthSize]byte
}

// NewRawBody returns a raw framing BodyStream reading from r and writing to w.
// Either may be nil. tail is the data read past the header, which is consumed
// before reading from r.
func NewRawBody(r io.Reader, w io.Writer, tail []byte) BodyStream {
	return &rawBody{
		bodyState: bodyState{
			src: newTailReader(r, tail),
			w:   asFlushWriter(w),
		},
	}
}

func (b *rawBody) readFrameLength() (err error) {
	if _, err = io.ReadFull(&b.src, b.rlen[:]); err != nil {
		return unexpected(err)
	}
	size := int32(binary.LittleEndian.Uint32(b.rlen[:]))
	switch {
	case size == 0:
		b.ended = true
	case size < 0:
		return errors.WithStack(ProtocolError{Reason: "negative raw frame length"})
	default:
		b.remaining = int(size)
	}
	return
}

// Read reads body payload. It returns once the current frame is exhausted
// rather than waiting for the next frame, so streamed results are delivered
// as they arrive.
func (b *rawBody) Read(p []byte) (n int, err error) {
	if b.readErr != nil {
		return 0, b.readErr
	}
	for n < len(p) && !b.ended {
		if b.remaining == 0 {
			if n > 0 {
				break
			}
			if err = b.readFrameLength(); err != nil {
				b.readErr = err
				return
			}
			continue
		}
		want := len(p) - n
		if want > b.remaining {
			want = b.remaining
		}
		var nr int
		nr, err = io.ReadFull(&b.src, p[n:n+want])
		n += nr
		b.remaining -= nr
		if err != nil {
			b.readErr = unexpected(err)
			return n, b.readErr
		}
	}
	if n == 0 && b.ended && len(p) > 0 {
		err = io.EOF
	}
	return
}

// Write emits p as one or more frames. Writing an empty slice emits nothing,
// since a zero length frame would end the body.
func (b *rawBody) Write(p []byte) (n int, err error) {
	if err = b.checkWrite(); err != nil {
		return
	}
	for len(p) > 0 {
		chunk := p
		if len(chunk) > RawFrameMaxPayload {
			chunk = chunk[:RawFrameMaxPayload]
		}
		binary.LittleEndian.PutUint32(b.wlen[:], uint32(int32(len(chunk))))
		if _, err = b.w.Write(b.wlen[:]); err != nil {
			return n, errors.WithStack(err)
		}
		var nw int
		nw, err = b.w.Write(chunk)
		n += nw
		if err != nil {
			return n, errors.WithStack(err)
		}
		p = p[len(chunk):]
	}
	return
}

// Flush writes the zero length end frame and flushes the connection.
func (b *rawBody) Flush() (err error) {
	if err = b.beginFlush(); err != nil {
		return
	}
	binary.LittleEndian.PutUint32(b.wlen[:], 0)
	if _, err = b.w.Write(b.wlen[:]); err == nil {
		err = b.w.Flush()
	}
	return errors.WithStack(err)
}

// Close reads and discards the rest of the body.
func (b *rawBody) Close() error {
	if b.ended || !b.readable() {
		return nil
	}
	return drainBody(b)
}
