// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	maxChunkLineSize = 1024
	chunkEnd         = "0\r\n\r\n"
)

// chunkedBody implements HTTP chunked transfer encoding.
type chunkedBody struct {
	bodyState
	remaining int64 // payload bytes left in the current chunk
	line      []byte
}

// NewChunkedBody returns a BodyStream using HTTP chunked transfer encoding.
// Either r or w may be nil. tail is consumed before reading from r.
func NewChunkedBody(r io.Reader, w io.Writer, tail []byte) BodyStream {
	return &chunkedBody{
		bodyState: bodyState{
			src: newTailReader(r, tail),
			w:   asFlushWriter(w),
		},
	}
}

// readLine reads a CRLF terminated line without buffering past it.
func (b *chunkedBody) readLine() (string, error) {
	b.line = b.line[:0]
	for {
		c, err := b.src.readByte()
		if err != nil {
			return "", unexpected(err)
		}
		if c == '\n' {
			return strings.TrimSuffix(string(b.line), "\r"), nil
		}
		if len(b.line) >= maxChunkLineSize {
			return "", errors.WithStack(ProtocolError{Reason: "chunk line too long"})
		}
		b.line = append(b.line, c)
	}
}

func (b *chunkedBody) readChunkSize() (err error) {
	var line string
	if line, err = b.readLine(); err != nil {
		return
	}
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	size, converr := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
	if converr != nil || size < 0 {
		return errors.WithStack(ProtocolError{Reason: "chunk size " + strconv.Quote(line)})
	}
	if size == 0 {
		// trailer section, ends with an empty line
		for {
			if line, err = b.readLine(); err != nil || line == "" {
				break
			}
		}
		b.ended = err == nil
		return
	}
	b.remaining = size
	return
}

func (b *chunkedBody) Read(p []byte) (n int, err error) {
	if b.readErr != nil {
		return 0, b.readErr
	}
	if b.ended {
		if len(p) > 0 {
			err = io.EOF
		}
		return
	}
	if len(p) == 0 {
		return
	}
	if b.remaining == 0 {
		if err = b.readChunkSize(); err != nil {
			b.readErr = err
			return
		}
		if b.ended {
			return 0, io.EOF
		}
	}
	want := int64(len(p))
	if want > b.remaining {
		want = b.remaining
	}
	n, err = io.ReadFull(&b.src, p[:want])
	b.remaining -= int64(n)
	if err == nil && b.remaining == 0 {
		var line string
		if line, err = b.readLine(); err == nil && line != "" {
			err = errors.WithStack(ProtocolError{Reason: "chunk not followed by CRLF"})
		}
	}
	if err != nil {
		b.readErr = unexpected(err)
		err = b.readErr
	}
	return
}

// Write emits p as a single chunk. Empty writes emit nothing.
func (b *chunkedBody) Write(p []byte) (n int, err error) {
	if err = b.checkWrite(); err != nil || len(p) == 0 {
		return
	}
	var hdr [20]byte
	chunkHeader := append(strconv.AppendInt(hdr[:0], int64(len(p)), 16), '\r', '\n')
	if _, err = b.w.Write(chunkHeader); err == nil {
		if n, err = b.w.Write(p); err == nil {
			_, err = io.WriteString(b.w, "\r\n")
		}
	}
	return n, errors.WithStack(err)
}

// Flush writes the last chunk and an empty trailer, then flushes the connection.
func (b *chunkedBody) Flush() (err error) {
	if err = b.beginFlush(); err != nil {
		return
	}
	if _, err = io.WriteString(b.w, chunkEnd); err == nil {
		err = b.w.Flush()
	}
	return errors.WithStack(err)
}

func (b *chunkedBody) Close() error {
	if b.ended || !b.readable() {
		return nil
	}
	return drainBody(b)
}

// fixedBody is a HTTP body with a declared Content-Length.
type fixedBody struct {
	bodyState
	remaining int64 // bytes left to read
	length    int64 // declared length for writing
	written   int64
}

// NewFixedBody returns a BodyStream of exactly length bytes with no chunk markers.
// Either r or w may be nil. tail is consumed before reading from r.
func NewFixedBody(r io.Reader, w io.Writer, tail []byte, length int64) BodyStream {
	b := &fixedBody{
		bodyState: bodyState{
			src: newTailReader(r, tail),
			w:   asFlushWriter(w),
		},
		remaining: length,
		length:    length,
	}
	b.ended = length <= 0
	return b
}

func (b *fixedBody) Read(p []byte) (n int, err error) {
	if b.readErr != nil {
		return 0, b.readErr
	}
	if b.remaining <= 0 {
		b.ended = true
		if len(p) > 0 {
			err = io.EOF
		}
		return
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err = b.src.Read(p)
	b.remaining -= int64(n)
	if b.remaining <= 0 {
		b.ended = true
	}
	if err != nil {
		if err == io.EOF && b.ended {
			err = nil
		} else {
			b.readErr = unexpected(err)
			err = b.readErr
		}
	}
	return
}

func (b *fixedBody) Write(p []byte) (n int, err error) {
	if err = b.checkWrite(); err != nil {
		return
	}
	if b.written+int64(len(p)) > b.length {
		return 0, errors.Errorf("body exceeds declared length %d", b.length)
	}
	n, err = b.w.Write(p)
	b.written += int64(n)
	return n, errors.WithStack(err)
}

// Flush flushes the connection. The declared length must have been written.
func (b *fixedBody) Flush() (err error) {
	if err = b.beginFlush(); err != nil {
		return
	}
	if b.written != b.length {
		return errors.Errorf("body has %d of %d declared bytes", b.written, b.length)
	}
	return errors.WithStack(b.w.Flush())
}

func (b *fixedBody) Close() error {
	if b.ended || !b.readable() {
		return nil
	}
	return drainBody(b)
}

// newHTTPReadBody returns the body reader for a decoded HTTP request or response header.
func newHTTPReadBody(h *HTTPHeader, r io.Reader, tail []byte) BodyStream {
	if h.Chunked {
		return NewChunkedBody(r, nil, tail)
	}
	length := h.ContentLength
	if length < 0 {
		length = 0
	}
	return NewFixedBody(r, nil, tail, length)
}
