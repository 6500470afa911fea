// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

// BodyStream is a self-delimiting message body on top of a connection.
//
// Reads return data until the framing signals the end of the body, then io.EOF.
// Writes emit frames; Flush emits the end-of-body marker exactly once and
// flushes buffered data to the connection.
//
// Close discards any unread body data up to the end marker. It does not Flush
// and it does not close the connection.
type BodyStream interface {
	io.ReadWriteCloser
	// Flush writes the end-of-body marker. A second call returns ErrBodyFlushed.
	Flush() error
	// Leftover returns bytes read from the connection past the end of the body.
	Leftover() []byte
}

type flushWriter interface {
	io.Writer
	Flush() error
}

// asFlushWriter returns w if it buffers, else a buffered writer around it.
func asFlushWriter(w io.Writer) flushWriter {
	switch fw := w.(type) {
	case nil:
		return nil
	case flushWriter:
		return fw
	}
	return bufio.NewWriterSize(w, StreamChunkSize)
}

// tailReader reads the carried-over header tail before the connection.
type tailReader struct {
	tail []byte
	r    io.Reader
}

func newTailReader(r io.Reader, tail []byte) tailReader {
	var own []byte
	if len(tail) > 0 {
		own = append(own, tail...)
	}
	return tailReader{tail: own, r: r}
}

func (tr *tailReader) Read(p []byte) (n int, err error) {
	if len(tr.tail) > 0 {
		n = copy(p, tr.tail)
		tr.tail = tr.tail[n:]
		return
	}
	if tr.r == nil {
		return 0, io.EOF
	}
	return tr.r.Read(p)
}

func (tr *tailReader) readByte() (byte, error) {
	var one [1]byte
	if _, err := io.ReadFull(tr, one[:]); err != nil {
		return 0, err
	}
	return one[0], nil
}

// bodyState holds what all body implementations share.
type bodyState struct {
	src     tailReader
	w       flushWriter
	ended   bool // end of body has been read
	flushed bool // end of body has been written
	readErr error
}

func (bs *bodyState) Leftover() []byte {
	return bs.src.tail
}

func (bs *bodyState) readable() bool {
	return bs.src.r != nil || len(bs.src.tail) > 0
}

func (bs *bodyState) checkWrite() error {
	if bs.flushed {
		return errors.WithStack(ErrBodyFlushed)
	}
	if bs.w == nil {
		return errors.New("body is read-only")
	}
	return nil
}

// beginFlush marks the body as flushed, failing if it already was.
func (bs *bodyState) beginFlush() error {
	if err := bs.checkWrite(); err != nil {
		return err
	}
	bs.flushed = true
	return nil
}

// unexpected converts a premature end of the connection into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return errors.WithStack(err)
}

// drainBody reads a body to its end, discarding the data.
func drainBody(r io.Reader) (err error) {
	var buf [512]byte
	for err == nil {
		_, err = r.Read(buf[:])
	}
	if err == io.EOF {
		err = nil
	}
	return
}
