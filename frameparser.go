// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// Framing selects the wire protocol of a Server or Client.
type Framing int

const (
	// FramingRaw is the compact length-prefixed framing.
	FramingRaw Framing = iota
	// FramingHTTP is the HTTP/1.1 compatible framing.
	FramingHTTP
)

func (f Framing) String() string {
	switch f {
	case FramingRaw:
		return "raw"
	case FramingHTTP:
		return "http"
	}
	return strconv.Itoa(int(f))
}

// ParseFraming returns the Framing named by s, as returned by String.
func ParseFraming(s string) (Framing, error) {
	switch s {
	case "raw":
		return FramingRaw, nil
	case "http":
		return FramingHTTP, nil
	}
	return FramingRaw, errors.Errorf("unknown framing %q", s)
}

func (f Framing) headerEnd() func(b []byte, start int) int {
	if f == FramingHTTP {
		return findHTTPHeaderEnd
	}
	return findRawHeaderEnd
}

// readHeader reads from r into buf until the framing's header terminator has been
// seen. It returns the header bytes including the terminator, and the bytes read
// past the terminator. Both alias buf. The tail belongs to the body and must be
// handed to it.
//
// Abort bytes in front of a header are discarded; they are left over from a
// cancellation the handler finished before seeing.
//
// A clean close by the peer before any header byte arrives is reported as io.EOF.
func readHeader(r io.Reader, buf []byte, framing Framing) (header, tail []byte, err error) {
	find := framing.headerEnd()
	n, scanned := 0, 0
	for {
		if n == len(buf) {
			return nil, nil, errors.WithStack(ErrHeaderTooLarge)
		}
		var nr int
		nr, err = r.Read(buf[n:])
		if nr > 0 {
			n += nr
			if scanned == 0 {
				skip := 0
				for skip < n && buf[skip] == AbortByte {
					skip++
				}
				if skip > 0 {
					n = copy(buf, buf[skip:n])
				}
			}
			if end := find(buf[:n], scanned); end >= 0 {
				return buf[:end], buf[end:n], nil
			}
			scanned = n
		}
		if err != nil {
			if err == io.EOF {
				if n == 0 {
					return nil, nil, io.EOF
				}
				err = io.ErrUnexpectedEOF
			}
			return nil, nil, errors.WithStack(err)
		}
	}
}
