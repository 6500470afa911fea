// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"io"
	"net"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Body data is layered as serializer -> zstd -> encryptor -> BodyStream.
// Both ends must agree on Compression and on having an Encryptor.

func newCompressWriter(w io.Writer) (*zstd.Encoder, error) {
	zw, err := zstd.NewWriter(w,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedFastest))
	return zw, errors.WithStack(err)
}

func newDecompressReader(r io.Reader) (*zstd.Decoder, error) {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	return zr, errors.WithStack(err)
}

// newBodyWriter returns the writer the serializer should write to. finish must
// be called once the payload is written; it ends the compressed frame and the
// ciphertext but does not Flush the body.
func newBodyWriter(body io.Writer, enc Encryptor, compress bool) (w io.Writer, finish func() error, err error) {
	w = body
	var fbw FinalBlockWriter
	if enc != nil {
		if fbw, err = enc.NewEncryptWriter(w); err != nil {
			return nil, nil, err
		}
		w = fbw
	}
	var zw *zstd.Encoder
	if compress {
		if zw, err = newCompressWriter(w); err != nil {
			return nil, nil, err
		}
		w = zw
	}
	finish = func() error {
		if zw != nil {
			if err := zw.Close(); err != nil {
				return errors.WithStack(err)
			}
		}
		if fbw != nil {
			return fbw.FlushFinalBlock()
		}
		return nil
	}
	return
}

// newBodyReader returns the reader the serializer should read from.
// release frees decoder resources; it does not close the body.
func newBodyReader(body io.Reader, enc Encryptor, compress bool) (r io.Reader, release func(), err error) {
	r = body
	release = func() {}
	if enc != nil {
		if r, err = enc.NewDecryptReader(r); err != nil {
			return nil, nil, err
		}
	}
	if compress {
		var zr *zstd.Decoder
		if zr, err = newDecompressReader(r); err != nil {
			return nil, nil, err
		}
		r = zr
		release = zr.Close
	}
	return
}

// writeBody serializes v through the pipeline into body and flushes it.
func writeBody(body BodyStream, ser Serializer, v interface{}, enc Encryptor, compress bool) error {
	w, finish, err := newBodyWriter(body, enc, compress)
	if err == nil {
		if err = ser.Serialize(w, v); err == nil {
			if err = finish(); err == nil {
				err = body.Flush()
			}
		}
	}
	return err
}

// writeBodyBytes writes already serialized data through the pipeline into body and flushes it.
func writeBodyBytes(body BodyStream, data []byte, enc Encryptor, compress bool) error {
	w, finish, err := newBodyWriter(body, enc, compress)
	if err == nil {
		if _, err = w.Write(data); err == nil {
			if err = finish(); err == nil {
				err = body.Flush()
			}
		}
	}
	return errors.WithStack(err)
}

// readBody deserializes v from body through the pipeline, then drains and closes body.
func readBody(body BodyStream, ser Serializer, v interface{}, enc Encryptor, compress bool) (err error) {
	r, release, err := newBodyReader(body, enc, compress)
	if err == nil {
		err = ser.Deserialize(r, v)
		release()
	}
	if cerr := body.Close(); err == nil {
		err = cerr
	}
	return
}

// pipelineReadCloser is a decoded body handed to a caller, who must Close it.
// onClose learns whether the body was read to its end.
type pipelineReadCloser struct {
	r       io.Reader
	body    BodyStream
	release func()
	onClose func(complete bool)
	eof     bool
	closed  bool
}

func (prc *pipelineReadCloser) Read(p []byte) (n int, err error) {
	if prc.closed {
		return 0, errors.WithStack(net.ErrClosed)
	}
	n, err = prc.r.Read(p)
	if err == io.EOF {
		prc.eof = true
	}
	return
}

// Close releases the body. An unfinished body is not drained.
func (prc *pipelineReadCloser) Close() error {
	if prc.closed {
		return nil
	}
	prc.closed = true
	if prc.release != nil {
		prc.release()
	}
	complete := prc.eof && prc.body.Close() == nil
	if prc.onClose != nil {
		prc.onClose(complete)
	}
	return nil
}
