// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
)

// FinalBlockWriter is an encrypting writer. FlushFinalBlock writes the
// end of the ciphertext; it is distinct from flushing the underlying body.
type FinalBlockWriter interface {
	io.Writer
	FlushFinalBlock() error
}

// Encryptor wraps body streams in both directions.
type Encryptor interface {
	NewEncryptWriter(w io.Writer) (FinalBlockWriter, error)
	NewDecryptReader(r io.Reader) (io.Reader, error)
}

// ErrInvalidPadding is returned when decrypted data does not end in valid padding,
// usually because the peer uses another key.
var ErrInvalidPadding = errors.New("invalid padding in decrypted data")

// AESEncryptor encrypts with AES-CBC and PKCS#7 padding. Each stream starts
// with a random initialization vector.
type AESEncryptor struct {
	block cipher.Block
}

// NewAESEncryptor returns an AESEncryptor for a 16, 24 or 32 byte key.
func NewAESEncryptor(key []byte) (*AESEncryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &AESEncryptor{block: block}, nil
}

// NewAESEncryptorFromSecret returns an AES-256 AESEncryptor keyed with the SHA-256 of secret.
func NewAESEncryptorFromSecret(secret string) *AESEncryptor {
	key := sha256.Sum256([]byte(secret))
	enc, err := NewAESEncryptor(key[:])
	if err != nil {
		panic(err)
	}
	return enc
}

// NewEncryptWriter writes the initialization vector to w and returns the encrypting writer.
func (enc *AESEncryptor) NewEncryptWriter(w io.Writer) (FinalBlockWriter, error) {
	iv := make([]byte, enc.block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := w.Write(iv); err != nil {
		return nil, errors.WithStack(err)
	}
	return &cbcWriter{w: w, mode: cipher.NewCBCEncrypter(enc.block, iv)}, nil
}

// NewDecryptReader reads the initialization vector from r and returns the decrypting reader.
func (enc *AESEncryptor) NewDecryptReader(r io.Reader) (io.Reader, error) {
	iv := make([]byte, enc.block.BlockSize())
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, unexpected(err)
	}
	return &cbcReader{r: r, mode: cipher.NewCBCDecrypter(enc.block, iv)}, nil
}

type cbcWriter struct {
	w       io.Writer
	mode    cipher.BlockMode
	pending []byte
	out     []byte
	final   bool
}

func (cw *cbcWriter) Write(p []byte) (n int, err error) {
	if cw.final {
		return 0, errors.New("write after final block")
	}
	cw.pending = append(cw.pending, p...)
	bs := cw.mode.BlockSize()
	if full := len(cw.pending) / bs * bs; full > 0 {
		cw.out = append(cw.out[:0], cw.pending[:full]...)
		cw.mode.CryptBlocks(cw.out, cw.out)
		if _, err = cw.w.Write(cw.out); err != nil {
			return 0, errors.WithStack(err)
		}
		cw.pending = append(cw.pending[:0], cw.pending[full:]...)
	}
	return len(p), nil
}

func (cw *cbcWriter) FlushFinalBlock() (err error) {
	if cw.final {
		return errors.New("final block already written")
	}
	cw.final = true
	bs := cw.mode.BlockSize()
	pad := bs - len(cw.pending)%bs
	cw.out = append(cw.out[:0], cw.pending...)
	cw.out = append(cw.out, bytes.Repeat([]byte{byte(pad)}, pad)...)
	cw.mode.CryptBlocks(cw.out, cw.out)
	cw.pending = cw.pending[:0]
	_, err = cw.w.Write(cw.out)
	return errors.WithStack(err)
}

// cbcReader decrypts as ciphertext arrives, holding back the last block
// until the end of the stream so the padding can be removed.
type cbcReader struct {
	r    io.Reader
	mode cipher.BlockMode
	in   []byte // ciphertext not yet decrypted
	out  []byte // plaintext not yet returned
	done bool
	err  error
	tmp  [4096]byte
}

func (cr *cbcReader) fill() {
	n, err := cr.r.Read(cr.tmp[:])
	cr.in = append(cr.in, cr.tmp[:n]...)
	bs := cr.mode.BlockSize()
	if err != nil {
		if err != io.EOF {
			cr.err = errors.WithStack(err)
			return
		}
		cr.done = true
		if len(cr.in) == 0 || len(cr.in)%bs != 0 {
			cr.err = errors.WithStack(ErrInvalidPadding)
			return
		}
		plain := make([]byte, len(cr.in))
		cr.mode.CryptBlocks(plain, cr.in)
		cr.in = nil
		pad := int(plain[len(plain)-1])
		if pad < 1 || pad > bs || pad > len(plain) {
			cr.err = errors.WithStack(ErrInvalidPadding)
			return
		}
		for _, c := range plain[len(plain)-pad:] {
			if int(c) != pad {
				cr.err = errors.WithStack(ErrInvalidPadding)
				return
			}
		}
		cr.out = append(cr.out, plain[:len(plain)-pad]...)
		return
	}
	if usable := (len(cr.in)/bs - 1) * bs; usable > 0 {
		plain := make([]byte, usable)
		cr.mode.CryptBlocks(plain, cr.in[:usable])
		cr.out = append(cr.out, plain...)
		cr.in = append(cr.in[:0], cr.in[usable:]...)
	}
}

func (cr *cbcReader) Read(p []byte) (n int, err error) {
	for len(cr.out) == 0 && !cr.done && cr.err == nil {
		cr.fill()
	}
	if len(cr.out) > 0 {
		n = copy(p, cr.out)
		cr.out = cr.out[n:]
		return
	}
	if cr.err != nil {
		return 0, cr.err
	}
	return 0, io.EOF
}
