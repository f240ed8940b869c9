// Package codec converts models, optimizers and checkpoints to portable
// bytes and back. A nil value encodes to nil bytes and nil or empty bytes
// decode to a nil value.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Codec converts values of T to bytes and back.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

var (
	magic = []byte("ATC")

	ErrBadMagic       = errors.New("codec: payload is not an encoded object")
	ErrUnknownVersion = errors.New("codec: unsupported payload version")
)

const version byte = 1

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func coders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// seal gob-encodes v and wraps it in the compressed envelope.
func seal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	enc, _, err := coders()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(magic)+1+buf.Len()/2)
	out = append(out, magic...)
	out = append(out, version)
	return enc.EncodeAll(buf.Bytes(), out), nil
}

func open(data []byte, v any) error {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return ErrBadMagic
	}
	if data[len(magic)] != version {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, data[len(magic)])
	}
	_, dec, err := coders()
	if err != nil {
		return err
	}
	raw, err := dec.DecodeAll(data[len(magic)+1:], nil)
	if err != nil {
		return fmt.Errorf("zstd decode: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}

// EncodeBase64 encodes v with c and returns its base64 text, or nil when v
// encodes to nil.
func EncodeBase64[T any](c Codec[T], v T) (*string, error) {
	data, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	s := base64.StdEncoding.EncodeToString(data)
	return &s, nil
}

// DecodeBase64 reverses EncodeBase64. A nil string decodes to the zero value.
func DecodeBase64[T any](c Codec[T], s *string) (T, error) {
	var zero T
	if s == nil {
		return zero, nil
	}
	data, err := base64.StdEncoding.DecodeString(*s)
	if err != nil {
		return zero, fmt.Errorf("base64 decode: %w", err)
	}
	return c.Decode(data)
}
