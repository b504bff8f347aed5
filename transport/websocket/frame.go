// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/pairlink/message"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Kind identifies what a frame carries.
type Kind string

const (
	// KindRequest is a message that expects a reply frame with the same ID.
	KindRequest Kind = "request"
	// KindMessage is a message that expects nothing back.
	KindMessage Kind = "message"
	// KindReply answers a request.
	KindReply Kind = "reply"
	// KindError rejects a request.
	KindError Kind = "error"
)

// Frame is the unit exchanged over the websocket. It is JSON encoded, so
// numeric payload values arrive as float64.
type Frame struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload message.Payload `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Compression selects how frame bodies are compressed on the wire.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionS2   Compression = "s2"
	CompressionZstd Compression = "zstd"
)

// Every encoded frame starts with one of these flag bytes.
const (
	flagPlain byte = iota
	flagS2
	flagZstd
)

var (
	// ErrMalformedFrame is returned for frames that cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge is returned when a frame body decompresses past the
	// configured max message size.
	ErrFrameTooLarge = errors.New("frame exceeds max message size")
)

const maxPooledCap = 64 * 1024

var bufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func getBuffer() *bytes.Buffer {
	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func putBuffer(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	bufPool.Put(b)
}

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}
}

// codec encodes outgoing frames and decodes incoming ones. Decoding follows the
// flag byte, so peers may use different compression settings. A decoded body
// never grows past maxSize.
type codec struct {
	compression Compression
	threshold   int
	maxSize     int64
	zstd        *zstd.Decoder
}

func newCodec(compression Compression, threshold int, maxSize int64) (codec, error) {
	c := codec{compression: compression, threshold: threshold, maxSize: maxSize}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(maxSize)),
	)
	if err != nil {
		return c, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	c.zstd = dec
	return c, nil
}

func (c codec) close() {
	if c.zstd != nil {
		c.zstd.Close()
	}
}

func (c codec) encode(f *Frame) ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	buf.WriteByte(flagPlain)
	if err := json.NewEncoder(buf).Encode(f); err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}

	body := buf.Bytes()[1:]
	if c.compression == CompressionNone || len(body) < c.threshold {
		return bytes.Clone(buf.Bytes()), nil
	}

	var flag byte
	switch c.compression {
	case CompressionS2:
		body = s2.Encode(nil, body)
		flag = flagS2
	case CompressionZstd:
		body = zstdEncoder.EncodeAll(body, nil)
		flag = flagZstd
	default:
		return bytes.Clone(buf.Bytes()), nil
	}

	out := make([]byte, 1+len(body))
	out[0] = flag
	copy(out[1:], body)
	return out, nil
}

func (c codec) decode(data []byte) (*Frame, error) {
	if len(data) < 2 {
		return nil, ErrMalformedFrame
	}

	body, err := c.decompress(data[0], data[1:])
	if err != nil {
		return nil, err
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedFrame)
	}
	return &f, nil
}

func (c codec) decompress(flag byte, body []byte) ([]byte, error) {
	switch flag {
	case flagPlain:
		return body, nil

	case flagS2:
		n, err := s2.DecodedLen(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if int64(n) > c.maxSize {
			return nil, fmt.Errorf("%w: %w: %d bytes", ErrMalformedFrame, ErrFrameTooLarge, n)
		}
		out, err := s2.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return out, nil

	case flagZstd:
		if c.zstd == nil {
			return nil, fmt.Errorf("%w: zstd decoder unavailable", ErrMalformedFrame)
		}
		out, err := c.zstd.DecodeAll(body, nil)
		switch {
		case errors.Is(err, zstd.ErrDecoderSizeExceeded), errors.Is(err, zstd.ErrWindowSizeExceeded):
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, ErrFrameTooLarge)
		case err != nil:
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown flag %d", ErrMalformedFrame, flag)
	}
}
