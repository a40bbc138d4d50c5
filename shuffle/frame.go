// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// headerSize is the fixed width of an append-mode frame header: payload
// length (u32), is_marshal (u8), is_sorted (u8), and two reserved padding
// bytes.
const headerSize = 4 + 1 + 1 + 2

// frameHeader is the decoded form of one append-mode frame header.
type frameHeader struct {
	PayloadLen uint32
	IsMarshal  bool
	// IsSorted is always false in this design: sort-merge mode uses a
	// different, frame-less writer. The bit is reserved for future use
	// and must never be elided.
	IsSorted bool
}

// packHeader encodes h into its fixed-width wire form.
func packHeader(h frameHeader) []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], h.PayloadLen)
	if h.IsMarshal {
		buf[4] = 1
	}
	if h.IsSorted {
		buf[5] = 1
	}
	return buf
}

// unpackHeader decodes a fixed-width header from buf, which must be at
// least headerSize bytes.
func unpackHeader(buf []byte) (frameHeader, error) {
	if len(buf) < headerSize {
		return frameHeader{}, fmt.Errorf("shuffle: short frame header (%d bytes)", len(buf))
	}
	return frameHeader{
		PayloadLen: binary.BigEndian.Uint32(buf[0:4]),
		IsMarshal:  buf[4] != 0,
		IsSorted:   buf[5] != 0,
	}, nil
}

// writeFrame appends one header||payload frame to w.
func writeFrame(w io.Writer, isMarshal bool, payload []byte) (int, error) {
	h := packHeader(frameHeader{PayloadLen: uint32(len(payload)), IsMarshal: isMarshal})
	if _, err := w.Write(h); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return len(h) + len(payload), nil
}

// readFrame reads one header||payload frame from r. It returns io.EOF
// (unwrapped) when r is exhausted at a frame boundary.
func readFrame(r io.Reader) (frameHeader, []byte, error) {
	hbuf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hbuf); err != nil {
		if err == io.EOF {
			return frameHeader{}, nil, io.EOF
		}
		return frameHeader{}, nil, err
	}
	h, err := unpackHeader(hbuf)
	if err != nil {
		return frameHeader{}, nil, err
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frameHeader{}, nil, fmt.Errorf("shuffle: short frame payload: %w", err)
	}
	return h, payload, nil
}

// zstd encoders/decoders are expensive to construct; share one of each
// across all frame compress/decompress calls in a process, consistent with
// the klauspost/compress recommendation.
var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func encoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		e, err := zstd.NewWriter(nil)
		if err != nil {
			panic(err) // only fails on invalid options, which we don't pass
		}
		zstdEnc = e
	})
	return zstdEnc
}

func decoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		d, err := zstd.NewReader(nil)
		if err != nil {
			panic(err)
		}
		zstdDec = d
	})
	return zstdDec
}

// compress is the single symmetric codec applied to every append-mode
// payload.
func compress(data []byte) []byte {
	return encoder().EncodeAll(data, nil)
}

// decompress inverts compress.
func decompress(data []byte) ([]byte, error) {
	return decoder().DecodeAll(data, nil)
}
