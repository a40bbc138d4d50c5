// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sliceio implements the self-delimiting stream format used by the
// sort-merge bucket dumper, and the batched Reader contract used to drive
// it without buffering an entire spill file in memory.
package sliceio

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"io"
)

// EOF is returned by Reader.Read once its stream is exhausted. Unlike
// io.EOF, EOF may be returned alongside a final non-zero n: callers must
// consume the returned items even when err == EOF.
var EOF = errors.New("sliceio: EOF")

// Pair is one key/value item read from or written to a stream.
type Pair[K, V any] struct {
	Key   K
	Value V
}

// Reader reads batches of Pairs from a stream, the way a columnar batch
// reader reads rows from a frame.
type Reader[K, V any] interface {
	// Read fills out with up to len(out) pairs, returning the number
	// read. Read returns EOF once (possibly with n > 0) when the
	// underlying stream is exhausted.
	Read(ctx context.Context, out []Pair[K, V]) (n int, err error)
}

// ReadFull reads from r until out is filled or the stream ends.
func ReadFull[K, V any](ctx context.Context, r Reader[K, V], out []Pair[K, V]) (n int, err error) {
	for n < len(out) && err == nil {
		var k int
		k, err = r.Read(ctx, out[n:])
		n += k
	}
	return
}

// Encoder writes a self-delimiting stream of Pairs: a sequence of
// gob-encoded batches, each batch prefixed (by gob itself) with its length.
// Decoder reads such a stream back. Together they are the stream
// serializer used by sort-merge mode.
type Encoder[K, V any] struct {
	enc *gob.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder[K, V any](w io.Writer) *Encoder[K, V] {
	return &Encoder[K, V]{enc: gob.NewEncoder(w)}
}

// Encode writes one batch of items to the stream.
func (e *Encoder[K, V]) Encode(items []Pair[K, V]) error {
	return e.enc.Encode(items)
}

// Decoder reads a stream written by Encoder.
type Decoder[K, V any] struct {
	dec *gob.Decoder
	buf *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder[K, V any](r io.Reader) *Decoder[K, V] {
	buf := bufio.NewReader(r)
	return &Decoder[K, V]{dec: gob.NewDecoder(buf), buf: buf}
}

// Read implements Reader by decoding successive batches.
func (d *Decoder[K, V]) Read(ctx context.Context, out []Pair[K, V]) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var batch []Pair[K, V]
	if err := d.dec.Decode(&batch); err != nil {
		if err == io.EOF {
			return 0, EOF
		}
		return 0, err
	}
	n := copy(out, batch)
	if n < len(batch) {
		// The caller's buffer was smaller than one encoded batch; this
		// should not happen given how the sort-merge writers encode
		// batches (at a known chunk size), but guard against data loss.
		return 0, errors.New("sliceio: decode buffer smaller than batch")
	}
	return n, nil
}

// SliceReader adapts an in-memory slice of Pairs to the Reader interface,
// primarily for tests.
type SliceReader[K, V any] struct {
	items []Pair[K, V]
	pos   int
}

// NewSliceReader returns a Reader over items.
func NewSliceReader[K, V any](items []Pair[K, V]) *SliceReader[K, V] {
	return &SliceReader[K, V]{items: items}
}

func (s *SliceReader[K, V]) Read(ctx context.Context, out []Pair[K, V]) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := copy(out, s.items[s.pos:])
	s.pos += n
	if s.pos >= len(s.items) {
		return n, EOF
	}
	return n, nil
}

// ErrReader returns a Reader whose Read always fails with err.
func ErrReader[K, V any](err error) Reader[K, V] {
	return errReader[K, V]{err}
}

type errReader[K, V any] struct{ err error }

func (e errReader[K, V]) Read(context.Context, []Pair[K, V]) (int, error) { return 0, e.err }
