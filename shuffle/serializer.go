// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ycldragon1/dpark/internal/defaultsize"
	"github.com/ycldragon1/dpark/sliceio"
)

// encodeItems implements append-mode's "marshalable, else general-purpose
// fallback" encoding: it first tries a compact gob encode and falls back to
// JSON on any gob failure (unregistered interface values, channels, funcs --
// anything gob cannot describe).
func encodeItems[K comparable, C any](items []sliceio.Pair[K, C]) (isMarshal bool, payload []byte, err error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(items); err == nil {
		return true, buf.Bytes(), nil
	}
	buf.Reset()
	if err := json.NewEncoder(&buf).Encode(items); err != nil {
		return false, nil, fmt.Errorf("shuffle: encode items: %w", err)
	}
	return false, buf.Bytes(), nil
}

// decodeItems inverts encodeItems.
func decodeItems[K comparable, C any](isMarshal bool, payload []byte) ([]sliceio.Pair[K, C], error) {
	var items []sliceio.Pair[K, C]
	var err error
	if isMarshal {
		err = gob.NewDecoder(bytes.NewReader(payload)).Decode(&items)
	} else {
		err = json.Unmarshal(payload, &items)
	}
	if err != nil {
		return nil, fmt.Errorf("shuffle: decode items: %w", err)
	}
	return items, nil
}

// StreamSerializer is the "serializer per rddconf" collaborator from spec
// §6 for sort-merge mode: DumpStream/LoadStream read and write the
// self-delimiting stream format implemented by package sliceio.
type StreamSerializer[K comparable, C any] struct{}

// DumpStream writes items to w as a self-delimiting stream, chunked at
// defaultsize.Chunk items per encoded batch.
func (StreamSerializer[K, C]) DumpStream(items []sliceio.Pair[K, C], w io.Writer) error {
	enc := sliceio.NewEncoder[K, C](w)
	chunk := defaultsize.Chunk
	if chunk <= 0 {
		chunk = len(items)
		if chunk == 0 {
			chunk = 1
		}
	}
	for i := 0; i < len(items); i += chunk {
		end := i + chunk
		if end > len(items) {
			end = len(items)
		}
		if err := enc.Encode(items[i:end]); err != nil {
			return err
		}
	}
	return nil
}

// LoadStream returns a Reader over the stream previously written by
// DumpStream.
func (StreamSerializer[K, C]) LoadStream(r io.Reader) sliceio.Reader[K, C] {
	return sliceio.NewDecoder[K, C](r)
}
