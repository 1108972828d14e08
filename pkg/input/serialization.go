// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package input

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
)

// Wire format: magic, version byte, then for each stream in ascending ID
// order <stream_id varint><n_chunks varint> followed by
// <kind byte><len varint><bytes> per chunk. Identity and history metadata
// are not part of the format, so two inputs with equal stream contents
// serialize to identical bytes.

var magic = []byte("HOED")

const version = 1

func (in *Input) Serialize() []byte {
	buf := append([]byte(nil), magic...)
	buf = append(buf, version)
	for _, id := range in.StreamIDs() {
		chunks := in.streams[id]
		buf = binary.AppendUvarint(buf, uint64(id))
		buf = binary.AppendUvarint(buf, uint64(len(chunks)))
		for _, chunk := range chunks {
			buf = append(buf, byte(chunk.Kind))
			buf = binary.AppendUvarint(buf, uint64(len(chunk.Data)))
			buf = append(buf, chunk.Data...)
		}
	}
	return buf
}

// Deserialize parses a serialized input. The result is a fresh input with
// new identity and no parent.
func Deserialize(data []byte, reason Reason) (*Input, error) {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return nil, fmt.Errorf("bad input magic")
	}
	if v := data[len(magic)]; v != version {
		return nil, fmt.Errorf("unsupported input version %v", v)
	}
	r := bytes.NewReader(data[len(magic)+1:])
	in := New(reason)
	prev := int64(-1)
	for r.Len() > 0 {
		id, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("truncated stream id: %w", err)
		}
		if int64(id) <= prev {
			return nil, fmt.Errorf("stream ids out of order: %v after %v", id, prev)
		}
		prev = int64(id)
		nchunks, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("truncated chunk count: %w", err)
		}
		chunks := make([]Chunk, 0, nchunks)
		for i := uint64(0); i < nchunks; i++ {
			kind, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("truncated chunk kind: %w", err)
			}
			size, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("truncated chunk length: %w", err)
			}
			if size > uint64(r.Len()) {
				return nil, fmt.Errorf("chunk length %v exceeds remaining %v bytes", size, r.Len())
			}
			chunk := Chunk{Kind: stream.ChunkKind(kind), Data: make([]byte, size)}
			if _, err := io.ReadFull(r, chunk.Data); err != nil {
				return nil, fmt.Errorf("truncated chunk data: %w", err)
			}
			chunks = append(chunks, chunk)
		}
		if len(chunks) != 0 {
			in.streams[stream.ID(id)] = chunks
		}
	}
	return in, nil
}
