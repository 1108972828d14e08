// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package input implements the multi-stream fuzzing input: an ordered mapping
// from stream identifier to a chunk list, plus the per-execution read cursors.
package input

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
)

// Reason records why an input was created.
type Reason uint8

const (
	ReasonSeed Reason = iota
	ReasonMutated
	ReasonSpliced
	ReasonImported
	ReasonMinimized
)

var reasonNames = [...]string{"seed", "mutated", "spliced", "imported", "minimized"}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason%d", r)
}

// Chunk is a unit of bytes consumed from a stream. It belongs to exactly one
// stream and one input.
type Chunk struct {
	Kind stream.ChunkKind
	Data []byte
}

func (c Chunk) clone() Chunk {
	return Chunk{Kind: c.Kind, Data: append([]byte(nil), c.Data...)}
}

type Input struct {
	ID     uuid.UUID
	Parent uuid.UUID // uuid.Nil for seeds
	Gen    uint64    // generation counter, 0 for seeds
	Reason Reason

	streams map[stream.ID][]Chunk
}

func New(reason Reason) *Input {
	return &Input{
		ID:      uuid.New(),
		Reason:  reason,
		streams: make(map[stream.ID][]Chunk),
	}
}

// Child creates an empty input descending from parent.
func (in *Input) Child(reason Reason) *Input {
	child := New(reason)
	child.Parent = in.ID
	child.Gen = in.Gen + 1
	return child
}

// Append adds a chunk to the given stream. It fails if the chunk kind is not
// permitted by the stream's alphabet.
func (in *Input) Append(reg *stream.Registry, id stream.ID, kind stream.ChunkKind, data []byte) error {
	info := reg.Info(id)
	if !info.Allows(kind) {
		return fmt.Errorf("stream %v does not permit chunk kind %v", info.Key, kind)
	}
	in.streams[id] = append(in.streams[id], Chunk{Kind: kind, Data: append([]byte(nil), data...)})
	return nil
}

// StreamIDs returns the referenced streams in ascending ID order.
func (in *Input) StreamIDs() []stream.ID {
	ids := make([]stream.ID, 0, len(in.streams))
	for id := range in.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (in *Input) Chunks(id stream.ID) []Chunk {
	return in.streams[id]
}

// SetChunks replaces the chunk list of a stream. An empty list removes the stream.
func (in *Input) SetChunks(id stream.ID, chunks []Chunk) {
	if len(chunks) == 0 {
		delete(in.streams, id)
		return
	}
	in.streams[id] = chunks
}

// Len returns the total byte length across all streams.
func (in *Input) Len() int {
	n := 0
	for _, chunks := range in.streams {
		for _, c := range chunks {
			n += len(c.Data)
		}
	}
	return n
}

func (in *Input) Clone() *Input {
	c := &Input{
		ID:      in.ID,
		Parent:  in.Parent,
		Gen:     in.Gen,
		Reason:  in.Reason,
		streams: make(map[stream.ID][]Chunk, len(in.streams)),
	}
	for id, chunks := range in.streams {
		cloned := make([]Chunk, len(chunks))
		for i, chunk := range chunks {
			cloned[i] = chunk.clone()
		}
		c.streams[id] = cloned
	}
	return c
}

// Equal compares stream contents only. Identity and history are metadata and
// do not participate in serialization either.
func (in *Input) Equal(other *Input) bool {
	if len(in.streams) != len(other.streams) {
		return false
	}
	for id, chunks := range in.streams {
		otherChunks, ok := other.streams[id]
		if !ok || len(chunks) != len(otherChunks) {
			return false
		}
		for i, chunk := range chunks {
			if chunk.Kind != otherChunks[i].Kind || !bytes.Equal(chunk.Data, otherChunks[i].Data) {
				return false
			}
		}
	}
	return true
}
