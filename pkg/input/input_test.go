// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package input

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
	"github.com/fuzzware-fuzzer/hoedur/pkg/testutil"
)

func TestChildIdentity(t *testing.T) {
	parent := New(ReasonSeed)
	child := parent.Child(ReasonMutated)
	assert.Equal(t, parent.ID, child.Parent)
	assert.Equal(t, parent.Gen+1, child.Gen)
	assert.NotEqual(t, parent.ID, child.ID)
	assert.Equal(t, uuid.Nil, parent.Parent)
}

func TestAppendAlphabet(t *testing.T) {
	reg := stream.NewRegistry(0)
	mmio := reg.Intern(stream.Key{Category: stream.CategoryMmio, Addr: 0x4000_0000})
	irq := reg.Intern(stream.Key{Category: stream.CategoryInterrupt})
	in := New(ReasonSeed)
	require.NoError(t, in.Append(reg, mmio, stream.KindBytes, []byte{1, 2, 3}))
	require.Error(t, in.Append(reg, mmio, stream.KindVector, []byte{1}))
	require.NoError(t, in.Append(reg, irq, stream.KindVector, []byte{5}))
	require.Error(t, in.Append(reg, irq, stream.KindBytes, []byte{5}))
	assert.Equal(t, 4, in.Len())
}

func TestStreamIDsOrdered(t *testing.T) {
	in := New(ReasonSeed)
	for _, id := range []stream.ID{7, 2, 5, 0} {
		in.SetChunks(id, []Chunk{{Kind: stream.KindBytes, Data: []byte{byte(id)}}})
	}
	assert.Equal(t, []stream.ID{0, 2, 5, 7}, in.StreamIDs())
}

func TestCloneIsDeep(t *testing.T) {
	in := New(ReasonSeed)
	in.SetChunks(1, []Chunk{{Kind: stream.KindBytes, Data: []byte{1, 2, 3}}})
	clone := in.Clone()
	require.True(t, in.Equal(clone))
	clone.Chunks(1)[0].Data[0] = 0xff
	assert.Equal(t, byte(1), in.Chunks(1)[0].Data[0])
	assert.False(t, in.Equal(clone))
}

func TestSetChunksEmptyRemoves(t *testing.T) {
	in := New(ReasonSeed)
	in.SetChunks(3, []Chunk{{Kind: stream.KindBytes, Data: []byte{1}}})
	in.SetChunks(3, nil)
	assert.Empty(t, in.StreamIDs())
	assert.Equal(t, 0, in.Len())
}

func TestSerializeRoundTrip(t *testing.T) {
	rnd := rand.New(testutil.RandSource(t))
	for i := 0; i < testutil.IterCount(); i++ {
		in := New(ReasonSeed)
		nstreams := rnd.Intn(5)
		for s := 0; s < nstreams; s++ {
			id := stream.ID(rnd.Intn(10))
			nchunks := 1 + rnd.Intn(4)
			chunks := make([]Chunk, nchunks)
			for c := range chunks {
				data := make([]byte, rnd.Intn(20))
				rnd.Read(data)
				chunks[c] = Chunk{Kind: stream.ChunkKind(rnd.Intn(2)), Data: data}
			}
			in.SetChunks(id, chunks)
		}
		data := in.Serialize()
		got, err := Deserialize(data, ReasonImported)
		require.NoError(t, err)
		assert.True(t, in.Equal(got), "round trip diverged on iteration %v", i)
		// Identity is not part of the wire format.
		assert.NotEqual(t, in.ID, got.ID)
		assert.Equal(t, ReasonImported, got.Reason)
	}
}

func TestSerializeDeterministic(t *testing.T) {
	in := New(ReasonSeed)
	in.SetChunks(2, []Chunk{{Kind: stream.KindBytes, Data: []byte{9, 8}}})
	in.SetChunks(1, []Chunk{{Kind: stream.KindBytes, Data: []byte{7}}})
	other := New(ReasonMutated)
	other.SetChunks(1, []Chunk{{Kind: stream.KindBytes, Data: []byte{7}}})
	other.SetChunks(2, []Chunk{{Kind: stream.KindBytes, Data: []byte{9, 8}}})
	// Equal stream contents serialize to identical bytes regardless of
	// identity metadata and insertion order.
	assert.Equal(t, in.Serialize(), other.Serialize())
}

func TestDeserializeRejects(t *testing.T) {
	good := New(ReasonSeed)
	good.SetChunks(1, []Chunk{{Kind: stream.KindBytes, Data: []byte{1, 2, 3, 4}}})
	data := good.Serialize()
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", []byte("XXXX\x01")},
		{"bad version", append([]byte("HOED"), 0x7f)},
		{"truncated", data[:len(data)-2]},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Deserialize(test.data, ReasonSeed)
			assert.Error(t, err)
		})
	}
}

func TestDeserializeOutOfOrder(t *testing.T) {
	// Hand-build a payload with stream 2 before stream 1.
	buf := append([]byte("HOED"), 1)
	buf = append(buf, 2, 1, byte(stream.KindBytes), 1, 0xaa)
	buf = append(buf, 1, 1, byte(stream.KindBytes), 1, 0xbb)
	_, err := Deserialize(buf, ReasonSeed)
	assert.Error(t, err)
}

func TestCursorsPull(t *testing.T) {
	in := New(ReasonSeed)
	in.SetChunks(1, []Chunk{
		{Kind: stream.KindBytes, Data: []byte{1, 2, 3}},
		{Kind: stream.KindBytes, Data: []byte{4, 5}},
	})
	cur := NewCursors(in)
	data, exhausted := cur.Pull(1, 2)
	assert.Equal(t, []byte{1, 2}, data)
	assert.False(t, exhausted)
	// Pulls cross chunk boundaries transparently.
	data, exhausted = cur.Pull(1, 2)
	assert.Equal(t, []byte{3, 4}, data)
	assert.False(t, exhausted)
	// The short tail is zero-filled but not exhausted.
	data, exhausted = cur.Pull(1, 4)
	assert.Equal(t, []byte{5, 0, 0, 0}, data)
	assert.False(t, exhausted)
	// Nothing left at pull start.
	data, exhausted = cur.Pull(1, 4)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
	assert.True(t, exhausted)
	assert.Equal(t, 5, cur.Consumed(1))
}

func TestCursorsPullEmptyStream(t *testing.T) {
	in := New(ReasonSeed)
	cur := NewCursors(in)
	data, exhausted := cur.Pull(9, 4)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
	assert.True(t, exhausted)
}

func TestCursorsPullChunk(t *testing.T) {
	in := New(ReasonSeed)
	in.SetChunks(1, []Chunk{
		{Kind: stream.KindVector, Data: []byte{5}},
		{Kind: stream.KindVector, Data: nil},
		{Kind: stream.KindVector, Data: []byte{7}},
	})
	cur := NewCursors(in)
	chunk, exhausted := cur.PullChunk(1)
	require.False(t, exhausted)
	assert.Equal(t, []byte{5}, chunk.Data)
	chunk, exhausted = cur.PullChunk(1)
	require.False(t, exhausted)
	assert.Empty(t, chunk.Data)
	chunk, exhausted = cur.PullChunk(1)
	require.False(t, exhausted)
	assert.Equal(t, []byte{7}, chunk.Data)
	_, exhausted = cur.PullChunk(1)
	assert.True(t, exhausted)
}

func TestCursorsPullChunkSkipsPartial(t *testing.T) {
	in := New(ReasonSeed)
	in.SetChunks(1, []Chunk{
		{Kind: stream.KindBytes, Data: []byte{1, 2, 3}},
		{Kind: stream.KindBytes, Data: []byte{4}},
	})
	cur := NewCursors(in)
	cur.Pull(1, 1)
	chunk, exhausted := cur.PullChunk(1)
	require.False(t, exhausted)
	// The partially consumed first chunk is skipped, never re-read.
	assert.Equal(t, []byte{4}, chunk.Data)
}

func TestCursorsDeterministic(t *testing.T) {
	rnd := rand.New(testutil.RandSource(t))
	in := New(ReasonSeed)
	for s := 0; s < 3; s++ {
		chunks := make([]Chunk, 1+rnd.Intn(4))
		for c := range chunks {
			data := make([]byte, rnd.Intn(16))
			rnd.Read(data)
			chunks[c] = Chunk{Kind: stream.KindBytes, Data: data}
		}
		in.SetChunks(stream.ID(s), chunks)
	}
	pulls := make([]int, 20)
	for i := range pulls {
		pulls[i] = 1 + rnd.Intn(8)
	}
	run := func() [][]byte {
		cur := NewCursors(in)
		var res [][]byte
		for i, n := range pulls {
			data, _ := cur.Pull(stream.ID(i%3), n)
			res = append(res, data)
		}
		return res
	}
	assert.Equal(t, run(), run())
}
