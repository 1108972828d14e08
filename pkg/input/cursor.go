// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package input

import (
	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
)

// Cursors tracks per-stream read positions for one execution of an input.
// Positions only move forward. A pull is a pure function of the input and
// the cursor positions, so re-running the same input from a fresh Cursors
// yields identical pull results.
type Cursors struct {
	in  *Input
	pos map[stream.ID]cursor
}

type cursor struct {
	chunk int // index into the chunk list
	off   int // byte offset within the current chunk
}

func NewCursors(in *Input) *Cursors {
	return &Cursors{
		in:  in,
		pos: make(map[stream.ID]cursor),
	}
}

// Pull reads n bytes from the stream's chunk concatenation. If fewer than n
// bytes remain, the result is zero-filled past the end. Exhausted is true
// only when zero bytes were available at the start of the pull.
func (c *Cursors) Pull(id stream.ID, n int) (data []byte, exhausted bool) {
	data = make([]byte, n)
	chunks := c.in.Chunks(id)
	cur := c.pos[id]
	got := 0
	for got < n && cur.chunk < len(chunks) {
		chunk := chunks[cur.chunk]
		avail := len(chunk.Data) - cur.off
		if avail == 0 {
			cur.chunk++
			cur.off = 0
			continue
		}
		take := n - got
		if take > avail {
			take = avail
		}
		copy(data[got:], chunk.Data[cur.off:cur.off+take])
		got += take
		cur.off += take
		if cur.off == len(chunk.Data) {
			cur.chunk++
			cur.off = 0
		}
	}
	c.pos[id] = cur
	return data, got == 0
}

// PullChunk returns the next whole chunk of the stream, used for interrupt
// streams where a chunk is one poll-point decision. Exhausted is true when
// no chunks remain.
func (c *Cursors) PullChunk(id stream.ID) (Chunk, bool) {
	chunks := c.in.Chunks(id)
	cur := c.pos[id]
	// PullChunk never reads partial chunks, but a preceding Pull on the same
	// stream may have left a byte offset. Skip the partially consumed chunk.
	if cur.off != 0 {
		cur.chunk++
		cur.off = 0
	}
	if cur.chunk >= len(chunks) {
		c.pos[id] = cur
		return Chunk{}, true
	}
	chunk := chunks[cur.chunk]
	cur.chunk++
	c.pos[id] = cur
	return chunk, false
}

// Pos returns the number of whole chunks consumed and the byte offset within
// the current chunk.
func (c *Cursors) Pos(id stream.ID) (chunk, off int) {
	cur := c.pos[id]
	return cur.chunk, cur.off
}

// Consumed reports the total bytes read from the stream so far.
func (c *Cursors) Consumed(id stream.ID) int {
	chunks := c.in.Chunks(id)
	cur := c.pos[id]
	n := 0
	for i := 0; i < cur.chunk && i < len(chunks); i++ {
		n += len(chunks[i].Data)
	}
	return n + cur.off
}
