// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mutator derives new inputs from corpus parents. Mutations are
// stream-aware: each one picks a single stream, weighted by the stream's
// configured mutation weight times a usefulness score learned from feedback,
// and applies one operation from the table below. Given the same seed and
// parents the output is reproducible.
package mutator

import (
	"math/rand"

	"github.com/fuzzware-fuzzer/hoedur/pkg/input"
	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
)

// Parent is a corpus view the mutator derives from.
type Parent struct {
	Input *input.Input
	// Enabled is the interrupt vector set observed during the parent's
	// execution.
	Enabled []uint32
}

// Mean of the geometric number of stacked mutations per derived input.
const havocStackMean = 4

// Interesting values for overwrite mutations, in every width they fit.
var interesting = []uint64{0, 1, ^uint64(0), 0x7f, 0x80, 0xff, 0x7fff, 0xffff, 0xffffffff}

type Mutator struct {
	reg *stream.Registry
	rnd *rand.Rand
	// score is a per-stream usefulness average, fed back from admissions.
	score map[stream.ID]float64
	// last remembers the streams touched by the latest Mutate call, the
	// ones Feedback credits or penalizes.
	last []stream.ID
}

func New(reg *stream.Registry, seed uint64) *Mutator {
	return &Mutator{
		reg:   reg,
		rnd:   rand.New(rand.NewSource(int64(seed))),
		score: make(map[stream.ID]float64),
	}
}

// Mutate derives a child from parent, optionally splicing from other.
func (m *Mutator) Mutate(parent Parent, other *Parent) *input.Input {
	child := parent.Input.Child(input.ReasonMutated)
	for _, id := range parent.Input.StreamIDs() {
		chunks := parent.Input.Chunks(id)
		cloned := make([]input.Chunk, len(chunks))
		for i, c := range chunks {
			cloned[i] = input.Chunk{Kind: c.Kind, Data: append([]byte(nil), c.Data...)}
		}
		child.SetChunks(id, cloned)
	}
	if other != nil {
		child.Reason = input.ReasonSpliced
	}
	m.last = m.last[:0]
	count := m.stackSize()
	for i := 0; i < count; i++ {
		id := m.pickStream(child)
		if m.mutateStream(child, id, parent, other) {
			m.last = append(m.last, id)
		}
	}
	return child
}

// Feedback reports whether the latest derived input turned out useful
// (was admitted). Touched streams move toward 1 on success and toward 0
// on failure.
func (m *Mutator) Feedback(useful bool) {
	target := 0.0
	if useful {
		target = 1
	}
	for _, id := range m.last {
		old, ok := m.score[id]
		if !ok {
			old = 0.5
		}
		m.score[id] = old*0.95 + target*0.05
	}
}

func (m *Mutator) stackSize() int {
	n := 1
	for n < 64 && m.rnd.Float64() >= 1.0/havocStackMean {
		n++
	}
	return n
}

// pickStream draws a stream id weighted by configured weight times learned
// usefulness, over all registered streams so empty streams can grow chunks.
func (m *Mutator) pickStream(in *input.Input) stream.ID {
	weights := m.reg.NormalizedWeights()
	sum := 0.0
	acc := make([]float64, len(weights))
	for i, w := range weights {
		score, ok := m.score[stream.ID(i)]
		if !ok {
			score = 0.5
		}
		sum += w * (0.1 + score)
		acc[i] = sum
	}
	if sum == 0 {
		return 0
	}
	x := m.rnd.Float64() * sum
	for i, a := range acc {
		if x < a {
			return stream.ID(i)
		}
	}
	return stream.ID(len(acc) - 1)
}

type mutateFunc struct {
	weight int
	apply  func(m *Mutator, in *input.Input, id stream.ID, parent Parent, other *Parent) bool
}

var mutateFuncs = []mutateFunc{
	{30, (*Mutator).flipBits},
	{30, (*Mutator).addDelta},
	{20, (*Mutator).setInteresting},
	{10, (*Mutator).dupChunk},
	{10, (*Mutator).delChunk},
	{10, (*Mutator).splitChunk},
	{15, (*Mutator).insertChunk},
	{10, (*Mutator).spliceSuffix},
	{10, (*Mutator).irqToggleVector},
	{2, (*Mutator).crossStreamSplice},
}

var mutateWeightSum = func() int {
	sum := 0
	for _, f := range mutateFuncs {
		sum += f.weight
	}
	return sum
}()

func (m *Mutator) mutateStream(in *input.Input, id stream.ID, parent Parent, other *Parent) bool {
	// A rejected operation (wrong chunk kind, empty stream) costs one
	// retry; a few misses in a row just skip this stack slot.
	for try := 0; try < 5; try++ {
		x := m.rnd.Intn(mutateWeightSum)
		var fn mutateFunc
		for _, f := range mutateFuncs {
			if x < f.weight {
				fn = f
				break
			}
			x -= f.weight
		}
		if fn.apply(m, in, id, parent, other) {
			return true
		}
	}
	return false
}

// chunkAt picks a random chunk of the stream holding byte data.
func (m *Mutator) chunkAt(in *input.Input, id stream.ID) (int, []input.Chunk, bool) {
	chunks := in.Chunks(id)
	if len(chunks) == 0 {
		return 0, nil, false
	}
	idx := m.rnd.Intn(len(chunks))
	if len(chunks[idx].Data) == 0 {
		return 0, nil, false
	}
	return idx, chunks, true
}

func cloneChunks(chunks []input.Chunk) []input.Chunk {
	res := make([]input.Chunk, len(chunks))
	for i, c := range chunks {
		res[i] = input.Chunk{Kind: c.Kind, Data: append([]byte(nil), c.Data...)}
	}
	return res
}

func (m *Mutator) flipBits(in *input.Input, id stream.ID, parent Parent, other *Parent) bool {
	idx, chunks, ok := m.chunkAt(in, id)
	if !ok {
		return false
	}
	chunks = cloneChunks(chunks)
	data := chunks[idx].Data
	n := 1 + m.rnd.Intn(4)
	for i := 0; i < n; i++ {
		bit := m.rnd.Intn(len(data) * 8)
		data[bit/8] ^= 1 << (bit % 8)
	}
	in.SetChunks(id, chunks)
	return true
}

func (m *Mutator) addDelta(in *input.Input, id stream.ID, parent Parent, other *Parent) bool {
	idx, chunks, ok := m.chunkAt(in, id)
	if !ok {
		return false
	}
	chunks = cloneChunks(chunks)
	data := chunks[idx].Data
	width := widths[m.rnd.Intn(len(widths))]
	if len(data) < width {
		width = 1
	}
	off := m.rnd.Intn(len(data) - width + 1)
	delta := uint64(m.rnd.Intn(2*maxDelta+1) - maxDelta)
	storeLE(data[off:off+width], loadLE(data[off:off+width])+delta)
	in.SetChunks(id, chunks)
	return true
}

const maxDelta = 35

func (m *Mutator) setInteresting(in *input.Input, id stream.ID, parent Parent, other *Parent) bool {
	idx, chunks, ok := m.chunkAt(in, id)
	if !ok {
		return false
	}
	chunks = cloneChunks(chunks)
	data := chunks[idx].Data
	width := widths[m.rnd.Intn(len(widths))]
	if len(data) < width {
		width = 1
	}
	off := m.rnd.Intn(len(data) - width + 1)
	storeLE(data[off:off+width], interesting[m.rnd.Intn(len(interesting))])
	in.SetChunks(id, chunks)
	return true
}

var widths = []int{1, 2, 4}

func loadLE(data []byte) uint64 {
	var v uint64
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	return v
}

func storeLE(data []byte, v uint64) {
	for i := range data {
		data[i] = byte(v)
		v >>= 8
	}
}

func (m *Mutator) dupChunk(in *input.Input, id stream.ID, parent Parent, other *Parent) bool {
	chunks := in.Chunks(id)
	if len(chunks) == 0 {
		return false
	}
	idx := m.rnd.Intn(len(chunks))
	chunks = cloneChunks(chunks)
	dup := input.Chunk{Kind: chunks[idx].Kind, Data: append([]byte(nil), chunks[idx].Data...)}
	chunks = append(chunks[:idx+1], append([]input.Chunk{dup}, chunks[idx+1:]...)...)
	in.SetChunks(id, chunks)
	return true
}

func (m *Mutator) delChunk(in *input.Input, id stream.ID, parent Parent, other *Parent) bool {
	chunks := in.Chunks(id)
	if len(chunks) == 0 {
		return false
	}
	idx := m.rnd.Intn(len(chunks))
	chunks = cloneChunks(chunks)
	in.SetChunks(id, append(chunks[:idx], chunks[idx+1:]...))
	return true
}

func (m *Mutator) splitChunk(in *input.Input, id stream.ID, parent Parent, other *Parent) bool {
	idx, chunks, ok := m.chunkAt(in, id)
	if !ok {
		return false
	}
	chunks = cloneChunks(chunks)
	data := chunks[idx].Data
	if len(data) < 2 {
		return false
	}
	cut := 1 + m.rnd.Intn(len(data)-1)
	head := input.Chunk{Kind: chunks[idx].Kind, Data: append([]byte(nil), data[:cut]...)}
	tail := input.Chunk{Kind: chunks[idx].Kind, Data: append([]byte(nil), data[cut:]...)}
	res := append(append([]input.Chunk(nil), chunks[:idx]...), head, tail)
	res = append(res, chunks[idx+1:]...)
	in.SetChunks(id, res)
	return true
}

func (m *Mutator) insertChunk(in *input.Input, id stream.ID, parent Parent, other *Parent) bool {
	info := m.reg.Info(id)
	kind := info.Alphabet[m.rnd.Intn(len(info.Alphabet))]
	var data []byte
	switch kind {
	case stream.KindVector:
		if m.rnd.Intn(4) != 0 {
			data = []byte{byte(m.pickVector(parent))}
		}
		// Otherwise an empty chunk: skip one delivery opportunity.
	default:
		data = make([]byte, 1+m.rnd.Intn(16))
		for i := range data {
			data[i] = byte(m.rnd.Intn(256))
		}
	}
	chunks := cloneChunks(in.Chunks(id))
	idx := 0
	if len(chunks) > 0 {
		idx = m.rnd.Intn(len(chunks) + 1)
	}
	chunks = append(chunks[:idx], append([]input.Chunk{{Kind: kind, Data: data}}, chunks[idx:]...)...)
	in.SetChunks(id, chunks)
	return true
}

// spliceSuffix replaces a chunk suffix of the stream with the corresponding
// suffix from a second parent's same stream.
func (m *Mutator) spliceSuffix(in *input.Input, id stream.ID, parent Parent, other *Parent) bool {
	if other == nil {
		return false
	}
	donor := other.Input.Chunks(id)
	chunks := in.Chunks(id)
	if len(donor) == 0 || len(chunks) == 0 {
		return false
	}
	keep := m.rnd.Intn(len(chunks))
	from := m.rnd.Intn(len(donor))
	res := cloneChunks(chunks[:keep])
	res = append(res, cloneChunks(donor[from:])...)
	in.SetChunks(id, res)
	return true
}

// irqToggleVector inserts or removes a vector observed enabled during the
// parent's execution.
func (m *Mutator) irqToggleVector(in *input.Input, id stream.ID, parent Parent, other *Parent) bool {
	info := m.reg.Info(id)
	if info.Key.Category != stream.CategoryInterrupt {
		return false
	}
	chunks := cloneChunks(in.Chunks(id))
	if len(chunks) > 0 && m.rnd.Intn(2) == 0 {
		idx := m.rnd.Intn(len(chunks))
		in.SetChunks(id, append(chunks[:idx], chunks[idx+1:]...))
		return true
	}
	if len(parent.Enabled) == 0 {
		return false
	}
	chunk := input.Chunk{Kind: stream.KindVector, Data: []byte{byte(m.pickVector(parent))}}
	idx := 0
	if len(chunks) > 0 {
		idx = m.rnd.Intn(len(chunks) + 1)
	}
	chunks = append(chunks[:idx], append([]input.Chunk{chunk}, chunks[idx:]...)...)
	in.SetChunks(id, chunks)
	return true
}

func (m *Mutator) pickVector(parent Parent) uint32 {
	if len(parent.Enabled) == 0 {
		return uint32(1 + m.rnd.Intn(255))
	}
	return parent.Enabled[m.rnd.Intn(len(parent.Enabled))]
}

// crossStreamSplice takes the other parent's whole stream.
func (m *Mutator) crossStreamSplice(in *input.Input, id stream.ID, parent Parent, other *Parent) bool {
	if other == nil {
		return false
	}
	ids := other.Input.StreamIDs()
	if len(ids) == 0 {
		return false
	}
	src := ids[m.rnd.Intn(len(ids))]
	in.SetChunks(src, cloneChunks(other.Input.Chunks(src)))
	return true
}
