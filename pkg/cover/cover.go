// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cover implements coverage collection and the novelty signal.
// Coverage is recorded per execution as basic-block hit counts; edges between
// consecutively executed blocks are folded with a logarithmic hit-count
// bucket into signal elements that drive corpus admission.
package cover

import (
	"fmt"
	"sort"
)

// MaxBlocks bounds the number of distinct basic blocks a record tracks.
// ARMv7-M firmware images stay far below this.
const MaxBlocks = 1 << 24

// Edge packs a source and destination basic-block address.
type Edge uint64

func MakeEdge(src, dst uint32) Edge {
	return Edge(uint64(src)<<32 | uint64(dst))
}

func (e Edge) Src() uint32 { return uint32(e >> 32) }
func (e Edge) Dst() uint32 { return uint32(e) }

func (e Edge) String() string {
	return fmt.Sprintf("0x%08x->0x%08x", e.Src(), e.Dst())
}

// Bucket maps a raw hit count to one of 8 logarithmic buckets:
// 1, 2, 3, 4-7, 8-15, 16-31, 32-127, 128+.
func Bucket(hits uint32) uint8 {
	switch {
	case hits == 0:
		return 0
	case hits == 1:
		return 0
	case hits == 2:
		return 1
	case hits == 3:
		return 2
	case hits < 8:
		return 3
	case hits < 16:
		return 4
	case hits < 32:
		return 5
	case hits < 128:
		return 6
	}
	return 7
}

// Record accumulates the coverage of one execution.
type Record struct {
	prev     uint32
	hasPrev  bool
	overflow bool
	edges    map[Edge]uint32
	blocks   map[uint32]uint32
}

func NewRecord() *Record {
	return &Record{
		edges:  make(map[Edge]uint32),
		blocks: make(map[uint32]uint32),
	}
}

// Block records execution of the basic block at pc. Consecutive calls form
// an edge from the previous block.
func (r *Record) Block(pc uint32) {
	if len(r.blocks) >= MaxBlocks {
		if _, ok := r.blocks[pc]; !ok {
			r.overflow = true
			return
		}
	}
	r.blocks[pc]++
	if r.hasPrev {
		r.edges[MakeEdge(r.prev, pc)]++
	}
	r.prev = pc
	r.hasPrev = true
}

// Reset clears the record for reuse across executions.
func (r *Record) Reset() {
	r.prev = 0
	r.hasPrev = false
	r.overflow = false
	clear(r.edges)
	clear(r.blocks)
}

// Overflowed reports that the block bound was exceeded, which invalidates
// the record.
func (r *Record) Overflowed() bool { return r.overflow }

func (r *Record) BlockCount() int { return len(r.blocks) }
func (r *Record) EdgeCount() int  { return len(r.edges) }

// Blocks returns the executed block addresses in ascending order.
func (r *Record) Blocks() []uint32 {
	res := make([]uint32, 0, len(r.blocks))
	for pc := range r.blocks {
		res = append(res, pc)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// Signal folds the record's edges with their hit buckets into a signal set.
func (r *Record) Signal() Signal {
	sig := make(Signal, len(r.edges))
	for edge, hits := range r.edges {
		sig[Elem{Edge: edge, Bucket: Bucket(hits)}] = struct{}{}
	}
	return sig
}
