// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"github.com/fuzzware-fuzzer/hoedur/pkg/input"
	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
)

// Pred executes a candidate and reports whether it still exhibits the
// property being preserved (the admitting contribution, or the crash
// fingerprint).
type Pred func(*input.Input) bool

// Minimize reduces an input while pred holds: whole streams, then chunks,
// then chunk bytes. The candidate passed to pred is a clone; the returned
// input is the smallest accepted form. Minimization is deterministic.
func Minimize(in *input.Input, pred Pred) *input.Input {
	res := in.Clone()
	res = minimizeStreams(res, pred)
	res = minimizeChunks(res, pred)
	res = minimizeBytes(res, pred)
	return res
}

func minimizeStreams(in *input.Input, pred Pred) *input.Input {
	for _, id := range in.StreamIDs() {
		candidate := in.Clone()
		candidate.SetChunks(id, nil)
		if pred(candidate) {
			in = candidate
		}
	}
	return in
}

func minimizeChunks(in *input.Input, pred Pred) *input.Input {
	for _, id := range in.StreamIDs() {
		// Remove chunks from the tail first: later chunks are the ones
		// most likely to be dead weight past the interesting behavior.
		for i := len(in.Chunks(id)) - 1; i >= 0; i-- {
			chunks := in.Chunks(id)
			if i >= len(chunks) {
				continue
			}
			candidate := in.Clone()
			reduced := append([]input.Chunk(nil), chunks[:i]...)
			reduced = append(reduced, chunks[i+1:]...)
			candidate.SetChunks(id, reduced)
			if pred(candidate) {
				in = candidate
			}
		}
	}
	return in
}

func minimizeBytes(in *input.Input, pred Pred) *input.Input {
	for _, id := range in.StreamIDs() {
		for i := 0; i < len(in.Chunks(id)); i++ {
			in = minimizeChunkData(in, id, i, pred)
		}
	}
	return in
}

// minimizeChunkData truncates one chunk's data by binary search: repeatedly
// try keeping only the first half of the remaining tail.
func minimizeChunkData(in *input.Input, id stream.ID, idx int, pred Pred) *input.Input {
	for {
		chunks := in.Chunks(id)
		if idx >= len(chunks) {
			return in
		}
		n := len(chunks[idx].Data)
		if n == 0 {
			return in
		}
		accepted := false
		for keep := n / 2; ; keep = keep + (n-keep)/2 {
			candidate := in.Clone()
			cc := append([]input.Chunk(nil), candidate.Chunks(id)...)
			cc[idx] = input.Chunk{Kind: cc[idx].Kind, Data: append([]byte(nil), cc[idx].Data[:keep]...)}
			candidate.SetChunks(id, cc)
			if pred(candidate) {
				in = candidate
				accepted = true
				break
			}
			if keep == n-1 || keep >= n {
				break
			}
		}
		if !accepted {
			return in
		}
	}
}
