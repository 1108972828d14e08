// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fuzzware-fuzzer/hoedur/pkg/archive"
	"github.com/fuzzware-fuzzer/hoedur/pkg/fuzzer"
	"github.com/fuzzware-fuzzer/hoedur/pkg/fwconfig"
	"github.com/fuzzware-fuzzer/hoedur/pkg/input"
	"github.com/fuzzware-fuzzer/hoedur/pkg/log"
	"github.com/fuzzware-fuzzer/hoedur/pkg/oracle"
	"github.com/fuzzware-fuzzer/hoedur/pkg/tool"
)

// replayResult is the outcome of re-executing one archived input.
type replayResult struct {
	in      *input.Input
	verdict oracle.Verdict
	cost    uint64
	blocks  []uint32
}

func cmdRunCorpus(cfg *fwconfig.Config, args []string) {
	if len(args) != 1 {
		tool.Failf("usage: hoedur run-corpus --config C ARCHIVE")
	}
	results, err := replayArchive(cfg, args[0])
	if err != nil {
		tool.Exitf(tool.ExitIO, "%v", err)
	}
	crashes := 0
	for _, res := range results {
		fmt.Printf("%v: %v cost=%v\n", res.in.ID, res.verdict, res.cost)
		if res.verdict.Kind.IsCrash() {
			crashes++
		}
	}
	fmt.Printf("replayed %v inputs, %v crashes\n", len(results), crashes)
	if crashes != 0 {
		tool.Exitf(tool.ExitBug, "corpus contains crashing inputs")
	}
}

// replayArchive re-executes every input in the archive across one runtime
// per worker. Results come back in archive order regardless of which worker
// ran them.
func replayArchive(cfg *fwconfig.Config, path string) ([]*replayResult, error) {
	snap, err := archive.Load(path)
	if err != nil {
		return nil, err
	}
	if snap.Corrupt != 0 {
		log.Logf(0, "skipped %v corrupt inputs in %v", snap.Corrupt, path)
	}
	if len(snap.Inputs) == 0 {
		return nil, nil
	}
	workers := runtime.GOMAXPROCS(0)
	if workers > len(snap.Inputs) {
		workers = len(snap.Inputs)
	}
	results := make([]*replayResult, len(snap.Inputs))
	var mu sync.Mutex
	next := 0
	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			rt, err := fuzzer.NewRuntime(cfg, emuConfig())
			if err != nil {
				return err
			}
			defer rt.Close()
			for {
				mu.Lock()
				i := next
				next++
				mu.Unlock()
				if i >= len(snap.Inputs) {
					return nil
				}
				in := snap.Inputs[i]
				res, err := rt.Engine.Run(in)
				if err != nil {
					return fmt.Errorf("input %v: %w", in.ID, err)
				}
				blocks := res.Cover.Blocks()
				results[i] = &replayResult{
					in:      in,
					verdict: res.Verdict,
					cost:    res.Cost,
					blocks:  blocks,
				}
			}
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// mergeBlocks unions the covered blocks of all results into one ascending
// list.
func mergeBlocks(results []*replayResult) []uint32 {
	seen := make(map[uint32]bool)
	for _, res := range results {
		for _, pc := range res.blocks {
			seen[pc] = true
		}
	}
	merged := make([]uint32, 0, len(seen))
	for pc := range seen {
		merged = append(merged, pc)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	return merged
}
