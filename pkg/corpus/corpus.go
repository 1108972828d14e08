// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus maintains the set of admitted inputs, the coverage baseline
// they established, and the disjoint crash set. The corpus lives on the
// fuzzer thread; admissions are totally ordered and baseline updates are
// atomic with the admission they belong to.
package corpus

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/fuzzware-fuzzer/hoedur/pkg/cover"
	"github.com/fuzzware-fuzzer/hoedur/pkg/hash"
	"github.com/fuzzware-fuzzer/hoedur/pkg/input"
	"github.com/fuzzware-fuzzer/hoedur/pkg/log"
	"github.com/fuzzware-fuzzer/hoedur/pkg/oracle"
)

// Contribution is what one entry added to the baseline: basic blocks never
// seen before and edges promoted to a higher hit bucket.
type Contribution struct {
	Blocks []uint32
	Elems  cover.Signal
}

// Bits is the novelty bonus used by the scheduler.
func (c Contribution) Bits() int {
	return len(c.Blocks) + c.Elems.Len()
}

// Entry is one admitted input. Entries are owned by the corpus; callers get
// read-only views and must clone the input before mutating it.
type Entry struct {
	Input       *input.Input
	Verdict     oracle.Verdict
	Cost        uint64
	Contributed Contribution
	// Seq is the admission timestamp, monotonic within a process.
	Seq uint64
	// Enabled is the interrupt vector set observed during the admitting
	// execution, consumed by interrupt mutations.
	Enabled []uint32

	selections uint64
}

// Crash is one deduplicated crash discovery.
type Crash struct {
	Input   *input.Input
	Verdict oracle.Verdict
	Cost    uint64
	Seq     uint64
	// Hits counts how many executions landed on this fingerprint.
	Hits uint64
}

type baseline struct {
	blocks map[uint32]struct{}
	// edges records the highest hit bucket seen per edge. A lower bucket
	// is not novelty.
	edges map[cover.Edge]uint8
}

func newBaseline() *baseline {
	return &baseline{
		blocks: make(map[uint32]struct{}),
		edges:  make(map[cover.Edge]uint8),
	}
}

// diff returns what the record would contribute to the baseline.
func (b *baseline) diff(rec *cover.Record) Contribution {
	var contrib Contribution
	for _, pc := range rec.Blocks() {
		if _, ok := b.blocks[pc]; !ok {
			contrib.Blocks = append(contrib.Blocks, pc)
		}
	}
	for elem := range rec.Signal() {
		if have, ok := b.edges[elem.Edge]; !ok || elem.Bucket > have {
			contrib.Elems = contrib.Elems.Merge(cover.Signal{elem: {}})
		}
	}
	return contrib
}

func (b *baseline) merge(contrib Contribution) {
	for _, pc := range contrib.Blocks {
		b.blocks[pc] = struct{}{}
	}
	for elem := range contrib.Elems {
		if have, ok := b.edges[elem.Edge]; !ok || elem.Bucket > have {
			b.edges[elem.Edge] = elem.Bucket
		}
	}
}

// Corpus owns the admitted entries and the crash set. Not safe for
// concurrent use.
type Corpus struct {
	entries []*Entry
	byID    map[uuid.UUID]*Entry
	crashes map[hash.Sig]*Crash
	base    *baseline
	seq     uint64
	sumCost uint64
	prios   []float64
	priosOK bool
}

func New() *Corpus {
	return &Corpus{
		byID:    make(map[uuid.UUID]*Entry),
		crashes: make(map[hash.Sig]*Crash),
		base:    newBaseline(),
	}
}

func (c *Corpus) Len() int         { return len(c.entries) }
func (c *Corpus) CrashCount() int  { return len(c.crashes) }
func (c *Corpus) BlockCount() int  { return len(c.base.blocks) }
func (c *Corpus) SignalCount() int { return len(c.base.edges) }

// Entries returns the admitted entries in admission order.
func (c *Corpus) Entries() []*Entry {
	return c.entries
}

// Crashes returns the deduplicated crashes keyed by fingerprint.
func (c *Corpus) Crashes() map[hash.Sig]*Crash {
	return c.crashes
}

func (c *Corpus) Entry(id uuid.UUID) *Entry {
	return c.byID[id]
}

// Admit offers an executed input. Coverage-novel inputs join the entry set
// and update the baseline atomically. Crashes join the crash set keyed by
// fingerprint regardless of novelty. The returned reason explains a false
// verdict.
func (c *Corpus) Admit(in *input.Input, rec *cover.Record, verdict oracle.Verdict, cost uint64, enabled []uint32) (bool, string) {
	admitted := false
	reason := ""
	if verdict.Kind.IsCrash() {
		admitted = c.admitCrash(in, verdict, cost)
		if !admitted {
			reason = "duplicate crash"
		}
	}
	contrib := c.base.diff(rec)
	if contrib.Bits() == 0 {
		if !admitted {
			if reason == "" {
				reason = "no novelty"
			}
			return false, reason
		}
		return true, ""
	}
	// A child must retain everything its parent contributed; otherwise the
	// baseline would record coverage no corpus entry reproduces.
	if parent := c.byID[in.Parent]; parent != nil {
		sig := rec.Signal()
		for elem := range parent.Contributed.Elems {
			if have, ok := c.base.edges[elem.Edge]; ok && have > elem.Bucket {
				continue // superseded by a later promotion
			}
			if _, ok := sig[elem]; !ok {
				return admitted, "coverage regression against parent"
			}
		}
	}
	c.seq++
	entry := &Entry{
		Input:       in,
		Verdict:     verdict,
		Cost:        cost,
		Contributed: contrib,
		Seq:         c.seq,
		Enabled:     enabled,
	}
	c.base.merge(contrib)
	c.entries = append(c.entries, entry)
	c.byID[in.ID] = entry
	c.sumCost += cost
	c.priosOK = false
	log.Logf(2, "admitted input %v: +%v blocks +%v signal cost=%v",
		in.ID, len(contrib.Blocks), contrib.Elems.Len(), cost)
	return true, ""
}

func (c *Corpus) admitCrash(in *input.Input, verdict oracle.Verdict, cost uint64) bool {
	fp := verdict.Fingerprint()
	if crash, ok := c.crashes[fp]; ok {
		crash.Hits++
		return false
	}
	c.seq++
	c.crashes[fp] = &Crash{
		Input:   in,
		Verdict: verdict,
		Cost:    cost,
		Seq:     c.seq,
		Hits:    1,
	}
	log.Logf(0, "new crash %v: %v", fp.String(), verdict)
	return true
}

// Replace swaps an entry's input for a minimized equivalent. The entry keeps
// its contribution and timestamp.
func (c *Corpus) Replace(entry *Entry, min *input.Input, cost uint64) {
	delete(c.byID, entry.Input.ID)
	c.sumCost -= entry.Cost
	entry.Input = min
	entry.Cost = cost
	c.byID[min.ID] = entry
	c.sumCost += cost
	c.priosOK = false
}

// MeanCost is the average execution cost across entries, used to normalize
// energy.
func (c *Corpus) MeanCost() float64 {
	if len(c.entries) == 0 {
		return 1
	}
	return float64(c.sumCost) / float64(len(c.entries))
}

const ageHalfLife = 256

// energy is the scheduler weight of an entry. Cheap entries with large
// contributions get fuzzed most; weight halves every ageHalfLife selections.
func (c *Corpus) energy(entry *Entry) float64 {
	costNorm := float64(entry.Cost) / c.MeanCost()
	bonus := float64(entry.Contributed.Bits())
	decay := math.Exp2(-float64(entry.selections) / ageHalfLife)
	return 1 / (1 + costNorm) * bonus * decay
}

func (c *Corpus) rebuildPrios() {
	c.prios = c.prios[:0]
	sum := 0.0
	for _, entry := range c.entries {
		sum += c.energy(entry)
		c.prios = append(c.prios, sum)
	}
	c.priosOK = true
}

// Select picks an entry with probability proportional to its energy. rnd is
// a uniform draw in [0,1).
func (c *Corpus) Select(rnd float64) *Entry {
	if len(c.entries) == 0 {
		return nil
	}
	if !c.priosOK {
		c.rebuildPrios()
	}
	total := c.prios[len(c.prios)-1]
	if total <= 0 {
		return nil
	}
	x := rnd * total
	idx := searchFloats(c.prios, x)
	entry := c.entries[idx]
	entry.selections++
	if entry.selections%ageHalfLife == 0 {
		c.priosOK = false
	}
	return entry
}

func searchFloats(prios []float64, x float64) int {
	lo, hi := 0, len(prios)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if prios[mid] <= x {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Covers reports whether the record still reproduces the contribution, used
// by minimization to check that a reduction preserved what admitted the
// entry.
func Covers(rec *cover.Record, contrib Contribution) bool {
	blocks := make(map[uint32]struct{})
	for _, pc := range rec.Blocks() {
		blocks[pc] = struct{}{}
	}
	for _, pc := range contrib.Blocks {
		if _, ok := blocks[pc]; !ok {
			return false
		}
	}
	sig := rec.Signal()
	for elem := range contrib.Elems {
		if !covered(sig, elem) {
			return false
		}
	}
	return true
}

// covered accepts the same or a higher bucket for the edge.
func covered(sig cover.Signal, want cover.Elem) bool {
	for b := want.Bucket; b <= 7; b++ {
		if _, ok := sig[cover.Elem{Edge: want.Edge, Bucket: b}]; ok {
			return true
		}
	}
	return false
}

func (c *Corpus) String() string {
	return fmt.Sprintf("corpus{entries=%v crashes=%v blocks=%v signal=%v}",
		len(c.entries), len(c.crashes), len(c.base.blocks), len(c.base.edges))
}
