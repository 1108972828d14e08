// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package exec drives the emulator through one input per run. The engine
// restores the post-boot snapshot, installs hooks that answer every
// nondeterminism site from the input's streams, and classifies the exit.
// Replay is deterministic: the same snapshot and input produce an identical
// coverage record and verdict.
package exec

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/fuzzware-fuzzer/hoedur/pkg/cover"
	"github.com/fuzzware-fuzzer/hoedur/pkg/emulator"
	"github.com/fuzzware-fuzzer/hoedur/pkg/input"
	"github.com/fuzzware-fuzzer/hoedur/pkg/log"
	"github.com/fuzzware-fuzzer/hoedur/pkg/oracle"
	"github.com/fuzzware-fuzzer/hoedur/pkg/snapshot"
	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
)

// Config bounds one run.
type Config struct {
	// CostLimit is the budget per run in executed basic blocks. Each block
	// costs one unit; the instructions inside a block are not counted.
	CostLimit uint64
	// Timeout is the wall-clock watchdog per run.
	Timeout time.Duration
	// FuzzStart is the address whose first hit ends the boot phase.
	FuzzStart uint32
	// StopAddrs end a run cleanly when reached.
	StopAddrs []uint32
}

const (
	DefaultCostLimit = 10_000_000
	DefaultTimeout   = time.Second
)

func (cfg *Config) setDefaults() {
	if cfg.CostLimit == 0 {
		cfg.CostLimit = DefaultCostLimit
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
}

// Result is the outcome of one run.
type Result struct {
	Verdict oracle.Verdict
	Exit    emulator.Exit
	// Cost is the number of basic blocks executed.
	Cost uint64
	// Cover is the finalized coverage record of the run. Valid until the
	// next Run call on the same engine.
	Cover *cover.Record
	// Attempted lists interrupt vectors named by the input that were not
	// enabled in the NVIC at delivery time, so were dropped.
	Attempted []uint32
	// Enabled is the union of vectors observed enabled at any poll point,
	// feeding the interrupt mutations.
	Enabled []uint32
	// Duration is the wall-clock run time.
	Duration time.Duration
}

// Engine owns one core and executes inputs against it. Not safe for
// concurrent use; each worker thread owns its own engine.
type Engine struct {
	cfg   Config
	emu   emulator.Emulator
	reg   *stream.Registry
	snaps *snapshot.Manager
	mmio  *streamMap

	// Per-run state, installed by Run and cleared on return.
	cur       *input.Cursors
	record    *cover.Record
	cost      uint64
	deadline  time.Time
	ticks     uint64
	cause     oracle.StopCause
	attempted map[uint32]bool
	enabled   map[uint32]bool
	irqStream stream.ID
}

func NewEngine(cfg Config, emu emulator.Emulator, reg *stream.Registry, snaps *snapshot.Manager) *Engine {
	cfg.setDefaults()
	e := &Engine{
		cfg:    cfg,
		emu:    emu,
		reg:    reg,
		snaps:  snaps,
		mmio:   newStreamMap(reg),
		record: cover.NewRecord(),
	}
	e.irqStream = reg.Intern(stream.Key{Category: stream.CategoryInterrupt})
	return e
}

// MapRange binds an address range to a declared stream, so firmware reads
// within the range pull from it.
func (e *Engine) MapRange(base, size uint32, id stream.ID) {
	e.mmio.add(base, size, id)
}

// Boot runs the firmware from reset to the fuzz start address and takes the
// post-boot snapshot. MMIO reads during boot are answered with zero fill so
// the snapshot does not depend on any input.
func (e *Engine) Boot() error {
	if err := e.emu.Reset(); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	if e.cfg.FuzzStart != 0 {
		booted := false
		e.emu.SetHooks(emulator.Hooks{
			OnBasicBlock: func(pc uint32) emulator.HookAction {
				if pc == e.cfg.FuzzStart {
					booted = true
					return emulator.Stop
				}
				return emulator.Continue
			},
			OnMMIORead: func(pc, addr uint32, size int) ([]byte, emulator.HookAction) {
				return make([]byte, size), emulator.Continue
			},
		})
		// The boot budget reuses the run cost limit. A firmware that cannot
		// reach the fuzz start within it is misconfigured.
		exit, err := e.emu.RunUntil(e.cfg.CostLimit)
		e.emu.SetHooks(emulator.Hooks{})
		if err != nil {
			return fmt.Errorf("boot failed: %w", err)
		}
		if !booted {
			return fmt.Errorf("firmware did not reach fuzz start 0x%08x: %v", e.cfg.FuzzStart, exit)
		}
	}
	if err := e.snaps.Take(snapshot.Root); err != nil {
		return err
	}
	log.Logf(0, "boot complete, post-boot snapshot taken")
	return nil
}

// Run executes one input from the post-boot snapshot.
func (e *Engine) Run(in *input.Input) (*Result, error) {
	if err := e.snaps.Restore(snapshot.Root); err != nil {
		return nil, err
	}
	start := time.Now()
	e.cur = input.NewCursors(in)
	e.record.Reset()
	e.cost = 0
	e.ticks = 0
	e.deadline = start.Add(e.cfg.Timeout)
	e.cause = oracle.CauseNone
	e.attempted = make(map[uint32]bool)
	e.enabled = make(map[uint32]bool)
	e.emu.SetHooks(e.hooks())
	defer e.emu.SetHooks(emulator.Hooks{})

	var exit emulator.Exit
	for {
		remaining := e.cfg.CostLimit - e.cost
		if remaining == 0 {
			exit = emulator.Exit{Reason: emulator.ExitLimit, PC: exit.PC}
			break
		}
		var err error
		exit, err = e.emu.RunUntil(remaining)
		if err != nil {
			return &Result{
				Verdict:  oracle.Verdict{Kind: oracle.KindEmulatorError},
				Cost:     e.cost,
				Duration: time.Since(start),
			}, fmt.Errorf("emulator failed: %w", err)
		}
		break
	}
	if e.record.Overflowed() {
		return &Result{
			Verdict:  oracle.Verdict{Kind: oracle.KindEmulatorError},
			Cost:     e.cost,
			Duration: time.Since(start),
		}, fmt.Errorf("coverage record overflowed the block bound")
	}
	res := &Result{
		Verdict:   oracle.Classify(exit, e.cause),
		Exit:      exit,
		Cost:      e.cost,
		Cover:     e.record,
		Attempted: sortedVectors(e.attempted),
		Enabled:   sortedVectors(e.enabled),
		Duration:  time.Since(start),
	}
	e.cur = nil
	return res, nil
}

func (e *Engine) hooks() emulator.Hooks {
	return emulator.Hooks{
		OnBasicBlock:    e.onBasicBlock,
		OnMMIORead:      e.onMMIORead,
		OnMMIOWrite:     e.onMMIOWrite,
		OnRomWrite:      e.onRomWrite,
		OnInterruptPoll: e.onInterruptPoll,
		OnNvicAbort:     e.onNvicAbort,
		OnTbFlush:       func() {},
	}
}

const watchdogPeriod = 1 << 12

func (e *Engine) onBasicBlock(pc uint32) emulator.HookAction {
	for _, stop := range e.cfg.StopAddrs {
		if pc == stop {
			e.cause = oracle.CauseStopAddr
			return emulator.Stop
		}
	}
	e.cost++
	e.record.Block(pc)
	e.ticks++
	if e.ticks%watchdogPeriod == 0 && e.expired() {
		return emulator.Stop
	}
	return emulator.Continue
}

func (e *Engine) expired() bool {
	if time.Now().After(e.deadline) {
		e.cause = oracle.CauseWatchdog
		return true
	}
	return false
}

func (e *Engine) onMMIORead(pc, addr uint32, size int) ([]byte, emulator.HookAction) {
	if e.cause != oracle.CauseNone || e.expired() {
		return make([]byte, size), emulator.Stop
	}
	id := e.mmio.resolve(addr)
	data, exhausted := e.cur.Pull(id, size)
	if exhausted && e.reg.Info(id).Policy == stream.PolicyStop {
		e.cause = oracle.CauseExhausted
		return data, emulator.Stop
	}
	return data, emulator.Continue
}

func (e *Engine) onMMIOWrite(pc, addr uint32, data []byte) emulator.HookAction {
	if e.cause != oracle.CauseNone || e.expired() {
		return emulator.Stop
	}
	return emulator.Continue
}

func (e *Engine) onRomWrite(pc, addr uint32) emulator.HookAction {
	e.cause = oracle.CauseRomWrite
	return emulator.Stop
}

func (e *Engine) onNvicAbort(pc uint32) {
	e.cause = oracle.CauseNvicAbort
}

func (e *Engine) onInterruptPoll(pc uint32) (uint32, emulator.HookAction) {
	if e.cause != oracle.CauseNone || e.expired() {
		return 0, emulator.Stop
	}
	current := e.emu.EnabledVectors()
	for _, v := range current {
		e.enabled[v] = true
	}
	chunk, exhausted := e.cur.PullChunk(e.irqStream)
	if exhausted {
		if e.reg.Info(e.irqStream).Policy == stream.PolicyStop {
			e.cause = oracle.CauseExhausted
			return 0, emulator.Stop
		}
		return 0, emulator.Continue
	}
	if len(chunk.Data) == 0 {
		// Empty chunk: deliver nothing at this poll point.
		return 0, emulator.Continue
	}
	vector := uint32(chunk.Data[0])
	if !slices.Contains(current, vector) {
		// Disabled vectors are dropped, not delivered, and remembered so
		// the mutator learns which vectors the firmware actually arms.
		e.attempted[vector] = true
		return 0, emulator.Continue
	}
	return vector, emulator.Continue
}

func sortedVectors(set map[uint32]bool) []uint32 {
	if len(set) == 0 {
		return nil
	}
	res := make([]uint32, 0, len(set))
	for v := range set {
		res = append(res, v)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}
