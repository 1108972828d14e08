// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzware-fuzzer/hoedur/pkg/emulator"
	"github.com/fuzzware-fuzzer/hoedur/pkg/emulator/emutest"
	"github.com/fuzzware-fuzzer/hoedur/pkg/input"
	"github.com/fuzzware-fuzzer/hoedur/pkg/oracle"
	"github.com/fuzzware-fuzzer/hoedur/pkg/snapshot"
	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
)

const mmioReg = emutest.MMIOBase

func pcOf(index int) uint32 {
	return emutest.CodeBase + 4*uint32(index)
}

func newTestEngine(t *testing.T, prog *emutest.Program, cfg Config) (*Engine, *stream.Registry) {
	reg := stream.NewRegistry(0)
	emu := emutest.New(prog)
	snaps := snapshot.NewManager(emu, 0)
	engine := NewEngine(cfg, emu, reg, snaps)
	return engine, reg
}

func TestRunToStopAddr(t *testing.T) {
	// Spin a two-block loop 100 times, then fall through to the stop address.
	prog := &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpAdd, B: 1, C: 0},
		{Op: emutest.OpBranchLt, A: 0, B: 100, C: 0},
		{Op: emutest.OpNop},
	}}
	engine, _ := newTestEngine(t, prog, Config{StopAddrs: []uint32{pcOf(2)}})
	require.NoError(t, engine.Boot())
	res, err := engine.Run(input.New(input.ReasonSeed))
	require.NoError(t, err)
	assert.Equal(t, oracle.KindOk, res.Verdict.Kind)
	// The stop block itself is not charged.
	assert.Equal(t, uint64(200), res.Cost)
	assert.Equal(t, 2, res.Cover.BlockCount())
}

func TestRunMMIOBranch(t *testing.T) {
	prog := &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpLoad, A: mmioReg, B: 1, C: 0},
		{Op: emutest.OpBranchEq, A: 3, B: 0, C: 0},
		{Op: emutest.OpHalt},
		{Op: emutest.OpHalt},
	}}
	engine, reg := newTestEngine(t, prog, Config{})
	require.NoError(t, engine.Boot())
	id := reg.Intern(stream.Key{Category: stream.CategoryMmio, Addr: mmioReg})

	zero := input.New(input.ReasonSeed)
	zero.SetChunks(id, []input.Chunk{{Kind: stream.KindBytes, Data: []byte{0}}})
	res, err := engine.Run(zero)
	require.NoError(t, err)
	assert.Equal(t, oracle.KindOk, res.Verdict.Kind)
	zeroBlocks := append([]uint32(nil), res.Cover.Blocks()...)
	assert.Contains(t, zeroBlocks, pcOf(3))

	nonzero := input.New(input.ReasonSeed)
	nonzero.SetChunks(id, []input.Chunk{{Kind: stream.KindBytes, Data: []byte{7}}})
	res, err = engine.Run(nonzero)
	require.NoError(t, err)
	assert.Equal(t, oracle.KindOk, res.Verdict.Kind)
	assert.Contains(t, res.Cover.Blocks(), pcOf(2))
	assert.NotEqual(t, zeroBlocks, res.Cover.Blocks())
}

func TestRunZeroFillOnEmptyInput(t *testing.T) {
	prog := &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpLoad, A: mmioReg, B: 4, C: 0},
		{Op: emutest.OpBranchEq, A: 3, B: 0, C: 0},
		{Op: emutest.OpFault, A: uint32(emulator.FaultMem)},
		{Op: emutest.OpHalt},
	}}
	engine, _ := newTestEngine(t, prog, Config{})
	require.NoError(t, engine.Boot())
	// The default zero policy answers a drained stream with zero fill, so
	// the load takes the zero branch.
	res, err := engine.Run(input.New(input.ReasonSeed))
	require.NoError(t, err)
	assert.Equal(t, oracle.KindOk, res.Verdict.Kind)
}

func TestRunExhaustedStopPolicy(t *testing.T) {
	prog := &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpLoad, A: mmioReg, B: 4, C: 0},
		{Op: emutest.OpJump, A: 0},
	}}
	reg := stream.NewRegistry(0)
	id, err := reg.Add(stream.Key{Category: stream.CategoryMmio, Addr: mmioReg}, stream.PolicyStop, 0, nil)
	require.NoError(t, err)
	emu := emutest.New(prog)
	engine := NewEngine(Config{}, emu, reg, snapshot.NewManager(emu, 0))
	engine.MapRange(mmioReg, 0x1000, id)
	require.NoError(t, engine.Boot())

	in := input.New(input.ReasonSeed)
	in.SetChunks(id, []input.Chunk{{Kind: stream.KindBytes, Data: []byte{1, 2, 3, 4}}})
	res, err := engine.Run(in)
	require.NoError(t, err)
	assert.Equal(t, oracle.KindExhausted, res.Verdict.Kind)
	assert.False(t, res.Verdict.Kind.IsCrash())
}

func TestRunRomWrite(t *testing.T) {
	prog := &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpStore, A: emutest.CodeBase, B: 4, C: 0},
	}}
	engine, _ := newTestEngine(t, prog, Config{})
	require.NoError(t, engine.Boot())
	res, err := engine.Run(input.New(input.ReasonSeed))
	require.NoError(t, err)
	assert.Equal(t, oracle.KindRomWrite, res.Verdict.Kind)
	assert.True(t, res.Verdict.Kind.IsCrash())
	assert.Equal(t, uint32(emutest.CodeBase), res.Verdict.Addr)
}

func TestRunHangAtCostLimit(t *testing.T) {
	prog := &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpJump, A: 0},
	}}
	engine, _ := newTestEngine(t, prog, Config{CostLimit: 100})
	require.NoError(t, engine.Boot())
	res, err := engine.Run(input.New(input.ReasonSeed))
	require.NoError(t, err)
	assert.Equal(t, oracle.KindHang, res.Verdict.Kind)
	assert.True(t, res.Verdict.Kind.IsCrash())
	assert.Equal(t, uint64(100), res.Cost)
}

func TestRunHardFault(t *testing.T) {
	prog := &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpFault, A: uint32(emulator.FaultMem), B: 0x1234},
	}}
	engine, _ := newTestEngine(t, prog, Config{})
	require.NoError(t, engine.Boot())
	res, err := engine.Run(input.New(input.ReasonSeed))
	require.NoError(t, err)
	assert.Equal(t, oracle.KindHardFault, res.Verdict.Kind)
	assert.Equal(t, oracle.ReasonDerivedException, res.Verdict.Reason)
	assert.Equal(t, pcOf(0), res.Verdict.PC)
}

func TestRunInterruptDelivery(t *testing.T) {
	prog := &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpEnableIRQ, A: 5, B: 4},
		{Op: emutest.OpPoll},
		{Op: emutest.OpNop},
		{Op: emutest.OpHalt},
		{Op: emutest.OpAdd, B: 1, C: 1}, // handler
		{Op: emutest.OpRet},
	}}
	engine, reg := newTestEngine(t, prog, Config{})
	require.NoError(t, engine.Boot())
	irq, ok := reg.Lookup(stream.Key{Category: stream.CategoryInterrupt})
	require.True(t, ok)

	in := input.New(input.ReasonSeed)
	in.SetChunks(irq, []input.Chunk{{Kind: stream.KindVector, Data: []byte{5}}})
	res, err := engine.Run(in)
	require.NoError(t, err)
	assert.Equal(t, oracle.KindOk, res.Verdict.Kind)
	assert.Contains(t, res.Cover.Blocks(), pcOf(4))
	assert.Equal(t, []uint32{5}, res.Enabled)
	assert.Empty(t, res.Attempted)
}

func TestRunInterruptDisabledDropped(t *testing.T) {
	prog := &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpEnableIRQ, A: 5, B: 4},
		{Op: emutest.OpPoll},
		{Op: emutest.OpNop},
		{Op: emutest.OpHalt},
		{Op: emutest.OpAdd, B: 1, C: 1}, // handler
		{Op: emutest.OpRet},
	}}
	engine, reg := newTestEngine(t, prog, Config{})
	require.NoError(t, engine.Boot())
	irq, ok := reg.Lookup(stream.Key{Category: stream.CategoryInterrupt})
	require.True(t, ok)

	in := input.New(input.ReasonSeed)
	in.SetChunks(irq, []input.Chunk{{Kind: stream.KindVector, Data: []byte{9}}})
	res, err := engine.Run(in)
	require.NoError(t, err)
	// Vector 9 was never enabled: dropped, remembered, no handler entered.
	assert.Equal(t, oracle.KindOk, res.Verdict.Kind)
	assert.NotContains(t, res.Cover.Blocks(), pcOf(4))
	assert.Equal(t, []uint32{9}, res.Attempted)
}

func TestRunInterruptEmptyChunkSkips(t *testing.T) {
	prog := &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpEnableIRQ, A: 5, B: 4},
		{Op: emutest.OpPoll},
		{Op: emutest.OpHalt},
		{Op: emutest.OpNop},
		{Op: emutest.OpAdd, B: 1, C: 1}, // handler
		{Op: emutest.OpRet},
	}}
	engine, reg := newTestEngine(t, prog, Config{})
	require.NoError(t, engine.Boot())
	irq, ok := reg.Lookup(stream.Key{Category: stream.CategoryInterrupt})
	require.True(t, ok)

	in := input.New(input.ReasonSeed)
	in.SetChunks(irq, []input.Chunk{{Kind: stream.KindVector, Data: nil}})
	res, err := engine.Run(in)
	require.NoError(t, err)
	assert.Equal(t, oracle.KindOk, res.Verdict.Kind)
	assert.NotContains(t, res.Cover.Blocks(), pcOf(4))
}

func TestRunDeterministicReplay(t *testing.T) {
	prog := &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpLoad, A: mmioReg, B: 4, C: 0},
		{Op: emutest.OpBranchLt, A: 4, B: 0x1000, C: 0},
		{Op: emutest.OpAdd, B: 1, C: 1},
		{Op: emutest.OpNop},
		{Op: emutest.OpHalt},
	}}
	engine, reg := newTestEngine(t, prog, Config{})
	require.NoError(t, engine.Boot())
	id := reg.Intern(stream.Key{Category: stream.CategoryMmio, Addr: mmioReg})

	in := input.New(input.ReasonSeed)
	in.SetChunks(id, []input.Chunk{{Kind: stream.KindBytes, Data: []byte{0x12, 0x34, 0x56, 0x78}}})

	first, err := engine.Run(in)
	require.NoError(t, err)
	firstBlocks := append([]uint32(nil), first.Cover.Blocks()...)
	second, err := engine.Run(in)
	require.NoError(t, err)
	assert.Equal(t, first.Verdict, second.Verdict)
	assert.Equal(t, first.Cost, second.Cost)
	assert.Equal(t, firstBlocks, second.Cover.Blocks())
}

func TestBootToFuzzStart(t *testing.T) {
	prog := &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpAdd, B: 1, C: 0},
		{Op: emutest.OpAdd, B: 1, C: 0},
		{Op: emutest.OpNop},
		{Op: emutest.OpHalt},
	}}
	engine, _ := newTestEngine(t, prog, Config{FuzzStart: pcOf(2)})
	require.NoError(t, engine.Boot())
	res, err := engine.Run(input.New(input.ReasonSeed))
	require.NoError(t, err)
	assert.Equal(t, oracle.KindOk, res.Verdict.Kind)
	// Boot blocks are not part of run coverage or cost.
	assert.Equal(t, uint64(2), res.Cost)
	assert.Equal(t, []uint32{pcOf(2), pcOf(3)}, res.Cover.Blocks())
}

func TestBootNeverReachesFuzzStart(t *testing.T) {
	prog := &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpHalt},
	}}
	engine, _ := newTestEngine(t, prog, Config{FuzzStart: pcOf(7), CostLimit: 100})
	assert.Error(t, engine.Boot())
}

func TestStreamMapResolve(t *testing.T) {
	reg := stream.NewRegistry(0)
	m := newStreamMap(reg)
	declared, err := reg.Add(stream.Key{Category: stream.CategoryMmio, Addr: 0x4000_0000}, stream.PolicyZero, 0, nil)
	require.NoError(t, err)
	m.add(0x4000_0000, 0x1000, declared)

	assert.Equal(t, declared, m.resolve(0x4000_0000))
	assert.Equal(t, declared, m.resolve(0x4000_0ffc))
	// Outside the declared range: interned per 4 KiB slot.
	a := m.resolve(0x4800_0004)
	b := m.resolve(0x4800_0ff0)
	c := m.resolve(0x4800_1000)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, declared, a)
}

func TestStreamMapPartialSlot(t *testing.T) {
	reg := stream.NewRegistry(0)
	m := newStreamMap(reg)
	// Two declared ranges sharing one 4 KiB slot must resolve independently
	// on every access.
	lo, err := reg.Add(stream.Key{Category: stream.CategoryMmio, Addr: 0x4000_0000}, stream.PolicyZero, 0, nil)
	require.NoError(t, err)
	hi, err := reg.Add(stream.Key{Category: stream.CategoryMmio, Addr: 0x4000_0800}, stream.PolicyZero, 0, nil)
	require.NoError(t, err)
	m.add(0x4000_0000, 0x800, lo)
	m.add(0x4000_0800, 0x800, hi)

	assert.Equal(t, lo, m.resolve(0x4000_0400))
	assert.Equal(t, hi, m.resolve(0x4000_0800))
	assert.Equal(t, lo, m.resolve(0x4000_07fc))
	assert.Equal(t, hi, m.resolve(0x4000_0ffc))
}
