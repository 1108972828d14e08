// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package emutest implements a scripted in-process core for tests. Programs
// are tiny register machines whose loads from MMIO space, interrupt poll
// points and faults exercise the same hook surface as a real core, with
// fully deterministic execution and cheap snapshots.
package emutest

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/fuzzware-fuzzer/hoedur/pkg/emulator"
)

func init() {
	emulator.Register("test", func(cfg *emulator.Config) (emulator.Emulator, error) {
		return &Machine{}, nil
	})
}

// Opcode of one scripted instruction. Every instruction is its own basic
// block; instruction i executes at pc CodeBase+4*i.
type Opcode uint8

const (
	OpNop Opcode = iota
	// OpHalt stops the program.
	OpHalt
	// OpJump jumps to instruction A.
	OpJump
	// OpLoad reads B bytes from MMIO address A into register C.
	OpLoad
	// OpStore writes register C (B bytes) to address A. Stores into ROM
	// regions trigger the ROM write hook.
	OpStore
	// OpBranchEq jumps to instruction A when register C equals B.
	OpBranchEq
	// OpBranchLt jumps to instruction A when register C is less than B.
	OpBranchLt
	// OpAdd adds B to register C.
	OpAdd
	// OpPoll is an interrupt poll point. A delivered vector jumps to its
	// handler with the return address saved.
	OpPoll
	// OpRet returns from an interrupt handler.
	OpRet
	// OpEnableIRQ enables vector A with its handler at instruction B.
	OpEnableIRQ
	// OpFault raises the CPU fault in A at the current pc.
	OpFault
)

// CodeBase is the synthetic address of instruction 0.
const CodeBase = 0x0800_0000

// Instr is one scripted instruction. The meaning of A, B, C depends on the
// opcode.
type Instr struct {
	Op      Opcode
	A, B, C uint32
}

// Program is a scripted firmware.
type Program struct {
	Instrs []Instr
}

const instrSize = 13

// Encode serializes the program so it can be shipped as the ROM contents of
// an image and run through the backend registry.
func (p *Program) Encode() []byte {
	buf := make([]byte, 0, len(p.Instrs)*instrSize)
	for _, ins := range p.Instrs {
		buf = append(buf, byte(ins.Op))
		buf = binary.LittleEndian.AppendUint32(buf, ins.A)
		buf = binary.LittleEndian.AppendUint32(buf, ins.B)
		buf = binary.LittleEndian.AppendUint32(buf, ins.C)
	}
	return buf
}

func Decode(data []byte) (*Program, error) {
	if len(data)%instrSize != 0 {
		return nil, fmt.Errorf("program size %v is not a multiple of %v", len(data), instrSize)
	}
	p := &Program{Instrs: make([]Instr, len(data)/instrSize)}
	for i := range p.Instrs {
		rec := data[i*instrSize:]
		p.Instrs[i] = Instr{
			Op: Opcode(rec[0]),
			A:  binary.LittleEndian.Uint32(rec[1:]),
			B:  binary.LittleEndian.Uint32(rec[5:]),
			C:  binary.LittleEndian.Uint32(rec[9:]),
		}
	}
	return p, nil
}

type state struct {
	pc      int
	regs    [8]uint32
	retStack []int
	enabled map[uint32]int // vector -> handler instruction
	ram     []byte
	halted  bool
}

func (s *state) clone() *state {
	c := &state{
		pc:       s.pc,
		regs:     s.regs,
		retStack: append([]int(nil), s.retStack...),
		enabled:  make(map[uint32]int, len(s.enabled)),
		ram:      append([]byte(nil), s.ram...),
		halted:   s.halted,
	}
	for v, h := range s.enabled {
		c.enabled[v] = h
	}
	return c
}

// Machine implements emulator.Emulator over a scripted program.
type Machine struct {
	prog  *Program
	image *emulator.Image
	hooks emulator.Hooks
	st    *state
}

// New builds a machine directly from a program, bypassing image encoding.
func New(prog *Program) *Machine {
	m := &Machine{}
	m.install(prog, &emulator.Image{
		Regions: []emulator.Region{
			{Kind: emulator.RegionRom, Base: CodeBase, Size: uint32(len(prog.Instrs) * instrSize)},
			{Kind: emulator.RegionRam, Base: RAMBase, Size: RAMSize},
			{Kind: emulator.RegionMmio, Base: MMIOBase, Size: MMIOSize},
		},
	})
	return m
}

// Default memory map of scripted machines.
const (
	RAMBase  = 0x2000_0000
	RAMSize  = 0x1_0000
	MMIOBase = 0x4000_0000
	MMIOSize = 0x1000_0000
)

func (m *Machine) install(prog *Program, image *emulator.Image) {
	m.prog = prog
	m.image = image
	m.st = m.initialState()
}

func (m *Machine) initialState() *state {
	st := &state{enabled: make(map[uint32]int)}
	for _, r := range m.image.Regions {
		if r.Kind == emulator.RegionRam {
			st.ram = make([]byte, r.Size)
			copy(st.ram, r.Data)
			break
		}
	}
	return st
}

func (m *Machine) Load(image *emulator.Image) error {
	var rom []byte
	for _, r := range image.Regions {
		if r.Kind == emulator.RegionRom {
			rom = r.Data
			break
		}
	}
	if rom == nil {
		return fmt.Errorf("image has no rom region")
	}
	prog, err := Decode(rom)
	if err != nil {
		return err
	}
	m.install(prog, image)
	return nil
}

func (m *Machine) Reset() error {
	if m.prog == nil {
		return fmt.Errorf("no program loaded")
	}
	m.st = m.initialState()
	return nil
}

func (m *Machine) SetHooks(hooks emulator.Hooks) {
	m.hooks = hooks
}

func (m *Machine) pcOf(index int) uint32 {
	return CodeBase + 4*uint32(index)
}

func (m *Machine) RunUntil(limit uint64) (emulator.Exit, error) {
	if m.prog == nil {
		return emulator.Exit{}, fmt.Errorf("no program loaded")
	}
	st := m.st
	for executed := uint64(0); executed < limit; executed++ {
		if st.halted || st.pc < 0 || st.pc >= len(m.prog.Instrs) {
			return emulator.Exit{Reason: emulator.ExitHalt, PC: m.pcOf(st.pc)}, nil
		}
		pc := m.pcOf(st.pc)
		if m.hooks.OnBasicBlock != nil {
			if m.hooks.OnBasicBlock(pc) == emulator.Stop {
				return emulator.Exit{Reason: emulator.ExitHook, PC: pc}, nil
			}
		}
		ins := m.prog.Instrs[st.pc]
		next := st.pc + 1
		switch ins.Op {
		case OpNop:
		case OpHalt:
			st.halted = true
			return emulator.Exit{Reason: emulator.ExitHalt, PC: pc}, nil
		case OpJump:
			next = int(ins.A)
		case OpLoad:
			data, stop := m.load(pc, ins.A, int(ins.B))
			if stop {
				st.pc = next
				return emulator.Exit{Reason: emulator.ExitHook, PC: pc, Addr: ins.A}, nil
			}
			st.regs[ins.C%8] = leValue(data)
		case OpStore:
			if exit, stopped := m.store(st, pc, ins); stopped {
				st.pc = next
				return exit, nil
			}
		case OpBranchEq:
			if st.regs[ins.C%8] == ins.B {
				next = int(ins.A)
			}
		case OpBranchLt:
			if st.regs[ins.C%8] < ins.B {
				next = int(ins.A)
			}
		case OpAdd:
			st.regs[ins.C%8] += ins.B
		case OpPoll:
			if m.hooks.OnInterruptPoll != nil {
				vector, action := m.hooks.OnInterruptPoll(pc)
				if action == emulator.Stop {
					st.pc = next
					return emulator.Exit{Reason: emulator.ExitHook, PC: pc}, nil
				}
				if vector != 0 {
					handler, ok := st.enabled[vector]
					if !ok {
						if m.hooks.OnNvicAbort != nil {
							m.hooks.OnNvicAbort(pc)
						}
						return emulator.Exit{Reason: emulator.ExitFault, PC: pc, Fault: emulator.FaultHard}, nil
					}
					st.retStack = append(st.retStack, next)
					next = handler
				}
			}
		case OpRet:
			if len(st.retStack) == 0 {
				return emulator.Exit{Reason: emulator.ExitFault, PC: pc, Fault: emulator.FaultUsage}, nil
			}
			next = st.retStack[len(st.retStack)-1]
			st.retStack = st.retStack[:len(st.retStack)-1]
		case OpEnableIRQ:
			st.enabled[ins.A] = int(ins.B)
		case OpFault:
			return emulator.Exit{Reason: emulator.ExitFault, PC: pc, Addr: ins.B, Fault: emulator.Fault(ins.A)}, nil
		default:
			return emulator.Exit{Reason: emulator.ExitFault, PC: pc, Fault: emulator.FaultUsage}, nil
		}
		st.pc = next
	}
	return emulator.Exit{Reason: emulator.ExitLimit, PC: m.pcOf(st.pc)}, nil
}

func (m *Machine) load(pc, addr uint32, size int) ([]byte, bool) {
	if size != 1 && size != 2 && size != 4 {
		size = 4
	}
	if r, ok := m.image.RegionFor(addr); ok && r.Kind == emulator.RegionMmio {
		if m.hooks.OnMMIORead != nil {
			data, action := m.hooks.OnMMIORead(pc, addr, size)
			return data, action == emulator.Stop
		}
		return make([]byte, size), false
	}
	if r, ok := m.image.RegionFor(addr); ok && r.Kind == emulator.RegionRam {
		off := addr - r.Base
		buf := make([]byte, size)
		copy(buf, m.st.ram[off:])
		return buf, false
	}
	return make([]byte, size), false
}

func (m *Machine) store(st *state, pc uint32, ins Instr) (emulator.Exit, bool) {
	addr := ins.A
	size := int(ins.B)
	if size != 1 && size != 2 && size != 4 {
		size = 4
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], st.regs[ins.C%8])
	data := buf[:size]
	r, ok := m.image.RegionFor(addr)
	if !ok {
		return emulator.Exit{Reason: emulator.ExitFault, PC: pc, Addr: addr, Fault: emulator.FaultBus}, true
	}
	switch r.Kind {
	case emulator.RegionRom:
		if m.hooks.OnRomWrite != nil && m.hooks.OnRomWrite(pc, addr) == emulator.Stop {
			return emulator.Exit{Reason: emulator.ExitHook, PC: pc, Addr: addr}, true
		}
	case emulator.RegionRam:
		copy(st.ram[addr-r.Base:], data)
	case emulator.RegionMmio:
		if m.hooks.OnMMIOWrite != nil && m.hooks.OnMMIOWrite(pc, addr, data) == emulator.Stop {
			return emulator.Exit{Reason: emulator.ExitHook, PC: pc, Addr: addr}, true
		}
	}
	return emulator.Exit{}, false
}

func leValue(data []byte) uint32 {
	var buf [4]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint32(buf[:])
}

type snapshot struct {
	st *state
}

func (s *snapshot) Size() int {
	return len(s.st.ram) + len(s.st.retStack)*8 + len(s.st.enabled)*12 + 64
}

func (m *Machine) Snapshot() (emulator.Snapshot, error) {
	return &snapshot{st: m.st.clone()}, nil
}

func (m *Machine) Restore(snap emulator.Snapshot) error {
	s, ok := snap.(*snapshot)
	if !ok {
		return fmt.Errorf("foreign snapshot %T", snap)
	}
	m.st = s.st.clone()
	return nil
}

func (m *Machine) ReadMem(addr uint32, size int) ([]byte, error) {
	r, ok := m.image.RegionFor(addr)
	if !ok {
		return nil, fmt.Errorf("unmapped address 0x%08x", addr)
	}
	switch r.Kind {
	case emulator.RegionRam:
		off := int(addr - r.Base)
		if off+size > len(m.st.ram) {
			return nil, fmt.Errorf("read of %v bytes at 0x%08x crosses region end", size, addr)
		}
		return append([]byte(nil), m.st.ram[off:off+size]...), nil
	case emulator.RegionRom:
		code := m.prog.Encode()
		off := int(addr - r.Base)
		if off+size > len(code) {
			return nil, fmt.Errorf("read of %v bytes at 0x%08x crosses region end", size, addr)
		}
		return code[off : off+size], nil
	}
	return nil, fmt.Errorf("cannot read %v region at 0x%08x", r.Kind, addr)
}

func (m *Machine) WriteMem(addr uint32, data []byte) error {
	r, ok := m.image.RegionFor(addr)
	if !ok || r.Kind != emulator.RegionRam {
		return fmt.Errorf("cannot write 0x%08x", addr)
	}
	off := int(addr - r.Base)
	if off+len(data) > len(m.st.ram) {
		return fmt.Errorf("write of %v bytes at 0x%08x crosses region end", len(data), addr)
	}
	copy(m.st.ram[off:], data)
	return nil
}

func (m *Machine) EnabledVectors() []uint32 {
	res := make([]uint32, 0, len(m.st.enabled))
	for v := range m.st.enabled {
		res = append(res, v)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func (m *Machine) Close() error {
	m.prog = nil
	m.st = nil
	return nil
}
