// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package emulator defines the interface between the fuzzing engine and an
// ARMv7-M core implementation. The engine drives the core through hooks:
// every nondeterminism site in the firmware (an MMIO read, an interrupt poll
// point, a DMA transfer) calls back into the engine, which answers from the
// current input's streams.
package emulator

import (
	"fmt"
)

// Fault is the CPU exception that terminated an execution.
type Fault uint8

const (
	FaultNone Fault = iota
	FaultHard
	FaultMem
	FaultBus
	FaultUsage
	FaultNonExecutable
)

var faultNames = [...]string{"none", "hard", "mem", "bus", "usage", "non-executable"}

func (f Fault) String() string {
	if int(f) < len(faultNames) {
		return faultNames[f]
	}
	return fmt.Sprintf("fault%d", f)
}

// ExitReason says why RunUntil returned.
type ExitReason uint8

const (
	// ExitLimit means the basic-block budget was consumed.
	ExitLimit ExitReason = iota
	// ExitFault means the core raised an unrecoverable CPU exception.
	ExitFault
	// ExitHook means a hook asked the core to stop.
	ExitHook
	// ExitHalt means the firmware halted (wfi with no deliverable interrupt
	// and no further poll points).
	ExitHalt
)

var exitNames = [...]string{"limit", "fault", "hook", "halt"}

func (r ExitReason) String() string {
	if int(r) < len(exitNames) {
		return exitNames[r]
	}
	return fmt.Sprintf("exit%d", r)
}

// Exit describes how an execution ended. PC is the program counter at the
// stop point. Addr carries the faulting data address for memory faults and
// the written address for ROM write stops.
type Exit struct {
	Reason ExitReason
	PC     uint32
	Addr   uint32
	Fault  Fault
}

func (e Exit) String() string {
	if e.Reason == ExitFault {
		return fmt.Sprintf("%v(%v) pc=0x%08x addr=0x%08x", e.Reason, e.Fault, e.PC, e.Addr)
	}
	return fmt.Sprintf("%v pc=0x%08x", e.Reason, e.PC)
}

// HookAction is returned by hooks that may stop the core.
type HookAction uint8

const (
	Continue HookAction = iota
	Stop
)

// Hooks are the engine callbacks installed into a core before a run. A nil
// hook is never called.
type Hooks struct {
	// OnBasicBlock fires on entry to every translated basic block, before
	// the block executes. Returning Stop halts the core at pc with the
	// block not yet executed.
	OnBasicBlock func(pc uint32) HookAction
	// OnMMIORead answers a firmware load from an MMIO region. The returned
	// bytes fill the access (little-endian); size is 1, 2 or 4.
	OnMMIORead func(pc, addr uint32, size int) ([]byte, HookAction)
	// OnMMIOWrite observes a firmware store to an MMIO region.
	OnMMIOWrite func(pc, addr uint32, data []byte) HookAction
	// OnRomWrite fires when the firmware stores to a read-only region.
	OnRomWrite func(pc, addr uint32) HookAction
	// OnInterruptPoll fires at every interrupt delivery opportunity. The
	// engine returns the vector to pend, or 0 to deliver nothing.
	OnInterruptPoll func(pc uint32) (vector uint32, action HookAction)
	// OnNvicAbort fires when interrupt entry or return fails (bad vector
	// table, stacking fault).
	OnNvicAbort func(pc uint32)
	// OnTbFlush fires when the core invalidates its translated code, so
	// the engine can drop cached block metadata.
	OnTbFlush func()
}

// Snapshot is an opaque saved machine state, restorable only on the core
// that produced it.
type Snapshot interface {
	// Size returns the snapshot's memory footprint in bytes.
	Size() int
}

// Emulator is one ARMv7-M core instance. Implementations are not safe for
// concurrent use; the engine owns one core per worker.
type Emulator interface {
	// Load maps the firmware image and memory regions and resets the core
	// to the image's entry point.
	Load(image *Image) error
	// Reset returns the core to the state established by Load.
	Reset() error
	// SetHooks installs the engine callbacks. Must be called before RunUntil.
	SetHooks(hooks Hooks)
	// RunUntil executes up to limit basic blocks and reports why it stopped.
	RunUntil(limit uint64) (Exit, error)
	// Snapshot captures the full machine state.
	Snapshot() (Snapshot, error)
	// Restore rewinds the core to a previously captured state.
	Restore(snap Snapshot) error
	// ReadMem and WriteMem access guest memory for analysis and seeding.
	ReadMem(addr uint32, size int) ([]byte, error)
	WriteMem(addr uint32, data []byte) error
	// EnabledVectors returns the interrupt vectors currently enabled in the
	// NVIC, used to bias interrupt mutations toward deliverable vectors.
	EnabledVectors() []uint32
	// Close releases the core.
	Close() error
}

// RegionKind classifies a memory region of the firmware image.
type RegionKind uint8

const (
	RegionRom RegionKind = iota
	RegionRam
	RegionMmio
)

func (k RegionKind) String() string {
	switch k {
	case RegionRom:
		return "rom"
	case RegionRam:
		return "ram"
	case RegionMmio:
		return "mmio"
	}
	return fmt.Sprintf("region%d", k)
}

// Region is one entry of the firmware memory map.
type Region struct {
	Kind RegionKind
	Base uint32
	Size uint32
	// Data initializes the region (ROM contents, preloaded RAM). May be
	// shorter than Size; the rest is zero.
	Data []byte
}

func (r Region) Contains(addr uint32) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

// Image is a loaded firmware: the memory map plus the initial register state.
type Image struct {
	Regions []Region
	// Entry is the initial program counter. Zero means "read from the vector
	// table at the start of the first ROM region", the ARMv7-M reset rule.
	Entry uint32
	// InitialSP is the initial stack pointer, with the same vector-table
	// default as Entry.
	InitialSP uint32
}

// RegionFor returns the region containing addr.
func (img *Image) RegionFor(addr uint32) (Region, bool) {
	for _, r := range img.Regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}
