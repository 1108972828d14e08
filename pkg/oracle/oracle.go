// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package oracle classifies how an execution ended and deduplicates crashes.
package oracle

import (
	"encoding/binary"
	"fmt"

	"github.com/fuzzware-fuzzer/hoedur/pkg/emulator"
	"github.com/fuzzware-fuzzer/hoedur/pkg/hash"
)

// Kind is the verdict on one execution.
type Kind uint8

const (
	// KindOk means the firmware terminated cleanly at a configured stop
	// address or halted.
	KindOk Kind = iota
	// KindExhausted means a stream drained under the stop policy. Not a bug.
	KindExhausted
	// KindHardFault means the firmware took an unrecovered exception.
	KindHardFault
	// KindRomWrite is a store into a region declared read-only.
	KindRomWrite
	// KindHang means the basic-block cost budget ran out with no progress.
	KindHang
	// KindTimeout is a wall-clock watchdog expiry.
	KindTimeout
	// KindEmulatorError is an internal emulator failure. Fatal to the run,
	// not to the fuzzer.
	KindEmulatorError
)

var kindNames = [...]string{
	"ok", "input-exhausted", "hard-fault", "rom-write", "hang", "timeout", "emulator-error",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind%d", k)
}

// IsCrash reports whether the kind produces a crash admission.
func (k Kind) IsCrash() bool {
	switch k {
	case KindHardFault, KindRomWrite, KindHang:
		return true
	}
	return false
}

// HardFaultReason says what escalated into the hard fault.
type HardFaultReason uint8

const (
	ReasonLockup HardFaultReason = iota
	ReasonDerivedException
	ReasonEscalationFailed
	ReasonUnaligned
	ReasonUndefinedInstruction
	ReasonBusError
)

var hardFaultNames = [...]string{
	"lockup", "derived-exception", "escalation-failed", "unaligned",
	"undefined-instruction", "bus-error",
}

func (r HardFaultReason) String() string {
	if int(r) < len(hardFaultNames) {
		return hardFaultNames[r]
	}
	return fmt.Sprintf("reason%d", r)
}

// faultReason maps the core's raw fault kind to the hard-fault reason.
func faultReason(f emulator.Fault) HardFaultReason {
	switch f {
	case emulator.FaultMem, emulator.FaultNonExecutable:
		return ReasonDerivedException
	case emulator.FaultBus:
		return ReasonBusError
	case emulator.FaultUsage:
		return ReasonUndefinedInstruction
	}
	return ReasonLockup
}

// Verdict is the oracle's full report on one execution.
type Verdict struct {
	Kind   Kind
	Reason HardFaultReason // valid for KindHardFault only
	PC     uint32
	Addr   uint32
}

func (v Verdict) String() string {
	switch v.Kind {
	case KindHardFault:
		return fmt.Sprintf("%v(%v) at pc=0x%08x addr=0x%08x", v.Kind, v.Reason, v.PC, v.Addr)
	case KindRomWrite:
		return fmt.Sprintf("%v at pc=0x%08x addr=0x%08x", v.Kind, v.PC, v.Addr)
	case KindOk:
		return v.Kind.String()
	}
	return fmt.Sprintf("%v at pc=0x%08x", v.Kind, v.PC)
}

// StopCause is the engine-side stop condition attached to a core exit, for
// the cases the core itself cannot distinguish (why a hook stopped the run).
type StopCause uint8

const (
	CauseNone StopCause = iota
	// CauseStopAddr means the firmware reached a configured stop address.
	CauseStopAddr
	// CauseExhausted means a stream drained under the stop policy.
	CauseExhausted
	// CauseRomWrite means the firmware stored into a read-only region.
	CauseRomWrite
	// CauseNvicAbort means interrupt entry or return failed.
	CauseNvicAbort
	// CauseWatchdog means the wall-clock watchdog fired.
	CauseWatchdog
)

// Classify turns a core exit plus the engine's stop cause into a verdict.
func Classify(exit emulator.Exit, cause StopCause) Verdict {
	v := Verdict{PC: exit.PC, Addr: exit.Addr}
	switch {
	case cause == CauseWatchdog:
		v.Kind = KindTimeout
	case cause == CauseRomWrite:
		v.Kind = KindRomWrite
	case cause == CauseNvicAbort:
		v.Kind = KindHardFault
		v.Reason = ReasonEscalationFailed
	case cause == CauseExhausted:
		v.Kind = KindExhausted
	case cause == CauseStopAddr:
		v.Kind = KindOk
	case exit.Reason == emulator.ExitFault:
		v.Kind = KindHardFault
		v.Reason = faultReason(exit.Fault)
	case exit.Reason == emulator.ExitLimit:
		v.Kind = KindHang
	default:
		v.Kind = KindOk
	}
	return v
}

// Fingerprint identifies a crash for deduplication. Two crashes with the
// same kind, hard-fault reason and stop pc are the same bug. The faulting
// data address varies with input data for the same bug, so it stays out.
func (v Verdict) Fingerprint() hash.Sig {
	var buf [6]byte
	buf[0] = byte(v.Kind)
	if v.Kind == KindHardFault {
		buf[1] = byte(v.Reason)
	}
	binary.LittleEndian.PutUint32(buf[2:], v.PC)
	return hash.Hash(buf[:])
}
