// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fuzzware-fuzzer/hoedur/pkg/emulator"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		exit   emulator.Exit
		cause  StopCause
		kind   Kind
		reason HardFaultReason
	}{
		{
			name:  "stop address",
			exit:  emulator.Exit{Reason: emulator.ExitHook, PC: 0x100},
			cause: CauseStopAddr,
			kind:  KindOk,
		},
		{
			name:  "halt",
			exit:  emulator.Exit{Reason: emulator.ExitHalt, PC: 0x100},
			cause: CauseNone,
			kind:  KindOk,
		},
		{
			name:  "exhausted stream",
			exit:  emulator.Exit{Reason: emulator.ExitHook, PC: 0x100},
			cause: CauseExhausted,
			kind:  KindExhausted,
		},
		{
			name:  "rom write",
			exit:  emulator.Exit{Reason: emulator.ExitHook, PC: 0x100, Addr: 0x0800_0000},
			cause: CauseRomWrite,
			kind:  KindRomWrite,
		},
		{
			name:   "nvic abort",
			exit:   emulator.Exit{Reason: emulator.ExitFault, PC: 0x100, Fault: emulator.FaultHard},
			cause:  CauseNvicAbort,
			kind:   KindHardFault,
			reason: ReasonEscalationFailed,
		},
		{
			name:   "mem fault",
			exit:   emulator.Exit{Reason: emulator.ExitFault, PC: 0x100, Fault: emulator.FaultMem},
			cause:  CauseNone,
			kind:   KindHardFault,
			reason: ReasonDerivedException,
		},
		{
			name:   "bus fault",
			exit:   emulator.Exit{Reason: emulator.ExitFault, PC: 0x100, Fault: emulator.FaultBus},
			cause:  CauseNone,
			kind:   KindHardFault,
			reason: ReasonBusError,
		},
		{
			name:   "usage fault",
			exit:   emulator.Exit{Reason: emulator.ExitFault, PC: 0x100, Fault: emulator.FaultUsage},
			cause:  CauseNone,
			kind:   KindHardFault,
			reason: ReasonUndefinedInstruction,
		},
		{
			name:  "cost limit",
			exit:  emulator.Exit{Reason: emulator.ExitLimit, PC: 0x100},
			cause: CauseNone,
			kind:  KindHang,
		},
		{
			name:  "watchdog",
			exit:  emulator.Exit{Reason: emulator.ExitHook, PC: 0x100},
			cause: CauseWatchdog,
			kind:  KindTimeout,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			v := Classify(test.exit, test.cause)
			assert.Equal(t, test.kind, v.Kind)
			if test.kind == KindHardFault {
				assert.Equal(t, test.reason, v.Reason)
			}
			assert.Equal(t, test.exit.PC, v.PC)
		})
	}
}

func TestIsCrash(t *testing.T) {
	crashes := map[Kind]bool{
		KindOk:            false,
		KindExhausted:     false,
		KindHardFault:     true,
		KindRomWrite:      true,
		KindHang:          true,
		KindTimeout:       false,
		KindEmulatorError: false,
	}
	for kind, want := range crashes {
		assert.Equal(t, want, kind.IsCrash(), "kind=%v", kind)
	}
}

func TestFingerprint(t *testing.T) {
	a := Verdict{Kind: KindHardFault, Reason: ReasonBusError, PC: 0x100, Addr: 0x2000_0000}
	b := Verdict{Kind: KindHardFault, Reason: ReasonBusError, PC: 0x100, Addr: 0x2000_1234}
	// The faulting data address does not split a bug.
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := Verdict{Kind: KindHardFault, Reason: ReasonLockup, PC: 0x100}
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	d := Verdict{Kind: KindHardFault, Reason: ReasonBusError, PC: 0x104}
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())

	e := Verdict{Kind: KindRomWrite, PC: 0x100}
	assert.NotEqual(t, a.Fingerprint(), e.Fingerprint())
}

func TestVerdictString(t *testing.T) {
	v := Verdict{Kind: KindHardFault, Reason: ReasonUnaligned, PC: 0x80001234, Addr: 0x20000001}
	assert.Contains(t, v.String(), "hard-fault")
	assert.Contains(t, v.String(), "unaligned")
	assert.Contains(t, v.String(), "0x80001234")
	assert.Equal(t, "ok", Verdict{Kind: KindOk}.String())
}
