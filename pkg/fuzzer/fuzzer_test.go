// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzware-fuzzer/hoedur/pkg/archive"
	"github.com/fuzzware-fuzzer/hoedur/pkg/emulator"
	"github.com/fuzzware-fuzzer/hoedur/pkg/emulator/emutest"
	"github.com/fuzzware-fuzzer/hoedur/pkg/fwconfig"
	"github.com/fuzzware-fuzzer/hoedur/pkg/input"
	"github.com/fuzzware-fuzzer/hoedur/pkg/oracle"
	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
)

// testFirmware branches on one MMIO byte: 0x42 reaches a ROM write, anything
// else halts cleanly.
func testFirmware() *emutest.Program {
	return &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpLoad, A: emutest.MMIOBase, B: 1, C: 1},
		{Op: emutest.OpBranchEq, A: 4, B: 0x42, C: 1},
		{Op: emutest.OpNop},
		{Op: emutest.OpHalt},
		{Op: emutest.OpStore, A: emutest.CodeBase, B: 4, C: 0},
		{Op: emutest.OpHalt},
	}}
}

func testRuntime(t *testing.T) *Runtime {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fw.bin"), testFirmware().Encode(), 0644))
	conf := fmt.Sprintf(`
cpu: cortex-m3
emulator: test
master_seed: 1
cost_limit: 10000
memory_map:
  - {name: flash, base: 0x%08x, size: 0x1000, kind: rom, file: fw.bin}
  - {name: sram, base: 0x%08x, size: 0x%x, kind: ram}
  - {name: periph, base: 0x%08x, size: 0x%x, kind: mmio}
`, emutest.CodeBase, emutest.RAMBase, emutest.RAMSize, emutest.MMIOBase, emutest.MMIOSize)
	path := filepath.Join(dir, "fw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(conf), 0644))
	cfg, err := fwconfig.Load(path)
	require.NoError(t, err)
	rt, err := NewRuntime(cfg, &emulator.Config{})
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func TestCampaignSmoke(t *testing.T) {
	rt := testRuntime(t)
	path := filepath.Join(t.TempDir(), "corpus.zst")
	f, err := New(Options{Runtime: rt, ArchivePath: path})
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		require.NoError(t, f.step())
	}
	// The empty seed executes the clean path; its coverage admits it.
	assert.GreaterOrEqual(t, f.corpus.Len(), 1)

	// The first MMIO access discovered the peripheral stream.
	id, ok := rt.Reg.Lookup(stream.Key{Category: stream.CategoryMmio, Addr: emutest.MMIOBase})
	require.True(t, ok)

	// A crafted input takes the crashing branch.
	crash := input.New(input.ReasonSeed)
	crash.SetChunks(id, []input.Chunk{{Kind: stream.KindBytes, Data: []byte{0x42}}})
	f.queue = append(f.queue, crash)
	require.NoError(t, f.step())
	assert.Equal(t, 1, f.corpus.CrashCount())
	for _, c := range f.corpus.Crashes() {
		assert.Equal(t, oracle.KindRomWrite, c.Verdict.Kind)
	}

	// Shutdown flushes the archive; a reload sees the discoveries.
	f.Stop()
	require.NoError(t, f.Loop())
	snap, err := archive.Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Inputs)
	assert.Len(t, snap.Crashes, 1)
	assert.NotEmpty(t, snap.Streams)
	assert.NotEmpty(t, snap.Stats)
}

func TestCampaignImportsArchive(t *testing.T) {
	rt := testRuntime(t)
	path := filepath.Join(t.TempDir(), "corpus.zst")
	f, err := New(Options{Runtime: rt, ArchivePath: path})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, f.step())
	}
	f.Stop()
	require.NoError(t, f.Loop())

	// A second campaign over the same archive replays its inputs.
	rt2 := testRuntime(t)
	f2, err := New(Options{Runtime: rt2, ArchivePath: path})
	require.NoError(t, err)
	// The queue holds the fresh seed plus every archived input.
	require.Greater(t, len(f2.queue), 1)
	imported := 0
	for _, in := range f2.queue {
		if in.Reason == input.ReasonImported {
			imported++
		}
	}
	assert.Greater(t, imported, 0)
	for len(f2.queue) > 0 {
		require.NoError(t, f2.step())
	}
	assert.GreaterOrEqual(t, f2.corpus.Len(), 1)
	f2.Stop()
	require.NoError(t, f2.Loop())
}

func TestEmulatorFailureThreshold(t *testing.T) {
	rt := testRuntime(t)
	f, err := New(Options{Runtime: rt})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.step())
	}
	// Closing the core makes every subsequent run fail.
	rt.Emu.Close()
	var stepErr error
	for i := 0; i < 2*maxEmulatorFailures && stepErr == nil; i++ {
		stepErr = f.step()
	}
	require.Error(t, stepErr)
	assert.Contains(t, stepErr.Error(), "emulator failed")
}
