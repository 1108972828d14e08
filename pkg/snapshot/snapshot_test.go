// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package snapshot

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzware-fuzzer/hoedur/pkg/emulator/emutest"
)

// storeProgram writes 0x42 to the first RAM word and halts.
func storeProgram() *emutest.Program {
	return &emutest.Program{Instrs: []emutest.Instr{
		{Op: emutest.OpAdd, B: 0x42, C: 0},
		{Op: emutest.OpStore, A: emutest.RAMBase, B: 4, C: 0},
		{Op: emutest.OpHalt},
	}}
}

func TestTakeRestore(t *testing.T) {
	emu := emutest.New(storeProgram())
	m := NewManager(emu, 0)
	require.NoError(t, m.Take(Root))

	_, err := emu.RunUntil(100)
	require.NoError(t, err)
	data, err := emu.ReadMem(emutest.RAMBase, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{0x42}, data)

	require.NoError(t, m.Restore(Root))
	data, err = emu.ReadMem(emutest.RAMBase, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, data)
}

func TestRestoreIsRepeatable(t *testing.T) {
	emu := emutest.New(storeProgram())
	m := NewManager(emu, 0)
	require.NoError(t, m.Take(Root))
	for i := 0; i < 3; i++ {
		_, err := emu.RunUntil(100)
		require.NoError(t, err)
		data, err := emu.ReadMem(emutest.RAMBase, 1)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x42}, data)
		require.NoError(t, m.Restore(Root))
	}
}

func TestTakeDuplicate(t *testing.T) {
	m := NewManager(emutest.New(storeProgram()), 0)
	require.NoError(t, m.Take(Root))
	err := m.Take(Root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRestoreUnknown(t *testing.T) {
	m := NewManager(emutest.New(storeProgram()), 0)
	err := m.Restore("checkpoint-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown snapshot")
}

func TestHasDropCount(t *testing.T) {
	m := NewManager(emutest.New(storeProgram()), 0)
	require.NoError(t, m.Take(Root))
	require.NoError(t, m.Take("checkpoint-1"))
	assert.True(t, m.Has(Root))
	assert.True(t, m.Has("checkpoint-1"))
	assert.Equal(t, 2, m.Count())
	assert.Greater(t, m.TotalSize(), 0)

	m.Drop("checkpoint-1")
	assert.False(t, m.Has("checkpoint-1"))
	assert.Equal(t, 1, m.Count())
}

func TestEvictKeepsRoot(t *testing.T) {
	m := NewManager(emutest.New(storeProgram()), 2)
	require.NoError(t, m.Take(Root))
	require.NoError(t, m.Take("a"))
	require.NoError(t, m.Take("b"))
	assert.Equal(t, 2, m.Count())
	assert.True(t, m.Has(Root))
	assert.False(t, m.Has("a"))
	assert.True(t, m.Has("b"))
}

func TestEvictLeastRecentlyRestored(t *testing.T) {
	m := NewManager(emutest.New(storeProgram()), 3)
	require.NoError(t, m.Take(Root))
	require.NoError(t, m.Take("a"))
	require.NoError(t, m.Take("b"))
	// Restoring refreshes "a", so "b" is the eviction victim.
	require.NoError(t, m.Restore("a"))
	require.NoError(t, m.Take("c"))
	assert.True(t, m.Has(Root))
	assert.True(t, m.Has("a"))
	assert.False(t, m.Has("b"))
	assert.True(t, m.Has("c"))
}

func TestUnboundedByDefault(t *testing.T) {
	m := NewManager(emutest.New(storeProgram()), 0)
	require.NoError(t, m.Take(Root))
	for i := 0; i < 32; i++ {
		require.NoError(t, m.Take(fmt.Sprintf("checkpoint-%v", i)))
	}
	assert.Equal(t, 33, m.Count())
}
