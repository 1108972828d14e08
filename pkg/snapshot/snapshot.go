// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package snapshot manages named emulator snapshots. The common lifecycle is
// a single post-boot snapshot taken when the firmware reaches the configured
// fuzz start address, restored before every run. Checkpoint snapshots for
// long pre-fuzz sequences use the same manager.
package snapshot

import (
	"fmt"

	"github.com/fuzzware-fuzzer/hoedur/pkg/emulator"
	"github.com/fuzzware-fuzzer/hoedur/pkg/log"
)

// Root is the name of the post-boot snapshot.
const Root = "post-boot"

type entry struct {
	snap emulator.Snapshot
	// seq is the manager's restore counter at last use, for LRU eviction.
	seq uint64
}

// Manager holds snapshots of one core. Like the core itself, it is owned by
// a single thread and needs no locking.
type Manager struct {
	emu   emulator.Emulator
	snaps map[string]*entry
	seq   uint64
	// cap bounds the number of snapshots; 0 means unbounded. The root
	// snapshot is never evicted.
	cap int
}

func NewManager(emu emulator.Emulator, cap int) *Manager {
	return &Manager{
		emu:   emu,
		snaps: make(map[string]*entry),
		cap:   cap,
	}
}

// Take captures the core's current state under the given name. Snapshots are
// immutable once taken; retaking an existing name is an error.
func (m *Manager) Take(name string) error {
	if _, ok := m.snaps[name]; ok {
		return fmt.Errorf("snapshot %q already exists", name)
	}
	snap, err := m.emu.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot %q: %w", name, err)
	}
	m.seq++
	m.snaps[name] = &entry{snap: snap, seq: m.seq}
	log.Logf(1, "took snapshot %q (%v bytes, %v total)", name, snap.Size(), len(m.snaps))
	m.evict()
	return nil
}

// Restore rewinds the core to the named snapshot.
func (m *Manager) Restore(name string) error {
	e, ok := m.snaps[name]
	if !ok {
		return fmt.Errorf("unknown snapshot %q", name)
	}
	if err := m.emu.Restore(e.snap); err != nil {
		return fmt.Errorf("failed to restore snapshot %q: %w", name, err)
	}
	m.seq++
	e.seq = m.seq
	return nil
}

func (m *Manager) Has(name string) bool {
	_, ok := m.snaps[name]
	return ok
}

func (m *Manager) Drop(name string) {
	delete(m.snaps, name)
}

func (m *Manager) Count() int {
	return len(m.snaps)
}

// TotalSize returns the memory footprint of all held snapshots.
func (m *Manager) TotalSize() int {
	n := 0
	for _, e := range m.snaps {
		n += e.snap.Size()
	}
	return n
}

// evict discards least-recently-restored snapshots over the cap.
func (m *Manager) evict() {
	if m.cap <= 0 {
		return
	}
	for len(m.snaps) > m.cap {
		victim := ""
		var oldest uint64
		for name, e := range m.snaps {
			if name == Root {
				continue
			}
			if victim == "" || e.seq < oldest {
				victim, oldest = name, e.seq
			}
		}
		if victim == "" {
			return
		}
		log.Logf(2, "evicting snapshot %q", victim)
		delete(m.snaps, victim)
	}
}
