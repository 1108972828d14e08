// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package exec

import (
	"sort"

	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
)

// peripheralStride groups undeclared MMIO accesses into streams. ARMv7-M
// vendors lay peripherals out on 4 KiB slots.
const peripheralStride = 0x1000

type mmioRange struct {
	base, size uint32
	id         stream.ID
}

// streamMap resolves a firmware data access address to the stream answering
// it. Declared ranges come from the firmware configuration; accesses outside
// any range intern a fresh stream keyed by the peripheral slot, which is how
// streams are discovered at runtime.
type streamMap struct {
	reg    *stream.Registry
	ranges []mmioRange // sorted by base, non-overlapping
	cache  map[uint32]stream.ID
}

func newStreamMap(reg *stream.Registry) *streamMap {
	return &streamMap{
		reg:   reg,
		cache: make(map[uint32]stream.ID),
	}
}

func (m *streamMap) add(base, size uint32, id stream.ID) {
	m.ranges = append(m.ranges, mmioRange{base: base, size: size, id: id})
	sort.Slice(m.ranges, func(i, j int) bool { return m.ranges[i].base < m.ranges[j].base })
	clear(m.cache)
}

func (m *streamMap) resolve(addr uint32) stream.ID {
	slot := addr &^ (peripheralStride - 1)
	if id, ok := m.cache[slot]; ok {
		return id
	}
	id, found := m.lookup(addr)
	if !found {
		id = m.reg.Intern(stream.Key{Category: stream.CategoryMmio, Addr: slot})
	}
	// Caching per slot is only sound when a declared range covers whole
	// slots; partially covered slots bypass the cache.
	i := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].base+m.ranges[i].size > slot
	})
	overlaps := i < len(m.ranges) && m.ranges[i].base < slot+peripheralStride
	if overlaps && !m.coversSlot(slot) {
		return id
	}
	m.cache[slot] = id
	return id
}

func (m *streamMap) lookup(addr uint32) (stream.ID, bool) {
	i := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].base+m.ranges[i].size > addr
	})
	if i < len(m.ranges) && addr >= m.ranges[i].base {
		return m.ranges[i].id, true
	}
	return 0, false
}

func (m *streamMap) coversSlot(slot uint32) bool {
	id1, ok1 := m.lookup(slot)
	id2, ok2 := m.lookup(slot + peripheralStride - 1)
	return ok1 && ok2 && id1 == id2
}
