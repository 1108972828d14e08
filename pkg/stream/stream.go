// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stream defines stream identifiers and the process-wide stream registry.
// A stream is a named, ordered byte source that an input provides to one
// deterministic nondeterminism site in the emulator (an MMIO register range,
// the interrupt poll point, DMA, a peripheral RNG).
package stream

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fuzzware-fuzzer/hoedur/pkg/log"
)

// ID is an interned stream identifier, dense from 0 for O(1) table lookups.
type ID int32

type Category uint8

const (
	CategoryMmio Category = iota
	CategoryInterrupt
	CategoryDma
	CategoryRandom
	CategoryCustom
)

var categoryNames = map[Category]string{
	CategoryMmio:      "mmio",
	CategoryInterrupt: "interrupt",
	CategoryDma:       "dma",
	CategoryRandom:    "random",
	CategoryCustom:    "custom",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category%d", c)
}

func ParseCategory(name string) (Category, error) {
	for c, n := range categoryNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown stream category %q", name)
}

type ChunkKind uint8

const (
	// KindBytes chunks are raw bytes consumed by MMIO/DMA/random pulls.
	KindBytes ChunkKind = iota
	// KindVector chunks encode the vector number in the first byte and an
	// optional per-vector payload in the rest. An empty chunk means
	// "deliver no interrupt at this poll point".
	KindVector
)

func (k ChunkKind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindVector:
		return "vector"
	}
	return fmt.Sprintf("kind%d", k)
}

type Policy uint8

const (
	// PolicyZero answers exhausted pulls with a default fill
	// (all-zero for MMIO reads, empty for interrupts).
	PolicyZero Policy = iota
	// PolicyStop terminates the execution on an exhausted pull.
	PolicyStop
)

func (p Policy) String() string {
	if p == PolicyStop {
		return "stop"
	}
	return "zero"
}

func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "zero":
		return PolicyZero, nil
	case "stop":
		return PolicyStop, nil
	}
	return 0, fmt.Errorf("unknown stream policy %q", name)
}

// Key identifies a stream before interning. Addr holds the peripheral base
// address for MMIO/DMA streams and the vector table entry for interrupt
// streams. Name is set for custom streams only.
type Key struct {
	Category Category
	Addr     uint32
	Name     string
}

func (key Key) String() string {
	switch key.Category {
	case CategoryMmio, CategoryDma:
		return fmt.Sprintf("%v[0x%08x]", key.Category, key.Addr)
	case CategoryInterrupt:
		return fmt.Sprintf("%v[%d]", key.Category, key.Addr)
	case CategoryCustom:
		return fmt.Sprintf("%v[%s]", key.Category, key.Name)
	}
	return key.Category.String()
}

// Info is the registry record for one stream.
type Info struct {
	Key      Key
	Policy   Policy
	Weight   float64     // mutation weight, relative
	Alphabet []ChunkKind // permitted chunk kinds
	Declared bool        // from the firmware config, as opposed to discovered at runtime
}

func (info *Info) Allows(kind ChunkKind) bool {
	for _, k := range info.Alphabet {
		if k == kind {
			return true
		}
	}
	return false
}

// Registry binds stream identifiers to (chunk-kind alphabet, default policy,
// mutation weight). Populated once at startup from the firmware configuration;
// runtime addition is allowed when the firmware accesses a previously unseen
// MMIO address.
type Registry struct {
	mu         sync.RWMutex
	byKey      map[Key]ID
	infos      []Info
	masterSeed uint64
}

func NewRegistry(masterSeed uint64) *Registry {
	return &Registry{
		byKey:      make(map[Key]ID),
		masterSeed: masterSeed,
	}
}

func defaultInfo(key Key) Info {
	info := Info{
		Key:      key,
		Policy:   PolicyZero,
		Weight:   1,
		Alphabet: []ChunkKind{KindBytes},
	}
	if key.Category == CategoryInterrupt {
		info.Alphabet = []ChunkKind{KindVector}
	}
	return info
}

// Add registers a stream declared by the firmware configuration.
func (r *Registry) Add(key Key, policy Policy, weight float64, alphabet []ChunkKind) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[key]; ok {
		return 0, fmt.Errorf("duplicate stream %v", key)
	}
	if weight < 0 {
		return 0, fmt.Errorf("stream %v: negative mutation weight %v", key, weight)
	}
	info := defaultInfo(key)
	info.Policy = policy
	info.Declared = true
	if weight != 0 {
		info.Weight = weight
	}
	if len(alphabet) != 0 {
		info.Alphabet = alphabet
	}
	return r.append(key, info), nil
}

// Intern returns the ID for key, creating the stream with category defaults
// if it was never seen. First MMIO access to an unknown address lands here.
func (r *Registry) Intern(key Key) ID {
	r.mu.RLock()
	id, ok := r.byKey[key]
	r.mu.RUnlock()
	if ok {
		return id
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byKey[key]; ok {
		return id
	}
	id = r.append(key, defaultInfo(key))
	log.Logf(1, "discovered stream %v -> %v", key, id)
	return id
}

func (r *Registry) append(key Key, info Info) ID {
	id := ID(len(r.infos))
	r.byKey[key] = id
	r.infos = append(r.infos, info)
	return id
}

func (r *Registry) Lookup(key Key) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key]
	return id, ok
}

func (r *Registry) Info(id ID) Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.infos[id]
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.infos)
}

// Discovered returns the streams that were not declared in the configuration,
// so they can be persisted to the archive for future campaigns.
func (r *Registry) Discovered() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []Info
	for _, info := range r.infos {
		if !info.Declared {
			res = append(res, info)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key.String() < res[j].Key.String() })
	return res
}

// NormalizedWeights returns per-stream mutation weights scaled to sum to 1.
func (r *Registry) NormalizedWeights() []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]float64, len(r.infos))
	sum := 0.0
	for _, info := range r.infos {
		sum += info.Weight
	}
	if sum == 0 {
		return res
	}
	for i, info := range r.infos {
		res[i] = info.Weight / sum
	}
	return res
}

// SeedFor derives an independent RNG seed for the given stream by splitting
// the master seed, so that a change in one component's draw count does not
// desynchronize the others.
func (r *Registry) SeedFor(id ID) uint64 {
	return Splitmix64(r.masterSeed + uint64(id) + 1)
}

// Splitmix64 is the finalizer of the splitmix64 generator, used to split the
// campaign master seed into independent per-component seeds.
func Splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
