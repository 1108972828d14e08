// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fwconfig loads and validates the firmware configuration that
// drives a campaign: memory map, fuzz window addresses, run limits, stream
// declarations and seeds.
package fwconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fuzzware-fuzzer/hoedur/pkg/emulator"
	"github.com/fuzzware-fuzzer/hoedur/pkg/osutil"
	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
)

// Addr is a 32-bit address that unmarshals from decimal or 0x-prefixed YAML
// scalars.
type Addr uint32

func (a *Addr) UnmarshalYAML(node *yaml.Node) error {
	v, err := strconv.ParseUint(strings.TrimSpace(node.Value), 0, 32)
	if err != nil {
		return fmt.Errorf("bad address %q: %w", node.Value, err)
	}
	*a = Addr(v)
	return nil
}

func (a Addr) MarshalYAML() (any, error) {
	return fmt.Sprintf("0x%08x", uint32(a)), nil
}

// Region is one memory_map entry. File optionally initializes the region
// contents; xz-compressed files are decompressed on load.
type Region struct {
	Name string `yaml:"name"`
	Base Addr   `yaml:"base"`
	Size Addr   `yaml:"size"`
	Kind string `yaml:"kind"`
	File string `yaml:"file,omitempty"`
}

// StreamDecl is one streams entry.
type StreamDecl struct {
	Category       string   `yaml:"category"`
	Addr           Addr     `yaml:"addr,omitempty"`
	Size           Addr     `yaml:"size,omitempty"`
	Name           string   `yaml:"name,omitempty"`
	DefaultPolicy  string   `yaml:"default_policy,omitempty"`
	MutationWeight float64  `yaml:"mutation_weight,omitempty"`
	ChunkAlphabet  []string `yaml:"chunk_alphabet,omitempty"`
}

// Config is the full firmware configuration.
type Config struct {
	CPU       string   `yaml:"cpu"`
	MemoryMap []Region `yaml:"memory_map"`

	EntryPoint Addr   `yaml:"entry_point,omitempty"`
	FuzzStart  Addr   `yaml:"fuzz_start_address,omitempty"`
	FuzzEnd    []Addr `yaml:"fuzz_end_addresses,omitempty"`

	CostLimit uint64 `yaml:"cost_limit,omitempty"`
	TimeoutMs int    `yaml:"timeout_ms,omitempty"`

	Streams    []StreamDecl `yaml:"streams,omitempty"`
	SeedInputs []string     `yaml:"seed_inputs,omitempty"`

	// Emulator selects the core backend.
	Emulator string `yaml:"emulator,omitempty"`
	// MasterSeed seeds every derived RNG of the campaign.
	MasterSeed uint64 `yaml:"master_seed,omitempty"`
	// SnapshotCap bounds held snapshots; 0 keeps everything.
	SnapshotCap int `yaml:"snapshot_cap,omitempty"`

	// baseDir resolves relative file references.
	baseDir string
}

var knownCPUs = []string{"cortex-m0", "cortex-m3", "cortex-m4", "cortex-m7", "cortex-m33"}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPartial reads a configuration and fills defaults without validating,
// for tools that patch the config before use.
func LoadPartial(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := LoadData(data)
	if err != nil {
		return nil, err
	}
	cfg.baseDir = filepath.Dir(path)
	return cfg, nil
}

func LoadData(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.setDefaults()
	return cfg, nil
}

func (cfg *Config) setDefaults() {
	if cfg.CostLimit == 0 {
		cfg.CostLimit = 10_000_000
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = 1000
	}
	if cfg.Emulator == "" {
		cfg.Emulator = "unicorn"
	}
}

// Complete validates a partially loaded configuration.
func Complete(cfg *Config) error {
	okCPU := false
	for _, cpu := range knownCPUs {
		if cfg.CPU == cpu {
			okCPU = true
		}
	}
	if !okCPU {
		return fmt.Errorf("unknown cpu %q (have %v)", cfg.CPU, knownCPUs)
	}
	if len(cfg.MemoryMap) == 0 {
		return fmt.Errorf("empty memory_map")
	}
	if err := validateMemoryMap(cfg.MemoryMap); err != nil {
		return err
	}
	for i, decl := range cfg.Streams {
		if err := validateStream(decl); err != nil {
			return fmt.Errorf("streams[%v]: %w", i, err)
		}
	}
	return nil
}

func validateMemoryMap(regions []Region) error {
	sorted := append([]Region(nil), regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })
	for i, r := range sorted {
		if _, err := parseRegionKind(r.Kind); err != nil {
			return fmt.Errorf("region %q: %w", r.Name, err)
		}
		if r.Size == 0 {
			return fmt.Errorf("region %q has zero size", r.Name)
		}
		if uint64(r.Base)+uint64(r.Size) > 1<<32 {
			return fmt.Errorf("region %q exceeds the 32-bit address space", r.Name)
		}
		if i > 0 {
			prev := sorted[i-1]
			if uint64(prev.Base)+uint64(prev.Size) > uint64(r.Base) {
				return fmt.Errorf("regions %q and %q overlap", prev.Name, r.Name)
			}
		}
	}
	return nil
}

func parseRegionKind(kind string) (emulator.RegionKind, error) {
	switch kind {
	case "ram":
		return emulator.RegionRam, nil
	case "rom":
		return emulator.RegionRom, nil
	case "mmio":
		return emulator.RegionMmio, nil
	}
	return 0, fmt.Errorf("unknown region kind %q", kind)
}

func validateStream(decl StreamDecl) error {
	cat, err := stream.ParseCategory(decl.Category)
	if err != nil {
		return err
	}
	if _, err := stream.ParsePolicy(decl.DefaultPolicy); err != nil {
		return err
	}
	if decl.MutationWeight < 0 {
		return fmt.Errorf("negative mutation_weight %v", decl.MutationWeight)
	}
	if cat == stream.CategoryCustom && decl.Name == "" {
		return fmt.Errorf("custom stream without name")
	}
	for _, kind := range decl.ChunkAlphabet {
		if _, err := parseChunkKind(kind); err != nil {
			return err
		}
	}
	return nil
}

func parseChunkKind(name string) (stream.ChunkKind, error) {
	switch name {
	case "bytes":
		return stream.KindBytes, nil
	case "vector":
		return stream.KindVector, nil
	}
	return 0, fmt.Errorf("unknown chunk kind %q", name)
}

// Key converts a stream declaration to its registry key.
func (decl StreamDecl) Key() (stream.Key, error) {
	cat, err := stream.ParseCategory(decl.Category)
	if err != nil {
		return stream.Key{}, err
	}
	return stream.Key{Category: cat, Addr: uint32(decl.Addr), Name: decl.Name}, nil
}

type MappedRange struct {
	Base, Size uint32
	ID         stream.ID
}

// Register declares every configured stream in the registry and returns the
// MMIO/DMA address ranges bound to their stream ids.
func (cfg *Config) Register(reg *stream.Registry) ([]MappedRange, error) {
	var ranges []MappedRange
	for i, decl := range cfg.Streams {
		key, err := decl.Key()
		if err != nil {
			return nil, fmt.Errorf("streams[%v]: %w", i, err)
		}
		policy, err := stream.ParsePolicy(decl.DefaultPolicy)
		if err != nil {
			return nil, fmt.Errorf("streams[%v]: %w", i, err)
		}
		var alphabet []stream.ChunkKind
		for _, name := range decl.ChunkAlphabet {
			kind, err := parseChunkKind(name)
			if err != nil {
				return nil, fmt.Errorf("streams[%v]: %w", i, err)
			}
			alphabet = append(alphabet, kind)
		}
		id, err := reg.Add(key, policy, decl.MutationWeight, alphabet)
		if err != nil {
			return nil, fmt.Errorf("streams[%v]: %w", i, err)
		}
		if (key.Category == stream.CategoryMmio || key.Category == stream.CategoryDma) && decl.Size != 0 {
			ranges = append(ranges, MappedRange{Base: uint32(decl.Addr), Size: uint32(decl.Size), ID: id})
		}
	}
	return ranges, nil
}

// Image builds the emulator image from the memory map, loading region
// contents from their files.
func (cfg *Config) Image() (*emulator.Image, error) {
	img := &emulator.Image{
		Entry: uint32(cfg.EntryPoint),
	}
	for _, r := range cfg.MemoryMap {
		kind, err := parseRegionKind(r.Kind)
		if err != nil {
			return nil, err
		}
		region := emulator.Region{
			Kind: kind,
			Base: uint32(r.Base),
			Size: uint32(r.Size),
		}
		if r.File != "" {
			data, err := LoadImageFile(cfg.Path(r.File))
			if err != nil {
				return nil, fmt.Errorf("region %q: %w", r.Name, err)
			}
			if uint64(len(data)) > uint64(r.Size) {
				return nil, fmt.Errorf("region %q: file is %v bytes, region %v", r.Name, len(data), r.Size)
			}
			region.Data = data
		}
		img.Regions = append(img.Regions, region)
	}
	return img, nil
}

// Path resolves a config-relative file reference.
func (cfg *Config) Path(file string) string {
	if filepath.IsAbs(file) || cfg.baseDir == "" {
		return file
	}
	return filepath.Join(cfg.baseDir, file)
}

// Save writes the configuration back out, used by --import-config.
func (cfg *Config) Save(path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return osutil.WriteFileAtomic(path, data)
}
