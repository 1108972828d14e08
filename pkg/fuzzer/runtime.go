// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"fmt"
	"time"

	"github.com/fuzzware-fuzzer/hoedur/pkg/emulator"
	"github.com/fuzzware-fuzzer/hoedur/pkg/exec"
	"github.com/fuzzware-fuzzer/hoedur/pkg/fwconfig"
	"github.com/fuzzware-fuzzer/hoedur/pkg/input"
	"github.com/fuzzware-fuzzer/hoedur/pkg/snapshot"
	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
)

// Runtime is one complete execution stack: a core, its snapshot manager and
// the engine, bound to one thread. Parallel replay creates one runtime per
// worker.
type Runtime struct {
	Config *fwconfig.Config
	Reg    *stream.Registry
	Emu    emulator.Emulator
	Snaps  *snapshot.Manager
	Engine *exec.Engine
}

// NewRuntime builds the stack from a validated config and boots the
// firmware to the post-boot snapshot.
func NewRuntime(cfg *fwconfig.Config, emuCfg *emulator.Config) (*Runtime, error) {
	reg := stream.NewRegistry(cfg.MasterSeed)
	ranges, err := cfg.Register(reg)
	if err != nil {
		return nil, err
	}
	emu, err := emulator.Create(cfg.Emulator, emuCfg)
	if err != nil {
		return nil, err
	}
	img, err := cfg.Image()
	if err != nil {
		emu.Close()
		return nil, err
	}
	if err := emu.Load(img); err != nil {
		emu.Close()
		return nil, fmt.Errorf("failed to load firmware: %w", err)
	}
	snaps := snapshot.NewManager(emu, cfg.SnapshotCap)
	var stops []uint32
	for _, addr := range cfg.FuzzEnd {
		stops = append(stops, uint32(addr))
	}
	engine := exec.NewEngine(exec.Config{
		CostLimit: cfg.CostLimit,
		Timeout:   time.Duration(cfg.TimeoutMs) * time.Millisecond,
		FuzzStart: uint32(cfg.FuzzStart),
		StopAddrs: stops,
	}, emu, reg, snaps)
	for _, r := range ranges {
		engine.MapRange(r.Base, r.Size, r.ID)
	}
	if err := engine.Boot(); err != nil {
		emu.Close()
		return nil, err
	}
	return &Runtime{
		Config: cfg,
		Reg:    reg,
		Emu:    emu,
		Snaps:  snaps,
		Engine: engine,
	}, nil
}

// LoadSeeds reads the configured seed inputs. A missing seed list yields a
// single empty input so the campaign can start from nothing.
func (rt *Runtime) LoadSeeds() ([]*input.Input, error) {
	if len(rt.Config.SeedInputs) == 0 {
		return []*input.Input{input.New(input.ReasonSeed)}, nil
	}
	var seeds []*input.Input
	for _, path := range rt.Config.SeedInputs {
		data, err := fwconfig.LoadImageFile(rt.Config.Path(path))
		if err != nil {
			return nil, fmt.Errorf("seed %v: %w", path, err)
		}
		in, err := input.Deserialize(data, input.ReasonSeed)
		if err != nil {
			return nil, fmt.Errorf("seed %v: %w", path, err)
		}
		seeds = append(seeds, in)
	}
	return seeds, nil
}

func (rt *Runtime) Close() {
	rt.Emu.Close()
}
