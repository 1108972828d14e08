// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fuzzware-fuzzer/hoedur/pkg/fuzzer"
	"github.com/fuzzware-fuzzer/hoedur/pkg/fwconfig"
	"github.com/fuzzware-fuzzer/hoedur/pkg/input"
	"github.com/fuzzware-fuzzer/hoedur/pkg/tool"
)

// cmdRun executes one input and prints its classification.
func cmdRun(cfg *fwconfig.Config, args []string) {
	if len(args) != 1 {
		tool.Failf("usage: hoedur run --config C INPUT")
	}
	data, err := fwconfig.LoadImageFile(args[0])
	if err != nil {
		tool.Exitf(tool.ExitIO, "%v", err)
	}
	in, err := input.Deserialize(data, input.ReasonSeed)
	if err != nil {
		tool.Exitf(tool.ExitIO, "%v: %v", args[0], err)
	}
	rt, err := fuzzer.NewRuntime(cfg, emuConfig())
	if err != nil {
		fatalRuntime(err)
	}
	defer rt.Close()
	res, err := rt.Engine.Run(in)
	if err != nil {
		tool.Exitf(tool.ExitEmulator, "%v", err)
	}
	fmt.Printf("%v\n", res.Verdict)
	fmt.Printf("cost=%v blocks=%v edges=%v\n", res.Cost, res.Cover.BlockCount(), res.Cover.EdgeCount())
	if res.Verdict.Kind.IsCrash() {
		os.Exit(int(tool.ExitBug))
	}
}

// applyHookFile adds stop addresses from a file, one decimal or 0x-prefixed
// address per line.
func applyHookFile(cfg *fwconfig.Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addr, err := strconv.ParseUint(line, 0, 32)
		if err != nil {
			return fmt.Errorf("hook file %v: bad address %q: %w", path, line, err)
		}
		cfg.FuzzEnd = append(cfg.FuzzEnd, fwconfig.Addr(addr))
	}
	return s.Err()
}
