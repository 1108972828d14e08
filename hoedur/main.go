// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Hoedur is a coverage-guided fuzzer for embedded ARMv7-M firmware. It
// executes a firmware image under a full-system emulator, answers peripheral
// reads from multi-stream inputs, and evolves a corpus from coverage
// feedback.
//
//	hoedur fuzz --config fw.yaml [--seed N] [--archive out.zst]
//	hoedur run --config fw.yaml input.bin
//	hoedur run-corpus --config fw.yaml archive.zst
//	hoedur run-cov --config fw.yaml report.txt archive.zst
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fuzzware-fuzzer/hoedur/pkg/emulator"
	_ "github.com/fuzzware-fuzzer/hoedur/pkg/emulator/emutest"
	"github.com/fuzzware-fuzzer/hoedur/pkg/fwconfig"
	"github.com/fuzzware-fuzzer/hoedur/pkg/log"
	"github.com/fuzzware-fuzzer/hoedur/pkg/tool"
)

var (
	flagConfig       = flag.String("config", "", "firmware configuration file (required)")
	flagSeed         = flag.Uint64("seed", 0, "campaign master seed (overrides config)")
	flagArchive      = flag.String("archive", "", "archive file for discoveries")
	flagTrace        = flag.Bool("trace", false, "enable per-instruction tracing")
	flagDebug        = flag.Bool("debug", false, "enable emulator self-checks")
	flagHook         = flag.String("hook", "", "file with extra stop addresses, one per line")
	flagStatistics   = flag.Bool("statistics", false, "collect the expanded metric set")
	flagImportConfig = flag.String("import-config", "", "write the completed config to the given path and exit")
)

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(int(tool.ExitConfig))
	}
	cfg := loadConfig()
	if *flagImportConfig != "" {
		if err := cfg.Save(*flagImportConfig); err != nil {
			tool.Exitf(tool.ExitIO, "%v", err)
		}
		return
	}
	switch cmd, rest := args[0], args[1:]; cmd {
	case "fuzz":
		cmdFuzz(cfg, rest)
	case "run":
		cmdRun(cfg, rest)
	case "run-corpus":
		cmdRunCorpus(cfg, rest)
	case "run-cov":
		cmdRunCov(cfg, rest)
	default:
		tool.Failf("unknown command %q", cmd)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: hoedur [flags] {fuzz|run|run-corpus|run-cov} ...\n")
	flag.PrintDefaults()
}

func loadConfig() *fwconfig.Config {
	if *flagConfig == "" {
		tool.Failf("-config is required")
	}
	cfg, err := fwconfig.Load(*flagConfig)
	if err != nil {
		tool.Failf("%v", err)
	}
	if *flagSeed != 0 {
		cfg.MasterSeed = *flagSeed
	}
	if *flagHook != "" {
		if err := applyHookFile(cfg, *flagHook); err != nil {
			tool.Exitf(tool.ExitIO, "%v", err)
		}
	}
	return cfg
}

func emuConfig() *emulator.Config {
	return &emulator.Config{
		Trace: *flagTrace,
		Debug: *flagDebug,
	}
}

func fatalRuntime(err error) {
	log.Logf(0, "%v", err)
	tool.Exitf(tool.ExitEmulator, "failed to bring up the emulator: %v", err)
}
