// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fuzzware-fuzzer/hoedur/pkg/fuzzer"
	"github.com/fuzzware-fuzzer/hoedur/pkg/fwconfig"
	"github.com/fuzzware-fuzzer/hoedur/pkg/log"
	"github.com/fuzzware-fuzzer/hoedur/pkg/tool"
)

func cmdFuzz(cfg *fwconfig.Config, args []string) {
	if len(args) != 0 {
		tool.Failf("fuzz takes no positional arguments")
	}
	rt, err := fuzzer.NewRuntime(cfg, emuConfig())
	if err != nil {
		fatalRuntime(err)
	}
	defer rt.Close()
	f, err := fuzzer.New(fuzzer.Options{
		Runtime:     rt,
		ArchivePath: *flagArchive,
		Statistics:  *flagStatistics,
	})
	if err != nil {
		tool.Exitf(tool.ExitIO, "%v", err)
	}
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Logf(0, "shutting down, waiting for the current run...")
		f.Stop()
		// A second signal skips the graceful path.
		<-sigs
		os.Exit(int(tool.ExitInterrupted))
	}()
	if err := f.Loop(); err != nil {
		tool.Exitf(tool.ExitIO, "campaign failed: %v", err)
	}
}
