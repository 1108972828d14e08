// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"

	"github.com/fuzzware-fuzzer/hoedur/pkg/fwconfig"
	"github.com/fuzzware-fuzzer/hoedur/pkg/osutil"
	"github.com/fuzzware-fuzzer/hoedur/pkg/tool"
)

// cmdRunCov replays an archive and writes the union of covered basic-block
// addresses to the report file, one hex address per line in ascending order.
func cmdRunCov(cfg *fwconfig.Config, args []string) {
	if len(args) != 2 {
		tool.Failf("usage: hoedur run-cov --config C REPORT ARCHIVE")
	}
	report, archivePath := args[0], args[1]
	results, err := replayArchive(cfg, archivePath)
	if err != nil {
		tool.Exitf(tool.ExitIO, "%v", err)
	}
	blocks := mergeBlocks(results)
	buf := new(bytes.Buffer)
	for _, pc := range blocks {
		fmt.Fprintf(buf, "0x%08x\n", pc)
	}
	if err := osutil.WriteFileAtomic(report, buf.Bytes()); err != nil {
		tool.Exitf(tool.ExitIO, "%v", err)
	}
	fmt.Printf("replayed %v inputs, %v covered blocks -> %v\n", len(results), len(blocks), report)
}
