// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tool contains various helper utilitites useful for implementation of command line tools.
package tool

import (
	"fmt"
	"os"
)

// Exit codes used by all hoedur command line tools.
const (
	ExitOk          = 0
	ExitBug         = 1 // one-shot commands: at least one bug classification
	ExitConfig      = 2
	ExitIO          = 3
	ExitEmulator    = 4
	ExitInterrupted = 130
)

func Failf(msg string, args ...interface{}) {
	Exitf(ExitConfig, msg, args...)
}

func Fail(err error) {
	Failf("%v", err)
}

func Exitf(code int, msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
	os.Exit(code)
}
