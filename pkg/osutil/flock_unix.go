// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !windows

package osutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FlockExclusive takes an exclusive advisory lock on the file.
// Used to serialize archive writers across fuzzing processes.
func FlockExclusive(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("failed to lock %v: %w", f.Name(), err)
	}
	return nil
}

// FlockShared takes a shared advisory lock, permitted for analysis readers.
func FlockShared(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return fmt.Errorf("failed to lock %v: %w", f.Name(), err)
	}
	return nil
}

func Funlock(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
