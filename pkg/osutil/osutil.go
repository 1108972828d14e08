// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package osutil provides filesystem helpers shared by the fuzzer and tools.
package osutil

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultFilePerm = os.FileMode(0640)
	DefaultDirPerm  = os.FileMode(0750)
)

func WriteFile(filename string, data []byte) error {
	return os.WriteFile(filename, data, DefaultFilePerm)
}

// WriteFileAtomic writes data to a temp file next to filename and renames it over.
// A reader never observes a partially written file.
func WriteFileAtomic(filename string, data []byte) error {
	tmp := filename + ".tmp"
	if err := WriteFile(tmp, data); err != nil {
		return err
	}
	if err := Rename(tmp, filename); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Rename is similar to os.Rename but handles cross-device renames.
func Rename(oldFile, newFile string) error {
	err := os.Rename(oldFile, newFile)
	if err != nil {
		// Can't use syscall.EXDEV because on windows it's a different error.
		data, err := os.ReadFile(oldFile)
		if err != nil {
			return err
		}
		if err := WriteFile(newFile, data); err != nil {
			return err
		}
		os.Remove(oldFile)
	}
	return nil
}

func MkdirAll(dir string) error {
	return os.MkdirAll(dir, DefaultDirPerm)
}

func IsExist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// Abs returns absolute path for the file, dying on errors the way filepath.Abs cannot.
func Abs(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func OpenOrCreate(filename string) (*os.File, error) {
	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, DefaultFilePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open %v: %w", filename, err)
	}
	return f, nil
}
