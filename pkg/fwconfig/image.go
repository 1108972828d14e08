// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fwconfig

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ulikunitz/xz"
)

// Firmware images and seed files are commonly stored xz-compressed; loading
// is transparent for the .xz suffix.
func LoadImageFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %w", path, err)
	}
	if !strings.HasSuffix(path, ".xz") {
		return data, nil
	}
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %v: %w", path, err)
	}
	res, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %v: %w", path, err)
	}
	return res, nil
}
