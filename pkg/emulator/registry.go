// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package emulator

import (
	"fmt"
	"sort"
	"sync"
)

// Config is the backend-independent part of core construction.
type Config struct {
	// Trace enables per-instruction tracing in cores that support it.
	Trace bool
	// Debug enables backend self-checks.
	Debug bool
}

// Ctor constructs a core instance of one backend.
type Ctor func(cfg *Config) (Emulator, error)

var (
	ctorsMu sync.Mutex
	ctors   = make(map[string]Ctor)
)

// Register makes a backend available under the given name. Called from
// backend package init functions.
func Register(name string, ctor Ctor) {
	ctorsMu.Lock()
	defer ctorsMu.Unlock()
	if _, ok := ctors[name]; ok {
		panic(fmt.Sprintf("emulator backend %q registered twice", name))
	}
	ctors[name] = ctor
}

// Create instantiates a core of the named backend.
func Create(name string, cfg *Config) (Emulator, error) {
	ctorsMu.Lock()
	ctor := ctors[name]
	ctorsMu.Unlock()
	if ctor == nil {
		return nil, fmt.Errorf("unknown emulator backend %q (have %v)", name, Backends())
	}
	return ctor(cfg)
}

// Backends returns the registered backend names in sorted order.
func Backends() []string {
	ctorsMu.Lock()
	defer ctorsMu.Unlock()
	res := make([]string, 0, len(ctors))
	for name := range ctors {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}
