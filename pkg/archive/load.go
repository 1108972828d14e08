// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package archive

import (
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/fuzzware-fuzzer/hoedur/pkg/input"
	"github.com/fuzzware-fuzzer/hoedur/pkg/log"
)

// Snapshot is a fully loaded archive.
type Snapshot struct {
	Header   *Header
	Inputs   []*input.Input
	Coverage map[uuid.UUID]*CoverageRecord
	Crashes  map[uuid.UUID]*CrashRecord
	Streams  []*StreamRecord
	Stats    []*StatsRecord
	// Corrupt counts input records that failed to deserialize and were
	// skipped.
	Corrupt int
}

// Load reads a whole archive. Corrupt input records are skipped and logged;
// a torn tail (writer died mid-flush) ends the load cleanly at the last
// complete record.
func Load(path string) (*Snapshot, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	snap := &Snapshot{
		Coverage: make(map[uuid.UUID]*CoverageRecord),
		Crashes:  make(map[uuid.UUID]*CrashRecord),
	}
	for {
		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			log.Logf(0, "archive %v: stopping at corrupt record: %v", path, err)
			break
		}
		switch rec.Type {
		case RecHeader:
			snap.Header = rec.Header
		case RecInput:
			in, err := input.Deserialize(rec.Input.Data, rec.Input.Reason)
			if err != nil {
				snap.Corrupt++
				log.Logf(0, "archive %v: skipping corrupt input %v: %v", path, rec.Input.ID, err)
				continue
			}
			in.ID = rec.Input.ID
			in.Parent = rec.Input.Parent
			in.Gen = rec.Input.Gen
			snap.Inputs = append(snap.Inputs, in)
		case RecCoverage:
			snap.Coverage[rec.Coverage.ID] = rec.Coverage
		case RecCrash:
			snap.Crashes[rec.Crash.ID] = rec.Crash
		case RecStream:
			snap.Streams = append(snap.Streams, rec.Stream)
		case RecStats:
			snap.Stats = append(snap.Stats, rec.Stats)
		}
	}
	return snap, nil
}
