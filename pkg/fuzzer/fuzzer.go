// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzer runs the campaign loop: select a parent by energy, derive
// a child, execute it, feed the verdict back into the corpus and mutator,
// and archive discoveries. Everything runs on one thread; parallelism comes
// from independent processes sharing an archive.
package fuzzer

import (
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/fuzzware-fuzzer/hoedur/pkg/archive"
	"github.com/fuzzware-fuzzer/hoedur/pkg/corpus"
	"github.com/fuzzware-fuzzer/hoedur/pkg/exec"
	"github.com/fuzzware-fuzzer/hoedur/pkg/input"
	"github.com/fuzzware-fuzzer/hoedur/pkg/log"
	"github.com/fuzzware-fuzzer/hoedur/pkg/mutator"
	"github.com/fuzzware-fuzzer/hoedur/pkg/stat"
	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
)

// Consecutive emulator failures that abort the campaign.
const maxEmulatorFailures = 5

const (
	spliceProb     = 0.2
	heartbeat      = 10 * time.Second
	statsPeriod    = time.Minute
	flushPeriod    = 5 * time.Second
	minimizeBudget = 256
)

// Options configures a campaign.
type Options struct {
	Runtime     *Runtime
	ArchivePath string
	// Statistics enables the expanded metric set.
	Statistics bool
}

type Fuzzer struct {
	rt      *Runtime
	corpus  *corpus.Corpus
	mut     *mutator.Mutator
	sched   *rand.Rand
	writer  *archive.Writer
	stop    atomic.Bool
	started time.Time

	queue    []*input.Input
	failures int

	statExecs    *stat.Val
	statCrashes  *stat.Val
	statCorpus   *stat.Val
	statCoverage *stat.Val
	statCost     *stat.Val
	statNoNovel  *stat.Val
}

// New builds a campaign over an already booted runtime, importing any
// existing archive at the same path.
func New(opts Options) (*Fuzzer, error) {
	rt := opts.Runtime
	f := &Fuzzer{
		rt:     rt,
		corpus: corpus.New(),
		// The mutator and scheduler split the master seed so one
		// component's draw count cannot desynchronize the other.
		mut:     mutator.New(rt.Reg, stream.Splitmix64(rt.Config.MasterSeed+1)),
		sched:   rand.New(rand.NewSource(int64(stream.Splitmix64(rt.Config.MasterSeed + 2)))),
		started: time.Now(),
	}
	f.initStats(opts.Statistics)
	seeds, err := rt.LoadSeeds()
	if err != nil {
		return nil, err
	}
	f.queue = seeds
	if opts.ArchivePath != "" {
		if err := f.openArchive(opts.ArchivePath); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *Fuzzer) initStats(full bool) {
	level := stat.Console
	f.statExecs = stat.New("exec total", "Executions", level, stat.Rate{},
		stat.Prometheus("hoedur_exec_total"))
	f.statCrashes = stat.New("crashes", "Unique crashes", level,
		func() int { return f.corpus.CrashCount() },
		stat.Prometheus("hoedur_crashes"))
	f.statCorpus = stat.New("corpus", "Corpus entries", level,
		func() int { return f.corpus.Len() },
		stat.Prometheus("hoedur_corpus"))
	f.statCoverage = stat.New("coverage", "Bucketed edge signal", level,
		func() int { return f.corpus.SignalCount() },
		stat.Prometheus("hoedur_coverage"))
	if full {
		f.statCost = stat.New("exec cost", "Execution cost distribution", stat.All,
			stat.Distribution{})
		f.statNoNovel = stat.New("no novelty", "Executions without new coverage", stat.All,
			stat.Rate{})
	}
}

func (f *Fuzzer) openArchive(path string) error {
	if _, err := os.Stat(path); err == nil {
		snap, err := archive.Load(path)
		if err != nil {
			return err
		}
		for _, in := range snap.Inputs {
			in.Reason = input.ReasonImported
			f.queue = append(f.queue, in)
		}
		log.Logf(0, "imported %v inputs from %v (%v corrupt skipped)",
			len(snap.Inputs), path, snap.Corrupt)
	}
	w, err := archive.NewWriter(path, f.rt.Config.CPU)
	if err != nil {
		return err
	}
	f.writer = w
	return nil
}

// Stop requests a graceful shutdown; the in-progress run finishes first.
func (f *Fuzzer) Stop() {
	f.stop.Store(true)
}

// Loop fuzzes until Stop. Returns the first fatal error (archive failure or
// repeated emulator failures).
func (f *Fuzzer) Loop() error {
	lastBeat := time.Now()
	lastStats := time.Now()
	lastFlush := time.Now()
	for !f.stop.Load() {
		if err := f.step(); err != nil {
			f.shutdown()
			return err
		}
		now := time.Now()
		if now.Sub(lastBeat) >= heartbeat {
			f.logHeartbeat()
			lastBeat = now
		}
		if f.writer != nil && now.Sub(lastStats) >= statsPeriod {
			if err := f.writer.AddStats(f.statsRecord()); err != nil {
				f.shutdown()
				return err
			}
			lastStats = now
		}
		if f.writer != nil && now.Sub(lastFlush) >= flushPeriod {
			if err := f.writer.Flush(); err != nil {
				f.shutdown()
				return err
			}
			lastFlush = now
		}
	}
	return f.shutdown()
}

// step executes one input: a queued seed/import if any, otherwise a fresh
// mutant.
func (f *Fuzzer) step() error {
	var in *input.Input
	mutated := false
	switch {
	case len(f.queue) > 0:
		in = f.queue[0]
		f.queue = f.queue[1:]
	default:
		parent := f.corpus.Select(f.sched.Float64())
		if parent == nil {
			// Every seed crashed or failed; keep probing from scratch.
			f.queue = append(f.queue, input.New(input.ReasonSeed))
			return nil
		}
		var other *mutator.Parent
		if f.sched.Float64() < spliceProb {
			if donor := f.corpus.Select(f.sched.Float64()); donor != nil && donor != parent {
				other = &mutator.Parent{Input: donor.Input, Enabled: donor.Enabled}
			}
		}
		in = f.mut.Mutate(mutator.Parent{Input: parent.Input, Enabled: parent.Enabled}, other)
		mutated = true
	}
	res, err := f.rt.Engine.Run(in)
	if err != nil {
		f.failures++
		log.Logf(0, "run failed (%v consecutive): %v", f.failures, err)
		if f.failures >= maxEmulatorFailures {
			return fmt.Errorf("emulator failed %v times in a row: %w", maxEmulatorFailures, err)
		}
		return nil
	}
	f.failures = 0
	f.statExecs.Add(1)
	if f.statCost != nil {
		f.statCost.Add(int(res.Cost))
	}
	admitted, reason := f.corpus.Admit(in, res.Cover, res.Verdict, res.Cost, res.Enabled)
	if mutated {
		f.mut.Feedback(admitted)
	}
	if !admitted {
		if f.statNoNovel != nil {
			f.statNoNovel.Add(1)
		}
		log.Logf(3, "input %v rejected: %v", in.ID, reason)
		return nil
	}
	// Archive before minimizing: minimization runs reuse the engine's
	// coverage record that res still points into.
	if err := f.archiveDiscovery(in, res); err != nil {
		return err
	}
	if entry := f.corpus.Entry(in.ID); entry != nil {
		f.minimize(entry)
	}
	return nil
}

// minimize reduces a fresh entry while its contribution survives, bounded
// by a fixed run budget so admission latency stays predictable.
func (f *Fuzzer) minimize(entry *corpus.Entry) {
	budget := minimizeBudget
	var lastCost uint64
	min := corpus.Minimize(entry.Input, func(candidate *input.Input) bool {
		if budget == 0 {
			return false
		}
		budget--
		res, err := f.rt.Engine.Run(candidate)
		if err != nil || res.Verdict.Kind != entry.Verdict.Kind {
			return false
		}
		if !corpus.Covers(res.Cover, entry.Contributed) {
			return false
		}
		lastCost = res.Cost
		return true
	})
	if min.Len() < entry.Input.Len() {
		log.Logf(2, "minimized input %v: %v -> %v bytes", entry.Input.ID, entry.Input.Len(), min.Len())
		min.Reason = input.ReasonMinimized
		f.corpus.Replace(entry, min, lastCost)
	}
}

func (f *Fuzzer) archiveDiscovery(in *input.Input, res *exec.Result) error {
	if f.writer == nil {
		return nil
	}
	if err := f.writer.AddInput(in); err != nil {
		return err
	}
	if err := f.writer.AddCoverage(in, res.Cover); err != nil {
		return err
	}
	if res.Verdict.Kind.IsCrash() {
		if err := f.writer.AddCrash(in, res.Verdict); err != nil {
			return err
		}
	}
	return f.writer.Flush()
}

func (f *Fuzzer) statsRecord() *archive.StatsRecord {
	return &archive.StatsRecord{
		Execs:    uint64(f.statExecs.Val()),
		Corpus:   uint64(f.corpus.Len()),
		Crashes:  uint64(f.corpus.CrashCount()),
		Coverage: uint64(f.corpus.SignalCount()),
		Uptime:   int64(time.Since(f.started).Seconds()),
	}
}

func (f *Fuzzer) logHeartbeat() {
	for _, v := range stat.Collect(stat.Console) {
		log.Logf(0, "%v: %v", v.Name, v.Value)
	}
}

// shutdown flushes final state: discovered streams, a last stats record and
// the archive tail.
func (f *Fuzzer) shutdown() error {
	if f.writer == nil {
		return nil
	}
	var firstErr error
	for _, info := range f.rt.Reg.Discovered() {
		if err := f.writer.AddStream(info); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := f.writer.AddStats(f.statsRecord()); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := f.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	f.writer = nil
	log.Logf(0, "campaign done: %v", f.corpus.String())
	return firstErr
}

// Corpus exposes the corpus for one-shot tools and tests.
func (f *Fuzzer) Corpus() *corpus.Corpus {
	return f.corpus
}
