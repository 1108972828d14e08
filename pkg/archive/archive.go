// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/fuzzware-fuzzer/hoedur/pkg/cover"
	"github.com/fuzzware-fuzzer/hoedur/pkg/input"
	"github.com/fuzzware-fuzzer/hoedur/pkg/log"
	"github.com/fuzzware-fuzzer/hoedur/pkg/oracle"
	"github.com/fuzzware-fuzzer/hoedur/pkg/osutil"
	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
)

func floatBits(f float64) uint64 { return math.Float64bits(f) }
func floatFrom(b uint64) float64 { return math.Float64frombits(b) }

const (
	ioRetries    = 3
	retryBackoff = 100 * time.Millisecond
)

// withRetry runs op up to ioRetries times with exponential backoff.
// Persistent archive failures are fatal to the campaign; the last error is
// returned wrapped with the operation name and the attempt count.
func withRetry(what string, op func() error) error {
	var err error
	for i := 0; i < ioRetries; i++ {
		if err = op(); err == nil {
			return nil
		}
		log.Logf(0, "archive %v failed (attempt %v/%v): %v", what, i+1, ioRetries, err)
		time.Sleep(retryBackoff << i)
	}
	return fmt.Errorf("archive %v failed after %v attempts: %w", what, ioRetries, err)
}

// Writer appends records to an archive file. The file is exclusively locked
// for the writer's lifetime; appended frames are self-contained so a reader
// never observes a torn record.
type Writer struct {
	f  *os.File
	zw *zstd.Encoder
}

// NewWriter opens (or creates) an archive for appending and writes the
// header record for fresh files.
func NewWriter(path, firmwareID string) (*Writer, error) {
	var f *os.File
	err := withRetry("open", func() error {
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, osutil.DefaultFilePerm)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := osutil.FlockExclusive(f); err != nil {
		f.Close()
		return nil, err
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w := &Writer{f: f, zw: zw}
	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		w.Close()
		return nil, err
	}
	if pos == 0 {
		h := &Header{
			Version:    Version,
			FirmwareID: firmwareID,
			CreatedAt:  time.Now().Unix(),
		}
		if err := w.write(RecHeader, h.encode()); err != nil {
			w.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Writer) write(typ RecordType, payload []byte) error {
	frame := []byte{byte(typ)}
	frame = binary.AppendUvarint(frame, uint64(len(payload)))
	frame = append(frame, payload...)
	return withRetry(typ.String()+" write", func() error {
		_, err := w.zw.Write(frame)
		return err
	})
}

// AddInput appends an input with its identity metadata.
func (w *Writer) AddInput(in *input.Input) error {
	rec := &InputRecord{
		ID:     in.ID,
		Parent: in.Parent,
		Gen:    in.Gen,
		Reason: in.Reason,
		Data:   in.Serialize(),
	}
	return w.write(RecInput, rec.encode())
}

// AddCoverage appends the admitted coverage of an input.
func (w *Writer) AddCoverage(in *input.Input, rec *cover.Record) error {
	cr := &CoverageRecord{ID: in.ID, Blocks: rec.Blocks()}
	for elem := range rec.Signal() {
		cr.Elems = append(cr.Elems, elem)
	}
	return w.write(RecCoverage, cr.encode())
}

// AddCrash appends a crash verdict for an already appended input.
func (w *Writer) AddCrash(in *input.Input, verdict oracle.Verdict) error {
	rec := &CrashRecord{
		ID:     in.ID,
		Kind:   verdict.Kind,
		Reason: verdict.Reason,
		PC:     verdict.PC,
		Addr:   verdict.Addr,
	}
	return w.write(RecCrash, rec.encode())
}

func (w *Writer) AddStats(rec *StatsRecord) error {
	return w.write(RecStats, rec.encode())
}

// AddStream persists a runtime-discovered stream.
func (w *Writer) AddStream(info stream.Info) error {
	rec := &StreamRecord{
		Category: info.Key.Category,
		Addr:     info.Key.Addr,
		Name:     info.Key.Name,
		Policy:   info.Policy,
		Weight:   info.Weight,
		Alphabet: info.Alphabet,
	}
	return w.write(RecStream, rec.encode())
}

// Flush makes everything appended so far visible to readers.
func (w *Writer) Flush() error {
	return withRetry("flush", func() error {
		if err := w.zw.Flush(); err != nil {
			return err
		}
		return w.f.Sync()
	})
}

func (w *Writer) Close() error {
	err := w.zw.Close()
	osutil.Funlock(w.f)
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Record is one decoded archive record; exactly one field is set, matching
// Type.
type Record struct {
	Type     RecordType
	Header   *Header
	Input    *InputRecord
	Coverage *CoverageRecord
	Crash    *CrashRecord
	Stats    *StatsRecord
	Stream   *StreamRecord
}

// Reader iterates an archive's records. It takes no file lock, so it can
// read an archive while a writer holds the exclusive lock.
type Reader struct {
	f  *os.File
	zr *zstd.Decoder
	br *bufReader
}

type bufReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *bufReader) ReadByte() (byte, error) {
	_, err := io.ReadFull(b.r, b.buf[:])
	return b.buf[0], err
}

func (b *bufReader) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{f: f, zr: zr, br: &bufReader{r: zr}}, nil
}

// Next returns the next record, or io.EOF at the end. A record that fails
// to decode is returned as an error with the archive still positioned at
// the next record boundary unknown, so callers should stop on it.
func (r *Reader) Next() (*Record, error) {
	typ, err := r.br.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	size, err := binary.ReadUvarint(r.br)
	if err != nil {
		return nil, fmt.Errorf("truncated record length: %w", err)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return nil, fmt.Errorf("truncated %v record: %w", RecordType(typ), err)
	}
	rec := &Record{Type: RecordType(typ)}
	switch rec.Type {
	case RecHeader:
		rec.Header, err = decodeHeader(payload)
	case RecInput:
		rec.Input, err = decodeInput(payload)
	case RecCoverage:
		rec.Coverage, err = decodeCoverage(payload)
	case RecCrash:
		rec.Crash, err = decodeCrash(payload)
	case RecStats:
		rec.Stats, err = decodeStats(payload)
	case RecStream:
		rec.Stream, err = decodeStream(payload)
	default:
		return nil, fmt.Errorf("unknown record type %v", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %v record: %w", rec.Type, err)
	}
	return rec, nil
}

func (r *Reader) Close() error {
	r.zr.Close()
	return r.f.Close()
}
