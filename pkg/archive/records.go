// Copyright 2024 hoedur project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package archive persists campaign discoveries: inputs, their coverage,
// crashes, runtime-discovered streams and periodic stats. The on-disk form
// is a zstd-compressed concatenation of length-prefixed records, append-only
// so parallel campaigns can merge by replay. A process-wide file lock
// serializes writers; readers take no lock.
package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/fuzzware-fuzzer/hoedur/pkg/cover"
	"github.com/fuzzware-fuzzer/hoedur/pkg/input"
	"github.com/fuzzware-fuzzer/hoedur/pkg/oracle"
	"github.com/fuzzware-fuzzer/hoedur/pkg/stream"
)

// Version of the record format.
const Version = 1

type RecordType uint8

const (
	RecHeader RecordType = iota + 1
	RecInput
	RecCoverage
	RecCrash
	RecStats
	RecStream
)

var recordNames = map[RecordType]string{
	RecHeader:   "header",
	RecInput:    "input",
	RecCoverage: "coverage",
	RecCrash:    "crash",
	RecStats:    "stats",
	RecStream:   "stream",
}

func (t RecordType) String() string {
	if name, ok := recordNames[t]; ok {
		return name
	}
	return fmt.Sprintf("record%d", t)
}

// Header opens every archive.
type Header struct {
	Version    uint64
	FirmwareID string
	CreatedAt  int64
}

// InputRecord carries one serialized input plus the identity metadata the
// input wire format deliberately excludes.
type InputRecord struct {
	ID     uuid.UUID
	Parent uuid.UUID
	Gen    uint64
	Reason input.Reason
	Data   []byte
}

// CoverageRecord is the admitted coverage of one input.
type CoverageRecord struct {
	ID     uuid.UUID
	Blocks []uint32
	Elems  []cover.Elem
}

// CrashRecord is one deduplicated crash.
type CrashRecord struct {
	ID      uuid.UUID
	Kind    oracle.Kind
	Reason  oracle.HardFaultReason
	PC      uint32
	Addr    uint32
}

// StatsRecord is a periodic campaign counter dump.
type StatsRecord struct {
	Execs    uint64
	Corpus   uint64
	Crashes  uint64
	Coverage uint64
	Uptime   int64 // seconds
}

// StreamRecord persists a runtime-discovered stream so future campaigns
// declare it up front.
type StreamRecord struct {
	Category stream.Category
	Addr     uint32
	Name     string
	Policy   stream.Policy
	Weight   float64
	Alphabet []stream.ChunkKind
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", fmt.Errorf("string length %v exceeds remaining %v bytes", n, r.Len())
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func appendUUID(buf []byte, id uuid.UUID) []byte {
	return append(buf, id[:]...)
}

func readUUID(r *bytes.Reader) (uuid.UUID, error) {
	var id uuid.UUID
	if _, err := r.Read(id[:]); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (h *Header) encode() []byte {
	buf := binary.AppendUvarint(nil, h.Version)
	buf = appendString(buf, h.FirmwareID)
	return binary.AppendVarint(buf, h.CreatedAt)
}

func decodeHeader(data []byte) (*Header, error) {
	r := bytes.NewReader(data)
	h := &Header{}
	var err error
	if h.Version, err = binary.ReadUvarint(r); err != nil {
		return nil, err
	}
	if h.FirmwareID, err = readString(r); err != nil {
		return nil, err
	}
	if h.CreatedAt, err = binary.ReadVarint(r); err != nil {
		return nil, err
	}
	return h, nil
}

func (rec *InputRecord) encode() []byte {
	buf := appendUUID(nil, rec.ID)
	buf = appendUUID(buf, rec.Parent)
	buf = binary.AppendUvarint(buf, rec.Gen)
	buf = append(buf, byte(rec.Reason))
	buf = binary.AppendUvarint(buf, uint64(len(rec.Data)))
	return append(buf, rec.Data...)
}

func decodeInput(data []byte) (*InputRecord, error) {
	r := bytes.NewReader(data)
	rec := &InputRecord{}
	var err error
	if rec.ID, err = readUUID(r); err != nil {
		return nil, err
	}
	if rec.Parent, err = readUUID(r); err != nil {
		return nil, err
	}
	if rec.Gen, err = binary.ReadUvarint(r); err != nil {
		return nil, err
	}
	reason, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	rec.Reason = input.Reason(reason)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("input data length %v exceeds remaining %v bytes", n, r.Len())
	}
	rec.Data = make([]byte, n)
	if _, err := r.Read(rec.Data); err != nil {
		return nil, err
	}
	return rec, nil
}

func (rec *CoverageRecord) encode() []byte {
	buf := appendUUID(nil, rec.ID)
	buf = binary.AppendUvarint(buf, uint64(len(rec.Blocks)))
	for _, pc := range rec.Blocks {
		buf = binary.AppendUvarint(buf, uint64(pc))
	}
	buf = binary.AppendUvarint(buf, uint64(len(rec.Elems)))
	for _, elem := range rec.Elems {
		buf = binary.AppendUvarint(buf, uint64(elem.Edge))
		buf = append(buf, elem.Bucket)
	}
	return buf
}

func decodeCoverage(data []byte) (*CoverageRecord, error) {
	r := bytes.NewReader(data)
	rec := &CoverageRecord{}
	var err error
	if rec.ID, err = readUUID(r); err != nil {
		return nil, err
	}
	nblocks, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	rec.Blocks = make([]uint32, 0, nblocks)
	for i := uint64(0); i < nblocks; i++ {
		pc, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		rec.Blocks = append(rec.Blocks, uint32(pc))
	}
	nelems, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	rec.Elems = make([]cover.Elem, 0, nelems)
	for i := uint64(0); i < nelems; i++ {
		edge, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		bucket, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		rec.Elems = append(rec.Elems, cover.Elem{Edge: cover.Edge(edge), Bucket: bucket})
	}
	return rec, nil
}

func (rec *CrashRecord) encode() []byte {
	buf := appendUUID(nil, rec.ID)
	buf = append(buf, byte(rec.Kind), byte(rec.Reason))
	buf = binary.LittleEndian.AppendUint32(buf, rec.PC)
	return binary.LittleEndian.AppendUint32(buf, rec.Addr)
}

func decodeCrash(data []byte) (*CrashRecord, error) {
	r := bytes.NewReader(data)
	rec := &CrashRecord{}
	var err error
	if rec.ID, err = readUUID(r); err != nil {
		return nil, err
	}
	var rest [10]byte
	if _, err := r.Read(rest[:]); err != nil {
		return nil, err
	}
	rec.Kind = oracle.Kind(rest[0])
	rec.Reason = oracle.HardFaultReason(rest[1])
	rec.PC = binary.LittleEndian.Uint32(rest[2:])
	rec.Addr = binary.LittleEndian.Uint32(rest[6:])
	return rec, nil
}

func (rec *StatsRecord) encode() []byte {
	buf := binary.AppendUvarint(nil, rec.Execs)
	buf = binary.AppendUvarint(buf, rec.Corpus)
	buf = binary.AppendUvarint(buf, rec.Crashes)
	buf = binary.AppendUvarint(buf, rec.Coverage)
	return binary.AppendVarint(buf, rec.Uptime)
}

func decodeStats(data []byte) (*StatsRecord, error) {
	r := bytes.NewReader(data)
	rec := &StatsRecord{}
	var err error
	if rec.Execs, err = binary.ReadUvarint(r); err != nil {
		return nil, err
	}
	if rec.Corpus, err = binary.ReadUvarint(r); err != nil {
		return nil, err
	}
	if rec.Crashes, err = binary.ReadUvarint(r); err != nil {
		return nil, err
	}
	if rec.Coverage, err = binary.ReadUvarint(r); err != nil {
		return nil, err
	}
	if rec.Uptime, err = binary.ReadVarint(r); err != nil {
		return nil, err
	}
	return rec, nil
}

func (rec *StreamRecord) encode() []byte {
	buf := []byte{byte(rec.Category)}
	buf = binary.LittleEndian.AppendUint32(buf, rec.Addr)
	buf = appendString(buf, rec.Name)
	buf = append(buf, byte(rec.Policy))
	buf = binary.LittleEndian.AppendUint64(buf, floatBits(rec.Weight))
	buf = binary.AppendUvarint(buf, uint64(len(rec.Alphabet)))
	for _, kind := range rec.Alphabet {
		buf = append(buf, byte(kind))
	}
	return buf
}

func decodeStream(data []byte) (*StreamRecord, error) {
	r := bytes.NewReader(data)
	rec := &StreamRecord{}
	cat, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	rec.Category = stream.Category(cat)
	var addr [4]byte
	if _, err := r.Read(addr[:]); err != nil {
		return nil, err
	}
	rec.Addr = binary.LittleEndian.Uint32(addr[:])
	if rec.Name, err = readString(r); err != nil {
		return nil, err
	}
	policy, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	rec.Policy = stream.Policy(policy)
	var w [8]byte
	if _, err := r.Read(w[:]); err != nil {
		return nil, err
	}
	rec.Weight = floatFrom(binary.LittleEndian.Uint64(w[:]))
	nkinds, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < nkinds; i++ {
		kind, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		rec.Alphabet = append(rec.Alphabet, stream.ChunkKind(kind))
	}
	return rec, nil
}
