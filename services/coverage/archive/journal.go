// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gofraser/evosuite-sub003/services/coverage/storage/badger"
	"github.com/gofraser/evosuite-sub003/services/coverage/telemetry"
)

var journalTracer = otel.Tracer("coverage.journal")

var (
	// ErrJournalClosed is returned by operations on a closed journal.
	ErrJournalClosed = errors.New("coverage journal is closed")

	// ErrJournalCorrupted is returned when a stored record fails its
	// checksum or cannot be decoded.
	ErrJournalCorrupted = errors.New("coverage journal record corrupted")
)

// Record is one accepted archive mutation.
type Record struct {
	RunID         string
	Seq           uint64
	GoalKey       string
	Kind          string
	H             float64
	CandidateID   string
	CandidateSize int
	Covered       bool
	At            time.Time
}

// Recorder receives accepted archive mutations. The archive logs Record
// errors and carries on.
type Recorder interface {
	Record(ctx context.Context, r Record) error
}

const journalPrefix = "cov:"

// JournalRecorder appends records to a BadgerDB store, one key per record:
//
//	cov:<run id>:<seq, 16 digits>
//
// Values are a 4 byte big endian CRC32 of the gob payload followed by the
// payload.
//
// Thread Safety: Safe for concurrent use.
type JournalRecorder struct {
	db     *badger.DB
	runID  string
	seq    atomic.Uint64
	closed atomic.Bool
	logger *slog.Logger
}

// JournalOption configures a JournalRecorder.
type JournalOption func(*JournalRecorder)

// WithRunID continues an existing run instead of starting a new one.
func WithRunID(id string) JournalOption {
	return func(j *JournalRecorder) { j.runID = id }
}

// WithJournalLogger sets the journal logger.
func WithJournalLogger(l *slog.Logger) JournalOption {
	return func(j *JournalRecorder) { j.logger = l }
}

// NewJournalRecorder opens a journal for one run on db. The caller keeps
// ownership of db.
func NewJournalRecorder(db *badger.DB, opts ...JournalOption) (*JournalRecorder, error) {
	if db == nil {
		return nil, errors.New("journal requires a database")
	}
	j := &JournalRecorder{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(j)
	}
	if j.runID == "" {
		j.runID = uuid.NewString()
	}
	if err := j.initSeq(); err != nil {
		return nil, fmt.Errorf("init journal sequence: %w", err)
	}
	j.logger.Debug("coverage journal opened",
		slog.String("run_id", j.runID),
		slog.Uint64("seq", j.seq.Load()),
	)
	return j, nil
}

// RunID identifies the run this journal appends to.
func (j *JournalRecorder) RunID() string { return j.runID }

func (j *JournalRecorder) runPrefix(runID string) []byte {
	return []byte(journalPrefix + runID + ":")
}

func (j *JournalRecorder) key(seq uint64) []byte {
	return fmt.Appendf(nil, "%s%s:%016d", journalPrefix, j.runID, seq)
}

// initSeq resumes the sequence after the highest stored key of the run.
func (j *JournalRecorder) initSeq() error {
	prefix := j.runPrefix(j.runID)
	return j.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(bytes.Clone(prefix), 0xFF))
		if it.ValidForPrefix(prefix) {
			if seq, err := strconv.ParseUint(string(it.Item().Key()[len(prefix):]), 10, 64); err == nil {
				j.seq.Store(seq)
			}
		}
		return nil
	})
}

// Record appends r under the next sequence number of this run.
func (j *JournalRecorder) Record(ctx context.Context, r Record) error {
	if j.closed.Load() {
		return ErrJournalClosed
	}
	ctx, span := journalTracer.Start(ctx, "journal.Record",
		trace.WithAttributes(attribute.String("journal.goal", r.GoalKey)),
	)
	defer span.End()

	r.RunID = j.runID
	r.Seq = j.seq.Add(1)
	if r.At.IsZero() {
		r.At = time.Now()
	}
	data, err := encodeRecord(r)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("encode record: %w", err)
	}
	err = j.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(j.key(r.Seq), data)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("write record %d: %w", r.Seq, err)
	}
	span.SetAttributes(attribute.Int64("journal.seq", int64(r.Seq)))
	return nil
}

// Replay calls fn for every record of runID in sequence order.
func (j *JournalRecorder) Replay(ctx context.Context, runID string, fn func(Record) error) error {
	return j.scan(ctx, j.runPrefix(runID), fn)
}

// CoveredGoals returns the keys of every goal covered in any run stored in
// the database.
func (j *JournalRecorder) CoveredGoals(ctx context.Context) (map[string]bool, error) {
	covered := make(map[string]bool)
	err := j.scan(ctx, []byte(journalPrefix), func(r Record) error {
		if r.Covered {
			covered[r.GoalKey] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return covered, nil
}

func (j *JournalRecorder) scan(ctx context.Context, prefix []byte, fn func(Record) error) error {
	if j.closed.Load() {
		return ErrJournalClosed
	}
	return j.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var r Record
			err := item.Value(func(val []byte) error {
				var derr error
				r, derr = decodeRecord(val)
				return derr
			})
			if err != nil {
				return fmt.Errorf("record %s: %w", item.Key(), err)
			}
			if err := fn(r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close marks the journal closed. The database stays open.
func (j *JournalRecorder) Close() error {
	j.closed.Store(true)
	return nil
}

func encodeRecord(r Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 4))
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, err
	}
	data := buf.Bytes()
	binary.BigEndian.PutUint32(data[:4], crc32.ChecksumIEEE(data[4:]))
	return data, nil
}

func decodeRecord(data []byte) (Record, error) {
	var r Record
	if len(data) < 4 {
		return r, ErrJournalCorrupted
	}
	if binary.BigEndian.Uint32(data[:4]) != crc32.ChecksumIEEE(data[4:]) {
		return r, fmt.Errorf("%w: checksum mismatch", ErrJournalCorrupted)
	}
	if err := gob.NewDecoder(bytes.NewReader(data[4:])).Decode(&r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrJournalCorrupted, err)
	}
	return r, nil
}
