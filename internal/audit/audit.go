// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package audit records executed requests. Command text may embed
// credentials, so only fingerprints are persisted; output is kept only when
// capture is enabled, and then zstd-compressed.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zyotra/storagelayer/internal/faults"
	"github.com/zyotra/storagelayer/internal/model"
)

// Entry describes one finished request.
type Entry struct {
	RequestID  string
	MachineID  string
	CallerID   string
	Commands   []string
	Outcome    model.ExecutionOutcome
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Writer persists entries.
type Writer interface {
	Record(ctx context.Context, e Entry) error
}

// Sink is the store operation the StoreWriter needs.
type Sink interface {
	SaveExecution(ctx context.Context, rec model.ExecutionRecord) error
}

// StoreWriter writes entries to a Sink.
type StoreWriter struct {
	sink    Sink
	capture bool
}

// NewStoreWriter returns a Writer backed by sink. When captureOutput is
// set, stdout and stderr of every step are stored compressed.
func NewStoreWriter(sink Sink, captureOutput bool) *StoreWriter {
	return &StoreWriter{sink: sink, capture: captureOutput}
}

// Record converts e and saves it.
func (w *StoreWriter) Record(ctx context.Context, e Entry) error {
	rec := BuildRecord(e, w.capture)
	if err := w.sink.SaveExecution(ctx, rec); err != nil {
		return fmt.Errorf("save execution %s: %w", e.RequestID, err)
	}
	return nil
}

// BuildRecord maps an entry to its audit row.
func BuildRecord(e Entry, captureOutput bool) model.ExecutionRecord {
	rec := model.ExecutionRecord{
		RequestID:    e.RequestID,
		MachineID:    e.MachineID,
		CallerID:     e.CallerID,
		CommandCount: len(e.Commands),
		FailedIndex:  e.Outcome.FailedIndex,
		Success:      e.Err == nil && e.Outcome.Success,
		StartedAt:    e.StartedAt,
		FinishedAt:   e.FinishedAt,
	}
	if e.Err != nil {
		rec.ErrorKind = faults.KindOf(e.Err).String()
	}
	for i, r := range e.Outcome.Results {
		cmd := r.Command
		if cmd == "" && i < len(e.Commands) {
			cmd = e.Commands[i]
		}
		st := model.StepRecord{
			Index:       i,
			Fingerprint: faults.Fingerprint(cmd),
			ExitCode:    r.ExitCode,
			Duration:    r.Duration(),
		}
		if captureOutput {
			st.StdoutZst = Compress(r.Stdout)
			st.StderrZst = Compress(r.Stderr)
		}
		rec.Steps = append(rec.Steps, st)
	}
	return rec
}

type nopWriter struct{}

func (nopWriter) Record(context.Context, Entry) error { return nil }

// Nop discards entries.
var Nop Writer = nopWriter{}

// The encoder and decoder are safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("audit: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	if err != nil {
		panic("audit: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress returns s zstd-compressed, or nil when s is empty.
func Compress(s string) []byte {
	if s == "" {
		return nil
	}
	return encoder.EncodeAll([]byte(s), nil)
}

// Decompress reverses Compress. nil decodes to "".
func Decompress(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	out, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return "", fmt.Errorf("zstd decompress: %w", err)
	}
	return string(out), nil
}
