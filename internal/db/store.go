// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/uptrace/bun"
	"github.com/zyotra/storagelayer/internal/model"
)

// Store defines every database operation the service performs.
type Store interface {
	// Machine methods
	LookupMachine(ctx context.Context, id string) (*model.MachineRecord, error)
	AddMachine(ctx context.Context, ownerID, address, encryptedCredential string) (string, error)
	ListMachines(ctx context.Context, ownerID string) ([]model.MachineRecord, error)

	// Host Key methods
	GetKnownHostKey(ctx context.Context, hostname string) (string, error)
	AddKnownHostKey(ctx context.Context, hostname, key string) error

	// Execution audit methods
	SaveExecution(ctx context.Context, rec model.ExecutionRecord) error
	ListExecutions(ctx context.Context, machineID string, limit int) ([]model.ExecutionRecord, error)

	Close() error
}

// BunStore implements Store on any Bun dialect.
type BunStore struct {
	bun    *bun.DB
	dbType string
}

var _ Store = (*BunStore)(nil)

// New opens a store for dbType and dsn.
func New(dbType, dsn string) (*BunStore, error) {
	return NewStoreFromDSN(dbType, dsn)
}

// BunDB exposes the underlying handle for maintenance tooling.
func (s *BunStore) BunDB() *bun.DB { return s.bun }

// Close releases the connection pool.
func (s *BunStore) Close() error {
	if s == nil || s.bun == nil {
		return nil
	}
	return s.bun.Close()
}

// LookupMachine returns the machine with the given id. Ids that cannot name
// a row are reported as ErrNotFound.
func (s *BunStore) LookupMachine(ctx context.Context, id string) (*model.MachineRecord, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || n <= 0 {
		return nil, ErrNotFound
	}
	var m MachineModel
	if err := s.bun.NewSelect().Model(&m).Where("id = ?", n).Limit(1).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup machine %s: %w", id, MapDBError(err))
	}
	rec := machineModelToModel(m)
	return &rec, nil
}

// AddMachine inserts a machine and returns its id.
func (s *BunStore) AddMachine(ctx context.Context, ownerID, address, encryptedCredential string) (string, error) {
	if ownerID == "" || address == "" || encryptedCredential == "" {
		return "", errors.New("owner, address and credential are required")
	}
	m := &MachineModel{OwnerID: ownerID, Address: address, Password: encryptedCredential}
	if _, err := s.bun.NewInsert().Model(m).Exec(ctx); err != nil {
		return "", MapDBError(err)
	}
	if m.ID == 0 {
		// Drivers without RETURNING support: read the row back.
		if err := s.bun.NewSelect().Model((*MachineModel)(nil)).
			ColumnExpr("MAX(id)").
			Where("? = ? AND vps_ip = ?", bun.Ident("ownerId"), ownerID, address).
			Scan(ctx, &m.ID); err != nil {
			return "", err
		}
	}
	return strconv.FormatInt(m.ID, 10), nil
}

// ListMachines returns machines ordered by id; an empty ownerID lists all.
func (s *BunStore) ListMachines(ctx context.Context, ownerID string) ([]model.MachineRecord, error) {
	var ms []MachineModel
	q := s.bun.NewSelect().Model(&ms).OrderExpr("id ASC")
	if ownerID != "" {
		q = q.Where("? = ?", bun.Ident("ownerId"), ownerID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.MachineRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, machineModelToModel(m))
	}
	return out, nil
}

// GetKnownHostKey returns the trusted key line for hostname, or "" when the
// host is unknown.
func (s *BunStore) GetKnownHostKey(ctx context.Context, hostname string) (string, error) {
	var kh KnownHostModel
	err := s.bun.NewSelect().Model(&kh).Where("hostname = ?", hostname).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return kh.Key, nil
}

// AddKnownHostKey stores or replaces the trusted key for hostname.
func (s *BunStore) AddKnownHostKey(ctx context.Context, hostname, key string) error {
	q := s.bun.NewInsert().Model(&KnownHostModel{Hostname: hostname, Key: key})
	if s.dbType == TypeMySQL {
		q = q.On("DUPLICATE KEY UPDATE").Set("host_key = VALUES(host_key)")
	} else {
		q = q.On("CONFLICT (hostname) DO UPDATE").Set("host_key = EXCLUDED.host_key")
	}
	_, err := q.Exec(ctx)
	return err
}

// SaveExecution writes an execution and its steps atomically.
func (s *BunStore) SaveExecution(ctx context.Context, rec model.ExecutionRecord) error {
	return s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		e := &ExecutionModel{
			RequestID:    rec.RequestID,
			MachineID:    rec.MachineID,
			CallerID:     rec.CallerID,
			CommandCount: rec.CommandCount,
			FailedIndex:  rec.FailedIndex,
			Success:      rec.Success,
			ErrorKind:    rec.ErrorKind,
			StartedAt:    rec.StartedAt.UTC(),
			FinishedAt:   rec.FinishedAt.UTC(),
		}
		if _, err := tx.NewInsert().Model(e).Exec(ctx); err != nil {
			return fmt.Errorf("insert execution: %w", MapDBError(err))
		}
		if len(rec.Steps) == 0 {
			return nil
		}
		steps := make([]StepModel, 0, len(rec.Steps))
		for _, st := range rec.Steps {
			steps = append(steps, StepModel{
				RequestID:   rec.RequestID,
				Index:       st.Index,
				Fingerprint: st.Fingerprint,
				ExitCode:    st.ExitCode,
				DurationMS:  st.Duration.Milliseconds(),
				StdoutZst:   st.StdoutZst,
				StderrZst:   st.StderrZst,
			})
		}
		if _, err := tx.NewInsert().Model(&steps).Exec(ctx); err != nil {
			return fmt.Errorf("insert execution steps: %w", err)
		}
		return nil
	})
}

// ListExecutions returns the most recent executions, newest first, with
// their steps. An empty machineID lists every machine; limit <= 0 means 50.
func (s *BunStore) ListExecutions(ctx context.Context, machineID string, limit int) ([]model.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var es []ExecutionModel
	q := s.bun.NewSelect().Model(&es).OrderExpr("started_at DESC, id DESC").Limit(limit)
	if machineID != "" {
		q = q.Where("machine_id = ?", machineID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	if len(es) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(es))
	for _, e := range es {
		ids = append(ids, e.RequestID)
	}
	var steps []StepModel
	if err := s.bun.NewSelect().Model(&steps).
		Where("request_id IN (?)", bun.In(ids)).
		OrderExpr("request_id, idx").
		Scan(ctx); err != nil {
		return nil, err
	}
	byRequest := make(map[string][]model.StepRecord, len(es))
	for _, st := range steps {
		byRequest[st.RequestID] = append(byRequest[st.RequestID], stepToModel(st))
	}

	out := make([]model.ExecutionRecord, 0, len(es))
	for _, e := range es {
		r := executionToModel(e)
		r.Steps = byRequest[e.RequestID]
		out = append(out, r)
	}
	return out, nil
}
