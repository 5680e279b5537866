// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"strconv"
	"time"

	"github.com/uptrace/bun"
	"github.com/zyotra/storagelayer/internal/model"
)

// MachineModel maps vps_machines. Column names follow the provisioning
// service that owns the table.
type MachineModel struct {
	bun.BaseModel `bun:"table:vps_machines"`
	ID            int64     `bun:"id,pk,autoincrement"`
	OwnerID       string    `bun:"ownerId"`
	Address       string    `bun:"vps_ip"`
	Password      string    `bun:"vps_password"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// KnownHostModel maps known_hosts.
type KnownHostModel struct {
	bun.BaseModel `bun:"table:known_hosts"`
	Hostname      string `bun:"hostname,pk"`
	Key           string `bun:"host_key"`
}

// ExecutionModel maps execution_log.
type ExecutionModel struct {
	bun.BaseModel `bun:"table:execution_log"`
	ID            int64     `bun:"id,pk,autoincrement"`
	RequestID     string    `bun:"request_id"`
	MachineID     string    `bun:"machine_id"`
	CallerID      string    `bun:"caller_id"`
	CommandCount  int       `bun:"command_count"`
	FailedIndex   int       `bun:"failed_index"`
	Success       bool      `bun:"success"`
	ErrorKind     string    `bun:"error_kind"`
	StartedAt     time.Time `bun:"started_at"`
	FinishedAt    time.Time `bun:"finished_at"`
}

// StepModel maps execution_steps.
type StepModel struct {
	bun.BaseModel `bun:"table:execution_steps"`
	ID            int64  `bun:"id,pk,autoincrement"`
	RequestID     string `bun:"request_id"`
	Index         int    `bun:"idx"`
	Fingerprint   string `bun:"fingerprint"`
	ExitCode      int    `bun:"exit_code"`
	DurationMS    int64  `bun:"duration_ms"`
	StdoutZst     []byte `bun:"stdout_zst"`
	StderrZst     []byte `bun:"stderr_zst"`
}

func machineModelToModel(m MachineModel) model.MachineRecord {
	return model.MachineRecord{
		ID:                  strconv.FormatInt(m.ID, 10),
		OwnerID:             m.OwnerID,
		Address:             m.Address,
		EncryptedCredential: m.Password,
	}
}

func executionToModel(e ExecutionModel) model.ExecutionRecord {
	return model.ExecutionRecord{
		RequestID:    e.RequestID,
		MachineID:    e.MachineID,
		CallerID:     e.CallerID,
		CommandCount: e.CommandCount,
		FailedIndex:  e.FailedIndex,
		Success:      e.Success,
		ErrorKind:    e.ErrorKind,
		StartedAt:    e.StartedAt,
		FinishedAt:   e.FinishedAt,
	}
}

func stepToModel(s StepModel) model.StepRecord {
	return model.StepRecord{
		Index:       s.Index,
		Fingerprint: s.Fingerprint,
		ExitCode:    s.ExitCode,
		Duration:    time.Duration(s.DurationMS) * time.Millisecond,
		StdoutZst:   s.StdoutZst,
		StderrZst:   s.StderrZst,
	}
}
