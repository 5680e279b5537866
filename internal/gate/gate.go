// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package gate verifies that a caller owns the machine it wants to act on.
// No credential is decrypted and no session is opened until VerifyOwnership
// has returned an authorized verdict.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/zyotra/storagelayer/internal/faults"
	"github.com/zyotra/storagelayer/internal/logging"
	"github.com/zyotra/storagelayer/internal/model"
)

// ErrNotFound is returned by a MachineLookup when no record exists.
var ErrNotFound = model.ErrMachineNotFound

// MachineLookup reads machine records from the metadata store.
type MachineLookup interface {
	LookupMachine(ctx context.Context, id string) (*model.MachineRecord, error)
}

// LookupFunc adapts a function to MachineLookup.
type LookupFunc func(ctx context.Context, id string) (*model.MachineRecord, error)

func (f LookupFunc) LookupMachine(ctx context.Context, id string) (*model.MachineRecord, error) {
	return f(ctx, id)
}

// Reason explains a verdict.
type Reason int

const (
	ReasonAuthorized Reason = iota
	ReasonInvalidInput
	ReasonNotFound
	ReasonLookupFailed
	ReasonAmbiguous
	ReasonOwnerMismatch
	ReasonAddressMismatch
)

func (r Reason) String() string {
	switch r {
	case ReasonAuthorized:
		return "authorized"
	case ReasonInvalidInput:
		return "invalid input"
	case ReasonNotFound:
		return "machine not found"
	case ReasonLookupFailed:
		return "machine lookup failed"
	case ReasonAmbiguous:
		return "ambiguous machine record"
	case ReasonOwnerMismatch:
		return "caller does not own the machine"
	case ReasonAddressMismatch:
		return "claimed address does not match the machine"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Verdict is the result of an ownership check. Machine is non-nil only when
// Authorized is true.
type Verdict struct {
	Authorized bool
	Machine    *model.MachineRecord
	Reason     Reason
}

// Err converts a denial into a classified authorization error; it returns
// nil for an authorized verdict.
func (v Verdict) Err(machineID string) error {
	if v.Authorized {
		return nil
	}
	e := faults.New(faults.KindAuthorization, errors.New(v.Reason.String()))
	e.MachineID = machineID
	return e
}

// Gate performs ownership checks against a MachineLookup.
type Gate struct {
	lookup MachineLookup
}

// New returns a Gate reading from lookup.
func New(lookup MachineLookup) *Gate {
	return &Gate{lookup: lookup}
}

// VerifyOwnership authorizes callerID to act on machineID at claimedAddress.
// The record must exist, be owned by callerID and carry exactly
// claimedAddress; each check is independent. Any lookup error or
// inconsistent result denies.
func (g *Gate) VerifyOwnership(ctx context.Context, machineID, callerID, claimedAddress string) Verdict {
	if g == nil || g.lookup == nil {
		return deny(ReasonLookupFailed)
	}
	if machineID == "" || callerID == "" || claimedAddress == "" {
		return deny(ReasonInvalidInput)
	}

	m, err := g.lookup.LookupMachine(ctx, machineID)
	switch {
	case errors.Is(err, ErrNotFound):
		return deny(ReasonNotFound)
	case err != nil:
		logging.Warnf("gate: lookup of machine %s failed: %v", machineID, err)
		return deny(ReasonLookupFailed)
	case m == nil:
		return deny(ReasonNotFound)
	case m.ID != machineID:
		return deny(ReasonAmbiguous)
	}

	if m.OwnerID != callerID {
		return deny(ReasonOwnerMismatch)
	}
	if m.Address != claimedAddress {
		return deny(ReasonAddressMismatch)
	}
	rec := *m
	return Verdict{Authorized: true, Machine: &rec, Reason: ReasonAuthorized}
}

func deny(r Reason) Verdict {
	return Verdict{Reason: r}
}
