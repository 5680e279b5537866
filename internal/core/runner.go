// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	clog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/zyotra/storagelayer/internal/audit"
	"github.com/zyotra/storagelayer/internal/faults"
	"github.com/zyotra/storagelayer/internal/logging"
	"github.com/zyotra/storagelayer/internal/model"
	"github.com/zyotra/storagelayer/internal/recipe"
	"github.com/zyotra/storagelayer/internal/remote"
)

// auditTimeout bounds the best-effort audit write after a request.
const auditTimeout = 5 * time.Second

// ErrMisconfigured is returned by Run when a required dependency is nil.
var ErrMisconfigured = errors.New("runner is missing a dependency")

// Deps are the collaborators of a Runner. Audit and Logger are optional.
type Deps struct {
	Gate   Authorizer
	Vault  Decrypter
	Dialer Dialer
	Audit  audit.Writer
	// Port and User override the remote defaults for every target.
	Port   int
	User   string
	Logger *clog.Logger
}

// File is content placed on the machine before the commands run.
type File struct {
	Path    string
	Mode    os.FileMode
	Content []byte
}

// Request is one authorized execution.
type Request struct {
	// ID identifies the request in logs and the audit trail. A random one
	// is assigned when empty.
	ID        string
	MachineID string
	CallerID  string
	// Address is the address the caller believes the machine has. It must
	// match the stored record exactly.
	Address  string
	Files    []File
	Commands []string
	Observer remote.Observer
}

// RequestFromPlan builds a request running a rendered recipe.
func RequestFromPlan(machineID, callerID, address string, plan *recipe.Plan) Request {
	req := Request{MachineID: machineID, CallerID: callerID, Address: address}
	if plan == nil {
		return req
	}
	for _, f := range plan.Files {
		req.Files = append(req.Files, File{Path: f.Path, Mode: f.Mode, Content: f.Content})
	}
	req.Commands = append(req.Commands, plan.Commands...)
	return req
}

// Runner executes requests. It holds no per-request state and may serve
// concurrent Run calls; each gets its own session.
type Runner struct {
	deps Deps
	log  *clog.Logger
}

// NewRunner returns a Runner over deps.
func NewRunner(deps Deps) *Runner {
	if deps.Audit == nil {
		deps.Audit = audit.Nop
	}
	l := deps.Logger
	if l == nil {
		l = logging.L
	}
	return &Runner{deps: deps, log: l}
}

// Run authorizes req, opens a session with the machine's credential and
// runs the commands fail-fast. The outcome is returned alongside the error
// so callers can inspect partial results. Errors are *faults.Error values
// carrying the machine id.
//
// Nothing touches the vault or the network unless the gate authorizes the
// request, and nothing touches the network unless the credential decrypts.
func (r *Runner) Run(ctx context.Context, req Request) (model.ExecutionOutcome, error) {
	outcome := model.NewOutcome(len(req.Commands))
	if r == nil || r.deps.Gate == nil || r.deps.Vault == nil || r.deps.Dialer == nil {
		return outcome, ErrMisconfigured
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	log := r.log.With("request", req.ID, "machine", req.MachineID)

	verdict := r.deps.Gate.VerifyOwnership(ctx, req.MachineID, req.CallerID, req.Address)
	if !verdict.Authorized {
		log.Warn("request denied", "caller", req.CallerID, "reason", verdict.Reason)
		return outcome, verdict.Err(req.MachineID)
	}
	machine := verdict.Machine

	started := time.Now()
	outcome, err := r.execute(ctx, req, machine, log)
	r.record(ctx, req, outcome, err, started, log)

	if err != nil {
		log.Info("request failed", "kind", faults.KindOf(err), "results", len(outcome.Results))
	} else {
		log.Info("request finished", "commands", len(outcome.Results), "took", time.Since(started).Round(time.Millisecond))
	}
	return outcome, faults.WithMachine(err, machine.ID)
}

func (r *Runner) execute(ctx context.Context, req Request, machine *model.MachineRecord, log *clog.Logger) (model.ExecutionOutcome, error) {
	outcome := model.NewOutcome(len(req.Commands))

	password, err := r.deps.Vault.Decrypt(machine.EncryptedCredential)
	if err != nil {
		return outcome, faults.Classify(err, faults.KindDecryption)
	}
	defer password.Zero()

	target := remote.Target{Address: machine.Address, Port: r.deps.Port, User: r.deps.User}
	conn, err := r.deps.Dialer.Dial(ctx, target, password)
	password.Zero()
	if err != nil {
		return outcome, faults.Classify(err, faults.KindConnection)
	}
	defer conn.Close()
	log.Debug("session open", "commands", len(req.Commands), "files", len(req.Files))

	for _, f := range req.Files {
		if err := conn.Upload(ctx, f.Path, f.Content, f.Mode); err != nil {
			return outcome, faults.Classify(fmt.Errorf("upload %s: %w", f.Path, err), faults.KindStream)
		}
	}

	return remote.RunSequential(ctx, conn, req.Commands, req.Observer)
}

func (r *Runner) record(ctx context.Context, req Request, outcome model.ExecutionOutcome, err error, started time.Time, log *clog.Logger) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	entry := audit.Entry{
		RequestID:  req.ID,
		MachineID:  req.MachineID,
		CallerID:   req.CallerID,
		Commands:   req.Commands,
		Outcome:    outcome,
		Err:        err,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if aerr := r.deps.Audit.Record(actx, entry); aerr != nil {
		log.Warn("audit write failed", "err", aerr)
	}
}
