package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drover-io/drover/internal/credentials"
	"github.com/drover-io/drover/internal/db"
	"github.com/drover-io/drover/internal/metrics"
	"github.com/drover-io/drover/internal/remote"
	"github.com/drover-io/drover/internal/repositories"
	"github.com/drover-io/drover/internal/retry"
	"github.com/drover-io/drover/internal/serial"
)

// BranchExecutor runs the ordered actions of one job against one target and
// records one ActionResult per action. A fatal failure or an exhausted retry
// budget short-circuits the remaining actions of the branch; peer branches
// are unaffected.
type BranchExecutor struct {
	executions repositories.ExecutionRepository
	targets    repositories.TargetRepository
	resolver   *credentials.Resolver
	registry   *remote.Registry
	policy     retry.Policy
	metrics    *metrics.Engine
	log        *zap.Logger

	connectTimeout time.Duration
	commandTimeout time.Duration

	// sleep suspends between retries; tests swap it out to observe the
	// prescribed delays without waiting them.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBranchExecutor wires a branch executor from the orchestrator's
// configuration.
func NewBranchExecutor(cfg Config) *BranchExecutor {
	return &BranchExecutor{
		executions:     cfg.Executions,
		targets:        cfg.Targets,
		resolver:       cfg.Resolver,
		registry:       cfg.Registry,
		policy:         cfg.RetryPolicy,
		metrics:        cfg.Metrics,
		log:            cfg.Logger.Named("branch"),
		connectTimeout: cfg.ConnectionTimeout,
		commandTimeout: cfg.CommandTimeout,
		sleep:          sleepCtx,
	}
}

// Run executes the branch to a terminal state and returns it. Transport work
// observes ctx for cancellation; persistence uses a detached context so the
// terminal records are written even after cancel.
func (e *BranchExecutor) Run(ctx context.Context, job *db.Job, branch *db.Branch, logs *logBuffer) string {
	persist := context.WithoutCancel(ctx)

	started := time.Now().UTC()
	branch.Status = db.ExecutionStatusRunning
	branch.StartedAt = &started
	if err := e.executions.UpdateBranch(persist, branch); err != nil {
		e.log.Error("branch start not persisted", zap.String("branch_serial", branch.Serial), zap.Error(err))
	}
	logs.Infof("branch %s started against target %s", branch.BranchID, branch.TargetSerialRef)

	status := e.run(ctx, persist, job, branch, logs)

	completed := time.Now().UTC()
	branch.Status = status
	branch.CompletedAt = &completed
	if err := e.executions.UpdateBranch(persist, branch); err != nil {
		e.log.Error("branch result not persisted", zap.String("branch_serial", branch.Serial), zap.Error(err))
	}
	e.metrics.ObserveBranch(status)
	logs.Infof("branch %s finished with status %s", branch.BranchID, status)
	return status
}

// run holds the branch algorithm: select a communication method, resolve
// credentials, then walk the actions in order under the retry policy. It
// fills the branch result fields and returns the terminal status.
func (e *BranchExecutor) run(ctx, persist context.Context, job *db.Job, branch *db.Branch, logs *logBuffer) string {
	target, err := e.targets.GetWithMethods(persist, branch.TargetID)
	if err != nil {
		branch.ResultError = fmt.Sprintf("target %s unavailable: %v", branch.TargetSerialRef, err)
		logs.Errorf("branch %s: %s", branch.BranchID, branch.ResultError)
		return db.ExecutionStatusFailed
	}

	method := selectMethod(target.CommunicationMethods)
	if method == nil {
		branch.ResultError = "no communication method"
		logs.Errorf("branch %s: target %s has no active communication method", branch.BranchID, target.Serial)
		return db.ExecutionStatusFailed
	}

	cred, err := e.resolver.Resolve(method)
	if err != nil {
		// The transport is never invoked; the first action carries the
		// failure so the record explains where the branch stopped.
		msg := fmt.Sprintf("authentication failed: %v", err)
		branch.ResultError = msg
		if len(job.Actions) > 0 {
			e.recordUnstarted(persist, branch, &job.Actions[0], msg)
		}
		logs.Errorf("branch %s: %s", branch.BranchID, msg)
		return db.ExecutionStatusFailed
	}

	sess := &sessionState{
		registry:       e.registry,
		method:         method,
		cred:           cred,
		target:         target.Name,
		connectTimeout: e.connectTimeout,
	}
	defer sess.close()

	completedActions := 0
	for i := range job.Actions {
		action := &job.Actions[i]

		if ctx.Err() != nil {
			// Cancelled between actions: the next action never starts and
			// gets no record.
			branch.ResultError = "execution cancelled"
			logs.Warnf("branch %s cancelled before action %d", branch.BranchID, action.ActionOrder)
			return db.ExecutionStatusCancelled
		}

		spec, ok := action.Command()
		if !ok {
			msg := fmt.Sprintf("action %d (%s) carries no runnable command", action.ActionOrder, action.ActionName)
			branch.ResultError = msg
			e.recordUnstarted(persist, branch, action, msg)
			logs.Errorf("branch %s: %s", branch.BranchID, msg)
			return db.ExecutionStatusFailed
		}

		outcome := e.runAction(ctx, persist, branch, action, spec, sess, logs)
		if outcome.cancelled {
			branch.ResultError = "execution cancelled"
			return db.ExecutionStatusCancelled
		}
		if outcome.status == db.ActionStatusFailed {
			branch.ResultError = outcome.errText
			branch.ExitCode = outcome.exitCode
			logs.Errorf("branch %s: action %d failed: %s", branch.BranchID, action.ActionOrder, outcome.errText)
			return db.ExecutionStatusFailed
		}
		completedActions++
	}

	branch.ResultOutput = fmt.Sprintf("Executed %d actions", completedActions)
	zero := 0
	branch.ExitCode = &zero
	return db.ExecutionStatusCompleted
}

// actionOutcome is the terminal state of one action's attempt group.
type actionOutcome struct {
	status    string
	cancelled bool
	errText   string
	exitCode  *int
}

// runAction drives the attempt loop for one action: create the running
// ActionResult, attempt the command, classify failures, back off between
// retriable attempts, and finalise the row with the last attempt's outputs.
func (e *BranchExecutor) runAction(ctx, persist context.Context, branch *db.Branch, action *db.Action, spec db.CommandSpec, sess *sessionState, logs *logBuffer) actionOutcome {
	started := time.Now().UTC()
	ar := &db.ActionResult{
		Serial:          serial.FormatActionResult(branch.Serial, action.ActionOrder),
		BranchID:        branch.ID,
		ActionID:        action.ID,
		ActionOrder:     action.ActionOrder,
		ActionName:      action.ActionName,
		ActionType:      action.ActionType,
		Status:          db.ActionStatusRunning,
		StartedAt:       &started,
		CommandExecuted: spec.Command,
	}
	if err := e.executions.CreateActionResult(persist, ar); err != nil {
		msg := fmt.Sprintf("action result not recorded: %v", err)
		e.log.Error("action result insert failed", zap.String("serial", ar.Serial), zap.Error(err))
		return actionOutcome{status: db.ActionStatusFailed, errText: msg}
	}

	retriesUsed := 0
	for {
		res, err := e.attempt(ctx, sess, spec.Command)
		if err != nil && ctx.Err() != nil {
			e.finalize(persist, ar, started, db.ActionStatusFailed, res, "cancelled", spec.CaptureOutput)
			return actionOutcome{status: db.ActionStatusFailed, cancelled: true}
		}

		switch e.policy.Classify(res, err) {
		case retry.Success:
			e.finalize(persist, ar, started, db.ActionStatusCompleted, res, "", spec.CaptureOutput)
			return actionOutcome{status: db.ActionStatusCompleted}

		case retry.FatalFailure:
			msg := failureText(res, err)
			e.finalize(persist, ar, started, db.ActionStatusFailed, res, msg, spec.CaptureOutput)
			return actionOutcome{status: db.ActionStatusFailed, errText: msg, exitCode: ar.ExitCode}

		case retry.RetriableFailure:
			if e.policy.Exhausted(retriesUsed) {
				exhausted := &retry.ExhaustedError{Attempts: retriesUsed + 1, LastErr: err}
				e.finalize(persist, ar, started, db.ActionStatusFailed, res, exhausted.Error(), spec.CaptureOutput)
				return actionOutcome{status: db.ActionStatusFailed, errText: exhausted.Error(), exitCode: ar.ExitCode}
			}
			delay := e.policy.Delay(retriesUsed)
			retriesUsed++
			e.metrics.RetriesTotal.Inc()
			logs.Warnf("branch %s action %d attempt %d failed (%v), retrying in %s",
				branch.BranchID, action.ActionOrder, retriesUsed, err, delay)
			if serr := e.sleep(ctx, delay); serr != nil {
				e.finalize(persist, ar, started, db.ActionStatusFailed, res, "cancelled", spec.CaptureOutput)
				return actionOutcome{status: db.ActionStatusFailed, cancelled: true}
			}
		}
	}
}

// attempt ensures a live session and runs the command once. A
// connection-kind failure drops the session so the next attempt redials.
func (e *BranchExecutor) attempt(ctx context.Context, sess *sessionState, command string) (*remote.Result, error) {
	s, err := sess.ensure(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.Run(ctx, command, e.commandTimeout)
	if err != nil {
		var terr *remote.TransportError
		if errors.As(err, &terr) && terr.Kind == remote.KindConnection {
			sess.reset()
		}
		return nil, err
	}
	return res, nil
}

// finalize stamps the terminal fields on the ActionResult and persists it.
// result_output is gated by the action's captureOutput flag; result_error is
// recorded unconditionally.
func (e *BranchExecutor) finalize(persist context.Context, ar *db.ActionResult, started time.Time, status string, res *remote.Result, errText string, capture bool) {
	completed := time.Now().UTC()
	ar.Status = status
	ar.CompletedAt = &completed
	ar.ExecutionTimeMs = completed.Sub(started).Milliseconds()
	ar.ResultError = errText
	if res != nil {
		code := res.ExitCode
		ar.ExitCode = &code
		if capture {
			out := res.Stdout
			ar.ResultOutput = &out
		}
	}
	if err := e.executions.UpdateActionResult(persist, ar); err != nil {
		e.log.Error("action result not persisted", zap.String("serial", ar.Serial), zap.Error(err))
	}
	e.metrics.ObserveAction(status, completed.Sub(started))
}

// recordUnstarted writes a terminal failed ActionResult for an action whose
// command never reached the transport (credential failure, malformed
// action). The row keeps the would-be command for forensics.
func (e *BranchExecutor) recordUnstarted(persist context.Context, branch *db.Branch, action *db.Action, msg string) {
	now := time.Now().UTC()
	spec, _ := action.Command()
	ar := &db.ActionResult{
		Serial:          serial.FormatActionResult(branch.Serial, action.ActionOrder),
		BranchID:        branch.ID,
		ActionID:        action.ID,
		ActionOrder:     action.ActionOrder,
		ActionName:      action.ActionName,
		ActionType:      action.ActionType,
		Status:          db.ActionStatusFailed,
		StartedAt:       &now,
		CompletedAt:     &now,
		ResultError:     msg,
		CommandExecuted: spec.Command,
	}
	if err := e.executions.CreateActionResult(persist, ar); err != nil {
		e.log.Error("action result insert failed", zap.String("serial", ar.Serial), zap.Error(err))
		return
	}
	e.metrics.ObserveAction(db.ActionStatusFailed, 0)
}

// failureText shapes the error recorded on a failed ActionResult. Command
// failures prefer the remote stderr; transport failures carry the classified
// error text.
func failureText(res *remote.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if res == nil {
		return "command produced no result"
	}
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("command exited with code %d", res.ExitCode)
}

// selectMethod picks the communication method per the branch contract: the
// first active primary wins, then the first active. Methods arrive in
// priority order from the repository.
func selectMethod(methods []db.CommunicationMethod) *db.CommunicationMethod {
	for i := range methods {
		if methods[i].IsPrimary && methods[i].IsActive {
			return &methods[i]
		}
	}
	for i := range methods {
		if methods[i].IsActive {
			return &methods[i]
		}
	}
	return nil
}

// sessionState lazily holds the branch's transport session. Sessions are
// per-branch and never shared; a reset forces the next attempt to redial.
type sessionState struct {
	registry       *remote.Registry
	method         *db.CommunicationMethod
	cred           *credentials.Resolved
	target         string
	connectTimeout time.Duration
	sess           remote.Session
}

func (s *sessionState) ensure(ctx context.Context) (remote.Session, error) {
	if s.sess != nil {
		return s.sess, nil
	}
	connector, err := s.registry.Lookup(s.method.MethodType)
	if err != nil {
		return nil, err
	}
	cfg, err := s.method.Endpoint()
	if err != nil {
		return nil, &remote.TransportError{Kind: remote.KindConfig, Op: "connect",
			Err: fmt.Errorf("malformed endpoint config: %w", err)}
	}
	sess, err := connector.Connect(ctx, remote.Endpoint{Host: cfg.Host, Port: cfg.Port, Target: s.target}, s.cred, s.connectTimeout)
	if err != nil {
		return nil, err
	}
	s.sess = sess
	return sess, nil
}

func (s *sessionState) reset() {
	if s.sess != nil {
		_ = s.sess.Close()
		s.sess = nil
	}
}

func (s *sessionState) close() { s.reset() }

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
