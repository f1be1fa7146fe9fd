// Package reconcile turns finalized scan sessions into consistent,
// durable loan and transaction state, and instructs the hardware what
// to do with each item. Inbound device events fan in through one
// sequential worker per device, so scans from one box are never
// reordered while unrelated boxes proceed concurrently.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/goyaoxiang/lib-return-backend/internal/catalog"
	"github.com/goyaoxiang/lib-return-backend/internal/fines"
	"github.com/goyaoxiang/lib-return-backend/internal/gateway"
	"github.com/goyaoxiang/lib-return-backend/internal/identity"
	"github.com/goyaoxiang/lib-return-backend/internal/ledger"
	"github.com/goyaoxiang/lib-return-backend/internal/sessions"
)

// LoanFinder is the slice of the loan ledger the engine reads.
type LoanFinder interface {
	FindOpenLoanByCopy(ctx context.Context, copyID int64) (*ledger.Loan, error)
}

// Config wires the engine's collaborators.
type Config struct {
	Catalog    catalog.Lookup
	Loans      LoanFinder
	Committer  Committer
	Calculator fines.Calculator
	Resolver   identity.Resolver // optional
	Instructor gateway.Instructor
	Logger     *zap.Logger

	// QueueSize bounds each device's event queue.
	QueueSize int
	// MaxTries and MaxElapsed bound transient-failure retries per
	// lookup before the tag surfaces as transient_error.
	MaxTries   int
	MaxElapsed time.Duration
}

// Engine drives the per-tag state machine: Resolve, MatchLoan,
// ComputeFine, Commit, Ack.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	breaker *gobreaker.CircuitBreaker
	tracker *sessions.Tracker

	mu      sync.Mutex
	workers map[string]chan workerEvent
	stopped bool
	sending sync.WaitGroup
	wg      sync.WaitGroup
}

type workerEvent struct {
	scan   *gateway.ScanEvent
	signal *gateway.SessionSignal
	sess   *sessions.Session
}

// New creates an engine. AttachTracker must be called before any
// device event arrives.
func New(cfg Config) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 3
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 2 * time.Second
	}
	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("lib-return-backend/reconcile"),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "catalog-lookup",
			Timeout: 10 * time.Second,
			// An unknown tag is a valid lookup answer, not a catalog
			// failure; only infrastructure errors feed the breaker.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, catalog.ErrNotFound)
			},
		}),
		workers: make(map[string]chan workerEvent),
	}
}

// AttachTracker binds the session tracker whose finalize callback is
// this engine's FinalizeSession.
func (e *Engine) AttachTracker(t *sessions.Tracker) {
	e.tracker = t
}

// HandleScan enqueues one tag read onto its device's worker.
func (e *Engine) HandleScan(ev gateway.ScanEvent) {
	e.dispatch(ev.DeviceID, workerEvent{scan: &ev})
}

// HandleSessionSignal enqueues a done/cancel signal.
func (e *Engine) HandleSessionSignal(sig gateway.SessionSignal) {
	e.dispatch(sig.DeviceID, workerEvent{signal: &sig})
}

// HandleInventory records a door-close inventory report. It never
// touches the ledger.
func (e *Engine) HandleInventory(rep gateway.InventoryReport) {
	e.logger.Info("inventory report",
		zap.String("device_id", rep.DeviceID),
		zap.Int("tags", len(rep.Tags)),
	)
}

// FinalizeSession receives timed-out sessions from the tracker's timer
// goroutines and hands them to the owning device worker, keeping
// reconciliation ordered with that device's later scans. Explicitly
// closed sessions never pass through here; the worker reconciles them
// inline.
func (e *Engine) FinalizeSession(sess *sessions.Session) {
	e.dispatch(sess.DeviceID, workerEvent{sess: sess})
}

// Stop drains no further events and waits for in-flight work.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	// In-flight dispatches hold a send permit taken under the lock;
	// workers keep draining until every permit is released, so no send
	// can race the close below.
	e.sending.Wait()

	e.mu.Lock()
	for _, ch := range e.workers {
		close(ch)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) dispatch(deviceID string, ev workerEvent) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	ch, ok := e.workers[deviceID]
	if !ok {
		ch = make(chan workerEvent, e.cfg.QueueSize)
		e.workers[deviceID] = ch
		e.wg.Add(1)
		go e.runWorker(deviceID, ch)
	}
	e.sending.Add(1)
	e.mu.Unlock()
	defer e.sending.Done()

	// Blocking send: a full queue applies backpressure to the
	// transport rather than dropping events.
	ch <- ev
}

func (e *Engine) runWorker(deviceID string, ch chan workerEvent) {
	defer e.wg.Done()
	for ev := range ch {
		switch {
		case ev.scan != nil:
			tags := e.tracker.OnScan(deviceID, ev.scan.Tag, ev.scan.Token, ev.scan.At)
			e.logger.Debug("scan accumulated",
				zap.String("device_id", deviceID),
				zap.String("tag", ev.scan.Tag),
				zap.Int("session_tags", len(tags)),
			)
		case ev.signal != nil:
			switch ev.signal.Action {
			case gateway.ActionDone:
				// Inline reconciliation keeps this session's device
				// instructions ahead of anything enqueued later.
				if sess := e.tracker.Close(deviceID, ev.signal.Token, ev.signal.At); sess != nil {
					e.finalize(sess)
				}
			case gateway.ActionCancel:
				e.tracker.Cancel(deviceID)
			}
		case ev.sess != nil:
			e.finalize(ev.sess)
		}
	}
}

func (e *Engine) finalize(sess *sessions.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var userID *int64
	if sess.Token != "" && e.cfg.Resolver != nil {
		uid, err := e.cfg.Resolver.CurrentUser(ctx, sess.Token)
		if err != nil {
			e.logger.Warn("session token rejected",
				zap.String("device_id", sess.DeviceID),
				zap.Error(err),
			)
		} else {
			userID = &uid
		}
	}

	result := e.ReconcileSession(ctx, sess, userID)

	for _, r := range result.Results {
		instr := gateway.ItemResult{
			TagID:      r.Tag,
			Decision:   r.Outcome.Decision(),
			ReasonCode: r.Outcome.ReasonCode(),
		}
		if err := e.cfg.Instructor.SendItemResult(ctx, sess.DeviceID, instr); err != nil {
			e.logger.Error("item result not delivered",
				zap.String("device_id", sess.DeviceID),
				zap.String("tag", r.Tag),
				zap.Error(err),
			)
		}
	}
	if result.ReturnID != 0 {
		summary := gateway.SessionSummary{
			DeviceID:      sess.DeviceID,
			TransactionID: result.ReturnID,
			ItemCount:     result.ItemCount,
			TotalFine:     result.TotalFine.StringFixed(2),
		}
		if err := e.cfg.Instructor.SendSessionSummary(ctx, summary); err != nil {
			e.logger.Error("session summary not delivered",
				zap.String("device_id", sess.DeviceID),
				zap.Error(err),
			)
		}
	}
}

// ReconcileSession runs the state machine for every tag in a closed
// session. One tag's failure never aborts its siblings. The return
// transaction is created with the first successful commit, so sessions
// whose tags all reject leave no transaction behind.
func (e *Engine) ReconcileSession(ctx context.Context, sess *sessions.Session, userID *int64) *SessionResult {
	ctx, span := e.tracer.Start(ctx, "reconcile.session",
		trace.WithAttributes(
			attribute.String("device.id", sess.DeviceID),
			attribute.String("session.id", sess.ID.String()),
			attribute.Int("session.tags", len(sess.Tags)),
		),
	)
	defer span.End()

	var boxID *int64
	if id, err := gateway.BoxID(sess.DeviceID); err == nil {
		boxID = &id
	}

	result := &SessionResult{DeviceID: sess.DeviceID, TotalFine: decimal.Zero}
	var returnID int64
	var committed int

	for _, tag := range sess.Tags {
		r := e.reconcileTag(ctx, sess, tag, &returnID, &committed, &userID, boxID)
		result.Results = append(result.Results, r)
		if r.Outcome == OutcomeAccepted {
			result.ItemCount++
			result.TotalFine = result.TotalFine.Add(r.Fine)
		}
	}
	result.ReturnID = returnID

	if returnID != 0 {
		err := e.cfg.Committer.FinalizeReturn(ctx, FinalizeRequest{
			SessionID: sess.ID,
			Version:   committed,
			ReturnID:  returnID,
			DeviceID:  sess.DeviceID,
			ItemCount: result.ItemCount,
			TotalFine: result.TotalFine,
			ClosedAt:  sess.ClosedAt,
		})
		if err != nil {
			// Items and loans are already durable; only the total and
			// the journal tail are missing. Operational attention
			// needed, but the devices were told the truth.
			e.logger.Error("return finalize failed",
				zap.Int64("return_id", returnID),
				zap.Error(err),
			)
		}
	}

	span.SetAttributes(
		attribute.Int64("return.id", returnID),
		attribute.Int("items.committed", result.ItemCount),
	)
	e.logger.Info("session reconciled",
		zap.String("device_id", sess.DeviceID),
		zap.Int64("return_id", returnID),
		zap.Int("tags", len(sess.Tags)),
		zap.Int("accepted", result.ItemCount),
		zap.String("total_fine", result.TotalFine.StringFixed(2)),
	)
	return result
}

func (e *Engine) reconcileTag(ctx context.Context, sess *sessions.Session, tag string, returnID *int64, committed *int, userID **int64, boxID *int64) TagResult {
	ctx, span := e.tracer.Start(ctx, "reconcile.tag",
		trace.WithAttributes(attribute.String("copy.epc", tag)),
	)
	defer span.End()

	result := TagResult{Tag: tag, Fine: decimal.Zero}

	// Resolve.
	copy, err := e.lookupCopy(ctx, tag)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		result.Outcome = OutcomeUnknownTag
		span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
		return result
	case err != nil:
		e.logger.Warn("catalog lookup failed",
			zap.String("tag", tag),
			zap.Error(err),
		)
		result.Outcome = OutcomeTransientError
		return result
	}

	// MatchLoan.
	loan, err := e.lookupLoan(ctx, copy.ID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		result.Outcome = OutcomeNoActiveLoan
		span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
		return result
	case err != nil:
		e.logger.Warn("loan lookup failed",
			zap.String("tag", tag),
			zap.Int64("copy_id", copy.ID),
			zap.Error(err),
		)
		result.Outcome = OutcomeTransientError
		return result
	}

	// ComputeFine against the session close time.
	fine := e.cfg.Calculator.Fine(loan.DueDate, sess.ClosedAt)

	// A box session without a token is attributed to the borrower of
	// the first matched loan.
	if *userID == nil {
		uid := loan.UserID
		*userID = &uid
	}

	// Commit: loan closure, item insert and journal entry become
	// visible together or not at all.
	newReturnID, err := e.cfg.Committer.CommitItem(ctx, CommitRequest{
		SessionID: sess.ID,
		Seq:       *committed,
		ReturnID:  *returnID,
		UserID:    *userID,
		BoxID:     boxID,
		Copy:      copy,
		LoanID:    loan.ID,
		Fine:      fine,
		At:        sess.ClosedAt,
	})
	switch {
	case errors.Is(err, ledger.ErrAlreadyClosed):
		result.Outcome = OutcomeAlreadyClosed
		span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
		return result
	case err != nil:
		e.logger.Error("return commit failed",
			zap.String("tag", tag),
			zap.Int64("loan_id", loan.ID),
			zap.Error(err),
		)
		result.Outcome = OutcomeTransientError
		return result
	}

	*returnID = newReturnID
	*committed++
	result.Outcome = OutcomeAccepted
	result.LoanID = loan.ID
	result.Fine = fine
	span.SetAttributes(
		attribute.String("outcome", string(result.Outcome)),
		attribute.Int64("loan.id", loan.ID),
	)
	return result
}

// lookupCopy resolves a tag with bounded retries behind the circuit
// breaker. ErrNotFound is terminal, never retried.
func (e *Engine) lookupCopy(ctx context.Context, tag string) (*catalog.BookCopy, error) {
	return backoff.Retry(ctx, func() (*catalog.BookCopy, error) {
		v, err := e.breaker.Execute(func() (any, error) {
			return e.cfg.Catalog.FindCopyByTag(ctx, tag)
		})
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) ||
				errors.Is(err, gobreaker.ErrOpenState) ||
				errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return v.(*catalog.BookCopy), nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(e.cfg.MaxTries)),
		backoff.WithMaxElapsedTime(e.cfg.MaxElapsed),
	)
}

func (e *Engine) lookupLoan(ctx context.Context, copyID int64) (*ledger.Loan, error) {
	return backoff.Retry(ctx, func() (*ledger.Loan, error) {
		loan, err := e.cfg.Loans.FindOpenLoanByCopy(ctx, copyID)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, backoff.Permanent(err)
		}
		return loan, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(e.cfg.MaxTries)),
		backoff.WithMaxElapsedTime(e.cfg.MaxElapsed),
	)
}
