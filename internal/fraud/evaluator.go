package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aryanm/fraudguard/internal/metrics"
	"github.com/aryanm/fraudguard/internal/syncutil"
	"github.com/aryanm/fraudguard/internal/traces"
)

// Evaluator orchestrates one risk evaluation end to end: resolve the
// user's history, score, classify, and commit the outcome atomically.
// It is the only entry point external callers use.
//
// Evaluations for the same user are serialized through a keyed mutex so
// two concurrent first transactions cannot both observe zero history
// and, for example, both register a trusted device. Different users
// evaluate concurrently. The postgres store additionally locks the
// stats row for the duration of the unit of work.
type Evaluator struct {
	store     Store
	engine    *Engine
	committer *Committer
	alerts    AlertSender
	locks     *syncutil.KeyedMutex
	logger    *slog.Logger
}

// Option configures the Evaluator.
type Option func(*Evaluator)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// WithAlertSender wires the security alert channel for blocked outcomes.
func WithAlertSender(s AlertSender) Option {
	return func(e *Evaluator) { e.alerts = s }
}

// NewEvaluator creates an evaluator over the given store and engine.
func NewEvaluator(store Store, engine *Engine, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:     store,
		engine:    engine,
		committer: &Committer{},
		locks:     syncutil.NewKeyedMutex(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate scores txn and commits the outcome. txn must already be
// persisted as pending. On success the terminal status is returned and
// txn is updated in place to reflect the committed state; on any
// failure every durable change is rolled back, the stored transaction
// stays pending, and the error is returned. Callers must not treat an
// error as a "success" classification.
func (e *Evaluator) Evaluate(ctx context.Context, txn *Transaction) (Status, error) {
	if txn.Status != StatusPending {
		return "", ErrNotPending
	}
	if txn.Amount == nil || txn.Amount.Sign() <= 0 {
		return "", fmt.Errorf("fraud: transaction %s has non-positive amount", txn.ID)
	}

	ctx, span := traces.StartSpan(ctx, "fraud.evaluate",
		attribute.String("transaction.id", txn.ID),
		attribute.String("user.id", txn.UserID),
	)
	defer span.End()
	start := time.Now()

	unlock, err := e.locks.Lock(ctx, txn.UserID)
	if err != nil {
		return "", err
	}
	defer unlock()

	// Velocity lookback runs outside the unit of work: an undercount
	// only changes a penalty tier, never commit correctness. The
	// in-flight transaction is already persisted as pending and counts
	// toward its own window.
	since := time.Now().Add(-e.engine.Window())
	recent, err := e.store.CountRecentTransactions(ctx, txn.UserID, since)
	if err != nil {
		return "", fmt.Errorf("fraud: count recent transactions: %w", err)
	}

	var (
		res    Result
		status Status
	)
	err = e.store.InUnitOfWork(ctx, func(uow UnitOfWork) error {
		stats, err := uow.StatsForUpdate(ctx, txn.UserID)
		if err != nil {
			return fmt.Errorf("resolve stats: %w", err)
		}
		device, err := uow.TrustedDevice(ctx, txn.UserID)
		if err != nil {
			return fmt.Errorf("resolve trusted device: %w", err)
		}

		snap := Snapshot{Stats: stats, TrustedDevice: device, RecentCount: recent}
		res = e.engine.Score(txn, snap)
		status = e.engine.Classify(res.RiskScore)

		return e.committer.Commit(ctx, uow, txn, snap, res, status)
	})
	if err != nil {
		metrics.EvaluationFailures.Inc()
		e.logger.Error("evaluation rolled back, transaction stays pending",
			"transaction", txn.ID, "user", txn.UserID, "error", err)
		return "", fmt.Errorf("fraud: evaluate transaction %s: %w", txn.ID, err)
	}

	// Reflect the committed state on the caller's copy.
	txn.Status = status
	txn.RiskScore = res.RiskScore

	// Security alert for blocked outcomes: best-effort, outside the
	// unit of work. A delivery failure never unwinds the evaluation.
	if status == StatusBlocked && e.alerts != nil {
		e.alerts.Send(txn)
	}

	metrics.EvaluationsTotal.WithLabelValues(string(status)).Inc()
	for _, rule := range res.TriggeredRules {
		metrics.RuleHitsTotal.WithLabelValues(rule).Inc()
	}
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("risk.score", res.RiskScore),
		attribute.String("risk.status", string(status)),
	)

	e.logger.Info("transaction evaluated",
		"transaction", txn.ID, "user", txn.UserID,
		"status", status, "score", res.RiskScore, "rules", res.TriggeredRules)

	return status, nil
}
