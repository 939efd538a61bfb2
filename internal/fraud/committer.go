package fraud

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aryanm/fraudguard/internal/money"
)

// Committer performs the durable side effects of an evaluation outcome.
// Every write goes through the supplied UnitOfWork, so the whole
// sequence lands atomically or not at all. Alert delivery for blocked
// transactions is NOT done here: it is best-effort and handled by the
// Evaluator after the unit of work commits.
type Committer struct{}

// Commit applies the evaluation outcome:
//
//  1. persist the immutable evaluation record
//  2. transition the transaction from pending to its terminal status
//  3. create a notification for flagged/blocked outcomes
//  4. append the audit entry
//  5. on success only: fold the amount into the learned baseline and
//     register the device as trusted if the user has none
func (c *Committer) Commit(ctx context.Context, uow UnitOfWork, txn *Transaction, snap Snapshot, res Result, status Status) error {
	now := time.Now()

	ev := &Evaluation{
		ID:             uuid.NewString(),
		TransactionID:  txn.ID,
		RiskScore:      res.RiskScore,
		RulesTriggered: strings.Join(res.TriggeredRules, ","),
		CreatedAt:      now,
	}
	if err := uow.SaveEvaluation(ctx, ev); err != nil {
		return fmt.Errorf("save evaluation: %w", err)
	}

	if err := uow.UpdateTransactionStatus(ctx, txn.ID, status, res.RiskScore); err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}

	if status == StatusBlocked || status == StatusFlagged {
		if err := uow.CreateNotification(ctx, outcomeNotification(txn, res.RiskScore, status, now)); err != nil {
			return fmt.Errorf("create notification: %w", err)
		}
	}

	audit := &AuditEntry{
		EventType:   "TRANSACTION_" + strings.ToUpper(string(status)),
		EntityType:  "Transaction",
		EntityID:    txn.ID,
		Description: "Triggered rules: " + strings.Join(res.TriggeredRules, ","),
		CreatedAt:   now,
	}
	if err := uow.AppendAudit(ctx, audit); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}

	if status == StatusSuccess {
		if err := c.learnBehavior(ctx, uow, txn, snap, now); err != nil {
			return err
		}
	}

	return nil
}

// learnBehavior updates the user's baseline and registers a first
// trusted device. Called only for clean outcomes so fraudulent
// transactions never poison the average.
func (c *Committer) learnBehavior(ctx context.Context, uow UnitOfWork, txn *Transaction, snap Snapshot, now time.Time) error {
	stats := snap.Stats
	updated := &UserStats{
		UserID:        stats.UserID,
		TotalTxns:     stats.TotalTxns + 1,
		TotalAmount:   add(stats.TotalAmount, txn.Amount),
		LastUpdatedAt: now,
	}
	updated.AvgAmount = div(updated.TotalAmount, updated.TotalTxns)

	if err := uow.SaveStats(ctx, updated); err != nil {
		return fmt.Errorf("save stats: %w", err)
	}

	if snap.TrustedDevice == nil && txn.DeviceID != "" {
		device := &TrustedDevice{
			UserID:      txn.UserID,
			DeviceID:    txn.DeviceID,
			FirstSeenAt: now,
		}
		if err := uow.CreateTrustedDevice(ctx, device); err != nil {
			return fmt.Errorf("create trusted device: %w", err)
		}
	}

	return nil
}

func add(a, b *big.Int) *big.Int {
	sum := new(big.Int)
	if a != nil {
		sum.Set(a)
	}
	return sum.Add(sum, b)
}

func div(total *big.Int, count int64) *big.Int {
	return new(big.Int).Quo(total, big.NewInt(count))
}

// outcomeNotification builds the user-facing record for a flagged or
// blocked transaction.
func outcomeNotification(txn *Transaction, score int, status Status, now time.Time) *Notification {
	amount := money.FormatDelimited(txn.Amount)
	n := &Notification{
		ID:        uuid.NewString(),
		UserID:    txn.UserID,
		CreatedAt: now,
		Data: map[string]any{
			"transaction_id": txn.ID,
			"amount":         money.Format(txn.Amount),
			"risk_score":     score,
			"status":         strings.ToUpper(string(status)),
		},
	}

	if status == StatusBlocked {
		n.Type = NotifySecurity
		n.Title = "Transaction Blocked"
		n.Message = fmt.Sprintf("A transaction of ₹%s was blocked due to high risk (Score: %d).", amount, score)
		n.Priority = PriorityHigh
	} else {
		n.Type = NotifyTransaction
		n.Title = "Transaction Flagged"
		n.Message = fmt.Sprintf("A transaction of ₹%s was flagged for review (Score: %d).", amount, score)
		n.Priority = PriorityMedium
	}
	return n
}
