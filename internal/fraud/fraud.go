// Package fraud implements transaction risk evaluation and its commit pipeline.
//
// Every new transaction enters as pending and is evaluated once: a pure
// rule engine produces an additive risk score and the list of triggered
// rules, the score maps to a final status (success, flagged, blocked),
// and all dependent side effects (evaluation record, status update,
// notification, audit entry, learned behavior stats, trusted device
// registration) are committed in a single unit of work. Either every
// write lands or the transaction stays pending.
package fraud

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	// ErrNotPending is returned when evaluation is attempted on a
	// transaction that already left the pending state.
	ErrNotPending = errors.New("fraud: transaction is not pending")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("fraud: not found")
)

// Status is a transaction's lifecycle state. A transaction is created
// pending and transitions exactly once to one of the terminal states.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFlagged Status = "flagged"
	StatusBlocked Status = "blocked"
)

// Terminal reports whether s is a final evaluation outcome.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFlagged || s == StatusBlocked
}

// PaymentMethod enumerates supported payment instruments.
type PaymentMethod string

const (
	MethodCard       PaymentMethod = "card"
	MethodUPI        PaymentMethod = "upi"
	MethodNetbanking PaymentMethod = "netbanking"
	MethodWallet     PaymentMethod = "wallet"
)

// ValidPaymentMethod reports whether m is a known payment method.
func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case MethodCard, MethodUPI, MethodNetbanking, MethodWallet:
		return true
	}
	return false
}

// Transaction is a financial transaction submitted for evaluation.
// Amount is in paise (see internal/money).
type Transaction struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	Amount        *big.Int      `json:"-"`
	PaymentMethod PaymentMethod `json:"paymentMethod"`
	DeviceID      string        `json:"deviceId,omitempty"` // empty = no device supplied
	Status        Status        `json:"status"`
	RiskScore     int           `json:"riskScore"`
	SourceIP      string        `json:"sourceIp,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// UserStats is the learned per-user behavioral baseline. One row per
// user, updated only from successful (non-fraudulent) transactions so
// a burst of abuse cannot drag the average upward.
type UserStats struct {
	UserID        string
	TotalTxns     int64
	TotalAmount   *big.Int // paise
	AvgAmount     *big.Int // paise; TotalAmount / TotalTxns
	LastUpdatedAt time.Time
}

// TrustedDevice is the canonical device for a user: the first device id
// seen on a successful transaction. At most one per user.
type TrustedDevice struct {
	UserID      string
	DeviceID    string
	FirstSeenAt time.Time
}

// Evaluation is the immutable record of a single risk evaluation.
// Exactly one exists per evaluated transaction.
type Evaluation struct {
	ID             string    `json:"id"`
	TransactionID  string    `json:"transactionId"`
	RiskScore      int       `json:"riskScore"`
	RulesTriggered string    `json:"rulesTriggered"` // comma-joined rule tags, firing order
	CreatedAt      time.Time `json:"createdAt"`
}

// NotificationType categorizes a notification.
type NotificationType string

const (
	NotifyTransaction NotificationType = "transaction"
	NotifySecurity    NotificationType = "security"
	NotifySystem      NotificationType = "system"
	NotifyInfo        NotificationType = "info"
)

// Priority orders notifications for display.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Notification is a durable user-facing message. Created by the commit
// pipeline for flagged and blocked outcomes only.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Priority  Priority         `json:"priority"`
	Read      bool             `json:"read"`
	Data      map[string]any   `json:"data,omitempty"`
	DeletedAt *time.Time       `json:"-"` // soft delete
	CreatedAt time.Time        `json:"createdAt"`
}

// AuditEntry is an append-only audit record.
type AuditEntry struct {
	ID          int64     `json:"id"`
	EventType   string    `json:"eventType"` // e.g. TRANSACTION_BLOCKED
	EntityType  string    `json:"entityType"`
	EntityID    string    `json:"entityId"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AlertSender delivers security alerts for blocked transactions.
// Delivery is best-effort and happens outside the unit of work.
type AlertSender interface {
	Send(txn *Transaction)
}

// Store persists all pipeline entities. Reads used purely for scoring
// (CountRecentTransactions) may be served at weaker consistency; all
// evaluation writes go through InUnitOfWork.
type Store interface {
	// Transactions
	EnsureUser(ctx context.Context, userID string) error
	CreateTransaction(ctx context.Context, txn *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetEvaluation(ctx context.Context, transactionID string) (*Evaluation, error)

	// Scoring inputs
	CountRecentTransactions(ctx context.Context, userID string, since time.Time) (int, error)
	GetTrustedDevice(ctx context.Context, userID string) (*TrustedDevice, error)

	// Notifications (read side; writes happen in the unit of work)
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) error
	SoftDeleteNotification(ctx context.Context, id string) error

	// Audit (read side)
	QueryAudit(ctx context.Context, entityID string, limit int) ([]*AuditEntry, error)

	// InUnitOfWork runs fn against a transactional view of the store.
	// All writes made through the UnitOfWork are committed if and only
	// if fn returns nil; any error discards every staged write.
	InUnitOfWork(ctx context.Context, fn func(uow UnitOfWork) error) error
}

// UnitOfWork is the write surface of one atomic evaluation commit.
type UnitOfWork interface {
	// StatsForUpdate returns the user's stats row with an exclusive
	// claim for the remainder of the unit of work, creating a zeroed
	// row if the user has none yet.
	StatsForUpdate(ctx context.Context, userID string) (*UserStats, error)
	TrustedDevice(ctx context.Context, userID string) (*TrustedDevice, error)

	SaveEvaluation(ctx context.Context, ev *Evaluation) error
	// UpdateTransactionStatus performs the pending -> terminal
	// transition. Returns ErrNotPending if the transaction already
	// left pending (double evaluation).
	UpdateTransactionStatus(ctx context.Context, transactionID string, status Status, riskScore int) error
	CreateNotification(ctx context.Context, n *Notification) error
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	SaveStats(ctx context.Context, stats *UserStats) error
	CreateTrustedDevice(ctx context.Context, d *TrustedDevice) error
}
