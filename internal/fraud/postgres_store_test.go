//go:build integration

package fraud

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aryanm/fraudguard/internal/money"
	"github.com/aryanm/fraudguard/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func pendingTxn(id, userID, amount string) *Transaction {
	return &Transaction{
		ID:            id,
		UserID:        userID,
		Amount:        money.MustParse(amount),
		PaymentMethod: MethodUPI,
		DeviceID:      "device-1",
		Status:        StatusPending,
		CreatedAt:     time.Now(),
	}
}

func TestPostgres_TransactionRoundTrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.EnsureUser(ctx, "user-1"); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	txn := pendingTxn("txn-1", "user-1", "150000.50")
	if err := store.CreateTransaction(ctx, txn); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}

	got, err := store.GetTransaction(ctx, "txn-1")
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if got.Amount.Cmp(txn.Amount) != 0 {
		t.Errorf("Expected amount %s, got %s", txn.Amount, got.Amount)
	}
	if got.Status != StatusPending {
		t.Errorf("Expected pending, got %s", got.Status)
	}
	if got.DeviceID != "device-1" {
		t.Errorf("Expected device-1, got %q", got.DeviceID)
	}

	if _, err := store.GetTransaction(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_UnitOfWorkCommit(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store.EnsureUser(ctx, "user-1")
	store.CreateTransaction(ctx, pendingTxn("txn-1", "user-1", "100"))

	err := store.InUnitOfWork(ctx, func(uow UnitOfWork) error {
		stats, err := uow.StatsForUpdate(ctx, "user-1")
		if err != nil {
			return err
		}
		if stats.TotalTxns != 0 {
			t.Errorf("Expected zeroed stats row, got %d txns", stats.TotalTxns)
		}

		if err := uow.SaveEvaluation(ctx, &Evaluation{
			ID: "ev-1", TransactionID: "txn-1", RiskScore: 0, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		if err := uow.UpdateTransactionStatus(ctx, "txn-1", StatusSuccess, 0); err != nil {
			return err
		}
		stats.TotalTxns = 1
		stats.TotalAmount = money.MustParse("100")
		stats.AvgAmount = money.MustParse("100")
		stats.LastUpdatedAt = time.Now()
		return uow.SaveStats(ctx, stats)
	})
	if err != nil {
		t.Fatalf("InUnitOfWork failed: %v", err)
	}

	got, _ := store.GetTransaction(ctx, "txn-1")
	if got.Status != StatusSuccess {
		t.Errorf("Expected success, got %s", got.Status)
	}
	if _, err := store.GetEvaluation(ctx, "txn-1"); err != nil {
		t.Errorf("GetEvaluation failed: %v", err)
	}
}

func TestPostgres_UnitOfWorkRollback(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store.EnsureUser(ctx, "user-1")
	store.CreateTransaction(ctx, pendingTxn("txn-1", "user-1", "100"))

	boom := errors.New("boom")
	err := store.InUnitOfWork(ctx, func(uow UnitOfWork) error {
		if err := uow.SaveEvaluation(ctx, &Evaluation{
			ID: "ev-1", TransactionID: "txn-1", RiskScore: 80, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		if err := uow.UpdateTransactionStatus(ctx, "txn-1", StatusBlocked, 80); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	got, _ := store.GetTransaction(ctx, "txn-1")
	if got.Status != StatusPending {
		t.Errorf("Expected rollback to pending, got %s", got.Status)
	}
	if _, err := store.GetEvaluation(ctx, "txn-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected no evaluation after rollback, got %v", err)
	}
}

func TestPostgres_DoubleEvaluation(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store.EnsureUser(ctx, "user-1")
	store.CreateTransaction(ctx, pendingTxn("txn-1", "user-1", "100"))

	update := func() error {
		return store.InUnitOfWork(ctx, func(uow UnitOfWork) error {
			return uow.UpdateTransactionStatus(ctx, "txn-1", StatusSuccess, 0)
		})
	}
	if err := update(); err != nil {
		t.Fatalf("First transition failed: %v", err)
	}
	if err := update(); !errors.Is(err, ErrNotPending) {
		t.Errorf("Expected ErrNotPending, got %v", err)
	}

	err := store.InUnitOfWork(ctx, func(uow UnitOfWork) error {
		return uow.UpdateTransactionStatus(ctx, "missing", StatusSuccess, 0)
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_NotificationLifecycle(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store.EnsureUser(ctx, "user-1")
	err := store.InUnitOfWork(ctx, func(uow UnitOfWork) error {
		return uow.CreateNotification(ctx, &Notification{
			ID:        "n-1",
			UserID:    "user-1",
			Type:      NotifySecurity,
			Title:     "Transaction Blocked",
			Message:   "A transaction of ₹150,000 was blocked due to high risk (Score: 80).",
			Priority:  PriorityHigh,
			Data:      map[string]any{"transaction_id": "txn-1"},
			CreatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	notifs, err := store.ListNotifications(ctx, "user-1", true, 10)
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(notifs) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(notifs))
	}
	if notifs[0].Data["transaction_id"] != "txn-1" {
		t.Errorf("Expected data round trip, got %v", notifs[0].Data)
	}

	if err := store.MarkNotificationRead(ctx, "n-1"); err != nil {
		t.Fatalf("MarkNotificationRead failed: %v", err)
	}
	notifs, _ = store.ListNotifications(ctx, "user-1", true, 10)
	if len(notifs) != 0 {
		t.Errorf("Expected no unread notifications, got %d", len(notifs))
	}

	if err := store.SoftDeleteNotification(ctx, "n-1"); err != nil {
		t.Fatalf("SoftDeleteNotification failed: %v", err)
	}
	notifs, _ = store.ListNotifications(ctx, "user-1", false, 10)
	if len(notifs) != 0 {
		t.Errorf("Expected no notifications after delete, got %d", len(notifs))
	}
	if err := store.MarkNotificationRead(ctx, "n-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for deleted notification, got %v", err)
	}
}

func TestPostgres_CountRecentTransactions(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store.EnsureUser(ctx, "user-1")
	for i := 0; i < 3; i++ {
		store.CreateTransaction(ctx, pendingTxn(fmt.Sprintf("txn-%d", i), "user-1", "1000"))
	}

	count, err := store.CountRecentTransactions(ctx, "user-1", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountRecentTransactions failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3, got %d", count)
	}

	count, _ = store.CountRecentTransactions(ctx, "user-1", time.Now().Add(time.Minute))
	if count != 0 {
		t.Errorf("Expected 0 outside window, got %d", count)
	}
}

func TestPostgres_EvaluatorEndToEnd(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	ev := NewEvaluator(store, NewEngine(DefaultRuleConfig()))

	store.EnsureUser(ctx, "user-1")
	txn := pendingTxn("txn-1", "user-1", "150000")
	txn.DeviceID = ""
	store.CreateTransaction(ctx, txn)

	status, err := ev.Evaluate(ctx, txn)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if status != StatusBlocked {
		t.Errorf("Expected blocked, got %s", status)
	}

	rec, err := store.GetEvaluation(ctx, "txn-1")
	if err != nil {
		t.Fatalf("GetEvaluation failed: %v", err)
	}
	if rec.RiskScore != 80 {
		t.Errorf("Expected score 80, got %d", rec.RiskScore)
	}
}
