package fraud

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notificationFor(id, userID string, at time.Time) *Notification {
	return &Notification{
		ID:        id,
		UserID:    userID,
		Type:      NotifyTransaction,
		Title:     "Transaction Flagged",
		Message:   "flagged",
		Priority:  PriorityMedium,
		CreatedAt: at,
	}
}

func createNotifications(t *testing.T, store *MemoryStore, userID string, n int) {
	t.Helper()
	err := store.InUnitOfWork(context.Background(), func(uow UnitOfWork) error {
		for i := 0; i < n; i++ {
			at := time.Now().Add(time.Duration(i) * time.Second)
			if err := uow.CreateNotification(context.Background(),
				notificationFor(fmt.Sprintf("n-%d", i), userID, at)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestListNotificationsNewestFirstWithLimit(t *testing.T) {
	store := NewMemoryStore()
	createNotifications(t, store, "user-1", 5)

	notifs, err := store.ListNotifications(context.Background(), "user-1", false, 3)
	require.NoError(t, err)
	require.Len(t, notifs, 3)
	assert.Equal(t, "n-4", notifs[0].ID)
	assert.Equal(t, "n-3", notifs[1].ID)
	assert.Equal(t, "n-2", notifs[2].ID)

	// Other users see nothing.
	notifs, err = store.ListNotifications(context.Background(), "user-2", false, 10)
	require.NoError(t, err)
	assert.Empty(t, notifs)
}

func TestMarkAllNotificationsRead(t *testing.T) {
	store := NewMemoryStore()
	createNotifications(t, store, "user-1", 3)

	require.NoError(t, store.MarkAllNotificationsRead(context.Background(), "user-1"))

	unread, err := store.ListNotifications(context.Background(), "user-1", true, 10)
	require.NoError(t, err)
	assert.Empty(t, unread)

	all, err := store.ListNotifications(context.Background(), "user-1", false, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUnitOfWorkDiscardsStagedWrites(t *testing.T) {
	store := NewMemoryStore()
	boom := errors.New("boom")

	err := store.InUnitOfWork(context.Background(), func(uow UnitOfWork) error {
		if _, err := uow.StatsForUpdate(context.Background(), "user-1"); err != nil {
			return err
		}
		if err := uow.AppendAudit(context.Background(), &AuditEntry{
			EventType: "TRANSACTION_SUCCESS", EntityType: "Transaction",
			EntityID: "txn-1", CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Neither the lazily created stats row nor the audit entry landed.
	assert.Empty(t, store.AuditEntries())
	assert.Empty(t, store.stats)
}

func TestQueryAuditFiltersByEntity(t *testing.T) {
	store := NewMemoryStore()
	err := store.InUnitOfWork(context.Background(), func(uow UnitOfWork) error {
		for i, entity := range []string{"txn-1", "txn-2", "txn-1"} {
			if err := uow.AppendAudit(context.Background(), &AuditEntry{
				EventType:  "TRANSACTION_SUCCESS",
				EntityType: "Transaction",
				EntityID:   entity,
				CreatedAt:  time.Now().Add(time.Duration(i) * time.Second),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	entries, err := store.QueryAudit(context.Background(), "txn-1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	all, err := store.QueryAudit(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first by insertion order.
	assert.Equal(t, "txn-1", all[0].EntityID)
	assert.Greater(t, all[0].ID, all[2].ID)
}
