package alerts

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryanm/fraudguard/internal/fraud"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func blockedTxn() *fraud.Transaction {
	return &fraud.Transaction{
		ID:        "txn-1",
		UserID:    "user-1",
		Amount:    big.NewInt(15000000),
		Status:    fraud.StatusBlocked,
		RiskScore: 90,
		DeviceID:  "device-1",
		CreatedAt: time.Now(),
	}
}

func TestDispatcherDeliversWebhook(t *testing.T) {
	received := make(chan payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	d.Send(blockedTxn())

	select {
	case p := <-received:
		assert.Equal(t, "transaction.blocked", p.Event)
		assert.Equal(t, "txn-1", p.TransactionID)
		assert.Equal(t, "user-1", p.UserID)
		assert.Equal(t, "150000.00", p.Amount)
		assert.Equal(t, 90, p.RiskScore)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestDispatcherNoWebhookLogsOnly(t *testing.T) {
	d := NewDispatcher("", testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	// Must not panic or block.
	d.Send(blockedTxn())
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, d.Dropped())
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher("", testLogger())
	// No drain loop running: overflow the queue.
	for i := 0; i < dispatcherChanSize+5; i++ {
		d.Send(blockedTxn())
	}
	assert.EqualValues(t, 5, d.Dropped())
}

func TestDispatcherStop(t *testing.T) {
	d := NewDispatcher("", testLogger())
	done := make(chan struct{})
	go func() {
		d.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, d.Running, time.Second, 5*time.Millisecond)
	d.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
