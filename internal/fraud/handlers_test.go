package fraud

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(store *MemoryStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ev := NewEvaluator(store, NewEngine(DefaultRuleConfig()), WithLogger(logger))
	h := NewHandler(store, ev, logger)

	r := gin.New()
	h.RegisterRoutes(r.Group("/api/v1"))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestCreateTransactionBlocked(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store)

	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/transactions", gin.H{
		"userId":        "user-1",
		"amount":        "150000.00",
		"paymentMethod": "upi",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	txn := resp["transaction"].(map[string]any)
	assert.Equal(t, "blocked", txn["status"])
	assert.EqualValues(t, 80, txn["riskScore"])
	assert.Equal(t, "150000.00", txn["amount"])

	id := txn["id"].(string)
	w, resp = doJSON(t, r, http.MethodGet, "/api/v1/transactions/"+id+"/evaluation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ev := resp["evaluation"].(map[string]any)
	assert.Equal(t, "FIRST_TRANSACTION_HIGH_AMOUNT,MISSING_DEVICE_ID", ev["rulesTriggered"])
}

func TestCreateTransactionSuccess(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store)

	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/transactions", gin.H{
		"userId":        "user-1",
		"amount":        "250.50",
		"paymentMethod": "card",
		"deviceId":      "device-1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	txn := resp["transaction"].(map[string]any)
	assert.Equal(t, "success", txn["status"])
	assert.EqualValues(t, 0, txn["riskScore"])
}

func TestCreateTransactionValidation(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store)

	tests := []struct {
		name      string
		body      gin.H
		wantError string
	}{
		{
			name:      "missing user",
			body:      gin.H{"amount": "100", "paymentMethod": "upi"},
			wantError: "invalid_request",
		},
		{
			name:      "negative amount",
			body:      gin.H{"userId": "u", "amount": "-5", "paymentMethod": "upi"},
			wantError: "invalid_amount",
		},
		{
			name:      "zero amount",
			body:      gin.H{"userId": "u", "amount": "0", "paymentMethod": "upi"},
			wantError: "invalid_amount",
		},
		{
			name:      "malformed amount",
			body:      gin.H{"userId": "u", "amount": "12.345", "paymentMethod": "upi"},
			wantError: "invalid_amount",
		},
		{
			name:      "unknown payment method",
			body:      gin.H{"userId": "u", "amount": "100", "paymentMethod": "cheque"},
			wantError: "invalid_payment_method",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := doJSON(t, r, http.MethodPost, "/api/v1/transactions", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.wantError, resp["error"])
		})
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store)

	w, resp := doJSON(t, r, http.MethodGet, "/api/v1/transactions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", resp["error"])
}

func TestNotificationLifecycle(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store)

	// A blocked transaction produces one notification.
	w, _ := doJSON(t, r, http.MethodPost, "/api/v1/transactions", gin.H{
		"userId":        "user-1",
		"amount":        "150000",
		"paymentMethod": "upi",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w, resp := doJSON(t, r, http.MethodGet, "/api/v1/users/user-1/notifications?unread=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	notifs := resp["notifications"].([]any)
	require.Len(t, notifs, 1)
	id := notifs[0].(map[string]any)["id"].(string)

	w, _ = doJSON(t, r, http.MethodPost, "/api/v1/notifications/"+id+"/read", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = doJSON(t, r, http.MethodGet, "/api/v1/users/user-1/notifications?unread=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, resp["notifications"])

	w, _ = doJSON(t, r, http.MethodDelete, "/api/v1/notifications/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = doJSON(t, r, http.MethodGet, "/api/v1/users/user-1/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, resp["notifications"])

	// Deleted notifications cannot be re-read.
	w, _ = doJSON(t, r, http.MethodPost, "/api/v1/notifications/"+id+"/read", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditQuery(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store)

	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/transactions", gin.H{
		"userId":        "user-1",
		"amount":        "150000",
		"paymentMethod": "upi",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	txnID := resp["transaction"].(map[string]any)["id"].(string)

	w, resp = doJSON(t, r, http.MethodGet, "/api/v1/audit?entityId="+txnID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := resp["entries"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "TRANSACTION_BLOCKED", entry["eventType"])
	assert.Equal(t, txnID, entry["entityId"])

	w, resp = doJSON(t, r, http.MethodGet, "/api/v1/audit?entityId=missing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, resp["entries"])
}
