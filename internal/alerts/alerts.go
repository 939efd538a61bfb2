// Package alerts delivers security alerts for blocked transactions to
// an external webhook. Delivery is asynchronous and best-effort: a full
// queue drops the alert and a failed delivery is logged, never retried
// into the evaluation path.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aryanm/fraudguard/internal/fraud"
	"github.com/aryanm/fraudguard/internal/metrics"
	"github.com/aryanm/fraudguard/internal/money"
)

const (
	dispatcherChanSize = 1024
	deliveryTimeout    = 5 * time.Second
)

// payload is the webhook body for one blocked transaction.
type payload struct {
	Event         string `json:"event"`
	TransactionID string `json:"transactionId"`
	UserID        string `json:"userId"`
	Amount        string `json:"amount"`
	RiskScore     int    `json:"riskScore"`
	SourceIP      string `json:"sourceIp,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	OccurredAt    string `json:"occurredAt"`
}

// Dispatcher queues blocked-transaction alerts and posts them to a
// webhook from a single drain goroutine.
type Dispatcher struct {
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
	ch         chan payload
	stop       chan struct{}
	running    atomic.Bool
	dropped    atomic.Int64
}

var _ fraud.AlertSender = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher posting to webhookURL. An empty
// URL is valid: alerts are still queued and logged, just not delivered.
func NewDispatcher(webhookURL string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: deliveryTimeout},
		logger:     logger,
		ch:         make(chan payload, dispatcherChanSize),
		stop:       make(chan struct{}),
	}
}

// Send enqueues an alert for txn. Non-blocking: drops and increments a
// counter if the queue is full.
func (d *Dispatcher) Send(txn *fraud.Transaction) {
	p := payload{
		Event:         "transaction.blocked",
		TransactionID: txn.ID,
		UserID:        txn.UserID,
		Amount:        money.Format(txn.Amount),
		RiskScore:     txn.RiskScore,
		SourceIP:      txn.SourceIP,
		DeviceID:      txn.DeviceID,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339),
	}
	select {
	case d.ch <- p:
	default:
		d.dropped.Add(1)
		metrics.AlertDeliveriesTotal.WithLabelValues("dropped").Inc()
	}
}

// Dropped returns the number of alerts dropped due to a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Start drains the queue until ctx is done or Stop is called. Call in
// a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case p := <-d.ch:
			d.deliver(p)
		}
	}
}

// Stop signals the drain loop to exit.
func (d *Dispatcher) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

// Running reports whether the drain loop is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

func (d *Dispatcher) deliver(p payload) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in alert delivery", "panic", fmt.Sprint(r))
		}
	}()

	if d.webhookURL == "" {
		d.logger.Warn("security alert (no webhook configured)",
			"transaction", p.TransactionID, "user", p.UserID, "score", p.RiskScore)
		metrics.AlertDeliveriesTotal.WithLabelValues("logged").Inc()
		return
	}

	body, err := json.Marshal(p)
	if err != nil {
		d.logger.Error("alert encode failed", "error", err)
		metrics.AlertDeliveriesTotal.WithLabelValues("error").Inc()
		return
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		d.logger.Error("alert delivery failed",
			"transaction", p.TransactionID, "error", err)
		metrics.AlertDeliveriesTotal.WithLabelValues("error").Inc()
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.logger.Error("alert delivery rejected",
			"transaction", p.TransactionID, "status", resp.StatusCode)
		metrics.AlertDeliveriesTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.AlertDeliveriesTotal.WithLabelValues("delivered").Inc()
}
