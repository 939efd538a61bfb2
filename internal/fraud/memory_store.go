package fraud

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for demo mode and tests.
//
// The unit of work stages every write and applies the batch only when
// the callback returns nil, mirroring the rollback behavior of the
// postgres store. The store mutex is held for the whole unit of work,
// which gives single-writer semantics across all users; the per-user
// serialization in the Evaluator is what the postgres deployment
// relies on.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]bool
	txns          map[string]*Transaction
	stats         map[string]*UserStats
	devices       map[string]*TrustedDevice // canonical device by user id
	evals         map[string]*Evaluation    // by transaction id
	notifications []*Notification
	audit         []*AuditEntry
	nextAuditID   int64

	// Failure injection for rollback tests. When set, the matching
	// unit-of-work write fails with the given error.
	SaveEvaluationErr      error
	UpdateStatusErr        error
	CreateNotificationErr  error
	AppendAuditErr         error
	SaveStatsErr           error
	CreateTrustedDeviceErr error
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]bool),
		txns:    make(map[string]*Transaction),
		stats:   make(map[string]*UserStats),
		devices: make(map[string]*TrustedDevice),
		evals:   make(map[string]*Evaluation),
	}
}

func (s *MemoryStore) EnsureUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = true
	return nil
}

func (s *MemoryStore) CreateTransaction(_ context.Context, txn *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.txns[txn.ID]; exists {
		return fmt.Errorf("fraud: transaction %s already exists", txn.ID)
	}
	s.txns[txn.ID] = copyTransaction(txn)
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, ok := s.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTransaction(txn), nil
}

func (s *MemoryStore) GetEvaluation(_ context.Context, transactionID string) (*Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.evals[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *MemoryStore) CountRecentTransactions(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, txn := range s.txns {
		if txn.UserID == userID && txn.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) GetTrustedDevice(_ context.Context, userID string) (*TrustedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[userID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var result []*Notification
	// Iterate in reverse for newest-first order.
	for i := len(s.notifications) - 1; i >= 0 && len(result) < limit; i-- {
		n := s.notifications[i]
		if n.UserID != userID || n.DeletedAt != nil {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		result = append(result, copyNotification(n))
	}
	return result, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.ID == id && n.DeletedAt == nil {
			n.Read = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) MarkAllNotificationsRead(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.UserID == userID && n.DeletedAt == nil {
			n.Read = true
		}
	}
	return nil
}

func (s *MemoryStore) SoftDeleteNotification(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.ID == id && n.DeletedAt == nil {
			now := time.Now()
			n.DeletedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) QueryAudit(_ context.Context, entityID string, limit int) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*AuditEntry
	for i := len(s.audit) - 1; i >= 0 && len(result) < limit; i-- {
		e := s.audit[i]
		if entityID != "" && e.EntityID != entityID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// InUnitOfWork runs fn against a staged view. Writes are buffered in
// the unit of work and applied only when fn returns nil.
func (s *MemoryStore) InUnitOfWork(_ context.Context, fn func(uow UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	uow := &memUnitOfWork{store: s}
	if err := fn(uow); err != nil {
		return err
	}
	uow.apply()
	return nil
}

// Notifications returns all stored notifications (for testing).
func (s *MemoryStore) Notifications() []*Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		result = append(result, copyNotification(n))
	}
	return result
}

// AuditEntries returns all stored audit entries (for testing).
func (s *MemoryStore) AuditEntries() []*AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*AuditEntry, len(s.audit))
	for i, e := range s.audit {
		cp := *e
		result[i] = &cp
	}
	return result
}

// --- memUnitOfWork ---

type statusChange struct {
	transactionID string
	status        Status
	riskScore     int
}

// memUnitOfWork stages writes against a MemoryStore whose mutex the
// enclosing InUnitOfWork call already holds.
type memUnitOfWork struct {
	store         *MemoryStore
	stats         *UserStats // staged stats row (created or updated)
	device        *TrustedDevice
	evaluation    *Evaluation
	status        *statusChange
	notifications []*Notification
	audit         []*AuditEntry
}

var _ UnitOfWork = (*memUnitOfWork)(nil)

func (u *memUnitOfWork) StatsForUpdate(_ context.Context, userID string) (*UserStats, error) {
	if u.stats != nil && u.stats.UserID == userID {
		return copyStats(u.stats), nil
	}
	if existing, ok := u.store.stats[userID]; ok {
		return copyStats(existing), nil
	}
	// Lazily create a zeroed row; it commits with the unit of work.
	u.stats = &UserStats{
		UserID:      userID,
		TotalAmount: big.NewInt(0),
		AvgAmount:   big.NewInt(0),
	}
	return copyStats(u.stats), nil
}

func (u *memUnitOfWork) TrustedDevice(_ context.Context, userID string) (*TrustedDevice, error) {
	d, ok := u.store.devices[userID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (u *memUnitOfWork) SaveEvaluation(_ context.Context, ev *Evaluation) error {
	if u.store.SaveEvaluationErr != nil {
		return u.store.SaveEvaluationErr
	}
	if _, exists := u.store.evals[ev.TransactionID]; exists {
		return fmt.Errorf("fraud: transaction %s already evaluated", ev.TransactionID)
	}
	cp := *ev
	u.evaluation = &cp
	return nil
}

func (u *memUnitOfWork) UpdateTransactionStatus(_ context.Context, transactionID string, status Status, riskScore int) error {
	if u.store.UpdateStatusErr != nil {
		return u.store.UpdateStatusErr
	}
	txn, ok := u.store.txns[transactionID]
	if !ok {
		return ErrNotFound
	}
	if txn.Status != StatusPending {
		return ErrNotPending
	}
	u.status = &statusChange{transactionID: transactionID, status: status, riskScore: riskScore}
	return nil
}

func (u *memUnitOfWork) CreateNotification(_ context.Context, n *Notification) error {
	if u.store.CreateNotificationErr != nil {
		return u.store.CreateNotificationErr
	}
	u.notifications = append(u.notifications, copyNotification(n))
	return nil
}

func (u *memUnitOfWork) AppendAudit(_ context.Context, entry *AuditEntry) error {
	if u.store.AppendAuditErr != nil {
		return u.store.AppendAuditErr
	}
	cp := *entry
	u.audit = append(u.audit, &cp)
	return nil
}

func (u *memUnitOfWork) SaveStats(_ context.Context, stats *UserStats) error {
	if u.store.SaveStatsErr != nil {
		return u.store.SaveStatsErr
	}
	u.stats = copyStats(stats)
	return nil
}

func (u *memUnitOfWork) CreateTrustedDevice(_ context.Context, d *TrustedDevice) error {
	if u.store.CreateTrustedDeviceErr != nil {
		return u.store.CreateTrustedDeviceErr
	}
	if _, exists := u.store.devices[d.UserID]; exists {
		return fmt.Errorf("fraud: user %s already has a trusted device", d.UserID)
	}
	cp := *d
	u.device = &cp
	return nil
}

// apply commits every staged write. Caller holds the store mutex.
func (u *memUnitOfWork) apply() {
	s := u.store
	if u.evaluation != nil {
		s.evals[u.evaluation.TransactionID] = u.evaluation
	}
	if u.status != nil {
		txn := s.txns[u.status.transactionID]
		txn.Status = u.status.status
		txn.RiskScore = u.status.riskScore
	}
	s.notifications = append(s.notifications, u.notifications...)
	for _, e := range u.audit {
		s.nextAuditID++
		e.ID = s.nextAuditID
		s.audit = append(s.audit, e)
	}
	if u.stats != nil {
		s.stats[u.stats.UserID] = u.stats
	}
	if u.device != nil {
		s.devices[u.device.UserID] = u.device
	}
}

// --- copy helpers ---

func copyTransaction(t *Transaction) *Transaction {
	cp := *t
	if t.Amount != nil {
		cp.Amount = new(big.Int).Set(t.Amount)
	}
	return &cp
}

func copyStats(s *UserStats) *UserStats {
	cp := *s
	if s.TotalAmount != nil {
		cp.TotalAmount = new(big.Int).Set(s.TotalAmount)
	}
	if s.AvgAmount != nil {
		cp.AvgAmount = new(big.Int).Set(s.AvgAmount)
	}
	return &cp
}

func copyNotification(n *Notification) *Notification {
	cp := *n
	if n.Data != nil {
		cp.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			cp.Data[k] = v
		}
	}
	if n.DeletedAt != nil {
		t := *n.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}
