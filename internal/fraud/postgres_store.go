package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// PostgresStore implements Store with PostgreSQL. Amounts are stored as
// NUMERIC(20,0) paise and travel as strings through the driver.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed fraud store. Schema is
// managed by the goose migrations under migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) EnsureUser(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, created_at) VALUES ($1, NOW())
		ON CONFLICT (id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, txn *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, amount, payment_method, device_id, status, risk_score, source_ip, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,0), $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9)
	`, txn.ID, txn.UserID, txn.Amount.String(), txn.PaymentMethod, txn.DeviceID,
		txn.Status, txn.RiskScore, txn.SourceIP, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	txn := &Transaction{}
	var amount string
	var deviceID, sourceIP sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, amount::TEXT, payment_method, device_id, status, risk_score, source_ip, created_at
		FROM transactions WHERE id = $1
	`, id).Scan(&txn.ID, &txn.UserID, &amount, &txn.PaymentMethod, &deviceID,
		&txn.Status, &txn.RiskScore, &sourceIP, &txn.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}

	txn.Amount, err = parseNumeric(amount)
	if err != nil {
		return nil, err
	}
	txn.DeviceID = deviceID.String
	txn.SourceIP = sourceIP.String
	return txn, nil
}

func (p *PostgresStore) GetEvaluation(ctx context.Context, transactionID string) (*Evaluation, error) {
	ev := &Evaluation{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, risk_score, rules_triggered, created_at
		FROM fraud_evaluations WHERE transaction_id = $1
	`, transactionID).Scan(&ev.ID, &ev.TransactionID, &ev.RiskScore, &ev.RulesTriggered, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	return ev, nil
}

func (p *PostgresStore) CountRecentTransactions(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE user_id = $1 AND created_at > $2
	`, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent transactions: %w", err)
	}
	return count, nil
}

func (p *PostgresStore) GetTrustedDevice(ctx context.Context, userID string) (*TrustedDevice, error) {
	return scanTrustedDevice(p.db.QueryRowContext(ctx, `
		SELECT user_id, device_id, first_seen_at
		FROM trusted_devices WHERE user_id = $1
	`, userID))
}

func (p *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, title, message, priority, read, data, created_at
		FROM notifications
		WHERE user_id = $1 AND deleted_at IS NULL AND ($2 = false OR read = false)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var result []*Notification
	for rows.Next() {
		n := &Notification{}
		var data []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message,
			&n.Priority, &n.Read, &data, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("decode notification data: %w", err)
			}
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkNotificationRead(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET read = true WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET read = true WHERE user_id = $1 AND deleted_at IS NULL
	`, userID)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func (p *PostgresStore) SoftDeleteNotification(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) QueryAudit(ctx context.Context, entityID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, event_type, entity_type, entity_id, description, created_at
		FROM audit_log
		WHERE $1 = '' OR entity_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var result []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.ID, &e.EventType, &e.EntityType, &e.EntityID,
			&e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// InUnitOfWork runs fn inside a serializable transaction. Any error
// from fn rolls every write back.
func (p *PostgresStore) InUnitOfWork(ctx context.Context, fn func(uow UnitOfWork) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgUnitOfWork{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unit of work: %w", err)
	}
	return nil
}

// pgUnitOfWork issues the evaluation writes on one sql.Tx.
type pgUnitOfWork struct {
	tx *sql.Tx
}

var _ UnitOfWork = (*pgUnitOfWork)(nil)

// StatsForUpdate locks the user's stats row for the rest of the
// transaction, inserting a zeroed row first if the user has none.
func (u *pgUnitOfWork) StatsForUpdate(ctx context.Context, userID string) (*UserStats, error) {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO user_stats (user_id, total_txns, total_amount, avg_amount, last_updated_at)
		VALUES ($1, 0, 0, 0, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("init stats row: %w", err)
	}

	stats := &UserStats{}
	var total, avg string
	err = u.tx.QueryRowContext(ctx, `
		SELECT user_id, total_txns, total_amount::TEXT, avg_amount::TEXT, last_updated_at
		FROM user_stats WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&stats.UserID, &stats.TotalTxns, &total, &avg, &stats.LastUpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("lock stats row: %w", err)
	}

	if stats.TotalAmount, err = parseNumeric(total); err != nil {
		return nil, err
	}
	if stats.AvgAmount, err = parseNumeric(avg); err != nil {
		return nil, err
	}
	return stats, nil
}

func (u *pgUnitOfWork) TrustedDevice(ctx context.Context, userID string) (*TrustedDevice, error) {
	return scanTrustedDevice(u.tx.QueryRowContext(ctx, `
		SELECT user_id, device_id, first_seen_at
		FROM trusted_devices WHERE user_id = $1
	`, userID))
}

func (u *pgUnitOfWork) SaveEvaluation(ctx context.Context, ev *Evaluation) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO fraud_evaluations (id, transaction_id, risk_score, rules_triggered, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ID, ev.TransactionID, ev.RiskScore, ev.RulesTriggered, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("save evaluation: %w", err)
	}
	return nil
}

// UpdateTransactionStatus performs the pending -> terminal transition.
// The WHERE clause on status makes double evaluation impossible even if
// two workers race past the advisory locking above this layer.
func (u *pgUnitOfWork) UpdateTransactionStatus(ctx context.Context, transactionID string, status Status, riskScore int) error {
	result, err := u.tx.ExecContext(ctx, `
		UPDATE transactions SET status = $2, risk_score = $3
		WHERE id = $1 AND status = 'pending'
	`, transactionID, status, riskScore)
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := u.tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, transactionID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrNotPending
	}
	return nil
}

func (u *pgUnitOfWork) CreateNotification(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("encode notification data: %w", err)
	}
	_, err = u.tx.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, priority, read, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, n.ID, n.UserID, n.Type, n.Title, n.Message, n.Priority, n.Read, data, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (u *pgUnitOfWork) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	err := u.tx.QueryRowContext(ctx, `
		INSERT INTO audit_log (event_type, entity_type, entity_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, entry.EventType, entry.EntityType, entry.EntityID, entry.Description, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (u *pgUnitOfWork) SaveStats(ctx context.Context, stats *UserStats) error {
	_, err := u.tx.ExecContext(ctx, `
		UPDATE user_stats SET
			total_txns      = $2,
			total_amount    = $3::NUMERIC(20,0),
			avg_amount      = $4::NUMERIC(20,0),
			last_updated_at = $5
		WHERE user_id = $1
	`, stats.UserID, stats.TotalTxns, stats.TotalAmount.String(), stats.AvgAmount.String(), stats.LastUpdatedAt)
	if err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	return nil
}

func (u *pgUnitOfWork) CreateTrustedDevice(ctx context.Context, d *TrustedDevice) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO trusted_devices (user_id, device_id, first_seen_at)
		VALUES ($1, $2, $3)
	`, d.UserID, d.DeviceID, d.FirstSeenAt)
	if err != nil {
		return fmt.Errorf("create trusted device: %w", err)
	}
	return nil
}

func scanTrustedDevice(row *sql.Row) (*TrustedDevice, error) {
	d := &TrustedDevice{}
	err := row.Scan(&d.UserID, &d.DeviceID, &d.FirstSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trusted device: %w", err)
	}
	return d, nil
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("fraud: bad numeric value %q", s)
	}
	return v, nil
}
