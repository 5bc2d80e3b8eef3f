package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveOrder inserts or replaces an order.
func (r *SQLRepository) SaveOrder(ctx context.Context, o *domain.Order) error {
	if o == nil || o.ID == "" || o.SellerID == "" {
		return fmt.Errorf("%w: order id and seller id are required", domain.ErrInvalidInput)
	}
	if _, err := domain.ParseOrderStatus(string(o.Status)); err != nil {
		return err
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO orders (id, seller_id, buyer_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seller_id = excluded.seller_id,
			buyer_id = excluded.buyer_id,
			status = excluded.status
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		o.ID, o.SellerID, o.BuyerID, string(o.Status), createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrderStatus moves an order to status and returns the updated order.
func (r *SQLRepository) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) (*domain.Order, error) {
	if _, err := domain.ParseOrderStatus(string(status)); err != nil {
		return nil, err
	}

	result, err := r.db.ExecContext(ctx, r.rebind(`UPDATE orders SET status = ? WHERE id = ?`), string(status), orderID)
	if err != nil {
		return nil, fmt.Errorf("update order %s: %w", orderID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}

	query := `SELECT id, seller_id, buyer_id, status, created_at FROM orders WHERE id = ?`

	var o domain.Order
	var st string
	if err := r.db.QueryRowContext(ctx, r.rebind(query), orderID).Scan(
		&o.ID, &o.SellerID, &o.BuyerID, &st, &o.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("read order %s: %w", orderID, err)
	}
	if o.Status, err = domain.ParseOrderStatus(st); err != nil {
		return nil, err
	}

	return &o, nil
}

// CountSellerOrders counts orders sold by sellerID in the given status.
func (r *SQLRepository) CountSellerOrders(ctx context.Context, sellerID string, status domain.OrderStatus) (int, error) {
	query := `SELECT COUNT(*) FROM orders WHERE seller_id = ? AND status = ?`

	var n int
	if err := r.db.QueryRowContext(ctx, r.rebind(query), sellerID, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count orders for %s: %w", sellerID, err)
	}
	return n, nil
}

// SaveReport inserts or replaces a moderation report.
func (r *SQLRepository) SaveReport(ctx context.Context, rep *domain.Report) error {
	if rep == nil || rep.ID == "" || rep.TargetID == "" {
		return fmt.Errorf("%w: report id and target id are required", domain.ErrInvalidInput)
	}
	if _, err := domain.ParseReportStatus(string(rep.Status)); err != nil {
		return err
	}
	createdAt := rep.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var action sql.NullString
	if rep.Action != "" {
		action = sql.NullString{String: string(rep.Action), Valid: true}
	}

	query := `
		INSERT INTO reports (id, target_id, category, status, action, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			action = excluded.action
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rep.ID, rep.TargetID, rep.Category, string(rep.Status), action, createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save report %s: %w", rep.ID, err)
	}
	return nil
}

// CountUpheldReports counts reports resolved with a penalty against targetID.
func (r *SQLRepository) CountUpheldReports(ctx context.Context, targetID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM reports
		WHERE target_id = ?
		  AND status = ?
		  AND action IS NOT NULL
		  AND action <> ''
		  AND action <> ?
	`

	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		targetID, string(domain.ReportResolvedActionTaken), string(domain.ActionNone),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count reports for %s: %w", targetID, err)
	}
	return n, nil
}

// AppendRiskHistory appends one row to a user's score history.
func (r *SQLRepository) AppendRiskHistory(ctx context.Context, e *domain.RiskHistoryEntry) error {
	if e == nil || e.ID == "" || e.UserID == "" {
		return fmt.Errorf("%w: history id and user id are required", domain.ErrInvalidInput)
	}

	var factors sql.NullString
	if e.Factors != nil {
		b, err := json.Marshal(e.Factors)
		if err != nil {
			return fmt.Errorf("encode factors: %w", err)
		}
		factors = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO risk_histories (id, user_id, score, risk_level, reason, factors, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.UserID, e.Score, string(e.Level), e.Reason, factors, e.Date.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append risk history %s: %w", e.UserID, err)
	}
	return nil
}

// ListRiskHistory returns the most recent history rows for a user, newest first.
func (r *SQLRepository) ListRiskHistory(ctx context.Context, userID string, limit int) ([]domain.RiskHistoryEntry, error) {
	limit = clampLimit(limit, 20, 500)

	query := `
		SELECT id, user_id, score, risk_level, reason, factors, created_at
		FROM risk_histories
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list risk history %s: %w", userID, err)
	}
	defer rows.Close()

	var entries []domain.RiskHistoryEntry
	for rows.Next() {
		var e domain.RiskHistoryEntry
		var level string
		var factors sql.NullString

		if err := rows.Scan(&e.ID, &e.UserID, &e.Score, &level, &e.Reason, &factors, &e.Date); err != nil {
			return nil, err
		}
		if e.Level, err = domain.ParseRiskLevel(level); err != nil {
			return nil, err
		}
		if factors.Valid && factors.String != "" {
			var f domain.RiskFactors
			if err := json.Unmarshal([]byte(factors.String), &f); err != nil {
				return nil, fmt.Errorf("decode factors for %s: %w", e.ID, err)
			}
			e.Factors = &f
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// SaveAuditEntry persists one audit entry.
func (r *SQLRepository) SaveAuditEntry(ctx context.Context, e *domain.AuditEntry) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: audit id is required", domain.ErrInvalidInput)
	}

	detail, _ := json.Marshal(e.Detail)

	query := `
		INSERT INTO audit_logs (id, operator, role, action_type, target, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.Operator, e.Role, e.ActionType, e.Target, string(detail), e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save audit entry %s: %w", e.ID, err)
	}
	return nil
}

// ListAuditEntries returns the most recent audit entries, newest first.
func (r *SQLRepository) ListAuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	limit = clampLimit(limit, 100, 1000)

	query := `
		SELECT id, operator, role, action_type, target, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detail sql.NullString

		if err := rows.Scan(&e.ID, &e.Operator, &e.Role, &e.ActionType, &e.Target, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail.Valid && detail.String != "" {
			json.Unmarshal([]byte(detail.String), &e.Detail)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetSetting returns the stored value for key.
func (r *SQLRepository) GetSetting(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT value FROM settings WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("setting %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}
	return []byte(value), nil
}

// SaveSetting upserts the value for key.
func (r *SQLRepository) SaveSetting(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	if _, err := r.db.ExecContext(ctx, r.rebind(query), key, string(value), time.Now().UTC()); err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}
