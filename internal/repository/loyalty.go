package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// GetLoyaltyAccount returns the points account for userID.
func (r *SQLRepository) GetLoyaltyAccount(ctx context.Context, userID string) (*domain.LoyaltyAccount, error) {
	return r.getAccount(ctx, r.db, userID)
}

// EarnPoints credits tx.Amount to the user's account, creating it on first use,
// and records the ledger row in the same transaction.
func (r *SQLRepository) EarnPoints(ctx context.Context, tx *domain.PointsTransaction) (*domain.LoyaltyAccount, error) {
	if err := validatePointsTx(tx); err != nil {
		return nil, err
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin earn: %w", err)
	}
	defer dbtx.Rollback()

	now := tx.CreatedAt.UTC()
	query := `
		INSERT INTO loyalty_accounts (user_id, balance, lifetime, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance = loyalty_accounts.balance + excluded.balance,
			lifetime = loyalty_accounts.lifetime + excluded.lifetime,
			updated_at = excluded.updated_at
	`
	if _, err := dbtx.ExecContext(ctx, r.rebind(query), tx.UserID, tx.Amount, tx.Amount, now, now); err != nil {
		return nil, fmt.Errorf("credit %s: %w", tx.UserID, err)
	}

	return r.finishPointsTx(ctx, dbtx, tx)
}

// SpendPoints debits tx.Amount only if the balance covers it. The balance is
// untouched when it does not.
func (r *SQLRepository) SpendPoints(ctx context.Context, tx *domain.PointsTransaction) (*domain.LoyaltyAccount, error) {
	if err := validatePointsTx(tx); err != nil {
		return nil, err
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin spend: %w", err)
	}
	defer dbtx.Rollback()

	query := `
		UPDATE loyalty_accounts
		SET balance = balance - ?, updated_at = ?
		WHERE user_id = ? AND balance >= ?
	`
	result, err := dbtx.ExecContext(ctx, r.rebind(query), tx.Amount, tx.CreatedAt.UTC(), tx.UserID, tx.Amount)
	if err != nil {
		return nil, fmt.Errorf("debit %s: %w", tx.UserID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Missing account reads as a zero balance.
		if tx.Amount == 0 {
			return &domain.LoyaltyAccount{UserID: tx.UserID}, nil
		}
		return nil, fmt.Errorf("spend %d for %s: %w", tx.Amount, tx.UserID, domain.ErrInsufficientBalance)
	}

	return r.finishPointsTx(ctx, dbtx, tx)
}

// ListPointsTransactions returns recent ledger rows for userID, newest first.
func (r *SQLRepository) ListPointsTransactions(ctx context.Context, userID string, limit int) ([]domain.PointsTransaction, error) {
	limit = clampLimit(limit, 50, 500)

	query := `
		SELECT id, user_id, type, amount, balance_after, source, reference, created_at
		FROM points_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list points transactions %s: %w", userID, err)
	}
	defer rows.Close()

	var txs []domain.PointsTransaction
	for rows.Next() {
		var t domain.PointsTransaction
		var typ string
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.BalanceAfter, &t.Source, &t.Reference, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = domain.PointsTxType(typ)
		txs = append(txs, t)
	}

	return txs, rows.Err()
}

// finishPointsTx reads the new balance, writes the ledger row and commits.
func (r *SQLRepository) finishPointsTx(ctx context.Context, dbtx *sql.Tx, tx *domain.PointsTransaction) (*domain.LoyaltyAccount, error) {
	acct, err := r.getAccount(ctx, dbtx, tx.UserID)
	if err != nil {
		return nil, err
	}
	tx.BalanceAfter = acct.Balance

	query := `
		INSERT INTO points_transactions (id, user_id, type, amount, balance_after, source, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := dbtx.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, string(tx.Type), tx.Amount, tx.BalanceAfter,
		tx.Source, tx.Reference, tx.CreatedAt.UTC(),
	); err != nil {
		return nil, fmt.Errorf("record points transaction: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit points transaction: %w", err)
	}
	return acct, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLRepository) getAccount(ctx context.Context, q queryer, userID string) (*domain.LoyaltyAccount, error) {
	query := `
		SELECT user_id, balance, lifetime, created_at, updated_at
		FROM loyalty_accounts
		WHERE user_id = ?
	`

	var a domain.LoyaltyAccount
	err := q.QueryRowContext(ctx, r.rebind(query), userID).Scan(
		&a.UserID, &a.Balance, &a.Lifetime, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loyalty account %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get loyalty account %s: %w", userID, err)
	}
	if a.Balance < 0 || a.Lifetime < 0 {
		return nil, fmt.Errorf("%w: loyalty account %s has negative balance", domain.ErrInvalidInput, userID)
	}
	return &a, nil
}

func validatePointsTx(tx *domain.PointsTransaction) error {
	if tx == nil || tx.ID == "" || tx.UserID == "" {
		return fmt.Errorf("%w: transaction id and user id are required", domain.ErrInvalidInput)
	}
	if tx.Amount < 0 {
		return fmt.Errorf("%w: amount must not be negative", domain.ErrInvalidInput)
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	return nil
}
