package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const userColumns = `id, display_name, created_at, kyc_verified, bank_verified,
		trust_score, risk_level, last_risk_assessment`

// SaveUser inserts or replaces the identity and verification fields of a user.
// Assessment fields are left to UpdateUserRisk.
func (r *SQLRepository) SaveUser(ctx context.Context, u *domain.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO users (id, display_name, created_at, kyc_verified, bank_verified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			kyc_verified = excluded.kyc_verified,
			bank_verified = excluded.bank_verified
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		u.ID, u.DisplayName, createdAt.UTC(),
		boolToInt(u.KYCVerified), boolToInt(u.BankVerified),
	)
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (r *SQLRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`

	u, err := scanUser(r.db.QueryRowContext(ctx, r.rebind(query), userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ListUsersAfter returns the next page of users in (created_at, id) order.
func (r *SQLRepository) ListUsersAfter(ctx context.Context, cursor domain.UserCursor, limit int) ([]*domain.User, error) {
	rows, err := r.queryUsersAfter(ctx, userColumns, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// ListUserKeysAfter pages like ListUsersAfter but reads only the key
// columns, so a row with an invalid assessment still yields its key.
func (r *SQLRepository) ListUserKeysAfter(ctx context.Context, cursor domain.UserCursor, limit int) ([]domain.UserCursor, error) {
	rows, err := r.queryUsersAfter(ctx, "id, created_at", cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []domain.UserCursor
	for rows.Next() {
		var k domain.UserCursor
		if err := rows.Scan(&k.ID, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user key: %w", err)
		}
		keys = append(keys, k)
	}

	return keys, rows.Err()
}

func (r *SQLRepository) queryUsersAfter(ctx context.Context, columns string, cursor domain.UserCursor, limit int) (*sql.Rows, error) {
	limit = clampLimit(limit, 50, 1000)

	var rows *sql.Rows
	var err error
	if cursor.IsZero() {
		query := `SELECT ` + columns + ` FROM users ORDER BY created_at, id LIMIT ?`
		rows, err = r.db.QueryContext(ctx, r.rebind(query), limit)
	} else {
		query := `
			SELECT ` + columns + `
			FROM users
			WHERE created_at > ? OR (created_at = ? AND id > ?)
			ORDER BY created_at, id
			LIMIT ?
		`
		at := cursor.CreatedAt.UTC()
		rows, err = r.db.QueryContext(ctx, r.rebind(query), at, at, cursor.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return rows, nil
}

// UpdateUserRisk writes the latest assessment onto the user row.
func (r *SQLRepository) UpdateUserRisk(ctx context.Context, userID string, score int, level domain.RiskLevel, at time.Time) error {
	query := `
		UPDATE users
		SET trust_score = ?, risk_level = ?, last_risk_assessment = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), score, string(level), at.UTC(), userID)
	if err != nil {
		return fmt.Errorf("update user risk %s: %w", userID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	var kyc, bank int
	var score sql.NullInt64
	var level sql.NullString
	var assessed sql.NullTime

	if err := row.Scan(
		&u.ID, &u.DisplayName, &u.CreatedAt, &kyc, &bank,
		&score, &level, &assessed,
	); err != nil {
		return nil, err
	}

	u.KYCVerified = kyc == 1
	u.BankVerified = bank == 1
	if score.Valid {
		s := int(score.Int64)
		if s < domain.MinTrustScore || s > domain.MaxTrustScore {
			return nil, fmt.Errorf("%w: user %s has trust score %d", domain.ErrInvalidInput, u.ID, s)
		}
		u.TrustScore = &s
	}
	if level.Valid && level.String != "" {
		l, err := domain.ParseRiskLevel(level.String)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", u.ID, err)
		}
		u.RiskLevel = l
	}
	if assessed.Valid {
		t := assessed.Time
		u.LastRiskAssessment = &t
	}

	return &u, nil
}
