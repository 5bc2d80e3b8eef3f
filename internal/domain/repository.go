// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// UserStore reads and updates user records.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	SaveUser(ctx context.Context, u *User) error

	// ListUsersAfter returns up to limit users ordered by (created_at, id),
	// strictly after cursor.
	ListUsersAfter(ctx context.Context, cursor UserCursor, limit int) ([]*User, error)

	// ListUserKeysAfter pages the same order but returns only the keys.
	ListUserKeysAfter(ctx context.Context, cursor UserCursor, limit int) ([]UserCursor, error)

	// UpdateUserRisk writes the assessment result back onto the user record.
	UpdateUserRisk(ctx context.Context, userID string, score int, level RiskLevel, at time.Time) error
}

// OrderStore counts orders by seller.
type OrderStore interface {
	SaveOrder(ctx context.Context, o *Order) error
	UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus) (*Order, error)
	CountSellerOrders(ctx context.Context, sellerID string, status OrderStatus) (int, error)
}

// ReportStore counts moderation reports by target.
type ReportStore interface {
	SaveReport(ctx context.Context, r *Report) error
	CountUpheldReports(ctx context.Context, targetID string) (int, error)
}

// RiskStore keeps the append-only score history.
type RiskStore interface {
	AppendRiskHistory(ctx context.Context, e *RiskHistoryEntry) error
	ListRiskHistory(ctx context.Context, userID string, limit int) ([]RiskHistoryEntry, error)
}

// LoyaltyStore persists points ledgers.
type LoyaltyStore interface {
	GetLoyaltyAccount(ctx context.Context, userID string) (*LoyaltyAccount, error)

	// EarnPoints credits amount and records tx; the account is created on first earn.
	EarnPoints(ctx context.Context, tx *PointsTransaction) (*LoyaltyAccount, error)

	// SpendPoints debits amount atomically. It returns ErrInsufficientBalance
	// and leaves the balance untouched when amount exceeds the balance.
	SpendPoints(ctx context.Context, tx *PointsTransaction) (*LoyaltyAccount, error)

	ListPointsTransactions(ctx context.Context, userID string, limit int) ([]PointsTransaction, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	SaveAuditEntry(ctx context.Context, e *AuditEntry) error
	ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error)
}

// SettingsStore keeps small JSON documents such as the active weight table.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) ([]byte, error)
	SaveSetting(ctx context.Context, key string, value []byte) error
}

// Repository is the full persistence surface.
type Repository interface {
	UserStore
	OrderStore
	ReportStore
	RiskStore
	LoyaltyStore
	AuditStore
	SettingsStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
