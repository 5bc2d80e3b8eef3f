package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaUsers = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    kyc_verified INTEGER NOT NULL DEFAULT 0,
    bank_verified INTEGER NOT NULL DEFAULT 0,
    trust_score INTEGER,
    risk_level TEXT,
    last_risk_assessment TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_users_created ON users(created_at, id);
`

const schemaOrders = `
CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    seller_id TEXT NOT NULL,
    buyer_id TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_seller_status ON orders(seller_id, status);
`

const schemaReports = `
CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    target_id TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    action TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_target_status ON reports(target_id, status);
`

// schemaRiskHistories is append-only; rows are never updated.
const schemaRiskHistories = `
CREATE TABLE IF NOT EXISTS risk_histories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    score INTEGER NOT NULL,
    risk_level TEXT NOT NULL,
    reason TEXT NOT NULL,
    factors TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_histories_user ON risk_histories(user_id, created_at);
`

const schemaLoyalty = `
CREATE TABLE IF NOT EXISTS loyalty_accounts (
    user_id TEXT PRIMARY KEY,
    balance BIGINT NOT NULL DEFAULT 0,
    lifetime BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS points_transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    type TEXT NOT NULL,
    amount BIGINT NOT NULL,
    balance_after BIGINT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    reference TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_points_transactions_user ON points_transactions(user_id, created_at);
`

const schemaAuditLogs = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id TEXT PRIMARY KEY,
    operator TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT '',
    action_type TEXT NOT NULL,
    target TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action_type);
`

const schemaSettings = `
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaUsers,
		schemaOrders,
		schemaReports,
		schemaRiskHistories,
		schemaLoyalty,
		schemaAuditLogs,
		schemaSettings,
	}
}
