package state

// Schemas are written in the SQLite dialect and rewritten for PostgreSQL
// placeholders at query time. Kept intentionally small: one unified row per
// user instead of the original two-record layout, which closes the
// split-write race for transports that cannot guarantee a single writer.

const schemaUserStates = `
CREATE TABLE IF NOT EXISTS user_states (
	user_id           TEXT PRIMARY KEY,
	last_location     TEXT NOT NULL DEFAULT '',
	recent_timestamps TEXT NOT NULL DEFAULT '[]',
	updated_at        TIMESTAMP NOT NULL
)`

const schemaRecentTransactions = `
CREATE TABLE IF NOT EXISTS recent_transactions (
	user_id    TEXT NOT NULL,
	tx_id      TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, tx_id)
)`

const indexRecentTransactions = `
CREATE INDEX IF NOT EXISTS idx_recent_transactions_user_time
ON recent_transactions (user_id, created_at DESC)`

// AllSchemas returns every schema statement in creation order.
func AllSchemas() []string {
	return []string{
		schemaUserStates,
		schemaRecentTransactions,
		indexRecentTransactions,
	}
}
