package storage

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create pending entries table",
			SQL: `
				CREATE TABLE IF NOT EXISTS pending_entries (
					kind TEXT NOT NULL,
					address TEXT NOT NULL,
					parent TEXT NOT NULL DEFAULT '',
					created_at INTEGER NOT NULL,
					PRIMARY KEY (kind, address)
				);

				CREATE INDEX IF NOT EXISTS idx_pending_scope ON pending_entries(kind, parent);
			`,
		},
		{
			Version:     "002",
			Description: "Create checkpoints table",
			SQL: `
				CREATE TABLE IF NOT EXISTS checkpoints (
					kind TEXT NOT NULL,
					address TEXT NOT NULL,
					value INTEGER NOT NULL,
					updated_at INTEGER NOT NULL,
					PRIMARY KEY (kind, address)
				);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create pending entries table",
			SQL: `
				CREATE TABLE IF NOT EXISTS pending_entries (
					kind VARCHAR(32) NOT NULL,
					address VARCHAR(66) NOT NULL,
					parent VARCHAR(66) NOT NULL DEFAULT '',
					created_at BIGINT NOT NULL,
					PRIMARY KEY (kind, address)
				);

				CREATE INDEX IF NOT EXISTS idx_pending_scope ON pending_entries(kind, parent);
			`,
		},
		{
			Version:     "002",
			Description: "Create checkpoints table",
			SQL: `
				CREATE TABLE IF NOT EXISTS checkpoints (
					kind VARCHAR(32) NOT NULL,
					address VARCHAR(66) NOT NULL,
					value BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					PRIMARY KEY (kind, address)
				);
			`,
		},
	}
}
