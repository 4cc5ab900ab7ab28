package db

import (
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/nakagami/firebirdsql"
	_ "modernc.org/sqlite"
)

// Dialect captures the differences between the supported source databases.
// Queries are written with '?' placeholders and rebound by sqlx
type Dialect struct {
	Name       string
	DriverName string

	// tableExists must return a single count for the folded table name
	tableExists string
	foldName    func(string) string
	changeLog   string
	cursor      string
	changeIndex string
}

var dialects = map[string]Dialect{
	"firebird": {
		Name:        "firebird",
		DriverName:  "firebirdsql",
		tableExists: `SELECT COUNT(*) FROM RDB$RELATIONS WHERE TRIM(RDB$RELATION_NAME) = ?`,
		foldName:    strings.ToUpper,
		changeLog: `CREATE TABLE SYNC_CHANGE_LOG (
			ID BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
			ITEM_CODE INTEGER NOT NULL,
			OPERATION VARCHAR(6) NOT NULL,
			CHANGED_AT TIMESTAMP NOT NULL,
			PROCESSED SMALLINT DEFAULT 0 NOT NULL
		)`,
		cursor: `CREATE TABLE SYNC_CURSOR (
			ID INTEGER NOT NULL PRIMARY KEY,
			LAST_SYNC_TIME TIMESTAMP,
			LAST_SYNC_COUNT INTEGER DEFAULT 0 NOT NULL
		)`,
		changeIndex: `CREATE INDEX IDX_SYNC_CHANGE_PENDING ON SYNC_CHANGE_LOG (PROCESSED, CHANGED_AT)`,
	},
	"postgres": {
		Name:        "postgres",
		DriverName:  "pgx",
		tableExists: `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`,
		foldName:    strings.ToLower,
		changeLog: `CREATE TABLE IF NOT EXISTS SYNC_CHANGE_LOG (
			ID BIGSERIAL PRIMARY KEY,
			ITEM_CODE INTEGER NOT NULL,
			OPERATION VARCHAR(6) NOT NULL,
			CHANGED_AT TIMESTAMP NOT NULL,
			PROCESSED SMALLINT NOT NULL DEFAULT 0
		)`,
		cursor: `CREATE TABLE IF NOT EXISTS SYNC_CURSOR (
			ID INTEGER PRIMARY KEY,
			LAST_SYNC_TIME TIMESTAMP NULL,
			LAST_SYNC_COUNT INTEGER NOT NULL DEFAULT 0
		)`,
		changeIndex: `CREATE INDEX IF NOT EXISTS IDX_SYNC_CHANGE_PENDING ON SYNC_CHANGE_LOG (PROCESSED, CHANGED_AT)`,
	},
	"sqlite": {
		Name:        "sqlite",
		DriverName:  "sqlite",
		tableExists: `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND UPPER(name) = ?`,
		foldName:    strings.ToUpper,
		changeLog: `CREATE TABLE IF NOT EXISTS SYNC_CHANGE_LOG (
			ID INTEGER PRIMARY KEY AUTOINCREMENT,
			ITEM_CODE INTEGER NOT NULL,
			OPERATION TEXT NOT NULL,
			CHANGED_AT TIMESTAMP NOT NULL,
			PROCESSED INTEGER NOT NULL DEFAULT 0
		)`,
		cursor: `CREATE TABLE IF NOT EXISTS SYNC_CURSOR (
			ID INTEGER PRIMARY KEY,
			LAST_SYNC_TIME TIMESTAMP NULL,
			LAST_SYNC_COUNT INTEGER NOT NULL DEFAULT 0
		)`,
		changeIndex: `CREATE INDEX IF NOT EXISTS IDX_SYNC_CHANGE_PENDING ON SYNC_CHANGE_LOG (PROCESSED, CHANGED_AT)`,
	},
}

// LookupDialect resolves the SOURCE_DRIVER value
func LookupDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "firebird", "firebirdsql":
		return dialects["firebird"], nil
	case "postgres", "postgresql", "pgx":
		return dialects["postgres"], nil
	case "sqlite", "sqlite3":
		return dialects["sqlite"], nil
	}
	return Dialect{}, fmt.Errorf("unsupported source driver %q", name)
}
