package sqldb

import (
	"fmt"
	"strings"
)

// dialect captures the few places where sqlite and postgres differ. Query
// placeholders are rebound by sqlx from the driver name.
type dialect struct {
	name       string
	driverName string
	// pragmas run once after the connection pool is opened.
	pragmas []string
	// lockClause is appended to SELECTs that precede an UPDATE in the same
	// transaction.
	lockClause string
	// maxOpenConns limits the pool; sqlite serializes writers anyway.
	maxOpenConns int
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return dialect{
			name:       "sqlite",
			driverName: "sqlite3",
			pragmas: []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			},
			maxOpenConns: 1,
		}, nil
	case "postgres", "postgresql", "pgx":
		return dialect{
			name:       "postgres",
			driverName: "pgx",
			lockClause: " FOR UPDATE",
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported driver: %s", driver)
	}
}
