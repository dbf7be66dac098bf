package bugzilla

import "strings"

// Dialect abstracts the few places where MySQL and SQLite disagree.
// Production runs on MySQL; the test suite runs the same adapter against
// an embedded SQLite database.
type Dialect interface {
	Name() string
	// AutoPrimaryKey is the column definition for a self-assigning
	// integer primary key.
	AutoPrimaryKey() string
	// LockTables returns the statement taking write and read locks on
	// the given tables, or ok=false when the engine has no table locks.
	LockTables(write, read []string) (stmt string, ok bool)
	UnlockTables() (stmt string, ok bool)
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }

func (mysqlDialect) AutoPrimaryKey() string {
	return "INT NOT NULL AUTO_INCREMENT PRIMARY KEY"
}

func (mysqlDialect) LockTables(write, read []string) (string, bool) {
	var parts []string
	for _, t := range write {
		parts = append(parts, t+" WRITE")
	}
	for _, t := range read {
		parts = append(parts, t+" READ")
	}
	if len(parts) == 0 {
		return "", false
	}
	return "LOCK TABLES " + strings.Join(parts, ", "), true
}

func (mysqlDialect) UnlockTables() (string, bool) { return "UNLOCK TABLES", true }

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) AutoPrimaryKey() string {
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (sqliteDialect) LockTables(write, read []string) (string, bool) { return "", false }

func (sqliteDialect) UnlockTables() (string, bool) { return "", false }

// MySQL returns the production dialect.
func MySQL() Dialect { return mysqlDialect{} }

// SQLite returns the dialect used by the test suite.
func SQLite() Dialect { return sqliteDialect{} }
