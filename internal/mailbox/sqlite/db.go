// Package sqlite provides a SQLite-backed mailbox service for local,
// single-machine deployments. It implements the same deaddrop contract as
// the in-memory service but persists namespaces, identities, rooms, inboxes,
// and room logs across restarts.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/convoy/internal/log"
)

// NewDB opens (creating if necessary) the mailbox database at path and
// applies any pending schema migrations.
func NewDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	log.Debug(log.CatDB, "Opening mailbox database", "path", path)
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	log.Info(log.CatDB, "Mailbox database ready", "path", path)
	return db, nil
}
