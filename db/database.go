// Package db owns the SQLite connection and the serializer every database
// mutation and most reads funnel through. One goroutine holds the sole
// connection; jobs run inside a long-lived IMMEDIATE transaction with a
// savepoint per job, committed on a cadence and checkpointed against WAL
// growth.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Database file names inside the db dir.
const (
	MainDBName     = "server.db"
	MappingsDBName = "server.mappings.db"
	MasterDBName   = "server.master.db"
	CachesDBName   = "server.caches.db"
)

// Attachment schema names, used as table prefixes in queries.
const (
	SchemaMappings = "external_mappings"
	SchemaMaster   = "external_master"
	SchemaCaches   = "external_caches"
)

// Database is the opened SQLite handle: server.db with the mappings, master
// and caches databases attached. MaxOpenConns is pinned to 1 so the attach
// set and temp state live on a single connection, owned by the serializer.
type Database struct {
	conn *sql.DB
	dir  string
}

// Open opens (creating as needed) the four databases under dir.
func Open(ctx context.Context, dir string) (*Database, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_txlock=immediate",
		"_busy_timeout=30000",
	}
	dsn := filepath.Join(dir, MainDBName) + "?" + strings.Join(opts, "&")
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	attach := []struct{ file, schema string }{
		{MappingsDBName, SchemaMappings},
		{MasterDBName, SchemaMaster},
		{CachesDBName, SchemaCaches},
	}
	for _, a := range attach {
		stmt := fmt.Sprintf("ATTACH DATABASE ? AS %s", a.schema)
		if _, err := conn.ExecContext(ctx, stmt, filepath.Join(dir, a.file)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("attaching %s: %w", a.file, err)
		}
	}
	return &Database{conn: conn, dir: dir}, nil
}

// Conn exposes the raw handle for schema bootstrap, before the serializer
// takes ownership.
func (d *Database) Conn() *sql.DB { return d.conn }

// Dir returns the database directory.
func (d *Database) Dir() string { return d.dir }

// Close closes the connection.
func (d *Database) Close() error { return d.conn.Close() }
