package sqliteutil

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

const MemoryPath = ":memory:"

// Config selects between a local sqlite file and a remote libsql database.
type Config struct {
	File      string `json:"file"`
	Url       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

// IsRemote reports whether the config points at a libsql server.
func (c Config) IsRemote() bool {
	return c.Url != ""
}

func wrapOpenDB(err error) error {
	return fmt.Errorf("open db: %w", err)
}

// OpenDB opens the configured database and applies `schema` to it.
// the schema should only contain idempotent statements (CREATE ... IF NOT EXISTS).
func (c Config) OpenDB(ctx context.Context, schema string) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	if c.IsRemote() {
		db, err = openRemote(c.Url, c.AuthToken)
	} else {
		db, err = openLocal(c.File)
	}
	if err != nil {
		return nil, wrapOpenDB(err)
	}

	if schema != "" {
		_, err = db.ExecContext(ctx, schema)
		if err != nil {
			db.Close()
			return nil, wrapOpenDB(fmt.Errorf("apply schema: %w", err))
		}
	}
	return db, nil
}

func openRemote(rawUrl, authToken string) (*sql.DB, error) {
	link, err := url.Parse(rawUrl)
	if err != nil {
		return nil, err
	}
	if authToken != "" {
		query := link.Query()
		query.Set("authToken", authToken)
		link.RawQuery = query.Encode()
	}
	return sql.Open("libsql", link.String())
}

func openLocal(path string) (*sql.DB, error) {
	if path == "" {
		path = MemoryPath
	}
	if path != MemoryPath {
		err := os.MkdirAll(filepath.Dir(path), 0777)
		if err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// see this stackoverflow post for information on why the following
	// lines exist: https://stackoverflow.com/questions/35804884/sqlite-concurrent-writing-performance
	// a single connection also keeps every query on the same :memory: database.
	db.SetMaxOpenConns(1)
	if path != MemoryPath {
		_, err = db.Exec("PRAGMA journal_mode=WAL")
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}
