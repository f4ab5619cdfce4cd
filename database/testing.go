package database

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// TestingT is an interface for testing compatibility.
type TestingT interface {
	Logf(format string, args ...any)
	FailNow()
	Cleanup(func())
}

// SetupTestDatabase creates an isolated in-memory sqlite database.
func SetupTestDatabase(t TestingT) *sql.DB {
	var (
		id  = fmt.Sprintf("test_%s", uuid.New().String()[0:8])
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", id)
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Logf("failed to open in-memory database %s: %v", id, err)
		t.FailNow()
	}

	// The database lives as long as its last connection.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxIdleTime(0)

	if err := conn.Ping(); err != nil {
		t.Logf("failed to ping in-memory database %s: %v", id, err)
		t.FailNow()
	}

	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}
