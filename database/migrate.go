package database

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidTablePrefix is returned when the table prefix contains invalid characters
	ErrInvalidTablePrefix = errors.New("table prefix must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// validTablePrefixPattern validates identifiers that are safe in both Postgres and SQLite
	validTablePrefixPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

var (
	createRotationsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_rotations (
    cycle_id             VARCHAR(64)   NOT NULL,
    cycle                BIGINT        NOT NULL,
    region               INTEGER       NOT NULL,
    new_address          VARCHAR(255)  NOT NULL,
    new_instance_id      VARCHAR(255)  NOT NULL,
    retired_address      VARCHAR(255)  NOT NULL,
    retired_instance_id  VARCHAR(255)  NOT NULL,
    outcome              VARCHAR(32)   NOT NULL,
    error                TEXT          NOT NULL,
    started_at           BIGINT        NOT NULL,
    finished_at          BIGINT        NOT NULL,

    PRIMARY KEY (cycle_id)
);`

	createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_events (
    cycle_id      VARCHAR(64)   NOT NULL,
    kind          VARCHAR(32)   NOT NULL,
    address       VARCHAR(255)  NOT NULL,
    instance_id   VARCHAR(255)  NOT NULL,
    region        INTEGER       NOT NULL,
    at            BIGINT        NOT NULL
);`

	createEventsIndexSQL = `
CREATE INDEX IF NOT EXISTS %s
ON %s_events (address, at);`

	createLeasesTableSQL = `
CREATE TABLE IF NOT EXISTS %s_leases (
    name        VARCHAR(64)   NOT NULL,
    holder      VARCHAR(255)  NOT NULL,
    expires_at  BIGINT        NOT NULL,

    PRIMARY KEY (name)
);`
)

// ValidateTablePrefix checks that prefix is usable as a table name prefix.
func ValidateTablePrefix(prefix string) error {
	if prefix == "" {
		return errors.New("table prefix cannot be empty")
	}

	if len(prefix) > 48 {
		return errors.New("table prefix must be 48 characters or less")
	}

	if !validTablePrefixPattern.MatchString(prefix) {
		return ErrInvalidTablePrefix
	}

	return nil
}

// Migrate creates the rotations, events and leases tables with indexes.
func Migrate(db *sql.DB, tablePrefix string) error {
	if err := ValidateTablePrefix(tablePrefix); err != nil {
		return fmt.Errorf("invalid table prefix: %w", err)
	}

	if err := createRotationsTable(db, tablePrefix); err != nil {
		return err
	}

	if err := createEventsTable(db, tablePrefix); err != nil {
		return err
	}

	if err := createEventsIndex(db, tablePrefix); err != nil {
		return err
	}

	if err := createLeasesTable(db, tablePrefix); err != nil {
		return err
	}

	return nil
}

func createRotationsTable(db *sql.DB, tablePrefix string) error {
	var query = fmt.Sprintf(createRotationsTableSQL, tablePrefix)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create rotations table: %w", err)
	}
	return nil
}

func createEventsTable(db *sql.DB, tablePrefix string) error {
	var query = fmt.Sprintf(createEventsTableSQL, tablePrefix)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	return nil
}

func createEventsIndex(db *sql.DB, tablePrefix string) error {
	var (
		indexName = fmt.Sprintf("%s_events_address_idx", tablePrefix)
		query     = fmt.Sprintf(createEventsIndexSQL, indexName, tablePrefix)
	)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create events index: %w", err)
	}
	return nil
}

func createLeasesTable(db *sql.DB, tablePrefix string) error {
	var query = fmt.Sprintf(createLeasesTableSQL, tablePrefix)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create leases table: %w", err)
	}
	return nil
}
