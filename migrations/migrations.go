// Package migrations carries the embedded schema migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var files embed.FS

// Apply runs the given goose command ("up", "down", "status", ...)
// against the embedded migration set.
func Apply(db *sql.DB, command string) error {
	goose.SetBaseFS(files)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.RunContext(context.Background(), command, db, "."); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

// Run brings the schema up to the latest version.
func Run(db *sql.DB) error {
	return Apply(db, "up")
}
