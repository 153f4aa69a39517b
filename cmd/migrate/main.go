// Command migrate manages the bot's database schema.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"

	"tagbot/migrations"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: migrate [flags] <goose command>

Runs a goose command (up, up-by-one, down, redo, reset, status, version)
against the bot database.

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	path := flag.String("database", defaultPath(), "sqlite database file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	db, err := sql.Open("sqlite", *path)
	if err != nil {
		log.Fatalf("open %s: %v", *path, err)
	}
	defer func() { _ = db.Close() }()

	if err := migrations.Apply(db, command); err != nil {
		log.Fatal(err)
	}
}

func defaultPath() string {
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		return v
	}
	return "./data/bot.db"
}
