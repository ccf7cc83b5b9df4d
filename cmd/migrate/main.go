package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
)

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	filename   TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func main() {
	listOnly := flag.Bool("list", false, "list the pipeline tables and applied migrations, then exit")
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}
	dir := "migrations"
	if flag.NArg() > 0 {
		dir = flag.Arg(0)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Println("Connected to database")

	if _, err := db.Exec(ledgerDDL); err != nil {
		log.Fatalf("create schema_migrations: %v", err)
	}

	if *listOnly {
		list(db)
		return
	}

	applied, err := appliedSet(db)
	if err != nil {
		log.Fatalf("read schema_migrations: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("read migrations dir %s: %v", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var okCount, skipCount int
	for _, f := range files {
		if applied[f] {
			skipCount++
			continue
		}
		path := filepath.Join(dir, f)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read %s: %v", path, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		fmt.Printf("  %s ... ", f)

		tx, err := db.Begin()
		if err != nil {
			log.Fatalf("begin: %v", err)
		}
		if _, err := tx.Exec(string(data)); err != nil {
			tx.Rollback()
			fmt.Println("ERROR")
			// later files may depend on this one
			log.Fatalf("%s: %v", f, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (filename) VALUES ($1)`, f); err != nil {
			tx.Rollback()
			log.Fatalf("record %s: %v", f, err)
		}
		if err := tx.Commit(); err != nil {
			log.Fatalf("commit %s: %v", f, err)
		}
		fmt.Println("OK")
		okCount++
	}
	log.Printf("Done: %d applied, %d already applied", okCount, skipCount)
}

func appliedSet(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query(`SELECT filename FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out[f] = true
	}
	return out, rows.Err()
}

func list(db *sql.DB) {
	rows, err := db.Query(`SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND (tablename LIKE 'email\_%' OR tablename = 'scheduled_emails')
		ORDER BY tablename`)
	if err != nil {
		log.Fatal(err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var t string
		rows.Scan(&t)
		fmt.Println(" ", t)
		n++
	}
	fmt.Printf("Total: %d tables\n", n)

	applied, err := appliedSet(db)
	if err != nil {
		log.Fatal(err)
	}
	names := make([]string, 0, len(applied))
	for f := range applied {
		names = append(names, f)
	}
	sort.Strings(names)
	fmt.Println("Applied migrations:")
	for _, f := range names {
		fmt.Println(" ", f)
	}
}
