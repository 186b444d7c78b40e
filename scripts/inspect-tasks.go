//go:build ignore

package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// Quick look at the task queue without going through the API.
// Usage: go run scripts/inspect-tasks.go [db-path]
func main() {
	dbPath := "data/agentmux.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening DB: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status ORDER BY status`)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error counting tasks: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Task counts:")
	total := 0
	for rows.Next() {
		var status string
		var n int
		rows.Scan(&status, &n)
		fmt.Printf("  %-12s %d\n", status, n)
		total += n
	}
	rows.Close()
	fmt.Printf("  %-12s %d\n", "total", total)

	fmt.Println()
	fmt.Println("Most recent tasks:")
	recent, err := db.Query(`
		SELECT id, status, COALESCE(assigned_to, ''), title, created_at
		FROM tasks ORDER BY created_at DESC LIMIT 10
	`)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing tasks: %v\n", err)
		os.Exit(1)
	}
	defer recent.Close()
	for recent.Next() {
		var id, status, assignedTo, title, createdAt string
		recent.Scan(&id, &status, &assignedTo, &title, &createdAt)
		if assignedTo == "" {
			assignedTo = "-"
		}
		fmt.Printf("  %s  %-12s %-10s %s  (%s)\n", id[:8], status, assignedTo, title, createdAt)
	}
}
