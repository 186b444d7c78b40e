//go:build ignore

package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// Clears a stuck usage-limit state so dispatch resumes on the next tick.
// Run this only while the server is stopped, or the in-memory state will
// reassert itself.
// Usage: go run scripts/reset-usage-limit.go [db-path]
func main() {
	dbPath := "data/agentmux.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	var limited int
	err = db.QueryRow(`SELECT is_limited FROM usage_limit_states ORDER BY id DESC LIMIT 1`).Scan(&limited)
	if err == sql.ErrNoRows {
		fmt.Println("No usage-limit state recorded; nothing to reset")
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading state: %v\n", err)
		os.Exit(1)
	}
	if limited == 0 {
		fmt.Println("Usage limit already resolved; nothing to reset")
		return
	}

	res, err := db.Exec(`UPDATE usage_limit_states SET is_limited = 0 WHERE is_limited = 1`)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resetting state: %v\n", err)
		os.Exit(1)
	}
	n, _ := res.RowsAffected()
	fmt.Printf("Cleared %d usage-limit state row(s)\n", n)

	res, err = db.Exec(`UPDATE tasks SET status = 'pending', paused_reason = NULL WHERE status = 'paused'`)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resuming paused tasks: %v\n", err)
		os.Exit(1)
	}
	n, _ = res.RowsAffected()
	fmt.Printf("Resumed %d paused task(s)\n", n)
}
