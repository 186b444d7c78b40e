//go:build ignore

package main

import (
	"fmt"
	"os"
	"os/exec"
)

// Sends a message to a tmux pane the same way the dispatcher does:
// literal text first, Enter as a separate send-keys call.
// Usage: go run scripts/send-to-pane.go <target> <message>
// Example: go run scripts/send-to-pane.go multiagent:0.1 "status report please"
func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: send-to-pane <target> <message>\n")
		os.Exit(1)
	}
	target := os.Args[1]
	message := os.Args[2]

	if out, err := exec.Command("tmux", "send-keys", "-t", target, "-l", message).CombinedOutput(); err != nil {
		fmt.Fprintf(os.Stderr, "Error sending text: %v\n%s", err, out)
		os.Exit(1)
	}
	if out, err := exec.Command("tmux", "send-keys", "-t", target, "Enter").CombinedOutput(); err != nil {
		fmt.Fprintf(os.Stderr, "Error sending Enter: %v\n%s", err, out)
		os.Exit(1)
	}
	fmt.Printf("Sent to %s: %s\n", target, message)
}
