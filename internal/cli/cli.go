// Package cli renders indexer pipeline progress in a compact,
// docker-build-like format: numbered steps, indented detail lines and a
// closing summary. Quiet mode suppresses everything except errors.
package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// CLI writes human-oriented progress output. It satisfies the indexer's
// Reporter interface.
type CLI struct {
	out        io.Writer
	quiet      bool
	phaseStart time.Time
}

// New returns a CLI writing to stdout.
func New(quiet bool) *CLI {
	return &CLI{out: os.Stdout, quiet: quiet}
}

// WithOutput redirects output, used by tests.
func (c *CLI) WithOutput(w io.Writer) *CLI {
	c.out = w
	return c
}

// StartPhase opens a named phase and starts its timer.
func (c *CLI) StartPhase(name string) {
	c.phaseStart = time.Now()
	if c.quiet {
		return
	}
	fmt.Fprintf(c.out, "\n==> %s\n", name)
}

// EndPhase closes the current phase and returns its duration.
func (c *CLI) EndPhase() time.Duration {
	elapsed := time.Since(c.phaseStart)
	if !c.quiet {
		fmt.Fprintf(c.out, "✔ completed in %s\n", formatDuration(elapsed))
	}
	return elapsed
}

// Step prints a numbered pipeline step with a fresh short id.
func (c *CLI) Step(current, total int, description string) {
	if c.quiet {
		return
	}
	fmt.Fprintf(c.out, "Step %d/%d : %s\n", current, total, description)
	fmt.Fprintf(c.out, " ---> Running in %s\n", shortID())
}

// Info prints an indented detail line.
func (c *CLI) Info(message string) {
	if c.quiet {
		return
	}
	fmt.Fprintf(c.out, " ---> %s\n", message)
}

// Success prints an indented success line.
func (c *CLI) Success(message string) {
	if c.quiet {
		return
	}
	fmt.Fprintf(c.out, " ---> ✔ %s\n", message)
}

// Warning prints an indented warning line.
func (c *CLI) Warning(message string) {
	if c.quiet {
		return
	}
	fmt.Fprintf(c.out, " ---> [WARNING] %s\n", message)
}

// Error prints an error line. Errors are never suppressed.
func (c *CLI) Error(message string) {
	fmt.Fprintf(c.out, "✖ ERROR: %s\n", message)
}

// Summary prints a completion banner followed by sorted key/value lines.
func (c *CLI) Summary(title string, items map[string]string) {
	if c.quiet {
		return
	}
	fmt.Fprintf(c.out, "\nSuccessfully completed: %s\n", title)
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.out, " - %s: %s\n", k, items[k])
	}
}

// CacheStatus prints the checkpoint cache summary for the status verb.
func (c *CLI) CacheStatus(exists bool, entries int, sizeBytes int64, metadata map[string]string) {
	if !exists {
		fmt.Fprintln(c.out, "Cache: empty")
		return
	}
	fmt.Fprintf(c.out, "Cache: %d entries (%s)\n", entries, formatBytes(sizeBytes))
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.out, " - %s: %s\n", k, metadata[k])
	}
}

// shortID mimics container-style layer ids.
func shortID() string {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%012x", time.Now().UnixNano()&0xffffffffffff)
	}
	return hex.EncodeToString(buf[:])
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
