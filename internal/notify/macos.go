// Package notify raises best-effort desktop alerts for fleet outcomes that
// need an operator, such as human handoffs and dead-lettered tasks.
package notify

import (
	"fmt"
	"os/exec"
	"strings"
)

// Send sends a macOS notification via osascript with sound. Callers treat
// failure as non-fatal: a missing osascript (Linux, headless CI) must never
// affect a decision cycle.
func Send(title, message string) error {
	title = escapeAppleScript(title)
	message = escapeAppleScript(message)

	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		message, title,
	)

	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
