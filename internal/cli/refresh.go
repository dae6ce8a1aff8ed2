package cli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	cortex "github.com/tilakbaserock/pan-cortex-data-lake-go"
)

// commandRefresher runs command through the shell and uses its trimmed
// stdout as the new access token.
func commandRefresher(command string) cortex.RefreshFunc {
	return func(ctx context.Context) (string, error) {
		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return "", fmt.Errorf("refresh command: %w: %s", err, msg)
			}
			return "", fmt.Errorf("refresh command: %w", err)
		}
		return strings.TrimSpace(string(out)), nil
	}
}
