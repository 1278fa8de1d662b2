// Package stages implements the processing stages a group moves through:
// conversion, calibration, imaging and source extraction. Each stage wraps
// an external collaborator program and classifies its failures so the
// orchestrator can decide between retry and terminal failure.
package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
)

// exitTempFail is the sysexits EX_TEMPFAIL code. Collaborators exit with it
// to signal a transient condition worth retrying.
const exitTempFail = 75

// Command describes one external collaborator invocation.
type Command struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

// Runner executes collaborator commands. Tests substitute a stub.
type Runner interface {
	Run(ctx context.Context, cmd Command, extraArgs ...string) error
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

// Run executes the command and classifies the outcome. A timeout or an
// EX_TEMPFAIL exit is retryable; any other non-zero exit is terminal.
func (ExecRunner) Run(ctx context.Context, cmd Command, extraArgs ...string) error {
	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, cmd.Args...), extraArgs...)
	execCmd := exec.CommandContext(runCtx, cmd.Path, args...)
	// Descendants of a killed collaborator inherit the stderr pipe and can
	// hold Wait open past the deadline. WaitDelay forces Wait to give up on
	// their output shortly after the kill.
	execCmd.WaitDelay = 2 * time.Second

	var stderr bytes.Buffer
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	if err == nil {
		return nil
	}

	tail := stderrTail(stderr.Bytes())

	if ctxErr := runCtx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return pipeline.Retryable(fmt.Errorf("%s timed out after %s: %s", cmd.Path, cmd.Timeout, tail))
		}
		// Killed by an outer cancellation, typically shutdown.
		return pipeline.Retryable(fmt.Errorf("%s interrupted: %w", cmd.Path, ctxErr))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == exitTempFail {
			return pipeline.Retryable(fmt.Errorf("%s reported a transient failure: %s", cmd.Path, tail))
		}
		return pipeline.Terminal(fmt.Errorf("%s exited with code %d: %s", cmd.Path, exitErr.ExitCode(), tail))
	}

	// Could not start at all. The binary may appear after a deploy fix.
	return pipeline.Retryable(fmt.Errorf("%s failed to start: %w", cmd.Path, err))
}

// stderrTail keeps the last few lines of collaborator stderr for the
// failure message.
func stderrTail(out []byte) string {
	const maxLines = 5
	text := strings.TrimSpace(string(out))
	if text == "" {
		return "(no stderr)"
	}
	lines := strings.Split(text, "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, " | ")
}

// verifyOutput checks that a collaborator actually produced its declared
// output. A missing or empty output despite exit 0 is terminal: rerunning
// the same command would produce the same nothing.
func verifyOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return pipeline.Terminal(fmt.Errorf("expected output %s is missing: %w", path, err))
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return pipeline.Terminal(fmt.Errorf("expected output %s is unreadable: %w", path, err))
		}
		if len(entries) == 0 {
			return pipeline.Terminal(fmt.Errorf("expected output %s is an empty directory", path))
		}
		return nil
	}
	if info.Size() == 0 {
		return pipeline.Terminal(fmt.Errorf("expected output %s is empty", path))
	}
	return nil
}
