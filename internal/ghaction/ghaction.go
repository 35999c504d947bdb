// Package ghaction implements the GitHub Actions file-based side channels:
// inputs, step outputs, environment exports, per-job state, and workflow
// command annotations.
//
// The runner contract: inputs arrive as INPUT_<NAME> environment variables;
// outputs, exports and state are appended as key=value lines to the files
// named by GITHUB_OUTPUT, GITHUB_ENV and GITHUB_STATE; state saved during the
// main step is handed back to the post step as STATE_<key> environment
// variables. Annotations are workflow commands printed to stdout.
//
// Every writer degrades to a logged no-op when the corresponding environment
// variable is unset, so the binary stays usable outside a workflow run.
package ghaction

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Environment variable names from the runner contract.
const (
	outputFileVar = "GITHUB_OUTPUT"
	envFileVar    = "GITHUB_ENV"
	stateFileVar  = "GITHUB_STATE"
)

// stdout is the destination for workflow commands. Overridable in tests.
var stdout io.Writer = os.Stdout

// Input returns the value of an action input, following the runner's
// INPUT_<UPPER_SNAKE> convention, with surrounding whitespace trimmed.
// Returns "" when the input is not set.
func Input(name string) string {
	key := "INPUT_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return strings.TrimSpace(os.Getenv(key))
}

// SetOutput publishes a step output.
func SetOutput(log *slog.Logger, key, value string) error {
	return appendKV(log, outputFileVar, key, value)
}

// ExportEnv exports an environment variable to the current and all
// subsequent steps of the job.
func ExportEnv(log *slog.Logger, key, value string) error {
	return appendKV(log, envFileVar, key, value)
}

// SaveState persists a value for the post-job invocation of this action.
func SaveState(log *slog.Logger, key, value string) error {
	return appendKV(log, stateFileVar, key, value)
}

// State reads a value saved by the main invocation via SaveState. The runner
// delivers saved state to the post step as STATE_<key> environment variables.
func State(key string) string {
	return os.Getenv("STATE_" + key)
}

// appendKV appends one key=value entry to the file named by fileVar. Values
// containing newlines use the heredoc form required by the runner. When the
// file variable is unset the entry is dropped with a debug log: this is the
// normal case for local, non-workflow runs.
func appendKV(log *slog.Logger, fileVar, key, value string) error {
	path := os.Getenv(fileVar)
	if path == "" {
		if log != nil {
			log.Debug("runner file not configured, dropping entry", "file_var", fileVar, "key", key)
		}
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s file: %w", fileVar, err)
	}
	defer f.Close() //nolint:errcheck // write errors surface below

	var entry string
	if strings.Contains(value, "\n") {
		delimiter := "ghadelimiter_" + key
		entry = fmt.Sprintf("%s<<%s\n%s\n%s\n", key, delimiter, value, delimiter)
	} else {
		entry = fmt.Sprintf("%s=%s\n", key, value)
	}

	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append to %s file: %w", fileVar, err)
	}
	return nil
}

// Errorf emits an error annotation, shown inline in the workflow UI.
func Errorf(format string, args ...any) {
	command("error", fmt.Sprintf(format, args...))
}

// Warningf emits a warning annotation.
func Warningf(format string, args ...any) {
	command("warning", fmt.Sprintf(format, args...))
}

// Noticef emits a notice annotation.
func Noticef(format string, args ...any) {
	command("notice", fmt.Sprintf(format, args...))
}

// command prints a workflow command with the message escaping the runner
// requires (% first, then CR/LF).
func command(name, message string) {
	r := strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A")
	fmt.Fprintf(stdout, "::%s::%s\n", name, r.Replace(message))
}
