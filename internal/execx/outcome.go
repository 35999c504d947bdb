package execx

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Outcome is the tri-state result of a best-effort operation. Many setup and
// cleanup steps intentionally continue past failures; the tri-state makes the
// distinction between "worked", "the thing was never there" and "it was there
// but the command failed" explicit, so callers (and tests) can tell expected
// absences apart from real problems.
type Outcome int

const (
	// OK means the command succeeded.
	OK Outcome = iota

	// Absent means the subject of the command does not exist on this host
	// (unit not loaded, binary not installed). Expected on clean hosts and
	// never treated as an error.
	Absent

	// Failed means the command ran against an existing subject and failed.
	// Best-effort callers log this as a warning and continue.
	Failed
)

// String returns the name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OK:
		return "OK"
	case Absent:
		return "Absent"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// systemctl exits with 4 when the queried unit is not loaded ("no such unit").
const systemdNoSuchUnitExit = 4

// absentMarkers are stderr fragments that identify a missing subject rather
// than a real failure. systemd phrases vary across versions, hence several.
var absentMarkers = []string{
	"not loaded",
	"not-found",
	"could not be found",
	"no such file or directory",
	"unit file does not exist",
}

// Classify maps a command invocation's result to an Outcome. A nil error is
// OK. A failure to even locate the executable, a "no such unit" exit code,
// or an absence marker on stderr all classify as Absent; everything else is
// Failed.
func Classify(res Result, err error) Outcome {
	if err == nil {
		return OK
	}
	if errors.Is(err, exec.ErrNotFound) {
		return Absent
	}
	if res.ExitCode == systemdNoSuchUnitExit {
		return Absent
	}
	lower := strings.ToLower(res.Stderr)
	for _, marker := range absentMarkers {
		if strings.Contains(lower, marker) {
			return Absent
		}
	}
	return Failed
}
