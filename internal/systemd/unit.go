package systemd

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/fenio/setup-kubesolo/internal/fileutil"
)

// Unit describes a systemd service unit to be rendered and installed.
type Unit struct {
	Description      string
	After            string
	Wants            string
	ExecStart        string
	WorkingDirectory string
	Restart          string
	RestartSec       int
	LimitNOFILE      string
	LimitNPROC       string
	TasksMax         string
}

// unitTemplate is the fixed unit file layout. Only plain field substitution
// is needed; optional ordering directives are omitted when empty.
var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description={{.Description}}
{{- if .After}}
After={{.After}}
{{- end}}
{{- if .Wants}}
Wants={{.Wants}}
{{- end}}

[Service]
Type=simple
ExecStart={{.ExecStart}}
WorkingDirectory={{.WorkingDirectory}}
Restart={{.Restart}}
RestartSec={{.RestartSec}}
LimitNOFILE={{.LimitNOFILE}}
LimitNPROC={{.LimitNPROC}}
TasksMax={{.TasksMax}}

[Install]
WantedBy=multi-user.target
`))

// Render produces the unit file body. Missing required fields are an error
// so a partially populated unit never reaches disk.
func (u Unit) Render() (string, error) {
	if u.Description == "" {
		return "", fmt.Errorf("unit description must not be empty")
	}
	if u.ExecStart == "" {
		return "", fmt.Errorf("unit ExecStart must not be empty")
	}
	if u.WorkingDirectory == "" {
		return "", fmt.Errorf("unit WorkingDirectory must not be empty")
	}

	var b strings.Builder
	if err := unitTemplate.Execute(&b, u); err != nil {
		return "", fmt.Errorf("render unit template: %w", err)
	}
	return b.String(), nil
}

// WriteUnit renders the unit and writes it to path with mode 0644, creating
// parent directories as needed. Callers must daemon-reload afterwards.
func WriteUnit(path string, u Unit) error {
	body, err := u.Render()
	if err != nil {
		return err
	}
	if err := fileutil.EnsureDirForFile(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write unit file %s: %w", path, err)
	}
	return nil
}
