package install

import (
	"context"
	"fmt"
	"strings"

	"github.com/fenio/setup-kubesolo/internal/sentinel"
)

// ErrUnsupportedArch is returned for machine identifiers with no KubeSolo
// release artifact. This is a hard error: it must abort setup before any
// download is attempted.
const ErrUnsupportedArch = sentinel.Error("unsupported CPU architecture")

// archTokens maps `uname -m` machine identifiers (and their Go runtime
// equivalents) to KubeSolo's release artifact naming.
var archTokens = map[string]string{
	"x86_64":  "amd64",
	"amd64":   "amd64",
	"aarch64": "arm64",
	"arm64":   "arm64",
	"armv7l":  "arm",
	"arm":     "arm",
}

// MapArch translates a machine identifier to the release artifact token.
func MapArch(machine string) (string, error) {
	token, ok := archTokens[strings.TrimSpace(machine)]
	if !ok {
		return "", fmt.Errorf("machine %q: %w", machine, ErrUnsupportedArch)
	}
	return token, nil
}

// hostArch queries the host machine identifier via uname and maps it.
func (i *Installer) hostArch(ctx context.Context) (string, error) {
	res, err := i.runner.Run(ctx, "uname", "-m")
	if err != nil {
		return "", fmt.Errorf("detect architecture: %w", err)
	}
	return MapArch(strings.TrimSpace(res.Stdout))
}
