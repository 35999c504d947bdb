package install

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/buildkite/roko"
	"github.com/tidwall/gjson"

	"github.com/fenio/setup-kubesolo/internal/sentinel"
)

// ErrEmptyVersion is returned when the latest-release lookup succeeds but
// yields no tag. Continuing would build a download URL with an empty
// version, so this aborts setup.
const ErrEmptyVersion = sentinel.Error("latest release lookup returned an empty version")

// releaseAPIAttempts and releaseAPIRetryDelay bound the retried GET against
// the release API. Three constant-interval attempts ride out the transient
// 5xx responses the API occasionally serves.
const (
	releaseAPIAttempts   = 3
	releaseAPIRetryDelay = 2 * time.Second
)

// ResolveVersion turns "latest" into a concrete release tag via the GitHub
// releases API. Any other value passes through unchanged.
func (i *Installer) ResolveVersion(ctx context.Context, version string) (string, error) {
	if version != "latest" {
		return version, nil
	}

	url := i.releaseAPIBase + "/repos/" + i.repo + "/releases/latest"

	var body []byte
	err := roko.NewRetrier(
		roko.WithMaxAttempts(releaseAPIAttempts),
		roko.WithStrategy(roko.Constant(releaseAPIRetryDelay)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			r.Break()
			return fmt.Errorf("build release request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")

		resp, err := i.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("query latest release: %w", err)
		}
		defer resp.Body.Close() //nolint:errcheck // read side is what matters

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("latest release lookup: unexpected status %s", resp.Status)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read release response: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	tag := gjson.GetBytes(body, "tag_name").String()
	if tag == "" {
		return "", ErrEmptyVersion
	}

	i.log.Info("resolved latest release", "version", tag)
	return tag, nil
}
