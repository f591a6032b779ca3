package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/fernlabs/fern/internal/fault"
)

// maxCompareFiles bounds the file list rendered into a compare digest.
const maxCompareFiles = 20

// Client enriches accepted pushes with file-level change details fetched
// from the GitHub API. Enrichment is best-effort; callers drop the digest
// when a fetch fails.
type Client struct {
	gh     *gogithub.Client
	logger *slog.Logger
}

// ClientConfig configures the GitHub API client.
type ClientConfig struct {
	// Token authenticates API requests. Unauthenticated clients work but
	// hit a much lower rate limit.
	Token string

	// BaseURL overrides the API endpoint for GitHub Enterprise and tests.
	BaseURL string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a GitHub API client for push enrichment.
func NewClient(cfg ClientConfig) (*Client, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gh := gogithub.NewClient(httpClient)
	if cfg.Token != "" {
		gh = gh.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fault.Wrap(fault.Validation, err, "github base url")
		}
	}
	return &Client{gh: gh, logger: logger.With("component", "forge")}, nil
}

// splitRepo splits an "owner/name" string into its two parts.
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fault.Newf(fault.Validation, "invalid repo %q: expected owner/name", repo)
	}
	return parts[0], parts[1], nil
}

// checkRateLimit logs a warning when remaining API calls drop below threshold.
func checkRateLimit(logger *slog.Logger, resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining < 100 {
		logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// isZeroSHA reports whether sha is the all-zeros ref GitHub uses for
// branch creation and deletion, where no compare range exists.
func isZeroSHA(sha string) bool {
	return strings.Trim(sha, "0") == ""
}

// CompareChanges fetches the commit range of a push and renders the changed
// files as a digest for the agent prompt.
func (c *Client) CompareChanges(ctx context.Context, push *Push) (string, error) {
	if isZeroSHA(push.Before) || isZeroSHA(push.After) {
		return "", fault.New(fault.Validation, "push has no compare range")
	}
	owner, name, err := splitRepo(push.Repo)
	if err != nil {
		return "", err
	}

	cmp, resp, err := c.gh.Repositories.CompareCommits(ctx, owner, name, push.Before, push.After, nil)
	if err != nil {
		return "", fault.Wrap(fault.Transient, err, "github compare")
	}
	checkRateLimit(c.logger, resp)

	if len(cmp.Files) == 0 {
		return "", nil
	}

	var additions, deletions int
	for _, f := range cmp.Files {
		additions += f.GetAdditions()
		deletions += f.GetDeletions()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Files changed (%d, +%d -%d):", len(cmp.Files), additions, deletions)
	shown := cmp.Files
	if len(shown) > maxCompareFiles {
		shown = shown[:maxCompareFiles]
	}
	for _, f := range shown {
		fmt.Fprintf(&b, "\n- %s (+%d -%d)", f.GetFilename(), f.GetAdditions(), f.GetDeletions())
	}
	if rest := len(cmp.Files) - len(shown); rest > 0 {
		fmt.Fprintf(&b, "\n...and %d more files", rest)
	}
	return b.String(), nil
}
