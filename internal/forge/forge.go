// Package forge ingests GitHub webhook deliveries. It validates payload
// signatures, decodes push events, and filters out the deliveries the agent
// should not react to (non-push events, side branches, bot pushers). An
// optional API client enriches accepted pushes with file-level diffs.
package forge

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/fernlabs/fern/internal/fault"
)

// Push is a decoded push event that passed all ingestion filters.
type Push struct {
	Repo    string // "owner/name"
	Branch  string
	Pusher  string
	Before  string
	After   string
	Forced  bool
	Compare string
	Commits []Commit
}

// Commit is one commit carried in a push delivery.
type Commit struct {
	SHA      string
	Message  string
	Author   string
	Added    int
	Removed  int
	Modified int
}

// Receiver validates and decodes incoming GitHub webhook requests.
type Receiver struct {
	secret []byte
	logger *slog.Logger
}

// NewReceiver creates a webhook receiver. An empty secret disables
// signature validation; deliveries are then accepted as-is, which is only
// acceptable for local development.
func NewReceiver(secret string, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	rc := &Receiver{logger: logger.With("component", "forge")}
	if secret != "" {
		rc.secret = []byte(secret)
	}
	return rc
}

// Enabled reports whether deliveries are signature-checked.
func (rc *Receiver) Enabled() bool { return len(rc.secret) > 0 }

// Receive validates the request signature and decodes the delivery.
//
// A nil Push with a non-empty reason means the delivery was well-formed but
// is not actionable: wrong event type, a push to a tag or side branch, or a
// bot pusher. The caller acknowledges those with a success status so GitHub
// does not retry them. An error means the delivery must be rejected.
func (rc *Receiver) Receive(r *http.Request) (*Push, string, error) {
	payload, err := gogithub.ValidatePayload(r, rc.secret)
	if err != nil {
		return nil, "", fault.Wrap(fault.Signature, err, "github webhook rejected")
	}

	event := gogithub.WebHookType(r)
	rc.logger.Debug("github delivery received",
		"event", event,
		"delivery", gogithub.DeliveryID(r),
	)
	if event != "push" {
		return nil, fmt.Sprintf("event %q not handled", event), nil
	}

	raw, err := gogithub.ParseWebHook(event, payload)
	if err != nil {
		return nil, "", fault.Wrap(fault.Validation, err, "github webhook parse")
	}
	pe, ok := raw.(*gogithub.PushEvent)
	if !ok {
		return nil, "", fault.Newf(fault.Validation, "github webhook: unexpected payload type %T", raw)
	}
	return rc.filterPush(pe)
}

// filterPush applies the ingestion filters to a decoded push event.
func (rc *Receiver) filterPush(pe *gogithub.PushEvent) (*Push, string, error) {
	branch, isBranch := strings.CutPrefix(pe.GetRef(), "refs/heads/")
	if !isBranch {
		return nil, fmt.Sprintf("ref %q is not a branch", pe.GetRef()), nil
	}
	def := pe.GetRepo().GetDefaultBranch()
	if branch != def {
		return nil, fmt.Sprintf("branch %q is not the default branch %q", branch, def), nil
	}
	pusher := pe.GetPusher().GetName()
	if strings.HasSuffix(pusher, "[bot]") {
		return nil, fmt.Sprintf("pusher %q is a bot", pusher), nil
	}

	push := &Push{
		Repo:    pe.GetRepo().GetFullName(),
		Branch:  branch,
		Pusher:  pusher,
		Before:  pe.GetBefore(),
		After:   pe.GetAfter(),
		Forced:  pe.GetForced(),
		Compare: pe.GetCompare(),
	}
	for _, c := range pe.Commits {
		push.Commits = append(push.Commits, Commit{
			SHA:      c.GetID(),
			Message:  c.GetMessage(),
			Author:   c.GetAuthor().GetName(),
			Added:    len(c.Added),
			Removed:  len(c.Removed),
			Modified: len(c.Modified),
		})
	}
	return push, "", nil
}

// maxSummaryCommits bounds the commit list rendered into a prompt.
const maxSummaryCommits = 10

// Summary renders the push as a short digest suitable for an agent prompt.
func (p *Push) Summary() string {
	var b strings.Builder
	n := len(p.Commits)
	fmt.Fprintf(&b, "GitHub push to %s (branch %s) by %s: %d commit", p.Repo, p.Branch, p.Pusher, n)
	if n != 1 {
		b.WriteByte('s')
	}
	if p.Forced {
		b.WriteString(" (force push)")
	}
	b.WriteByte('.')

	shown := p.Commits
	if len(shown) > maxSummaryCommits {
		shown = shown[:maxSummaryCommits]
	}
	for _, c := range shown {
		fmt.Fprintf(&b, "\n- %s %s (%s)", shortSHA(c.SHA), subjectLine(c.Message), c.Author)
	}
	if rest := n - len(shown); rest > 0 {
		fmt.Fprintf(&b, "\n...and %d more commits", rest)
	}
	return b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// subjectLine returns the first line of a commit message.
func subjectLine(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimSpace(msg)
}
