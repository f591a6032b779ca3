package server

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/fernlabs/fern/internal/agent"
	"github.com/fernlabs/fern/internal/forge"
	"github.com/fernlabs/fern/internal/throttle"
)

// handleChannelWebhook ingests one inbound channel message. The delivery
// is verified, filtered, acknowledged with 202, and the turn runs in the
// background; the reply goes back out through the channel sender.
func (s *Server) handleChannelWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.recordWebhook("whatsapp", "invalid")
		s.jsonError(w, "invalid form body", http.StatusBadRequest)
		return
	}
	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	if from == "" || body == "" {
		s.recordWebhook("whatsapp", "invalid")
		s.jsonError(w, "From and Body are required", http.StatusBadRequest)
		return
	}

	if s.cfg.Verifier != nil && s.cfg.Verifier.Enabled() {
		if !s.cfg.Verifier.Verify(r.Header.Get("X-Twilio-Signature"), r.PostForm) {
			s.recordWebhook("whatsapp", "rejected")
			s.logger.Warn("channel webhook signature rejected", "from", from)
			s.jsonError(w, "signature verification failed", http.StatusForbidden)
			return
		}
	}

	if reason := s.filterSender(from); reason != "" {
		s.recordWebhook("whatsapp", "ignored")
		s.logger.Debug("channel message ignored", "from", from, "reason", reason)
		s.jsonResponse(w, http.StatusOK, map[string]string{"message": "Message ignored"})
		return
	}

	s.recordWebhook("whatsapp", "accepted")
	if s.metrics != nil {
		s.metrics.MessageReceived("whatsapp")
	}
	s.background.Go(s.logger, "channel turn", func() {
		s.runChannelTurn(from, body)
	})
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"message": "Processing"})
}

// filterSender returns a non-empty reason when the sender must not
// trigger a turn: our own outbound identity echoing back, or an entry on
// the ignore list.
func (s *Server) filterSender(from string) string {
	if s.cfg.OwnNumber != "" && from == s.cfg.OwnNumber {
		return "own number"
	}
	for _, ignored := range s.cfg.IgnoreSenders {
		if from == ignored {
			return "ignore list"
		}
	}
	return ""
}

// runChannelTurn executes one turn for an inbound channel message and
// delivers the reply. Progress streams through a throttle so the sender
// sees paced status updates rather than every fragment.
func (s *Server) runChannelTurn(from, body string) {
	// The turn outlives the HTTP request on purpose.
	ctx := context.Background()
	threadID := "whatsapp_" + from

	var status agent.StatusSink
	var th *throttle.Throttle
	if s.cfg.Sender != nil {
		th = throttle.New(throttle.Config{
			MinInterval: s.cfg.StatusInterval,
			Logger:      s.logger,
			Send: func(text string) {
				if err := s.cfg.Sender.Send(ctx, from, text); err != nil {
					s.logger.Warn("status update send failed", "to", from, "error", err)
				}
			},
		})
		status = th
	}

	res, err := s.cfg.Runner.Run(ctx, agent.TurnRequest{
		ThreadID: threadID,
		Prompt:   body,
		Channel:  "whatsapp",
		Title:    "Chat with " + from,
		Status:   status,
	})
	if th != nil {
		th.Destroy()
	}

	reply := ""
	if err != nil {
		s.logger.Error("channel turn failed", "thread", threadID, "error", err)
		reply = agent.ErrorReply(err)
	} else if res.Response != "" {
		reply = res.Response
	}
	if reply == "" || s.cfg.Sender == nil {
		return
	}
	if err := s.cfg.Sender.Send(ctx, from, reply); err != nil {
		s.logger.Error("channel reply send failed", "to", from, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.MessageSent("whatsapp")
	}
}

// handleGitHubWebhook ingests push deliveries. Only pushes a person made
// to the default branch start a turn; everything else well-formed is
// acknowledged so GitHub does not retry it.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Receiver == nil {
		s.recordWebhook("github", "ignored")
		s.jsonError(w, "github ingestion not configured", http.StatusNotFound)
		return
	}

	push, reason, err := s.cfg.Receiver.Receive(r)
	if err != nil {
		s.recordWebhook("github", "rejected")
		s.logger.Warn("github delivery rejected", "error", err)
		s.faultError(w, err)
		return
	}
	if push == nil {
		s.recordWebhook("github", "ignored")
		s.jsonResponse(w, http.StatusOK, map[string]string{"message": "Event ignored: " + reason})
		return
	}

	s.recordWebhook("github", "accepted")
	if s.metrics != nil {
		s.metrics.MessageReceived("github")
	}
	s.background.Go(s.logger, "github turn", func() {
		s.runPushTurn(push)
	})
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"message": "Processing"})
}

func (s *Server) runPushTurn(push *forge.Push) {
	ctx := context.Background()
	prompt := push.Summary()
	if s.cfg.Forge != nil {
		if digest, err := s.cfg.Forge.CompareChanges(ctx, push); err != nil {
			// Enrichment is best effort; the payload summary stands
			// alone.
			s.logger.Warn("push context fetch failed", "repo", push.Repo, "error", err)
		} else if digest != "" {
			prompt += "\n\n" + digest
		}
	}

	threadID := "github_" + push.Repo
	if _, err := s.cfg.Runner.Run(ctx, agent.TurnRequest{
		ThreadID: threadID,
		Prompt:   prompt,
		Channel:  "github",
		Title:    "Push to " + push.Repo,
	}); err != nil {
		s.logger.Error("github turn failed", "thread", threadID, "error", err)
	}
}

func (s *Server) recordWebhook(channelName, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordWebhook(channelName, outcome)
	}
}

// backgroundGroup supervises fire-and-forget webhook turns: panics are
// logged and absorbed so one bad turn cannot take the server down.
type backgroundGroup struct {
	wg sync.WaitGroup
}

func (g *backgroundGroup) Go(logger *slog.Logger, name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("background task panicked",
					"task", name,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}

// Wait blocks until every background task finishes or ctx expires.
func (g *backgroundGroup) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
