// Package tokens estimates token counts for messages without calling a
// model tokeniser. Archival thresholds only need order-of-magnitude
// accuracy, so a bytes-per-token heuristic is good enough and keeps the
// estimate deterministic and dependency-free.
package tokens

import (
	"github.com/fernlabs/fern/pkg/models"
)

// Average bytes per token for English text. Matches the approximation
// used by most providers' back-of-envelope guidance.
const bytesPerToken = 4

// Estimate returns the token count for a single message.
//
// When the message carries provider-reported usage, that wins: the sum of
// input, output and reasoning tokens. Otherwise the estimate is
// ceil(bytes/4) over the text parts plus the JSON-serialised tool inputs
// and outputs.
func Estimate(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	if msg.Tokens != nil {
		if total := msg.Tokens.Total(); total > 0 {
			return total
		}
	}

	bytes := 0
	for _, part := range msg.Parts {
		switch part.Type {
		case models.PartText:
			bytes += len(part.Text)
		case models.PartTool:
			if part.State != nil {
				bytes += len(part.State.Input)
				bytes += len(part.State.Output)
			}
		}
	}
	if bytes == 0 {
		return 0
	}
	return (bytes + bytesPerToken - 1) / bytesPerToken
}

// EstimateMessages sums Estimate over msgs.
func EstimateMessages(msgs []*models.Message) int {
	total := 0
	for _, msg := range msgs {
		total += Estimate(msg)
	}
	return total
}
