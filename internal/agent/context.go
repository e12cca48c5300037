package agent

import (
	"strings"

	"github.com/conversate/conversate/ai-server/pkg/models"
)

const (
	// TriggerToken must prefix a message (case-insensitively) for the bot to answer.
	TriggerToken = "@ai"

	// ContextWindow is the number of cached channel messages fed back as history.
	ContextWindow = 5

	// ConciseInstruction is prepended to the triggering message's content.
	ConciseInstruction = "Please keep your answer concise and to the point: "

	// TruncationMarker starts TruncationNotice. Bot messages carrying it are
	// cut at the marker before being reused as context.
	TruncationMarker = "[Response truncated"

	// TruncationNotice is appended when the model stopped on its length limit.
	TruncationNotice = "\n\n" + TruncationMarker + ". Please ask a shorter question or break it into parts.]"
)

// ParseTrigger reports whether text addresses the bot and returns the
// content after the trigger token. A trigger with nothing after it is
// not a request.
func ParseTrigger(text string) (string, bool) {
	content, ok := stripTrigger(strings.TrimSpace(text))
	if !ok || content == "" {
		return "", false
	}
	return content, true
}

func stripTrigger(text string) (string, bool) {
	if len(text) < len(TriggerToken) || !strings.EqualFold(text[:len(TriggerToken)], TriggerToken) {
		return text, false
	}
	return strings.TrimSpace(text[len(TriggerToken):]), true
}

// StripTruncation cuts text at the truncation marker. Applying it twice
// gives the same result as applying it once.
func StripTruncation(text string) string {
	if i := strings.Index(text, TruncationMarker); i >= 0 {
		return strings.TrimSpace(text[:i])
	}
	return text
}

// BuildContext assembles the turns sent to the generative model: at most
// ContextWindow prior messages from history (oldest first), followed by
// the instruction turn built from content.
//
// current is the message that triggered the turn. It is authoritative and
// already represented by the final turn, so a cached copy is skipped
// rather than sent twice.
func BuildContext(history []models.Message, current *models.Message, content string) []models.ConversationTurn {
	window := make([]models.Message, 0, len(history))
	for _, m := range history {
		if current != nil && current.ID != "" && m.ID == current.ID {
			continue
		}
		window = append(window, m)
	}
	if len(window) > ContextWindow {
		window = window[len(window)-ContextWindow:]
	}

	turns := make([]models.ConversationTurn, 0, len(window)+1)
	for _, m := range window {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}

		role := models.RoleUser
		text := m.Text
		if m.User.IsBot() {
			role = models.RoleModel
			text = StripTruncation(text)
		} else if stripped, ok := stripTrigger(strings.TrimSpace(text)); ok {
			text = stripped
		}
		if text == "" {
			continue
		}
		turns = append(turns, models.ConversationTurn{Role: role, Text: text})
	}

	return append(turns, models.ConversationTurn{
		Role: models.RoleUser,
		Text: ConciseInstruction + content,
	})
}

const (
	fallbackResponse  = "Sorry, I couldn't generate a response."
	noCandidatesReply = "AI generated no candidates for the given prompt or an unexpected error occurred."
)

// ResponseText turns a generative result into the text delivered to the
// channel, falling back to fixed replies when the model produced nothing.
func ResponseText(res *models.GenerateResult) string {
	if res == nil || len(res.Candidates) == 0 {
		if res != nil && res.BlockReason != "" {
			return "AI blocked response due to: " + res.BlockReason
		}
		return noCandidatesReply
	}

	c := res.Candidates[0]
	text := c.Text
	if strings.TrimSpace(text) == "" {
		text = fallbackResponse
	}
	if c.FinishReason == models.FinishLength {
		text += TruncationNotice
	}
	return text
}
