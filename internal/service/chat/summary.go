package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/mission-mentor/backend/internal/model/chat"
)

// NoConversationSummary is stored when there is nothing to summarize.
const NoConversationSummary = "no conversation recorded"

var summaryTemplate = prompt.FromMessages(
	schema.FString,
	schema.SystemMessage("You write short, factual summaries of learning conversations."),
	schema.UserMessage("The following is the chat log of an AI mission. Summarize its main points in at most {limit} characters.\n\n{transcript}"),
)

// Transcript renders a log as role-labelled lines.
func Transcript(messages []chat.Message) string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		label := "User"
		if msg.Role == chat.RoleAssistant {
			label = "Assistant"
		}
		lines = append(lines, label+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

func buildSummaryPrompt(ctx context.Context, messages []chat.Message, maxChars int) ([]*schema.Message, error) {
	msgs, err := summaryTemplate.Format(ctx, map[string]any{
		"limit":      maxChars,
		"transcript": Transcript(messages),
	})
	if err != nil {
		return nil, fmt.Errorf("chat: format summary prompt: %w", err)
	}
	return msgs, nil
}
