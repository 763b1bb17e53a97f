package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// ReplyContext carries everything the model needs to draft a reply to one
// inbound message.
type ReplyContext struct {
	Mailbox   string
	From      string
	Subject   string
	Body      string
	Category  string
	Sentiment string
	Templates []string // Account-level response templates, used as style guidance
}

type Client struct {
	client openai.Client
	model  string
}

// NewClient creates a new generative-text client
func NewClient(apiKey, model string) *Client {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		client: client,
		model:  model,
	}
}

const defaultReplySystemPrompt = `You are an email assistant replying on behalf of the mailbox owner.
Write a short, polite, professional reply to the email below. Reply with the
email body only: no subject line, no signature placeholders, no commentary.`

// GenerateReply produces reply text for an inbound message. This is a slow,
// fallible, rate-limited external call; callers own the timeout.
func (c *Client) GenerateReply(ctx context.Context, rc ReplyContext) (string, error) {
	systemPrompt := defaultReplySystemPrompt
	if len(rc.Templates) > 0 {
		systemPrompt += "\n\nPrefer phrasing consistent with these templates:\n"
		for _, tpl := range rc.Templates {
			systemPrompt += "- " + tpl + "\n"
		}
	}

	// Truncate body to save tokens
	body := rc.Body
	if len(body) > 2000 {
		body = body[:2000] + "..."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\n", rc.From)
	fmt.Fprintf(&sb, "To: %s\n", rc.Mailbox)
	fmt.Fprintf(&sb, "Subject: %s\n", rc.Subject)
	if rc.Category != "" {
		fmt.Fprintf(&sb, "Category: %s\n", rc.Category)
	}
	if rc.Sentiment != "" {
		fmt.Fprintf(&sb, "Sentiment: %s\n", rc.Sentiment)
	}
	fmt.Fprintf(&sb, "\n%s", body)

	response, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(sb.String()),
		},
		MaxCompletionTokens: openai.Int(1000),
	})

	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}

	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response from openai")
	}

	reply := strings.TrimSpace(response.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("empty reply from openai")
	}

	return reply, nil
}
