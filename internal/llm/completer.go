// Package llm adapts the eino chat-model stack to the orchestrator's
// Completer contract. The conversation turns become an FString prompt
// template, so turn text must arrive with braces already escaped (the
// context builder guarantees this); unescaped braces would be interpreted
// as placeholders.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/wrelay/wechat-relay/internal/domain"
)

// DefaultSystemPrompt frames the assistant for a chat relay deployment.
const DefaultSystemPrompt = "你是一个友好的微信公众号助手，请用简洁、礼貌的中文回答用户的问题。"

// Client drives one chat model. Safe for concurrent use.
type Client struct {
	chatModel model.BaseChatModel
	system    string
}

// New wraps a chat model. An empty systemPrompt selects the default.
func New(chatModel model.BaseChatModel, systemPrompt string) (*Client, error) {
	if chatModel == nil {
		return nil, errors.New("llm: chat model is required")
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &Client{chatModel: chatModel, system: systemPrompt}, nil
}

// Complete renders the ordered turns into a prompt and generates one reply.
func (c *Client) Complete(ctx context.Context, turns []domain.Turn) (string, error) {
	if len(turns) == 0 {
		return "", errors.New("llm: no turns to complete")
	}

	templates := make([]schema.MessagesTemplate, 0, len(turns)+1)
	templates = append(templates, schema.SystemMessage(c.system))
	for _, t := range turns {
		switch t.Role {
		case domain.RoleAssistant:
			templates = append(templates, schema.AssistantMessage(t.Text, nil))
		default:
			templates = append(templates, schema.UserMessage(t.Text))
		}
	}

	msgs, err := prompt.FromMessages(schema.FString, templates...).Format(ctx, map[string]any{})
	if err != nil {
		return "", fmt.Errorf("llm: format prompt: %w", err)
	}

	out, err := c.chatModel.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("llm: generate: %w", err)
	}
	return out.Content, nil
}
