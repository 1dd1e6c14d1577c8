// Package services – conversation context builder.
//
// Builds the ordered turn sequence handed to the completion backend from the
// stored history of one conversation. Brace escaping is mandatory: the eino
// prompt template interprets {name} placeholders, so literal braces in user
// or assistant text must be doubled before they reach the template.
package services

import (
	"strings"

	"github.com/wrelay/wechat-relay/internal/domain"
)

var braceEscaper = strings.NewReplacer("{", "{{", "}", "}}")

// EscapeTemplateText neutralizes template control characters in free text.
func EscapeTemplateText(s string) string {
	return braceEscaper.Replace(s)
}

// BuildTurns converts stored messages (expected oldest-first) into an ordered
// turn sequence: for each message a user turn from its content, then an
// assistant turn from its reply when one exists. In-progress messages
// contribute only their user turn.
func BuildTurns(history []domain.Message) []domain.Turn {
	turns := make([]domain.Turn, 0, 2*len(history))
	for _, m := range history {
		if m.Content != "" {
			turns = append(turns, domain.Turn{
				Role: domain.RoleUser,
				Text: EscapeTemplateText(m.Content),
			})
		}
		if m.HasReply && m.Reply != "" {
			turns = append(turns, domain.Turn{
				Role: domain.RoleAssistant,
				Text: EscapeTemplateText(m.Reply),
			})
		}
	}
	return turns
}
