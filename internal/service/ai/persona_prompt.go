package ai

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/persona-chat/backend/internal/model/persona"
)

const notSpecified = "Not specified"

// BuildSystemPrompt returns the persona's own prompt, or one assembled from
// its profile when none was authored.
func BuildSystemPrompt(p persona.Persona) string {
	if strings.TrimSpace(p.SystemPrompt) != "" {
		return p.SystemPrompt
	}

	personality := orDefault(p.Personality, notSpecified)
	background := orDefault(p.Background, notSpecified)

	return fmt.Sprintf(`You are %s. %s
Your personality: %s
Your background: %s

Respond as this character would, maintaining their unique voice, knowledge, and mannerisms.
Keep responses concise but meaningful, showing the character's personality.`,
		p.Name,
		strings.TrimSpace(p.Description),
		personality,
		background,
	)
}

// ExampleDialogueMessage renders the persona's sample exchange as an extra
// system message. It returns nil when the persona has none.
func ExampleDialogueMessage(p persona.Persona) *schema.Message {
	if len(p.ExampleDialogue) == 0 {
		return nil
	}

	var builder strings.Builder
	builder.WriteString("Example dialogue:")
	for _, turn := range p.ExampleDialogue {
		speaker := "User"
		if turn.Role == "assistant" {
			speaker = p.Name
		}
		builder.WriteString("\n")
		builder.WriteString(speaker)
		builder.WriteString(": ")
		builder.WriteString(turn.Content)
	}
	return schema.SystemMessage(builder.String())
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
