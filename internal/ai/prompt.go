package ai

import "strings"

const answerInstruction = "Use the following pieces of context (or the previous conversation if needed) " +
	"to answer the user's question in markdown format. If you don't know the answer, " +
	"just say that you don't know, don't try to make up an answer."

// PromptFormatter assembles the final prompt from conversation history,
// retrieved context passages and the new question. Delimiter conventions
// differ per completion backend family, so the formatter is selected by
// configuration rather than inlined at the call site.
type PromptFormatter interface {
	Format(history []ChatMessage, passages []string, question string) []ChatMessage
}

// NewPromptFormatter returns the formatter for the given backend family.
// Unknown families fall back to the OpenAI role-message convention.
func NewPromptFormatter(family string) PromptFormatter {
	switch strings.ToLower(strings.TrimSpace(family)) {
	case "chatml":
		return chatmlFormatter{}
	default:
		return openaiFormatter{}
	}
}

// openaiFormatter emits role-tagged messages: a system message carrying the
// instruction and the retrieved context, the prior turns verbatim, then the
// new question as the last user message.
type openaiFormatter struct{}

func (openaiFormatter) Format(history []ChatMessage, passages []string, question string) []ChatMessage {
	var system strings.Builder
	system.WriteString(answerInstruction)
	if len(passages) > 0 {
		system.WriteString("\n\nCONTEXT:\n")
		system.WriteString(strings.Join(passages, "\n\n"))
	}

	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, ChatMessage{Role: "system", Content: system.String()})
	for _, m := range history {
		role := m.Role
		if role == "" {
			role = "user"
		}
		messages = append(messages, ChatMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: question})
	return messages
}

// chatmlFormatter flattens everything into a single prompt using
// <|user|>/<|assistant|>/<|endoftext|> delimiters, for backends that take one
// text blob instead of role messages.
type chatmlFormatter struct{}

func (chatmlFormatter) Format(history []ChatMessage, passages []string, question string) []ChatMessage {
	var b strings.Builder
	b.WriteString(answerInstruction)

	b.WriteString("\n\nPREVIOUS CONVERSATION:\n")
	for _, m := range history {
		if m.Role == "user" {
			b.WriteString("<|user|>")
		} else {
			b.WriteString("<|assistant|>")
		}
		b.WriteString(m.Content)
		b.WriteString("<|endoftext|>\n")
	}

	b.WriteString("\nCONTEXT:\n")
	b.WriteString(strings.Join(passages, "\n\n"))

	b.WriteString("\n\nUSER INPUT: ")
	b.WriteString(question)

	return []ChatMessage{{Role: "user", Content: b.String()}}
}
