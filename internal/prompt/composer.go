// Package prompt assembles the message list sent to the chat model.
package prompt

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/gomahq/goma/internal/vector"
	"github.com/gomahq/goma/pkg/models"
)

// DefaultHistoryWindow is how many recent turns are included in the
// prompt when no window is configured.
const DefaultHistoryWindow = 10

// Composer builds the system prompt and bounded message list for each
// generation.
type Composer struct {
	assistantName string
	ownerName     string
	window        int
	enc           tokenizer.Codec
}

// NewComposer creates a prompt composer. The token estimator is
// optional: if the encoding fails to load, estimates fall back to a
// character heuristic.
func NewComposer(assistantName, ownerName string, window int) *Composer {
	if window <= 0 {
		window = DefaultHistoryWindow
	}

	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warn().Err(err).Msg("Token encoder unavailable, using character estimate")
		enc = nil
	}

	return &Composer{
		assistantName: assistantName,
		ownerName:     ownerName,
		window:        window,
		enc:           enc,
	}
}

// systemPrompt renders the full system instruction: role, tone variant,
// what is known about the visitor, and any retrieved portfolio context.
func (c *Composer) systemPrompt(personaIdx int, profile models.UserProfile, retrieved []vector.SearchResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, a friendly assistant on the portfolio website of %s. ", c.assistantName, c.ownerName)
	b.WriteString("Answer questions about the portfolio owner's background, skills, projects, and experience. ")
	b.WriteString("Keep replies concise and conversational. If you don't know something, say so rather than inventing details.\n\n")

	b.WriteString(Persona(personaIdx))
	b.WriteString("\n\n")

	b.WriteString("When the visitor shares their name, email, company, position, or anything notable about themselves, ")
	b.WriteString("append exactly one block to your reply in this form: ")
	b.WriteString(`[EXTRACT]{"name":"...","email":"...","company":"...","position":"...","context":"..."}[/EXTRACT]`)
	b.WriteString(" with only the fields they actually shared. Never mention this block or its contents to the visitor.")

	if profile.HasAny() {
		b.WriteString("\n\nWhat you know about this visitor so far:")
		if profile.Name != "" {
			fmt.Fprintf(&b, "\n- Name: %s", profile.Name)
		}
		if profile.Email != "" {
			fmt.Fprintf(&b, "\n- Email: %s", profile.Email)
		}
		if profile.Company != "" {
			fmt.Fprintf(&b, "\n- Company: %s", profile.Company)
		}
		if profile.Position != "" {
			fmt.Fprintf(&b, "\n- Position: %s", profile.Position)
		}
		if profile.Context != "" {
			fmt.Fprintf(&b, "\n- Notes: %s", profile.Context)
		}
		b.WriteString("\nUse these details naturally; do not ask again for anything already known.")
	}

	if len(retrieved) > 0 {
		b.WriteString("\n\nRelevant portfolio information for this question:")
		for _, r := range retrieved {
			fmt.Fprintf(&b, "\n[%s] %s", r.Record.Category, r.Record.Content)
		}
		b.WriteString("\nGround your answer in this information when it applies.")
	}

	return b.String()
}

// Compose returns the message list for a generation: the system prompt
// followed by the most recent history turns. The caller's history
// already ends with the pending user message.
func (c *Composer) Compose(personaIdx int, profile models.UserProfile, retrieved []vector.SearchResult, history []models.ChatMessage) []models.ChatMessage {
	windowed := history
	if len(windowed) > c.window {
		windowed = windowed[len(windowed)-c.window:]
	}

	msgs := make([]models.ChatMessage, 0, len(windowed)+1)
	msgs = append(msgs, models.ChatMessage{
		Role:    models.RoleSystem,
		Content: c.systemPrompt(personaIdx, profile, retrieved),
	})
	msgs = append(msgs, windowed...)
	return msgs
}

// GreetingPrompt returns the message list used to open a session before
// the visitor has said anything.
func (c *Composer) GreetingPrompt(personaIdx int) []models.ChatMessage {
	return []models.ChatMessage{
		{Role: models.RoleSystem, Content: c.systemPrompt(personaIdx, models.UserProfile{}, nil)},
		{Role: models.RoleUser, Content: "Greet the visitor in one or two short sentences and invite them to ask about the portfolio."},
	}
}

// EstimateTokens returns an approximate token count for the message
// list, used for logging and stats.
func (c *Composer) EstimateTokens(msgs []models.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		if c.enc != nil {
			if ids, _, err := c.enc.Encode(m.Content); err == nil {
				total += len(ids) + 4 // per-message framing overhead
				continue
			}
		}
		total += len(m.Content)/4 + 4
	}
	return total
}
