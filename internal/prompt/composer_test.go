package prompt

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomahq/goma/internal/vector"
	"github.com/gomahq/goma/pkg/models"
)

func TestComposeIncludesSystemAndHistory(t *testing.T) {
	c := NewComposer("Goma", "Jane Doe", 10)

	history := []models.ChatMessage{
		{Role: models.RoleUser, Content: "What projects has Jane built?"},
	}
	msgs := c.Compose(0, models.UserProfile{}, nil, history)

	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Goma")
	assert.Contains(t, msgs[0].Content, "Jane Doe")
	assert.Equal(t, history[0], msgs[1])
}

func TestComposeWindowsHistory(t *testing.T) {
	c := NewComposer("Goma", "Jane", 4)

	var history []models.ChatMessage
	for i := 0; i < 12; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		history = append(history, models.ChatMessage{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}

	msgs := c.Compose(0, models.UserProfile{}, nil, history)
	require.Len(t, msgs, 5) // system + last 4 turns
	assert.Equal(t, "turn 8", msgs[1].Content)
	assert.Equal(t, "turn 11", msgs[4].Content)
}

func TestComposeIncludesProfile(t *testing.T) {
	c := NewComposer("Goma", "Jane", 10)

	profile := models.UserProfile{Name: "Ada", Company: "Acme", Context: "hiring for backend"}
	msgs := c.Compose(0, profile, nil, nil)

	sys := msgs[0].Content
	assert.Contains(t, sys, "Name: Ada")
	assert.Contains(t, sys, "Company: Acme")
	assert.Contains(t, sys, "hiring for backend")
	assert.NotContains(t, sys, "Email:")
}

func TestComposeOmitsProfileSectionWhenEmpty(t *testing.T) {
	c := NewComposer("Goma", "Jane", 10)

	msgs := c.Compose(0, models.UserProfile{}, nil, nil)
	assert.NotContains(t, msgs[0].Content, "about this visitor")
}

func TestComposeIncludesRetrievedContext(t *testing.T) {
	c := NewComposer("Goma", "Jane", 10)

	retrieved := []vector.SearchResult{
		{Record: vector.Record{Category: "project", Content: "Built a chat assistant in Go"}, Score: 0.8},
	}
	msgs := c.Compose(0, models.UserProfile{}, retrieved, nil)

	assert.Contains(t, msgs[0].Content, "[project] Built a chat assistant in Go")
}

func TestPersonaRotation(t *testing.T) {
	require.Equal(t, 3, PersonaCount())

	c := NewComposer("Goma", "Jane", 10)
	seen := make(map[string]bool)
	for i := 0; i < PersonaCount(); i++ {
		msgs := c.Compose(i, models.UserProfile{}, nil, nil)
		seen[msgs[0].Content] = true
	}
	assert.Len(t, seen, PersonaCount(), "each persona index yields a distinct system prompt")

	// Wraps around.
	assert.Equal(t, Persona(0), Persona(PersonaCount()))
}

func TestGreetingPrompt(t *testing.T) {
	c := NewComposer("Goma", "Jane", 10)

	msgs := c.GreetingPrompt(0)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Equal(t, models.RoleUser, msgs[1].Role)
	assert.True(t, strings.Contains(msgs[1].Content, "Greet"))
}

func TestEstimateTokens(t *testing.T) {
	c := NewComposer("Goma", "Jane", 10)

	small := c.EstimateTokens([]models.ChatMessage{{Role: models.RoleUser, Content: "hi"}})
	large := c.EstimateTokens([]models.ChatMessage{{Role: models.RoleUser, Content: strings.Repeat("portfolio question ", 100)}})
	assert.Greater(t, large, small)
	assert.Greater(t, small, 0)
}
