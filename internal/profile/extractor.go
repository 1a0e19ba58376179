// Package profile extracts user details the model embeds in its replies.
//
// The model is instructed to append a machine-readable block to a reply
// whenever the user shares contact details:
//
//	[EXTRACT]{"name":"Ada","email":"ada@example.com"}[/EXTRACT]
//
// This package finds those blocks, folds them into the session profile,
// and strips them from the text before anyone sees it. Extraction is
// best-effort: malformed blocks are dropped silently because a chat
// reply must never fail over metadata.
package profile

import (
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/gomahq/goma/pkg/models"
)

const (
	openTag  = "[EXTRACT]"
	closeTag = "[/EXTRACT]"
)

// extractPayload is the JSON layout the model produces inside a block.
type extractPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Company  string `json:"company"`
	Position string `json:"position"`
	Context  string `json:"context"`
}

// Parse returns the profile fields found in the first well-formed block
// of text. The second return is false when no parsable block exists.
func Parse(text string) (models.UserProfile, bool) {
	rest := text
	for {
		start := strings.Index(rest, openTag)
		if start < 0 {
			return models.UserProfile{}, false
		}
		rest = rest[start+len(openTag):]
		end := strings.Index(rest, closeTag)
		if end < 0 {
			return models.UserProfile{}, false
		}
		body := rest[:end]
		rest = rest[end+len(closeTag):]

		var payload extractPayload
		if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &payload); err != nil {
			log.Debug().Err(err).Msg("Skipping malformed extraction block")
			continue
		}
		return models.UserProfile{
			Name:     strings.TrimSpace(payload.Name),
			Email:    strings.TrimSpace(payload.Email),
			Company:  strings.TrimSpace(payload.Company),
			Position: strings.TrimSpace(payload.Position),
			Context:  strings.TrimSpace(payload.Context),
		}, true
	}
}

// Strip removes every paired extraction block from text and trims the
// result. An unpaired open tag is left as-is rather than eating the
// rest of the reply.
func Strip(text string) string {
	var b strings.Builder
	rest := text
	for {
		start := strings.Index(rest, openTag)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+len(openTag):], closeTag)
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		rest = rest[start+len(openTag)+end+len(closeTag):]
	}
	return strings.TrimSpace(b.String())
}

// Merge folds extracted fields into the profile. Identity fields are
// write-once: the first non-empty value for name, email, company, and
// position sticks for the session. Context accumulates instead, with
// substring containment as the duplicate check.
func Merge(current models.UserProfile, extracted models.UserProfile) models.UserProfile {
	merged := current

	if merged.Name == "" {
		merged.Name = extracted.Name
	}
	if merged.Email == "" {
		merged.Email = extracted.Email
	}
	if merged.Company == "" {
		merged.Company = extracted.Company
	}
	if merged.Position == "" {
		merged.Position = extracted.Position
	}

	if extracted.Context != "" && !strings.Contains(merged.Context, extracted.Context) {
		if merged.Context == "" {
			merged.Context = extracted.Context
		} else {
			merged.Context += "; " + extracted.Context
		}
	}

	return merged
}

// Apply is the per-reply pipeline: parse any block out of raw, merge it
// into current, and return the cleaned display text with the updated
// profile.
func Apply(current models.UserProfile, raw string) (models.UserProfile, string) {
	extracted, ok := Parse(raw)
	if ok {
		current = Merge(current, extracted)
	}
	return current, Strip(raw)
}

// VisiblePrefix returns the longest prefix of a partially streamed reply
// that is safe to show: everything before a complete block, an open
// block still being streamed, or a trailing fragment that could grow
// into the open tag (e.g. "[EXTR").
func VisiblePrefix(partial string) string {
	if start := strings.Index(partial, openTag); start >= 0 {
		return partial[:start]
	}
	// A trailing run like "[EX" may become the open tag once more
	// tokens arrive; hold it back.
	for i := len(openTag) - 1; i > 0; i-- {
		if strings.HasSuffix(partial, openTag[:i]) {
			return partial[:len(partial)-i]
		}
	}
	return partial
}
