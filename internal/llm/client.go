// Package llm provides streaming chat completion clients.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gomahq/goma/internal/config"
	"github.com/gomahq/goma/pkg/models"
)

// ErrUnavailable indicates the chat backend cannot be reached. Callers
// use it to fall back to canned replies instead of surfacing transport
// detail to the visitor.
var ErrUnavailable = errors.New("chat backend unavailable")

// StreamError wraps a failure that happened mid-stream, after some
// tokens may already have been delivered.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream interrupted: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Stream yields completion fragments until io.EOF.
type Stream interface {
	// Recv returns the next text fragment. It returns io.EOF when the
	// completion is finished.
	Recv() (string, error)

	// Close releases the underlying connection. Safe to call twice.
	Close() error
}

// Client is a streaming chat completion backend.
type Client interface {
	// ChatStream starts a completion for the message list and returns
	// a stream of text fragments.
	ChatStream(ctx context.Context, msgs []models.ChatMessage, params models.GenerationParams) (Stream, error)

	// Probe checks that the backend is reachable and the model usable.
	Probe(ctx context.Context) error

	// Model returns the configured model name.
	Model() string
}

// New creates a chat client for the configured provider.
func New(cfg *config.Config) (Client, error) {
	switch cfg.ChatProvider {
	case "openai":
		return newOpenAIClient(cfg), nil
	case "ollama", "":
		return newOllamaClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown chat provider: %s", cfg.ChatProvider)
	}
}

// Collect drains a stream into a single string. When onFragment is
// non-nil it is called for each fragment as it arrives, before the
// fragment is appended. The accumulated text so far is returned even on
// error so partial output isn't lost.
func Collect(stream Stream, onFragment func(fragment string)) (string, error) {
	defer stream.Close()

	var b strings.Builder
	for {
		fragment, err := stream.Recv()
		if fragment != "" {
			if onFragment != nil {
				onFragment(fragment)
			}
			b.WriteString(fragment)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return b.String(), nil
			}
			return b.String(), &StreamError{Err: err}
		}
	}
}
