// Package conversation serializes chat turns through a single in-flight
// generation per session.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gomahq/goma/internal/llm"
	"github.com/gomahq/goma/internal/profile"
	"github.com/gomahq/goma/internal/prompt"
	"github.com/gomahq/goma/internal/vector"
	"github.com/gomahq/goma/pkg/models"
)

const (
	// FallbackGreeting opens the session when the model cannot produce
	// a greeting.
	FallbackGreeting = "Hello! I'm ready to chat with you."

	// FallbackError is shown to the visitor when a generation fails.
	FallbackError = "Sorry, I encountered an error. Please try again or reload the model."

	// minDegradedMaxTokens is the floor when degradation shrinks the
	// reply budget.
	minDegradedMaxTokens = 128
)

// ErrEmptyMessage rejects blank input before it reaches the model.
var ErrEmptyMessage = errors.New("empty message")

// Retriever fetches portfolio context for a message.
type Retriever interface {
	Retrieve(ctx context.Context, message string) []vector.SearchResult
}

// Options holds the controller's tuning knobs.
type Options struct {
	Temperature       float64
	MaxTokens         int
	GreetingMaxTokens int
	SlowThreshold     time.Duration
	DegradedAvgMs     float64
	DegradedSlowRatio float64
	PendingCap        int
}

// Callbacks are invoked during generation. All are optional and called
// without the controller lock held.
type Callbacks struct {
	// OnToken receives visible reply fragments as they stream in.
	OnToken func(fragment string)
	// OnReply receives the final cleaned reply text.
	OnReply func(text string)
	// OnDegraded fires once when performance degradation kicks in.
	OnDegraded func(reason string)
}

// Reply is the outcome of a Send call.
type Reply struct {
	Text    string
	Queued  bool
	Latency time.Duration
}

// Controller owns one session. Only one generation runs at a time;
// messages arriving mid-generation queue up and are answered as a
// single combined turn once the current reply lands.
type Controller struct {
	client    llm.Client
	retriever Retriever
	composer  *prompt.Composer
	opts      Options
	cb        Callbacks

	mu           sync.Mutex
	state        *State
	metrics      *Metrics
	processing   bool
	pending      []string
	interrupt    atomic.Bool
	degraded     atomic.Bool
	maxTokens    int
	promptTokens atomic.Int64
}

// NewController creates a session controller. retriever may be nil when
// retrieval is disabled.
func NewController(client llm.Client, retriever Retriever, composer *prompt.Composer, opts Options, cb Callbacks) *Controller {
	if opts.PendingCap <= 0 {
		opts.PendingCap = 32
	}
	return &Controller{
		client:    client,
		retriever: retriever,
		composer:  composer,
		opts:      opts,
		cb:        cb,
		state:     NewState(),
		metrics:   &Metrics{},
		maxTokens: opts.MaxTokens,
	}
}

// Send handles one user message. If a generation is already running the
// message queues and Reply.Queued is true; the queued messages are
// answered together, joined by blank lines, after the current reply
// completes. On generation failure the queue is kept for the next
// successful turn.
func (c *Controller) Send(ctx context.Context, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.processing {
		if len(c.pending) >= c.opts.PendingCap {
			c.mu.Unlock()
			log.Warn().Int("cap", c.opts.PendingCap).Msg("Pending queue full, dropping message")
			return Reply{Queued: true}, nil
		}
		c.pending = append(c.pending, text)
		c.interrupt.Store(true)
		c.mu.Unlock()
		return Reply{Queued: true}, nil
	}
	c.processing = true
	c.state.History = append(c.state.History, models.ChatMessage{Role: models.RoleUser, Content: text})
	c.state.UserMessages++
	c.mu.Unlock()

	reply, err := c.generate(ctx, text)
	return c.drainPending(ctx, reply, err)
}

// drainPending answers messages queued during the completion that just
// finished, then releases the processing gate. On error the pending
// queue and the interrupt flag survive: they are answered after the
// next successful turn.
func (c *Controller) drainPending(ctx context.Context, reply Reply, err error) (Reply, error) {
	for {
		c.mu.Lock()
		if err != nil || len(c.pending) == 0 {
			c.processing = false
			if err == nil {
				c.interrupt.Store(false)
			}
			c.mu.Unlock()
			return reply, err
		}
		batch := strings.Join(c.pending, "\n\n")
		c.pending = nil
		c.interrupt.Store(false)
		c.state.History = append(c.state.History, models.ChatMessage{Role: models.RoleUser, Content: batch})
		c.state.UserMessages++
		c.mu.Unlock()

		reply, err = c.generate(ctx, batch)
	}
}

// generate runs one retrieval + completion round and records the reply.
func (c *Controller) generate(ctx context.Context, text string) (Reply, error) {
	start := time.Now()

	var retrieved []vector.SearchResult
	if c.retriever != nil {
		retrieved = c.retriever.Retrieve(ctx, text)
	}

	c.mu.Lock()
	personaIdx := c.state.PersonaIndex
	c.state.PersonaIndex = (personaIdx + 1) % prompt.PersonaCount()
	prof := c.state.Profile
	history := make([]models.ChatMessage, len(c.state.History))
	copy(history, c.state.History)
	maxTokens := c.maxTokens
	c.mu.Unlock()

	msgs := c.composer.Compose(personaIdx, prof, retrieved, history)
	estTokens := c.composer.EstimateTokens(msgs)
	c.promptTokens.Store(int64(estTokens))
	log.Debug().
		Int("messages", len(msgs)).
		Int("retrieved", len(retrieved)).
		Int("est_tokens", estTokens).
		Msg("Composed prompt")

	stream, err := c.client.ChatStream(ctx, msgs, models.GenerationParams{
		Temperature: c.opts.Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		log.Error().Err(err).Msg("Chat stream failed to start")
		return Reply{}, err
	}

	// Forward only the prefix that is safe to display: extraction
	// blocks, even half-formed ones, never reach the visitor.
	emitted := 0
	var rawSoFar strings.Builder
	raw, err := llm.Collect(stream, func(fragment string) {
		rawSoFar.WriteString(fragment)
		if c.interrupt.Load() || c.cb.OnToken == nil {
			return
		}
		visible := profile.VisiblePrefix(rawSoFar.String())
		if len(visible) > emitted {
			c.cb.OnToken(visible[emitted:])
			emitted = len(visible)
		}
	})
	latency := time.Since(start)
	if err != nil {
		log.Error().Err(err).Dur("latency", latency).Msg("Generation failed")
		return Reply{}, err
	}

	c.metrics.Track(latency, c.opts.SlowThreshold)
	c.checkDegradation()

	c.mu.Lock()
	updated, display := profile.Apply(c.state.Profile, raw)
	c.state.Profile = updated
	c.state.History = append(c.state.History, models.ChatMessage{Role: models.RoleAssistant, Content: display})
	c.mu.Unlock()

	if c.cb.OnReply != nil {
		c.cb.OnReply(display)
	}

	log.Info().
		Dur("latency", latency).
		Int("reply_chars", len(display)).
		Msg("Reply generated")

	return Reply{Text: display, Latency: latency}, nil
}

// Greet opens the session with a model-written greeting, falling back
// to canned text when the model is unavailable. The greeting holds the
// same processing gate as Send: while another completion is in flight
// Greet does nothing and reports Queued, and messages that arrive while
// the greeting streams are answered right after it.
func (c *Controller) Greet(ctx context.Context) Reply {
	c.mu.Lock()
	if c.processing {
		c.mu.Unlock()
		return Reply{Queued: true}
	}
	c.processing = true
	personaIdx := c.state.PersonaIndex
	c.state.PersonaIndex = (personaIdx + 1) % prompt.PersonaCount()
	greetingTokens := c.opts.GreetingMaxTokens
	c.mu.Unlock()

	text := FallbackGreeting
	stream, err := c.client.ChatStream(ctx, c.composer.GreetingPrompt(personaIdx), models.GenerationParams{
		Temperature: c.opts.Temperature,
		MaxTokens:   greetingTokens,
	})
	if err == nil {
		var raw string
		raw, err = llm.Collect(stream, nil)
		if err == nil && strings.TrimSpace(raw) != "" {
			text = profile.Strip(raw)
		}
	}
	if err != nil {
		log.Warn().Err(err).Msg("Greeting generation failed, using fallback")
	}

	c.mu.Lock()
	c.state.History = append(c.state.History, models.ChatMessage{Role: models.RoleAssistant, Content: text})
	c.mu.Unlock()

	if c.cb.OnReply != nil {
		c.cb.OnReply(text)
	}

	c.drainPending(ctx, Reply{Text: text}, nil)
	return Reply{Text: text}
}

// Reset starts a fresh session: new ID, empty history and profile,
// metrics and degradation cleared. A queue left by a failed turn is
// dropped with the old session.
func (c *Controller) Reset() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = NewState()
	c.metrics = &Metrics{}
	c.pending = nil
	c.interrupt.Store(false)
	c.degraded.Store(false)
	c.maxTokens = c.opts.MaxTokens
	c.promptTokens.Store(0)

	log.Info().Str("session_id", c.state.SessionID).Msg("Session reset")
	return c.state.SessionID
}

// Degrade forces degradation, used by external pressure signals such as
// the memory monitor.
func (c *Controller) Degrade(reason string) {
	if c.degraded.Swap(true) {
		return
	}
	c.shrinkBudget(reason)
}

// checkDegradation flips the degradation switch when response latency
// crosses the configured thresholds.
func (c *Controller) checkDegradation() {
	if c.degraded.Load() {
		return
	}
	if !c.metrics.Degraded(c.opts.DegradedAvgMs, c.opts.DegradedSlowRatio) {
		return
	}
	if c.degraded.Swap(true) {
		return
	}
	c.shrinkBudget("slow responses")
}

// shrinkBudget halves the reply token budget to recover latency.
func (c *Controller) shrinkBudget(reason string) {
	c.mu.Lock()
	c.maxTokens = c.maxTokens / 2
	if c.maxTokens < minDegradedMaxTokens {
		c.maxTokens = minDegradedMaxTokens
	}
	tokens := c.maxTokens
	c.mu.Unlock()

	log.Warn().Str("reason", reason).Int("max_tokens", tokens).Msg("Performance degraded, reducing reply budget")
	if c.cb.OnDegraded != nil {
		c.cb.OnDegraded(reason)
	}
}

// Degraded reports whether the session is in degraded mode.
func (c *Controller) Degraded() bool {
	return c.degraded.Load()
}

// Metrics exposes the session metrics.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// Snapshot returns a copy of the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := make([]models.ChatMessage, len(c.state.History))
	copy(history, c.state.History)

	return Snapshot{
		SessionID:    c.state.SessionID,
		History:      history,
		Profile:      c.state.Profile,
		PersonaIndex: c.state.PersonaIndex,
		StartedAt:    c.state.StartedAt,
		UserMessages: c.state.UserMessages,
		PendingCount: len(c.pending),
		Processing:   c.processing,
		Degraded:     c.degraded.Load(),
		AvgReplyMs:   c.metrics.AvgMs(),
		MaxReplyMs:   atomic.LoadInt64(&c.metrics.MaxResponseMs),
		SlowReplies:  atomic.LoadInt64(&c.metrics.SlowResponses),
		PromptTokens: c.promptTokens.Load(),
	}
}
