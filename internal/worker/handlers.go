package worker

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/gomahq/goma/internal/conversation"
	"github.com/gomahq/goma/internal/embedding"
	"github.com/gomahq/goma/pkg/models"
)

// OfflineReply is returned when the chat backend never came up.
const OfflineReply = "The assistant is offline right now. You can still browse the portfolio, and I'll be back once the model is available."

// writeJSON writes a JSON response with proper error handling.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// getController returns the controller once init has published it.
func (s *Service) getController() *conversation.Controller {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.controller
}

// handleHealth responds immediately, even during initialization.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":     "ok",
		"version":    s.version,
		"uptime_sec": int64(time.Since(s.startTime).Seconds()),
		"ready":      s.ready.Load(),
	})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": s.version})
}

// handleReady returns 200 only when initialization finished.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.GetInitError(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "initializing")
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

// requireReady rejects requests until async initialization completes.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, "service initializing, try again shortly")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ChatRequest is the POST /api/chat body.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is the POST /api/chat reply.
type ChatResponse struct {
	Reply     string `json:"reply,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
	Error     bool   `json:"error,omitempty"`
}

// handleChat runs one chat turn. A message arriving while a reply is in
// flight queues and returns immediately; the batched answer arrives on
// the SSE stream. Generation failures return the canned apology with
// 200 so the widget renders it like any reply.
func (s *Service) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	controller := s.getController()

	if !s.aiEnabled.Load() {
		writeJSON(w, ChatResponse{Reply: OfflineReply, Error: true})
		return
	}

	reply, err := controller.Send(r.Context(), req.Message)
	if err != nil {
		if errors.Is(err, conversation.ErrEmptyMessage) {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}
		log.Error().Err(err).Msg("Chat turn failed")
		writeJSON(w, ChatResponse{
			Reply:    conversation.FallbackError,
			Error:    true,
			Degraded: controller.Degraded(),
		})
		return
	}

	if reply.Queued {
		writeJSON(w, ChatResponse{Queued: true})
		return
	}

	writeJSON(w, ChatResponse{
		Reply:     reply.Text,
		LatencyMs: reply.Latency.Milliseconds(),
		Degraded:  controller.Degraded(),
	})
}

// handleGreet produces the opening greeting on demand.
func (s *Service) handleGreet(w http.ResponseWriter, r *http.Request) {
	if !s.aiEnabled.Load() {
		writeJSON(w, ChatResponse{Reply: conversation.FallbackGreeting})
		return
	}
	reply := s.getController().Greet(r.Context())
	writeJSON(w, ChatResponse{Reply: reply.Text, Queued: reply.Queued})
}

// handleReset starts a fresh session.
func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	sessionID := s.getController().Reset()
	writeJSON(w, map[string]string{"session_id": sessionID})
}

// handleStats reports session, retrieval, and service statistics.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	s.initMu.RLock()
	controller := s.controller
	searcher := s.searcher
	chatClient := s.chatClient
	store := s.store
	s.initMu.RUnlock()

	snap := controller.Snapshot()

	stats := map[string]interface{}{
		"session": map[string]interface{}{
			"session_id":    snap.SessionID,
			"started_at":    snap.StartedAt,
			"user_messages": snap.UserMessages,
			"pending_count": snap.PendingCount,
			"processing":    snap.Processing,
			"persona_index": snap.PersonaIndex,
		},
		"performance": map[string]interface{}{
			"avg_reply_ms":  snap.AvgReplyMs,
			"max_reply_ms":  snap.MaxReplyMs,
			"slow_replies":  snap.SlowReplies,
			"degraded":      snap.Degraded,
			"prompt_tokens": snap.PromptTokens,
		},
		"service": map[string]interface{}{
			"version":       s.version,
			"uptime_sec":    int64(time.Since(s.startTime).Seconds()),
			"ai_enabled":    s.aiEnabled.Load(),
			"model":         chatClient.Model(),
			"model_load_ms": s.modelLoadMs.Load(),
			"sse_clients":   s.sseBroadcaster.ClientCount(),
			"chunks":        store.Len(),
		},
		"rate_limit": s.chatLimiter.Stats(),
	}
	if searcher != nil {
		stats["retrieval"] = searcher.Metrics().Stats()
	}

	writeJSON(w, stats)
}

// handleProfile returns what has been learned about the visitor.
func (s *Service) handleProfile(w http.ResponseWriter, r *http.Request) {
	snap := s.getController().Snapshot()
	writeJSON(w, snap.Profile)
}

// FeedbackPayload is a prefilled message the portfolio owner receives
// about the session: who visited and how the conversation went.
type FeedbackPayload struct {
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Stats   models.UsageStats `json:"stats"`
}

// handleFeedback assembles the session summary payload.
func (s *Service) handleFeedback(w http.ResponseWriter, r *http.Request) {
	s.initMu.RLock()
	chatClient := s.chatClient
	s.initMu.RUnlock()

	snap := s.getController().Snapshot()

	var b strings.Builder
	b.WriteString("A visitor chatted with the portfolio assistant.\n\n")
	if snap.Profile.HasAny() {
		b.WriteString("Visitor details:\n")
		if snap.Profile.Name != "" {
			fmt.Fprintf(&b, "- Name: %s\n", snap.Profile.Name)
		}
		if snap.Profile.Email != "" {
			fmt.Fprintf(&b, "- Email: %s\n", snap.Profile.Email)
		}
		if snap.Profile.Company != "" {
			fmt.Fprintf(&b, "- Company: %s\n", snap.Profile.Company)
		}
		if snap.Profile.Position != "" {
			fmt.Fprintf(&b, "- Position: %s\n", snap.Profile.Position)
		}
		if snap.Profile.Context != "" {
			fmt.Fprintf(&b, "- Notes: %s\n", snap.Profile.Context)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("The visitor did not share contact details.\n\n")
	}
	fmt.Fprintf(&b, "Session stats:\n- Messages: %d\n- Duration: %s\n- Avg reply: %.0f ms\n",
		snap.UserMessages,
		time.Since(snap.StartedAt).Round(time.Second),
		snap.AvgReplyMs)

	subject := "Portfolio chat session"
	if snap.Profile.Name != "" {
		subject = fmt.Sprintf("Portfolio chat with %s", snap.Profile.Name)
	}

	writeJSON(w, FeedbackPayload{
		To:      s.config.OwnerName,
		Subject: subject,
		Body:    b.String(),
		Stats: models.UsageStats{
			SessionSeconds: int64(time.Since(snap.StartedAt).Seconds()),
			UserMessages:   snap.UserMessages,
			AvgReplyMs:     snap.AvgReplyMs,
			MaxReplyMs:     float64(snap.MaxReplyMs),
			SlowReplies:    snap.SlowReplies,
			Model:          chatClient.Model(),
			ModelLoadMs:    s.modelLoadMs.Load(),
		},
	})
}

// handleModels lists the chat model and available embedding providers.
func (s *Service) handleModels(w http.ResponseWriter, r *http.Request) {
	s.initMu.RLock()
	chatClient := s.chatClient
	embedSvc := s.embedSvc
	s.initMu.RUnlock()

	resp := map[string]interface{}{
		"chat_model":          chatClient.Model(),
		"chat_provider":       s.config.ChatProvider,
		"embedding_providers": embedding.ListModels(),
	}
	if embedSvc != nil {
		resp["embedding_model"] = embedSvc.Name()
		resp["embedding_dimensions"] = embedSvc.Dimensions()
	}
	writeJSON(w, resp)
}
