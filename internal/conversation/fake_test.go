package conversation

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomahq/goma/internal/llm"
	"github.com/gomahq/goma/pkg/models"
)

// startCounter lets tests wait until a generation is actually in flight.
type startCounter struct {
	n int64
}

func (c *startCounter) inc() { atomic.AddInt64(&c.n, 1) }

func (c *startCounter) waitFor(t *testing.T, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&c.n) < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d stream starts", want)
		}
		time.Sleep(time.Millisecond)
	}
}

// fakeClient replays scripted replies, one per ChatStream call. Replies
// stream in small fragments so prefix filtering is exercised. Errors in
// errs are consumed first, one per call. blockFirst, when set, stalls
// the first call until the channel closes.
type fakeClient struct {
	mu         sync.Mutex
	replies    []string
	errs       []error
	calls      int
	started    startCounter
	blockFirst chan struct{}
}

func newFakeClient(replies ...string) *fakeClient {
	return &fakeClient{replies: replies}
}

func (c *fakeClient) setReplies(replies ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = replies
}

func (c *fakeClient) ChatStream(ctx context.Context, msgs []models.ChatMessage, params models.GenerationParams) (llm.Stream, error) {
	c.mu.Lock()
	call := c.calls
	c.calls++
	var block chan struct{}
	if call == 0 {
		block = c.blockFirst
	}
	var err error
	if len(c.errs) > 0 {
		err = c.errs[0]
		c.errs = c.errs[1:]
	}
	var reply string
	if err == nil {
		if len(c.replies) == 0 {
			reply = "ok"
		} else {
			reply = c.replies[0]
			c.replies = c.replies[1:]
		}
	}
	c.mu.Unlock()

	c.started.inc()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return &fragmentStream{fragments: chunk(reply, 5)}, nil
}

func (c *fakeClient) Probe(ctx context.Context) error { return nil }
func (c *fakeClient) Model() string                   { return "fake" }

type fragmentStream struct {
	fragments []string
	pos       int
}

func (s *fragmentStream) Recv() (string, error) {
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	f := s.fragments[s.pos]
	s.pos++
	return f, nil
}

func (s *fragmentStream) Close() error { return nil }

func chunk(s string, size int) []string {
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
