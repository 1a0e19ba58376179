package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomahq/goma/internal/prompt"
	"github.com/gomahq/goma/pkg/models"
)

func testOptions() Options {
	return Options{
		Temperature:       0.7,
		MaxTokens:         512,
		GreetingMaxTokens: 150,
		SlowThreshold:     1500 * time.Millisecond,
		DegradedAvgMs:     1000,
		DegradedSlowRatio: 0.25,
		PendingCap:        32,
	}
}

func newTestController(client *fakeClient, cb Callbacks) *Controller {
	composer := prompt.NewComposer("Goma", "Jane", 10)
	return NewController(client, nil, composer, testOptions(), cb)
}

func TestSendAppendsTurnsAndReturnsReply(t *testing.T) {
	client := newFakeClient("Hello visitor!")
	c := newTestController(client, Callbacks{})

	reply, err := c.Send(context.Background(), "tell me about the projects")
	require.NoError(t, err)
	assert.False(t, reply.Queued)
	assert.Equal(t, "Hello visitor!", reply.Text)

	snap := c.Snapshot()
	require.Len(t, snap.History, 2)
	assert.Equal(t, models.RoleUser, snap.History[0].Role)
	assert.Equal(t, models.RoleAssistant, snap.History[1].Role)
	assert.Equal(t, int64(1), snap.UserMessages)
}

func TestSendRejectsEmpty(t *testing.T) {
	c := newTestController(newFakeClient("x"), Callbacks{})

	_, err := c.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestQueuedMessagesBatchIntoOneTurn(t *testing.T) {
	client := newFakeClient("first reply", "batched reply")
	client.blockFirst = make(chan struct{})
	c := newTestController(client, Callbacks{})

	done := make(chan Reply, 1)
	go func() {
		r, err := c.Send(context.Background(), "first question")
		require.NoError(t, err)
		done <- r
	}()

	// Wait until the first generation is in flight, then queue two more.
	client.started.waitFor(t, 1)
	r2, err := c.Send(context.Background(), "second question")
	require.NoError(t, err)
	assert.True(t, r2.Queued)
	r3, err := c.Send(context.Background(), "third question")
	require.NoError(t, err)
	assert.True(t, r3.Queued)

	close(client.blockFirst)
	<-done

	// The queued messages were answered as one combined user turn.
	snap := c.Snapshot()
	require.Len(t, snap.History, 4)
	assert.Equal(t, "second question\n\nthird question", snap.History[2].Content)
	assert.Equal(t, "batched reply", snap.History[3].Content)
	assert.Equal(t, 0, snap.PendingCount)
	assert.False(t, snap.Processing)
}

func TestPendingQueueCapDropsNewest(t *testing.T) {
	client := newFakeClient("first reply", "batched reply")
	client.blockFirst = make(chan struct{})
	opts := testOptions()
	opts.PendingCap = 3
	c := NewController(client, nil, prompt.NewComposer("Goma", "Jane", 10), opts, Callbacks{})

	done := make(chan struct{})
	go func() {
		_, err := c.Send(context.Background(), "first question")
		require.NoError(t, err)
		close(done)
	}()

	client.started.waitFor(t, 1)
	for i := 0; i < 4; i++ {
		r, err := c.Send(context.Background(), fmt.Sprintf("queued %d", i))
		require.NoError(t, err)
		// The overflowing message is dropped but still reported queued.
		assert.True(t, r.Queued)
	}
	assert.Equal(t, 3, c.Snapshot().PendingCount)

	close(client.blockFirst)
	<-done

	snap := c.Snapshot()
	require.Len(t, snap.History, 4)
	assert.Equal(t, "queued 0\n\nqueued 1\n\nqueued 2", snap.History[2].Content)
	assert.Equal(t, 0, snap.PendingCount)
}

func TestGenerationErrorKeepsQueue(t *testing.T) {
	client := newFakeClient()
	client.errs = []error{errors.New("model crashed")}
	client.blockFirst = make(chan struct{})
	c := newTestController(client, Callbacks{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "first question")
		done <- err
	}()

	client.started.waitFor(t, 1)
	_, err := c.Send(context.Background(), "queued while failing")
	require.NoError(t, err)

	close(client.blockFirst)
	require.Error(t, <-done)

	// Queue survives the failure and is answered after the next
	// successful turn.
	snap := c.Snapshot()
	assert.Equal(t, 1, snap.PendingCount)
	assert.False(t, snap.Processing)

	client.setReplies("recovered", "batched after recovery")
	reply, err := c.Send(context.Background(), "try again")
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply.Text)

	snap = c.Snapshot()
	assert.Equal(t, 0, snap.PendingCount)
	lastTwo := snap.History[len(snap.History)-2:]
	assert.Equal(t, "batched after recovery", lastTwo[1].Content)
}

func TestExtractionBlockStrippedAndMerged(t *testing.T) {
	client := newFakeClient(`Nice to meet you! [EXTRACT]{"name":"Ada","company":"Acme"}[/EXTRACT]`)
	var tokens []string
	c := newTestController(client, Callbacks{
		OnToken: func(f string) { tokens = append(tokens, f) },
	})

	reply, err := c.Send(context.Background(), "hi I am Ada from Acme")
	require.NoError(t, err)
	assert.Equal(t, "Nice to meet you!", reply.Text)

	snap := c.Snapshot()
	assert.Equal(t, "Ada", snap.Profile.Name)
	assert.Equal(t, "Acme", snap.Profile.Company)

	// No streamed token ever contained sentinel text.
	streamed := strings.Join(tokens, "")
	assert.NotContains(t, streamed, "[EXTRACT]")
	assert.NotContains(t, streamed, "Ada")
}

func TestProfileFieldsAreWriteOnce(t *testing.T) {
	client := newFakeClient(
		`Hi! [EXTRACT]{"name":"Ada"}[/EXTRACT]`,
		`Sure! [EXTRACT]{"name":"Someone Else","email":"new@example.com"}[/EXTRACT]`,
	)
	c := newTestController(client, Callbacks{})

	_, err := c.Send(context.Background(), "I'm Ada")
	require.NoError(t, err)
	_, err = c.Send(context.Background(), "actually call me Someone Else")
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, "Ada", snap.Profile.Name)
	assert.Equal(t, "new@example.com", snap.Profile.Email)
}

func TestPersonaRotatesEachReply(t *testing.T) {
	client := newFakeClient("one", "two", "three", "four")
	c := newTestController(client, Callbacks{})

	for _, msg := range []string{"q1", "q2", "q3"} {
		_, err := c.Send(context.Background(), msg)
		require.NoError(t, err)
	}

	snap := c.Snapshot()
	assert.Equal(t, 3%prompt.PersonaCount(), snap.PersonaIndex)
}

func TestGreetFallbackOnError(t *testing.T) {
	client := newFakeClient()
	client.errs = []error{errors.New("not loaded")}
	c := newTestController(client, Callbacks{})

	reply := c.Greet(context.Background())
	assert.Equal(t, FallbackGreeting, reply.Text)

	snap := c.Snapshot()
	require.Len(t, snap.History, 1)
	assert.Equal(t, models.RoleAssistant, snap.History[0].Role)
}

func TestGreetUsesModelOutput(t *testing.T) {
	client := newFakeClient("Welcome! Ask me anything about the portfolio.")
	c := newTestController(client, Callbacks{})

	reply := c.Greet(context.Background())
	assert.Equal(t, "Welcome! Ask me anything about the portfolio.", reply.Text)
}

func TestGreetDoesNotOverlapGeneration(t *testing.T) {
	client := newFakeClient("slow reply")
	client.blockFirst = make(chan struct{})
	c := newTestController(client, Callbacks{})

	done := make(chan struct{})
	go func() {
		_, err := c.Send(context.Background(), "first question")
		require.NoError(t, err)
		close(done)
	}()

	client.started.waitFor(t, 1)
	greet := c.Greet(context.Background())
	assert.True(t, greet.Queued)
	assert.Empty(t, greet.Text)
	// No second completion started while the first was in flight.
	assert.Equal(t, int64(1), atomic.LoadInt64(&client.started.n))

	close(client.blockFirst)
	<-done
}

func TestMessagesQueuedDuringGreetingAreAnswered(t *testing.T) {
	client := newFakeClient("Welcome!", "batched reply")
	client.blockFirst = make(chan struct{})
	c := newTestController(client, Callbacks{})

	done := make(chan Reply, 1)
	go func() {
		done <- c.Greet(context.Background())
	}()

	client.started.waitFor(t, 1)
	r, err := c.Send(context.Background(), "early question")
	require.NoError(t, err)
	assert.True(t, r.Queued)

	close(client.blockFirst)
	greet := <-done
	assert.Equal(t, "Welcome!", greet.Text)

	snap := c.Snapshot()
	require.Len(t, snap.History, 3)
	assert.Equal(t, "early question", snap.History[1].Content)
	assert.Equal(t, "batched reply", snap.History[2].Content)
	assert.False(t, snap.Processing)
}

func TestGreetAdvancesPersona(t *testing.T) {
	client := newFakeClient("Welcome!")
	c := newTestController(client, Callbacks{})

	c.Greet(context.Background())
	assert.Equal(t, 1%prompt.PersonaCount(), c.Snapshot().PersonaIndex)
}

func TestResetStartsFreshSession(t *testing.T) {
	client := newFakeClient("a reply")
	c := newTestController(client, Callbacks{})

	_, err := c.Send(context.Background(), "hello there friend")
	require.NoError(t, err)
	oldID := c.Snapshot().SessionID

	newID := c.Reset()
	assert.NotEqual(t, oldID, newID)

	snap := c.Snapshot()
	assert.Empty(t, snap.History)
	assert.Equal(t, models.UserProfile{}, snap.Profile)
	assert.Equal(t, int64(0), snap.UserMessages)
	assert.False(t, snap.Degraded)
}

func TestExternalDegradeShrinksBudgetOnce(t *testing.T) {
	client := newFakeClient("r")
	var reasons []string
	c := newTestController(client, Callbacks{
		OnDegraded: func(reason string) { reasons = append(reasons, reason) },
	})

	c.Degrade("memory pressure")
	c.Degrade("memory pressure")

	assert.True(t, c.Degraded())
	assert.Equal(t, []string{"memory pressure"}, reasons)
}

func TestMetricsTrackAndDegrade(t *testing.T) {
	m := &Metrics{}
	m.Track(2*time.Second, 1500*time.Millisecond)
	m.Track(100*time.Millisecond, 1500*time.Millisecond)

	assert.Equal(t, int64(2), m.MessagesSent)
	assert.Equal(t, int64(1), m.SlowResponses)
	assert.InDelta(t, 1050, m.AvgMs(), 1)
	assert.Equal(t, int64(2000), m.MaxResponseMs)
	assert.True(t, m.Degraded(1000, 0.25))
	assert.False(t, m.Degraded(2000, 0.6))
}
