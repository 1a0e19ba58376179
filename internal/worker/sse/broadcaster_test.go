package sse

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastReachesClients(t *testing.T) {
	b := NewBroadcaster()

	rec := httptest.NewRecorder()
	client, err := b.AddClient(rec)
	require.NoError(t, err)
	assert.Equal(t, 1, b.ClientCount())

	b.Broadcast(map[string]string{"type": "token", "content": "hi"})
	assert.Contains(t, rec.Body.String(), `"type":"token"`)
	assert.Contains(t, rec.Body.String(), `"content":"hi"`)

	b.RemoveClient(client)
	assert.Equal(t, 0, b.ClientCount())
}

func TestBroadcastSkipsClosedClients(t *testing.T) {
	b := NewBroadcaster()

	rec := httptest.NewRecorder()
	client, err := b.AddClient(rec)
	require.NoError(t, err)
	b.RemoveClient(client)

	// Must not panic or write to a removed client.
	b.Broadcast(map[string]string{"type": "reply"})
	assert.Empty(t, rec.Body.String())
}

type noFlushWriter struct {
	http.ResponseWriter
}

func TestAddClientRequiresFlusher(t *testing.T) {
	b := NewBroadcaster()

	_, err := b.AddClient(noFlushWriter{httptest.NewRecorder()})
	assert.Error(t, err)
}
