package tunnel

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cajax/burrow/proto"
)

func newReplayEnv(t *testing.T) (*Replayer, *Registry, *MemoryLogStore) {
	t.Helper()
	store := NewMemoryLogStore()
	log := zaptest.NewLogger(t)
	recorder := NewRecorder(store, nil, log)
	t.Cleanup(recorder.Close)
	registry := NewRegistry()
	dispatcher := NewDispatcher(recorder, nil, log)
	return NewReplayer(registry, store, dispatcher, log), registry, store
}

func TestReplayMissingLogIsNotFound(t *testing.T) {
	rp, _, _ := newReplayEnv(t)

	_, err := rp.Replay(context.Background(), 42, "a.example")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplayForeignHostnameIsNotFound(t *testing.T) {
	rp, _, store := newReplayEnv(t)

	entry := &RequestLog{Hostname: "b.example", Path: "/x", Method: "POST"}
	require.NoError(t, store.Insert(context.Background(), entry))

	// The caller inspects a.example; b.example's entry must look missing.
	_, err := rp.Replay(context.Background(), entry.ID, "a.example")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplayWithoutPeer(t *testing.T) {
	rp, _, store := newReplayEnv(t)

	entry := &RequestLog{Hostname: "a.example", Path: "/x", Method: "POST"}
	require.NoError(t, store.Insert(context.Background(), entry))

	_, err := rp.Replay(context.Background(), entry.ID, "a.example")
	assert.ErrorIs(t, err, ErrNoPeer)
}

func TestReplayForcesBufferedModeAndRecordsOutcome(t *testing.T) {
	rp, registry, store := newReplayEnv(t)

	// The captured exchange was streamed; its replay must still go out
	// buffered.
	entry := &RequestLog{
		Hostname:       "a.example",
		Path:           "/events",
		Method:         "GET",
		RequestHeaders: `{"Accept":["text/event-stream"]}`,
		RequestBody:    "",
	}
	require.NoError(t, store.Insert(context.Background(), entry))

	peer, agentSide := newTestPeer(t, "a.example")
	registry.Bind("a.example", peer)
	go peer.ReadLoop()

	// Play the agent: read the forwarded request off the remote end of the
	// channel and answer it with a buffered 201.
	forwarded := make(chan *proto.ForwardedRequest, 1)
	go func() {
		_, data, err := agentSide.ReadMessage()
		if err != nil {
			return
		}
		f, err := proto.Decode(data)
		if err != nil {
			return
		}
		freq, ok := f.(*proto.ForwardedRequest)
		if !ok {
			return
		}
		forwarded <- freq

		reply, _ := proto.Encode(&proto.ForwardedResponse{
			RequestID:  freq.RequestID,
			StatusCode: 201,
			Headers:    proto.HeaderMap{"Content-Type": {"text/plain"}},
			Body:       "",
		})
		agentSide.WriteMessage(websocket.TextMessage, reply)
	}()

	summary, err := rp.Replay(context.Background(), entry.ID, "a.example")
	require.NoError(t, err)
	assert.Equal(t, "GET", summary.Method)
	assert.Equal(t, "/events", summary.Path)
	assert.Equal(t, 201, summary.StatusCode)

	select {
	case freq := <-forwarded:
		assert.Equal(t, proto.ModeBuffer, freq.ResponseMode)
		assert.Equal(t, "/events", freq.URL)
	case <-time.After(5 * time.Second):
		t.Fatal("agent never saw the replayed request")
	}

	// The replayed exchange is captured as a new entry.
	require.Eventually(t, func() bool {
		logs, err := store.FindRecentByHostname(context.Background(), "a.example", 0)
		return err == nil && len(logs) == 2
	}, 5*time.Second, 10*time.Millisecond)
}
