package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cajax/burrow/proto"
)

// replayTimeout bounds a replayed exchange. Replays are interactive; they do
// not get the long buffered deadline.
const replayTimeout = 30 * time.Second

// ReplaySummary describes a finished replay.
type ReplaySummary struct {
	Method     string
	Path       string
	StatusCode int
}

// Replayer re-issues a previously captured exchange through the dispatcher
// against whatever peer currently holds the hostname. Replays always run
// buffered; a captured SSE exchange is replayed as a single response.
type Replayer struct {
	registry   *Registry
	store      LogStore
	dispatcher *Dispatcher
	log        *zap.Logger
}

// NewReplayer creates a replay engine sharing the dispatcher's machinery.
func NewReplayer(registry *Registry, store LogStore, dispatcher *Dispatcher, log *zap.Logger) *Replayer {
	return &Replayer{
		registry:   registry,
		store:      store,
		dispatcher: dispatcher,
		log:        log,
	}
}

// Replay loads the log entry and pushes it back through the tunnel. The
// caller's hostname scopes access: an entry belonging to another hostname is
// reported as ErrNotFound, exactly like a missing one. The replayed exchange
// is captured as a new log entry by the usual recording path.
func (rp *Replayer) Replay(ctx context.Context, logID int64, hostname string) (*ReplaySummary, error) {
	entry, err := rp.store.FindByID(ctx, logID)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Hostname != hostname {
		return nil, ErrNotFound
	}

	peer, ok := rp.registry.Lookup(hostname)
	if !ok {
		return nil, ErrNoPeer
	}

	var headers proto.HeaderMap
	if err := json.Unmarshal([]byte(entry.RequestHeaders), &headers); err != nil {
		rp.log.Warn("stored request headers are unreadable, replaying without them",
			zap.Int64("log_id", logID), zap.Error(err))
		headers = proto.HeaderMap{}
	}

	freq := &proto.ForwardedRequest{
		RequestID:    uuid.NewString(),
		URL:          entry.Path,
		Method:       entry.Method,
		Headers:      headers,
		Body:         entry.RequestBody,
		ResponseMode: proto.ModeBuffer,
	}

	rw := newReplayResponse()
	outcome := rp.dispatcher.forward(ctx, peer, hostname, freq, rw, replayTimeout)

	switch outcome {
	case OutcomeDelivered:
		return &ReplaySummary{Method: entry.Method, Path: entry.Path, StatusCode: rw.status}, nil
	case OutcomeTimeout:
		return nil, ErrTimeout
	case OutcomePeerGone, OutcomeSendFailed:
		return nil, ErrPeerGone
	default:
		return nil, fmt.Errorf("replay did not complete: %s", outcome)
	}
}

// replayResponse is the synthetic responder a replay drives instead of a
// public client connection.
type replayResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newReplayResponse() *replayResponse {
	return &replayResponse{header: make(http.Header)}
}

func (w *replayResponse) Header() http.Header { return w.header }

func (w *replayResponse) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *replayResponse) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(p)
}
