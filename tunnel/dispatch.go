package tunnel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cajax/burrow/metrics"
	"github.com/cajax/burrow/proto"
)

// ResponseOutcome classifies how a dispatch reached its terminal state.
type ResponseOutcome string

const (
	OutcomeDelivered   ResponseOutcome = "delivered"
	OutcomePeerGone    ResponseOutcome = "peer_gone"
	OutcomeTimeout     ResponseOutcome = "timeout"
	OutcomeClientAbort ResponseOutcome = "client_abort"
	OutcomeDecodeError ResponseOutcome = "decode_error"
	OutcomeSendFailed  ResponseOutcome = "send_failed"
)

const (
	// bufferedTimeout bounds how long a buffered dispatch waits for its reply.
	// Streamed dispatches carry no gateway deadline; they end on client close,
	// on the final chunk, or on peer loss.
	bufferedTimeout = 10 * time.Minute

	// dispatchQueueSize buffers frames between the peer read loop and the
	// dispatch goroutine consuming them.
	dispatchQueueSize = 32
)

// dispatchPeer is the slice of Peer the dispatcher drives.
type dispatchPeer interface {
	Send(proto.Frame) error
	Subscribe(requestID string, h FrameHandler)
	Unsubscribe(requestID string)
	RemoteIP() string
	Done() <-chan struct{}
}

// Dispatcher runs the per-request state machine: it issues a forwarded
// request frame on the peer's control channel, correlates response frames by
// request id, and drives the HTTP reply either buffered or chunk by chunk.
type Dispatcher struct {
	recorder *Recorder
	metrics  *metrics.Metrics
	timeout  time.Duration
	log      *zap.Logger
}

// NewDispatcher creates a dispatcher. recorder may be nil to disable capture.
func NewDispatcher(recorder *Recorder, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		recorder: recorder,
		metrics:  m,
		timeout:  bufferedTimeout,
		log:      log,
	}
}

// Dispatch forwards one inbound public request through the peer and writes
// the reply to w. It returns when the dispatch reaches a terminal state.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, hostname string, peer dispatchPeer) ResponseOutcome {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		// The downstream connection broke while the body was still arriving.
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return OutcomeClientAbort
	}

	freq := &proto.ForwardedRequest{
		RequestID:    uuid.NewString(),
		URL:          r.URL.RequestURI(),
		Method:       r.Method,
		Headers:      canonicalHeaders(r.Header),
		Body:         base64.StdEncoding.EncodeToString(body),
		ResponseMode: responseModeFor(r),
	}

	return d.forward(r.Context(), peer, hostname, freq, w, d.timeout)
}

// responseModeFor picks streaming when the client asked for server-sent
// events, buffered otherwise.
func responseModeFor(r *http.Request) proto.ResponseMode {
	for _, accept := range r.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(accept), "text/event-stream") {
			return proto.ModeStream
		}
	}
	return proto.ModeBuffer
}

// dispatchState is the mutable state of one in-flight exchange. It lives on
// the dispatch goroutine's stack; frames reach it through a buffered channel,
// so no field needs locking.
type dispatchState struct {
	hostname string
	peer     dispatchPeer
	freq     *proto.ForwardedRequest
	w        http.ResponseWriter

	headersSent bool
	status      int
	respHeaders http.Header
	started     time.Time
}

// forward runs the state machine shared by public dispatches and replays.
// timeout applies to buffered exchanges only.
func (d *Dispatcher) forward(ctx context.Context, peer dispatchPeer, hostname string, freq *proto.ForwardedRequest, w http.ResponseWriter, timeout time.Duration) ResponseOutcome {
	st := &dispatchState{
		hostname: hostname,
		peer:     peer,
		freq:     freq,
		w:        w,
		started:  time.Now(),
	}

	log := d.log.With(
		zap.String("request_id", freq.RequestID),
		zap.String("hostname", hostname),
		zap.String("method", freq.Method),
		zap.String("url", freq.URL),
	)

	frames := make(chan proto.Frame, dispatchQueueSize)
	done := make(chan struct{})
	defer close(done)

	peer.Subscribe(freq.RequestID, func(f proto.Frame) {
		select {
		case frames <- f:
		case <-done:
		}
	})
	defer peer.Unsubscribe(freq.RequestID)

	if err := peer.Send(freq); err != nil {
		log.Warn("forwarded request not accepted by peer channel", zap.Error(err))
		http.Error(w, "tunnel unavailable", http.StatusBadGateway)
		return d.finish(st, OutcomeSendFailed)
	}

	var timeoutCh <-chan time.Time
	if freq.ResponseMode == proto.ModeBuffer {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		select {
		case f := <-frames:
			outcome, terminal := d.handleFrame(st, f, log)
			if terminal {
				return d.finish(st, outcome)
			}

		case <-peer.Done():
			return d.finish(st, d.peerLost(st, log))

		case <-timeoutCh:
			log.Warn("buffered dispatch timed out")
			http.Error(w, "tunnel timeout", http.StatusGatewayTimeout)
			return d.finish(st, OutcomeTimeout)

		case <-ctx.Done():
			if freq.ResponseMode == proto.ModeStream {
				// Tell the peer to stop producing; best effort.
				if err := peer.Send(&proto.CancelRequest{RequestID: freq.RequestID}); err != nil {
					log.Debug("cancel frame not delivered", zap.Error(err))
				}
			}
			log.Debug("client went away before terminal state")
			return d.finish(st, OutcomeClientAbort)
		}
	}
}

// handleFrame advances the state machine by one inbound frame. The second
// return value reports whether the dispatch reached a terminal state.
func (d *Dispatcher) handleFrame(st *dispatchState, f proto.Frame, log *zap.Logger) (ResponseOutcome, bool) {
	switch f := f.(type) {
	case *proto.ForwardedResponse:
		if st.freq.ResponseMode != proto.ModeBuffer {
			d.dropFrame(log, f, "buffered response on streamed dispatch")
			return "", false
		}

		body, err := base64.StdEncoding.DecodeString(f.Body)
		if err != nil {
			log.Warn("response body is not valid base64", zap.Error(err))
			http.Error(st.w, "tunnel returned an undecodable response", http.StatusBadGateway)
			return OutcomeDecodeError, true
		}

		hdr := sanitizeHeaders(f.Headers)
		hdr.Set("X-Forwarded-For", st.peer.RemoteIP())
		hdr.Set("Content-Length", strconv.Itoa(len(body)))
		writeHeaders(st.w, hdr)
		st.w.WriteHeader(f.StatusCode)
		if _, err := st.w.Write(body); err != nil {
			log.Debug("client connection lost while writing buffered body", zap.Error(err))
		}

		st.headersSent = true
		st.status = f.StatusCode
		st.respHeaders = hdr
		d.record(st, f.Body)
		return OutcomeDelivered, true

	case *proto.StreamStart:
		if st.freq.ResponseMode != proto.ModeStream {
			d.dropFrame(log, f, "stream start on buffered dispatch")
			return "", false
		}
		if st.headersSent {
			d.dropFrame(log, f, "duplicate stream start")
			return "", false
		}

		hdr := sanitizeHeaders(f.Headers)
		hdr.Set("X-Forwarded-For", st.peer.RemoteIP())
		writeHeaders(st.w, hdr)
		st.w.WriteHeader(f.StatusCode)
		flush(st.w)

		st.headersSent = true
		st.status = f.StatusCode
		st.respHeaders = hdr
		return "", false

	case *proto.StreamChunk:
		if st.freq.ResponseMode != proto.ModeStream || !st.headersSent {
			d.dropFrame(log, f, "chunk before stream start")
			return "", false
		}

		chunk, err := base64.StdEncoding.DecodeString(f.Body)
		if err != nil {
			// Headers are out already; the broken chunk is skipped, the
			// stream itself continues.
			log.Warn("dropping undecodable stream chunk", zap.Error(err))
			d.metrics.FrameDropped()
			return "", false
		}

		if len(chunk) > 0 {
			if _, err := st.w.Write(chunk); err != nil {
				log.Debug("client connection lost while streaming", zap.Error(err))
			}
			flush(st.w)
		}

		if f.IsFinal {
			d.record(st, StreamedBodySentinel)
			return OutcomeDelivered, true
		}
		return "", false

	default:
		d.dropFrame(log, f, "unexpected frame type")
		return "", false
	}
}

// peerLost resolves the terminal state after the peer's channel closed
// mid-flight.
func (d *Dispatcher) peerLost(st *dispatchState, log *zap.Logger) ResponseOutcome {
	log.Warn("peer disconnected mid-flight")

	if !st.headersSent {
		http.Error(st.w, "tunnel disconnected", http.StatusBadGateway)
		return OutcomePeerGone
	}

	// A streamed reply that already reached the client is ended where it
	// stands; the captured log reflects what was relayed.
	d.record(st, StreamedBodySentinel)
	return OutcomePeerGone
}

func (d *Dispatcher) dropFrame(log *zap.Logger, f proto.Frame, reason string) {
	d.metrics.FrameDropped()
	log.Warn("dropping frame", zap.String("type", f.FrameType()), zap.String("reason", reason))
}

func (d *Dispatcher) finish(st *dispatchState, outcome ResponseOutcome) ResponseOutcome {
	d.metrics.ObserveDispatch(string(st.freq.ResponseMode), string(outcome), time.Since(st.started))
	return outcome
}

// record captures the completed exchange. Only responses that actually came
// from the peer are recorded; gateway-synthesized error pages are not.
func (d *Dispatcher) record(st *dispatchState, responseBody string) {
	if d.recorder == nil {
		return
	}

	reqHeaders, err := json.Marshal(st.freq.Headers)
	if err != nil {
		reqHeaders = []byte("{}")
	}
	respHeaders, err := json.Marshal(st.respHeaders)
	if err != nil {
		respHeaders = []byte("{}")
	}

	d.recorder.Record(RequestLog{
		Hostname:        st.hostname,
		Path:            st.freq.URL,
		Method:          st.freq.Method,
		RequestHeaders:  string(reqHeaders),
		RequestBody:     st.freq.Body,
		ResponseStatus:  st.status,
		ResponseHeaders: string(respHeaders),
		ResponseBody:    responseBody,
	})
}

// canonicalHeaders copies an http.Header into the wire representation with
// title-cased names.
func canonicalHeaders(h http.Header) proto.HeaderMap {
	m := make(proto.HeaderMap, len(h))
	for name, values := range h {
		vv := make([]string, len(values))
		copy(vv, values)
		m[http.CanonicalHeaderKey(name)] = vv
	}
	return m
}

// sanitizeHeaders strips hop-by-hop fields from a peer-supplied header map
// and re-cases the rest. Content-Length is recomputed by the caller for
// buffered replies and omitted for streamed ones.
func sanitizeHeaders(h proto.HeaderMap) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if canonical == "Transfer-Encoding" || canonical == "Content-Length" {
			continue
		}
		vv := make([]string, len(values))
		copy(vv, values)
		out[canonical] = vv
	}
	return out
}

func writeHeaders(w http.ResponseWriter, hdr http.Header) {
	dst := w.Header()
	for name, values := range hdr {
		dst[name] = values
	}
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
