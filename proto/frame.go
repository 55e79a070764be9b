package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type discriminators as they appear on the wire.
const (
	TypeForwardedRequest  = "forwardedRequest"
	TypeForwardedResponse = "forwardedResponse"
	TypeStreamStart       = "forwardedResponseStreamStart"
	TypeStreamChunk       = "forwardedResponseStreamChunk"
	TypeCancelRequest     = "cancelForwardedRequest"
)

var (
	// ErrUnknownFrameType reports a frame whose type discriminator is not part
	// of the protocol. Such frames are dropped by the receiver, never fatal.
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrInvalidFrame reports a frame missing a required field.
	ErrInvalidFrame = errors.New("invalid frame")
)

// HeaderMap is a header name to values mapping. On the wire a value may be a
// single string or a list of strings; decoding accepts both.
type HeaderMap map[string][]string

// UnmarshalJSON accepts both "name": "value" and "name": ["v1", "v2"].
func (h *HeaderMap) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m := make(HeaderMap, len(raw))
	for name, val := range raw {
		var list []string
		if err := json.Unmarshal(val, &list); err == nil {
			m[name] = list
			continue
		}

		var single string
		if err := json.Unmarshal(val, &single); err != nil {
			return fmt.Errorf("header %q: %w", name, err)
		}
		m[name] = []string{single}
	}

	*h = m
	return nil
}

// Frame is a control channel message. All frames carry a request id used to
// correlate them with an in-flight dispatch.
type Frame interface {
	FrameType() string
	FrameRequestID() string
}

// ForwardedRequest asks the agent to execute an HTTP request locally.
type ForwardedRequest struct {
	Type         string       `json:"type"`
	RequestID    string       `json:"requestId"`
	URL          string       `json:"url"`
	Method       string       `json:"method"`
	Headers      HeaderMap    `json:"headers"`
	Body         string       `json:"body"`
	ResponseMode ResponseMode `json:"responseMode"`
}

func (f *ForwardedRequest) FrameType() string      { return TypeForwardedRequest }
func (f *ForwardedRequest) FrameRequestID() string { return f.RequestID }

// ForwardedResponse carries a complete buffered reply.
type ForwardedResponse struct {
	Type       string    `json:"type"`
	RequestID  string    `json:"requestId"`
	StatusCode int       `json:"statusCode"`
	Headers    HeaderMap `json:"headers"`
	Body       string    `json:"body"`
}

func (f *ForwardedResponse) FrameType() string      { return TypeForwardedResponse }
func (f *ForwardedResponse) FrameRequestID() string { return f.RequestID }

// StreamStart opens a streamed reply. Exactly one per request id, before any
// chunk.
type StreamStart struct {
	Type       string    `json:"type"`
	RequestID  string    `json:"requestId"`
	StatusCode int       `json:"statusCode"`
	Headers    HeaderMap `json:"headers"`
}

func (f *StreamStart) FrameType() string      { return TypeStreamStart }
func (f *StreamStart) FrameRequestID() string { return f.RequestID }

// StreamChunk carries one piece of a streamed reply. IsFinal ends the stream.
type StreamChunk struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Body      string `json:"body"`
	IsFinal   bool   `json:"isFinal,omitempty"`
}

func (f *StreamChunk) FrameType() string      { return TypeStreamChunk }
func (f *StreamChunk) FrameRequestID() string { return f.RequestID }

// CancelRequest aborts an in-flight streamed exchange on the agent side.
type CancelRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

func (f *CancelRequest) FrameType() string      { return TypeCancelRequest }
func (f *CancelRequest) FrameRequestID() string { return f.RequestID }

// Encode serializes a frame into a single JSON text message, stamping the
// type discriminator.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case *ForwardedRequest:
		v.Type = TypeForwardedRequest
	case *ForwardedResponse:
		v.Type = TypeForwardedResponse
	case *StreamStart:
		v.Type = TypeStreamStart
	case *StreamChunk:
		v.Type = TypeStreamChunk
	case *CancelRequest:
		v.Type = TypeCancelRequest
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownFrameType, f)
	}

	return json.Marshal(f)
}

// envelope is the minimal shape peeked at before decoding a concrete frame.
type envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// Decode parses a single text message into a frame. Unknown discriminators
// yield ErrUnknownFrameType; missing type or request id yields
// ErrInvalidFrame. Both are local to the offending message.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	if env.RequestID == "" {
		return nil, fmt.Errorf("%w: missing requestId", ErrInvalidFrame)
	}

	var f Frame
	switch env.Type {
	case TypeForwardedRequest:
		f = &ForwardedRequest{}
	case TypeForwardedResponse:
		f = &ForwardedResponse{}
	case TypeStreamStart:
		f = &StreamStart{}
	case TypeStreamChunk:
		f = &StreamChunk{}
	case TypeCancelRequest:
		f = &CancelRequest{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, env.Type)
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	return f, nil
}
