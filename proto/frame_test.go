package proto

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frames := []Frame{
		&ForwardedRequest{
			RequestID:    "req-1",
			URL:          "/ping?x=1",
			Method:       "GET",
			Headers:      HeaderMap{"Accept": {"text/plain"}},
			Body:         base64.StdEncoding.EncodeToString([]byte("hello")),
			ResponseMode: ModeBuffer,
		},
		&ForwardedResponse{
			RequestID:  "req-1",
			StatusCode: 200,
			Headers:    HeaderMap{"Content-Type": {"text/plain"}},
			Body:       base64.StdEncoding.EncodeToString([]byte("pong")),
		},
		&StreamStart{
			RequestID:  "req-2",
			StatusCode: 200,
			Headers:    HeaderMap{"Content-Type": {"text/event-stream"}},
		},
		&StreamChunk{RequestID: "req-2", Body: "ZGF0YQ==", IsFinal: true},
		&CancelRequest{RequestID: "req-2"},
	}

	for _, in := range frames {
		data, err := Encode(in)
		require.NoError(t, err)

		out, err := Decode(data)
		require.NoError(t, err)

		assert.Equal(t, in.FrameType(), out.FrameType())
		assert.Equal(t, in.FrameRequestID(), out.FrameRequestID())
		assert.Equal(t, in, out)
	}
}

func TestEncodeStampsDiscriminator(t *testing.T) {
	data, err := Encode(&CancelRequest{RequestID: "abc"})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, TypeCancelRequest, raw["type"])
	assert.Equal(t, "abc", raw["requestId"])
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"fancyNewFrame","requestId":"x"}`))
	assert.ErrorIs(t, err, ErrUnknownFrameType)
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	_, err := Decode([]byte(`{"requestId":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = Decode([]byte(`{"type":"forwardedResponse"}`))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = Decode([]byte(`not json at all`))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestHeaderMapAcceptsStringOrList(t *testing.T) {
	data := []byte(`{
		"type": "forwardedResponse",
		"requestId": "r",
		"statusCode": 200,
		"headers": {"Content-Type": "text/plain", "Set-Cookie": ["a=1", "b=2"]},
		"body": ""
	}`)

	f, err := Decode(data)
	require.NoError(t, err)

	resp := f.(*ForwardedResponse)
	assert.Equal(t, []string{"text/plain"}, resp.Headers["Content-Type"])
	assert.Equal(t, []string{"a=1", "b=2"}, resp.Headers["Set-Cookie"])
}

func TestBodyBase64RoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x01, 0xff, 'a', '\n'}

	in := &ForwardedRequest{
		RequestID:    "r",
		Method:       "POST",
		URL:          "/x",
		Body:         base64.StdEncoding.EncodeToString(payload),
		ResponseMode: ModeBuffer,
	}

	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(out.(*ForwardedRequest).Body)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestSignature(t *testing.T) {
	sig := SignHostname("a.example", "secret")
	assert.True(t, VerifySignature("a.example", "secret", sig))
	assert.False(t, VerifySignature("a.example", "other", sig))
	assert.False(t, VerifySignature("b.example", "secret", sig))
	assert.False(t, VerifySignature("a.example", "secret", ""))
}
