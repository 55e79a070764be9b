package tunnel

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cajax/burrow/client"
)

const testSignatureKey = "test-signature-key"

type testEnv struct {
	t       *testing.T
	server  *Server
	gateway *httptest.Server
	local   *httptest.Server
	agent   *client.Client
	logs    *MemoryLogStore
	creds   *MemoryCredentialStore
	states  chan *ClientStateChange
}

// localHandler is the private service the agent forwards to.
func localHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "pong")
	})

	mux.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, "data: 1\n\n")
		flusher.Flush()
		io.WriteString(w, "data: 2\n\n")
		flusher.Flush()
	})

	return mux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zap.NewNop()

	logs := NewMemoryLogStore()
	creds := NewMemoryCredentialStore()
	states := make(chan *ClientStateChange, 16)

	srv, err := NewServer(&ServerConfig{
		SignatureKey:    testSignatureKey,
		LogStore:        logs,
		CredentialStore: creds,
		StateChanges:    states,
		Log:             log,
	})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	gateway := httptest.NewServer(srv)
	t.Cleanup(gateway.Close)

	local := httptest.NewServer(localHandler())
	t.Cleanup(local.Close)

	agent, err := client.NewClient(&client.Config{
		ServerURL:    gateway.URL,
		Hostname:     "a.example",
		SignatureKey: testSignatureKey,
		LocalAddr:    strings.TrimPrefix(local.URL, "http://"),
		Log:          log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { agent.Close() })

	go agent.Start()
	select {
	case <-agent.StartNotify():
	case <-time.After(5 * time.Second):
		t.Fatal("agent never established the control channel")
	}

	return &testEnv{
		t:       t,
		server:  srv,
		gateway: gateway,
		local:   local,
		agent:   agent,
		logs:    logs,
		creds:   creds,
		states:  states,
	}
}

// request issues a public request against the gateway for the given Host.
func (e *testEnv) request(method, host, path string, body io.Reader, header http.Header) *http.Response {
	e.t.Helper()

	req, err := http.NewRequest(method, e.gateway.URL+path, body)
	require.NoError(e.t, err)
	req.Host = host
	for name, values := range header {
		req.Header[name] = values
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) awaitLogs(n int) []RequestLog {
	e.t.Helper()
	var logs []RequestLog
	require.Eventually(e.t, func() bool {
		var err error
		logs, err = e.logs.FindRecentByHostname(context.Background(), "a.example", 0)
		return err == nil && len(logs) == n
	}, 5*time.Second, 10*time.Millisecond)
	return logs
}

func TestEndToEndBufferedRequest(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request("GET", "a.example", "/ping", nil, nil)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "4", resp.Header.Get("Content-Length"))
	assert.NotEmpty(t, resp.Header.Get("X-Forwarded-For"))
	assert.Empty(t, resp.Header.Values("Transfer-Encoding"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))

	logs := env.awaitLogs(1)
	assert.Equal(t, "/ping", logs[0].Path)
	assert.Equal(t, 200, logs[0].ResponseStatus)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("pong")), logs[0].ResponseBody)
}

func TestEndToEndStreamedRequest(t *testing.T) {
	env := newTestEnv(t)

	header := http.Header{}
	header.Set("Accept", "text/event-stream")
	resp := env.request("GET", "a.example", "/events", nil, header)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Values("Content-Length"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: 1\n\ndata: 2\n\n", string(body))

	logs := env.awaitLogs(1)
	assert.Equal(t, StreamedBodySentinel, logs[0].ResponseBody)
}

func TestEndToEndUnknownHostnameIs404(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request("GET", "b.example", "/whatever", nil, nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "b.example")
}

func TestEndToEndMissingHostIs400(t *testing.T) {
	env := newTestEnv(t)

	// A Host of ":8080" parses as an authority with an empty host.
	resp := env.request("GET", ":8080", "/", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEndToEndReplayThroughInspector(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.creds.Upsert(context.Background(), "a.example", "s3cret"))

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	resp := env.request("POST", "a.example", "/x", strings.NewReader("{}"), header)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	env.awaitLogs(1)

	form := url.Values{
		"token":  {"s3cret"},
		"action": {"replay"},
		"logId":  {"1"},
	}

	replayResp := env.request("POST", "a.example", "/_inspector",
		strings.NewReader(form.Encode()),
		http.Header{"Content-Type": {"application/x-www-form-urlencoded"}})

	require.Equal(t, http.StatusOK, replayResp.StatusCode)
	body, err := io.ReadAll(replayResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Replayed POST /x (status 201)")

	all := env.awaitLogs(2)
	assert.Equal(t, 201, all[0].ResponseStatus)
	assert.Equal(t, 201, all[1].ResponseStatus)
}

func TestEndToEndInspectorAuth(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.creds.Upsert(context.Background(), "a.example", "s3cret"))

	resp := env.request("GET", "a.example", "/_inspector?token=s3cret", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.request("GET", "a.example", "/_inspector?token=wrong", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	basic := base64.StdEncoding.EncodeToString([]byte("u:s3cret"))
	resp = env.request("GET", "a.example", "/_inspector", nil,
		http.Header{"Authorization": {"Basic " + basic}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.request("GET", "a.example", "/_inspector", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEndToEndReconnectReplacesBinding(t *testing.T) {
	env := newTestEnv(t)

	// Drain the initial connect event.
	select {
	case change := <-env.states:
		assert.Equal(t, ClientConnected, change.Current)
		assert.Equal(t, "a.example", change.Hostname)
	case <-time.After(5 * time.Second):
		t.Fatal("no state change for initial connect")
	}

	// A second agent for the same hostname takes over.
	log := zap.NewNop()
	second, err := client.NewClient(&client.Config{
		ServerURL:    env.gateway.URL,
		Hostname:     "a.example",
		SignatureKey: testSignatureKey,
		LocalAddr:    strings.TrimPrefix(env.local.URL, "http://"),
		Log:          log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	go second.Start()
	select {
	case <-second.StartNotify():
	case <-time.After(5 * time.Second):
		t.Fatal("second agent never connected")
	}

	// Requests keep flowing through the replacement peer. The evicted agent
	// may still be reconnecting, so tolerate transient failures.
	require.Eventually(t, func() bool {
		req, err := http.NewRequest("GET", env.gateway.URL+"/ping", nil)
		if err != nil {
			return false
		}
		req.Host = "a.example"
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == 200
	}, 5*time.Second, 50*time.Millisecond)
}

func TestEndToEndBadSignatureIsRejected(t *testing.T) {
	env := newTestEnv(t)

	bad, err := client.NewClient(&client.Config{
		ServerURL:    env.gateway.URL,
		Hostname:     "c.example",
		SignatureKey: "wrong-key",
		LocalAddr:    strings.TrimPrefix(env.local.URL, "http://"),
		Log:          zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { bad.Close() })

	go bad.Start()

	select {
	case <-bad.StartNotify():
		t.Fatal("agent with a bad signature must not connect")
	case <-time.After(500 * time.Millisecond):
	}

	resp := env.request("GET", "c.example", "/ping", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
