package tunnel

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultLogsPerPage = 50
	maxLogsPerPage     = 200

	credCacheSize = 512
	credCacheTTL  = 30 * time.Second

	// Failed token checks are limited per hostname to blunt brute forcing.
	authFailuresPerSecond = 5
	authFailureBurst      = 20
)

// DashboardData is what the renderer gets for the recent-logs view.
type DashboardData struct {
	Hostname   string
	Token      string
	Flash      string
	FlashError string
	Logs       []RequestLog
}

// Renderer draws the inspector view. The HTML itself lives behind this
// interface; HTMLRenderer is the stock implementation.
type Renderer interface {
	RenderLogs(w io.Writer, data *DashboardData) error
}

// Inspector gates and serves the per-hostname request dashboard: it checks
// the presented token against the provisioned credential and executes the
// prune and replay actions.
type Inspector struct {
	logs     LogStore
	creds    CredentialStore
	replayer *Replayer
	renderer Renderer
	log      *zap.Logger

	credCache *expirable.LRU[string, string]

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewInspector creates the dashboard gate.
func NewInspector(logs LogStore, creds CredentialStore, replayer *Replayer, renderer Renderer, log *zap.Logger) *Inspector {
	return &Inspector{
		logs:      logs,
		creds:     creds,
		replayer:  replayer,
		renderer:  renderer,
		log:       log,
		credCache: expirable.NewLRU[string, string](credCacheSize, nil, credCacheTTL),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Handle serves one inspector request, already scoped to a normalized
// hostname by the caller.
func (i *Inspector) Handle(w http.ResponseWriter, r *http.Request, hostname string) {
	password, err := i.credential(r, hostname)
	if errors.Is(err, ErrNoCredential) {
		http.Error(w,
			fmt.Sprintf("no inspector credential for %s; provision one with: burrowd creds set %s", hostname, hostname),
			http.StatusNotFound)
		return
	}
	if err != nil {
		i.log.Error("credential lookup failed", zap.String("hostname", hostname), zap.Error(err))
		http.Error(w, "credential store unavailable", http.StatusInternalServerError)
		return
	}

	token := presentedToken(r)
	if subtle.ConstantTimeCompare([]byte(token), []byte(password)) != 1 {
		if !i.failureLimiter(hostname).Allow() {
			http.Error(w, "too many attempts", http.StatusTooManyRequests)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	data := &DashboardData{Hostname: hostname, Token: token}

	if r.Method == http.MethodPost {
		i.runAction(r, hostname, data)
	}

	i.render(w, r, data)
}

// credential resolves the hostname's password through a short-lived cache.
func (i *Inspector) credential(r *http.Request, hostname string) (string, error) {
	if password, ok := i.credCache.Get(hostname); ok {
		return password, nil
	}

	password, err := i.creds.Get(r.Context(), hostname)
	if err != nil {
		return "", err
	}

	i.credCache.Add(hostname, password)
	return password, nil
}

func (i *Inspector) failureLimiter(hostname string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	l, ok := i.limiters[hostname]
	if !ok {
		l = rate.NewLimiter(rate.Limit(authFailuresPerSecond), authFailureBurst)
		i.limiters[hostname] = l
	}
	return l
}

// presentedToken extracts the credential the caller offered, by precedence:
// POST form field, query string, Bearer token, Basic password segment.
func presentedToken(r *http.Request) string {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			if token := r.PostForm.Get("token"); token != "" {
				return token
			}
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	if _, password, ok := r.BasicAuth(); ok {
		return password
	}

	return ""
}

// runAction executes the POSTed form action and leaves the result in data's
// flash fields.
func (i *Inspector) runAction(r *http.Request, hostname string, data *DashboardData) {
	switch action := r.PostForm.Get("action"); action {
	case "prune":
		removed, err := i.logs.DeleteByHostname(r.Context(), hostname)
		if err != nil {
			i.log.Error("prune failed", zap.String("hostname", hostname), zap.Error(err))
			data.FlashError = "failed to remove log entries"
			return
		}
		data.Flash = fmt.Sprintf("Removed %d log entries", removed)

	case "replay":
		logID, err := strconv.ParseInt(r.PostForm.Get("logId"), 10, 64)
		if err != nil {
			data.FlashError = "replay needs a numeric logId"
			return
		}

		summary, err := i.replayer.Replay(r.Context(), logID, hostname)
		switch {
		case errors.Is(err, ErrNotFound):
			data.FlashError = fmt.Sprintf("log entry %d not found", logID)
		case errors.Is(err, ErrNoPeer):
			data.FlashError = fmt.Sprintf("no tunnel connected for %s", hostname)
		case errors.Is(err, ErrTimeout):
			data.FlashError = "replay timed out waiting for the tunnel"
		case err != nil:
			i.log.Warn("replay failed", zap.Int64("log_id", logID), zap.Error(err))
			data.FlashError = "replay failed"
		default:
			data.Flash = fmt.Sprintf("Replayed %s %s (status %d)", summary.Method, summary.Path, summary.StatusCode)
		}

	default:
		data.FlashError = fmt.Sprintf("unknown action %q", action)
	}
}

func (i *Inspector) render(w http.ResponseWriter, r *http.Request, data *DashboardData) {
	limit := defaultLogsPerPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLogsPerPage {
		limit = maxLogsPerPage
	}

	logs, err := i.logs.FindRecentByHostname(r.Context(), data.Hostname, limit)
	if err != nil {
		i.log.Error("log listing failed", zap.String("hostname", data.Hostname), zap.Error(err))
		http.Error(w, "log store unavailable", http.StatusInternalServerError)
		return
	}
	data.Logs = logs

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := i.renderer.RenderLogs(w, data); err != nil {
		i.log.Error("dashboard render failed", zap.Error(err))
	}
}
