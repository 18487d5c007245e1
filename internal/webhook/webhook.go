package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/relaunchd/internal/config"
	"github.com/schaermu/relaunchd/internal/updater"
)

const (
	defaultDebounce   = 2 * time.Second
	listenRetryWindow = 5 * time.Second
)

// Runner executes one update attempt.
type Runner interface {
	Run(ctx context.Context, opts updater.RunOptions) (*updater.Report, error)
}

// GitHubReleaseEvent represents the relevant fields from a GitHub release webhook
type GitHubReleaseEvent struct {
	Action  string `json:"action"`
	Release struct {
		TagName    string `json:"tag_name"`
		Draft      bool   `json:"draft"`
		Prerelease bool   `json:"prerelease"`
	} `json:"release"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server triggers update runs from GitHub release webhooks and an optional
// poll timer.
type Server struct {
	mu       sync.RWMutex // guards cfg, runner, pollBase and stopPoll
	cfg      *config.Config
	runner   Runner
	pollBase context.Context
	stopPoll context.CancelFunc
	logger   *slog.Logger
	secret   []byte
	listener net.Listener
	debounce *debouncer
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// Option configures a Server.
type Option func(*Server)

// WithListener serves on l instead of listening on serve.listen_addr, for
// socket activation.
func WithListener(l net.Listener) Option {
	return func(s *Server) {
		s.listener = l
	}
}

// WithDebounce overrides the delay between the last webhook and the run.
func WithDebounce(d time.Duration) Option {
	return func(s *Server) {
		s.debounce.delay = d
	}
}

// NewServer creates a new trigger server. The webhook secret is only read
// when HTTP serving is enabled.
func NewServer(cfg *config.Config, runner Runner, logger *slog.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		runner:   runner,
		logger:   logger,
		debounce: &debouncer{delay: defaultDebounce},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.httpEnabled() {
		secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook secret: %w", err)
		}
		// Trim any whitespace/newlines from secret
		s.secret = []byte(strings.TrimSpace(string(secret)))
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
		}
	}

	return s, nil
}

// Reload swaps in a new configuration and runner. A changed poll interval
// restarts the poll loop; the listen address only takes effect after a
// restart.
func (s *Server) Reload(cfg *config.Config, runner Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Serve.ListenAddr != s.cfg.Serve.ListenAddr {
		s.logger.Warn("listen address changes require a restart")
	}
	intervalChanged := cfg.Serve.PollInterval != s.cfg.Serve.PollInterval
	s.cfg = cfg
	s.runner = runner
	if intervalChanged {
		s.restartPollingLocked()
	}
	s.logger.Info("configuration reloaded")
}

// restartPollingLocked stops the running poll loop and starts one for the
// current interval. It does nothing before Start. s.mu must be held.
func (s *Server) restartPollingLocked() {
	if s.stopPoll != nil {
		s.stopPoll()
		s.stopPoll = nil
	}
	interval := s.cfg.Serve.PollInterval
	if s.pollBase == nil || interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(s.pollBase)
	s.stopPoll = cancel
	go s.pollLoop(ctx, interval)
}

func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Server) httpEnabled() bool {
	return s.listener != nil || s.cfg.Serve.ListenAddr != ""
}

// Start performs an initial update run, then serves webhooks and polls until
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial update check")
	s.performUpdate(ctx, "startup")
	if ctx.Err() != nil {
		return nil
	}

	s.mu.Lock()
	s.pollBase = ctx
	s.restartPollingLocked()
	s.mu.Unlock()

	if !s.httpEnabled() {
		<-ctx.Done()
		s.logger.Info("shutting down")
		return nil
	}

	ln := s.listener
	if ln == nil {
		var err error
		ln, err = listen(ctx, s.config().Serve.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// listen retries briefly so a freshly relaunched process can bind the address
// its predecessor is still releasing.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	deadline := time.Now().Add(listenRetryWindow)
	for {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err == nil || time.Now().After(deadline) {
			return ln, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

func (s *Server) pollLoop(ctx context.Context, interval time.Duration) {
	s.logger.Info("polling for releases", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.performUpdate(ctx, "poll")
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":             "ok",
		"update_in_progress": updater.InProgress(),
	})
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType, "delivery", r.Header.Get("X-GitHub-Delivery"))

	switch eventType {
	case "ping":
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	case "release":
	default:
		s.logger.Info("ignoring unsupported event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not handled\n")
		return
	}

	var event GitHubReleaseEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	cfg := s.config()
	if want := cfg.Release.Owner + "/" + cfg.Release.Repo; !strings.EqualFold(event.Repository.FullName, want) {
		s.logger.Info("ignoring release from other repository", "repo", event.Repository.FullName)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Repository not configured for updates\n")
		return
	}

	if !s.isActionAllowed(event.Action) {
		s.logger.Info("ignoring disallowed release action", "action", event.Action)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Action not configured for updates\n")
		return
	}

	if event.Release.Draft || event.Release.Prerelease {
		s.logger.Info("ignoring draft or prerelease", "tag", event.Release.TagName)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Draft and prerelease events are ignored\n")
		return
	}

	s.logger.Info("webhook accepted",
		"action", event.Action,
		"tag", event.Release.TagName,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.performUpdate(context.Background(), "webhook")
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Update triggered\n")
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// isActionAllowed checks if the release action is in the allowed list
func (s *Server) isActionAllowed(action string) bool {
	allowedActions := s.config().Serve.AllowedActions
	if len(allowedActions) == 0 {
		return true // no filter configured
	}

	for _, allowed := range allowedActions {
		if action == allowed {
			return true
		}
	}
	return false
}

// performUpdate runs the updater once. Triggers arriving while an update is
// running are dropped.
func (s *Server) performUpdate(ctx context.Context, source string) {
	s.mu.RLock()
	runner := s.runner
	s.mu.RUnlock()

	s.logger.Info("performing update run", "trigger", source)
	report, err := runner.Run(ctx, updater.RunOptions{})
	switch {
	case errors.Is(err, updater.ErrUpdateInProgress):
		s.logger.Info("update already in progress, ignoring trigger", "trigger", source)
	case err != nil:
		s.logger.Error("update failed", "trigger", source, "error", err)
	default:
		s.logger.Info("update run finished", "trigger", source, "status", report.Status)
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
