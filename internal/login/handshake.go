package login

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/time/rate"

	"github.com/splax/forge/pkg/logger"
)

var (
	// ErrNoAvailablePort is returned when every candidate callback port is taken.
	ErrNoAvailablePort = errors.New("no available port for login callback")
	// ErrLoginTimeout is returned when no callback arrives in time.
	ErrLoginTimeout = errors.New("login timed out waiting for browser callback")
	// ErrBrowserDisabled is returned by NoBrowser.
	ErrBrowserDisabled = errors.New("browser launch disabled")
)

// ProviderError carries the reason the identity provider rejected the login.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return "login rejected by provider: " + e.Code
	}
	return fmt.Sprintf("login rejected by provider: %s (%s)", e.Code, e.Description)
}

// State is the handshake lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateResolved
	StateFailed
	StateTimedOut
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TokenSaver validates and persists a token received from the provider.
type TokenSaver interface {
	Save(token string) error
}

// Opener launches a browser on url.
type Opener func(ctx context.Context, url string) error

// Config controls where the handshake listens and for how long.
type Config struct {
	AuthBaseURL  string
	Host         string
	Port         int
	PortAttempts int
	Timeout      time.Duration
}

type outcome struct {
	token string
	err   error
}

// Handshake runs one browser login. It is not reusable.
type Handshake struct {
	cfg    Config
	saver  TokenSaver
	open   Opener
	out    io.Writer
	logger *slog.Logger

	limiter  *rate.Limiter
	sanitize *bluemonday.Policy

	mu        sync.Mutex
	state     State
	loginURL  string
	result    chan outcome
	server    *http.Server
	closeOnce sync.Once
}

// Option customises a Handshake.
type Option func(*Handshake)

// WithOpener replaces the system browser launcher.
func WithOpener(o Opener) Option {
	return func(h *Handshake) {
		if o != nil {
			h.open = o
		}
	}
}

// WithOutput sets where user-facing instructions are printed.
func WithOutput(w io.Writer) Option {
	return func(h *Handshake) {
		if w != nil {
			h.out = w
		}
	}
}

// WithLogger sets the handshake logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handshake) {
		if l != nil {
			h.logger = l
		}
	}
}

// New prepares a handshake. Zero config fields take defaults.
func New(cfg Config, saver TokenSaver, opts ...Option) *Handshake {
	if strings.TrimSpace(cfg.AuthBaseURL) == "" {
		cfg.AuthBaseURL = "https://forgekit.ai"
	}
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "localhost"
	}
	if cfg.PortAttempts <= 0 {
		cfg.PortAttempts = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	h := &Handshake{
		cfg:      cfg,
		saver:    saver,
		open:     OpenBrowser,
		out:      io.Discard,
		logger:   logger.Discard(),
		limiter:  rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		sanitize: bluemonday.StrictPolicy(),
		result:   make(chan outcome, 1),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State returns the current lifecycle state.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// URL returns the provider login URL once the listener is bound.
func (h *Handshake) URL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loginURL
}

func (h *Handshake) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Run binds the callback listener, opens the browser and blocks until a
// token arrives, the provider reports an error, the timeout fires or ctx is
// cancelled. The listener is closed on every path.
func (h *Handshake) Run(ctx context.Context) (string, error) {
	h.mu.Lock()
	if h.state != StateIdle {
		h.mu.Unlock()
		return "", errors.New("login handshake already used")
	}
	h.state = StateStarting
	h.mu.Unlock()

	ln, err := h.listen()
	if err != nil {
		h.setState(StateFailed)
		h.setState(StateClosed)
		return "", err
	}

	port := ln.Addr().(*net.TCPAddr).Port
	callback := "http://" + net.JoinHostPort(h.cfg.Host, strconv.Itoa(port))
	loginURL := strings.TrimRight(h.cfg.AuthBaseURL, "/") + "/login?cli=true&callback=" + callback

	h.server = &http.Server{Handler: h.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Warn("login callback server stopped", "error", err)
		}
	}()

	h.mu.Lock()
	h.loginURL = loginURL
	h.state = StateListening
	h.mu.Unlock()
	h.logger.Debug("login callback listening", "port", port)

	fmt.Fprintln(h.out, "Opening browser for login...")
	if err := h.open(ctx, loginURL); errors.Is(err, ErrBrowserDisabled) {
		fmt.Fprintf(h.out, "Visit this URL to log in:\n  %s\n", loginURL)
	} else if err != nil {
		h.logger.Debug("browser launch failed", "error", err)
		fmt.Fprintf(h.out, "Could not open a browser. Visit this URL to log in:\n  %s\n", loginURL)
	}

	timer := time.NewTimer(h.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-h.result:
		if res.err != nil {
			h.finish(StateFailed)
			return "", res.err
		}
		h.finish(StateResolved)
		return res.token, nil
	case <-timer.C:
		h.finish(StateTimedOut)
		return "", ErrLoginTimeout
	case <-ctx.Done():
		h.finish(StateFailed)
		return "", ctx.Err()
	}
}

func (h *Handshake) listen() (net.Listener, error) {
	attempts := h.cfg.PortAttempts
	if h.cfg.Port == 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		addr := net.JoinHostPort(h.cfg.Host, strconv.Itoa(h.cfg.Port+i))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen for login callback: %w", err)
		}
		h.logger.Debug("callback port in use", "addr", addr)
	}
	return nil, ErrNoAvailablePort
}

// finish records the terminal state and closes the listener exactly once.
func (h *Handshake) finish(terminal State) {
	h.setState(terminal)
	h.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.server.Shutdown(ctx); err != nil {
			h.logger.Debug("login callback shutdown", "error", err)
			_ = h.server.Close()
		}
	})
	h.setState(StateClosed)
}

func (h *Handshake) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.rateLimit)
	r.Get("/", h.callback)
	return r
}

func (h *Handshake) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handshake) callback(w http.ResponseWriter, r *http.Request) {
	if h.State() != StateListening {
		renderPage(w, http.StatusGone, "Login already completed", "You can close this window.")
		return
	}
	q := r.URL.Query()
	token := strings.TrimSpace(q.Get("token"))
	code := strings.TrimSpace(q.Get("error"))

	switch {
	case token != "":
		if err := h.saver.Save(token); err != nil {
			renderPage(w, http.StatusBadRequest, "Login failed", "The token could not be stored. Return to the terminal for details.")
			h.deliver(outcome{err: fmt.Errorf("store token: %w", err)})
			return
		}
		renderPage(w, http.StatusOK, "Login successful", "You can close this window and return to the terminal.")
		h.deliver(outcome{token: token})
	case code != "":
		perr := &ProviderError{
			Code:        h.sanitize.Sanitize(code),
			Description: strings.TrimSpace(h.sanitize.Sanitize(q.Get("error_description"))),
		}
		renderPage(w, http.StatusOK, "Login failed", perr.Error())
		h.deliver(outcome{err: perr})
	default:
		renderPage(w, http.StatusBadRequest, "Missing token", "The login callback did not include a token.")
	}
}

func (h *Handshake) deliver(o outcome) {
	select {
	case h.result <- o:
	default:
	}
}
