// Package target is a small chatbot service to point load tests at.
//
// It answers GET / with a health document and POST /chat/ with a bot
// response that comes either from an in-memory cache or from a simulated
// model call. Model latency and failure ratio are configurable so that
// thresholds can be exercised locally.
package target

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	// DefaultCacheTTL is how long a model answer is served from cache.
	DefaultCacheTTL = time.Hour
	// DefaultCacheSize bounds the number of cached answers.
	DefaultCacheSize = 10000

	maxBodyBytes = 64 * 1024
)

// Config configures the chatbot service.
type Config struct {
	// ModelLatency is the simulated duration of a model call.
	ModelLatency time.Duration
	// Jitter adds a uniform random delay in [0, Jitter) to model calls.
	Jitter time.Duration
	// FailureRatio is the fraction of model calls answered with 503.
	FailureRatio float64
	// CacheTTL defaults to DefaultCacheTTL. Negative disables caching.
	CacheTTL time.Duration
	// CacheSize defaults to DefaultCacheSize. The oldest answers are
	// evicted first.
	CacheSize int
	Logger    *zap.Logger
}

// ChatRequest is the body of POST /chat/.
type ChatRequest struct {
	UserInput string `json:"user_input"`
}

// ChatResponse is the answer to POST /chat/. Source is "cache" or "model".
type ChatResponse struct {
	BotResponse string `json:"bot_response"`
	Source      string `json:"source"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Server is the chatbot service.
type Server struct {
	config Config
	logger *zap.Logger
	cache  *responseCache
	router chi.Router

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds the service and its routes.
func New(cfg Config) *Server {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config: cfg,
		logger: logger,
		cache:  newResponseCache(cfg.CacheTTL, cfg.CacheSize),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get("/", s.handleRoot)
	r.Post("/chat/", s.handleChat)
	s.router = r

	return s
}

// Handler returns the HTTP handler of the service.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. ready, when non-nil, receives the bound address.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info("chatbot target listening", zap.String("addr", ln.Addr().String()))
	if ready != nil {
		ready(ln.Addr())
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Welcome to the Chatbot API",
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserInput *string `json:"user_input"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: "invalid request body: " + err.Error()})
		return
	}
	if body.UserInput == nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: "user_input: field required"})
		return
	}
	req := ChatRequest{UserInput: *body.UserInput}

	if answer, ok := s.cache.get(req.UserInput); ok {
		s.logger.Debug("cache hit", zap.String("user_input", req.UserInput))
		writeJSON(w, http.StatusOK, ChatResponse{BotResponse: answer, Source: "cache"})
		return
	}

	answer, err := s.callModel(r.Context(), req.UserInput)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.logger.Warn("model call failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: "AI service is unavailable: " + err.Error()})
		return
	}

	s.cache.set(req.UserInput, answer)
	writeJSON(w, http.StatusOK, ChatResponse{BotResponse: answer, Source: "model"})
}

// callModel simulates a completion call.
func (s *Server) callModel(ctx context.Context, input string) (string, error) {
	s.mu.Lock()
	delay := s.config.ModelLatency
	if s.config.Jitter > 0 {
		delay += time.Duration(s.rng.Int64N(int64(s.config.Jitter)))
	}
	fail := s.config.FailureRatio > 0 && s.rng.Float64() < s.config.FailureRatio
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if fail {
		return "", errors.New("injected model failure")
	}
	return fmt.Sprintf("You said %q. Here is a fun fact: a day on Venus is longer than its year.", input), nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// responseCache keeps model answers for a fixed time to live. Entries sit
// in insertion order, which is also expiry order, so expired and surplus
// entries are dropped from the front on every write.
type responseCache struct {
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

type cacheEntry struct {
	key     string
	value   string
	expires time.Time
}

func newResponseCache(ttl time.Duration, maxSize int) *responseCache {
	return &responseCache{
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *responseCache) get(key string) (string, bool) {
	if c.ttl < 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	e := el.Value.(*cacheEntry)
	if !c.now().Before(e.expires) {
		c.removeLocked(el)
		return "", false
	}
	return e.value, true
}

func (c *responseCache) set(key, value string) {
	if c.ttl < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	c.entries[key] = c.order.PushBack(&cacheEntry{key: key, value: value, expires: now.Add(c.ttl)})

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*cacheEntry)
		if c.order.Len() <= c.maxSize && now.Before(e.expires) {
			break
		}
		c.removeLocked(front)
	}
}

func (c *responseCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *responseCache) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*cacheEntry).key)
}
