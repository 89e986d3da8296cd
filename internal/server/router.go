package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/idlestop/internal/engine"
	"github.com/loykin/idlestop/internal/metrics"
	"github.com/loykin/idlestop/internal/store"
)

// Checker is what the router triggers. The root idlestop.Checker satisfies it.
type Checker interface {
	InstanceID() string
	Run(ctx context.Context) (engine.Result, error)
	Counter(ctx context.Context) (*store.Record, error)
}

// DefaultRunTimeout bounds one triggered check when the router has none set.
const DefaultRunTimeout = 60 * time.Second

// Router exposes the idle check to an external scheduler.
// Endpoints:
//
//	POST {basePath}/check    run one invocation; 409 while another is running
//	GET  {basePath}/counter  current idle counter record
//	GET  {basePath}/healthz  liveness
//	GET  {basePath}/metrics  Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	checker  Checker
	basePath string
	// RunTimeout bounds a check independently of the HTTP client.
	RunTimeout time.Duration

	mu sync.Mutex
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/idle" results in /idle/check, /idle/counter.
func NewRouter(ch Checker, basePath string) *Router {
	return &Router{checker: ch, basePath: sanitizeBase(basePath), RunTimeout: DefaultRunTimeout}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/check", r.handleCheck)
	group.GET("/counter", r.handleCounter)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Callers stop it with Shutdown or Close.
func NewServer(addr, basePath string, ch Checker) (*http.Server, error) {
	r := NewRouter(ch, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      r.RunTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type counterResp struct {
	InstanceID  string     `json:"instance_id"`
	IdleCount   int        `json:"idle_count"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

func (r *Router) handleCheck(c *gin.Context) {
	if !r.mu.TryLock() {
		writeJSON(c, http.StatusConflict, errorResp{Error: "a check is already running"})
		return
	}
	defer r.mu.Unlock()

	timeout := r.RunTimeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	// a dropped client must not abort a half-applied invocation
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), timeout)
	defer cancel()

	res, err := r.checker.Run(ctx)
	if err != nil {
		writeJSON(c, statusFor(err), res)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleCounter(c *gin.Context) {
	rec, err := r.checker.Counter(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	resp := counterResp{InstanceID: r.checker.InstanceID()}
	if rec != nil {
		resp.IdleCount = rec.IdleCount
		ts := rec.LastUpdated
		resp.LastUpdated = &ts
	}
	writeJSON(c, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch engine.Classify(err) {
	case engine.ClassStorageUnavailable:
		return http.StatusServiceUnavailable
	case engine.ClassStopFailed, engine.ClassInstanceState:
		return http.StatusBadGateway
	case engine.ClassCanceled:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
