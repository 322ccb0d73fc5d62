package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devisr/internal/broadcast"
	"github.com/loykin/devisr/internal/port"
	"github.com/loykin/devisr/internal/session"
	"github.com/loykin/devisr/internal/store"
	"github.com/loykin/devisr/internal/supervisor"
)

// Router provides the embeddable device API.
// Endpoints, relative to basePath:
//
//	GET    /healthz, /readyz, /metrics
//	GET    /events                  websocket observer (?device=..&all=1)
//	POST   /devices                 register a device and allocate its port
//	GET    /devices                 registry merged with live status
//	GET    /devices/:id
//	DELETE /devices/:id
//	PATCH  /devices/:id/webhook
//	POST   /devices/:id/start|stop|restart   stop/restart take ?force=1&timeout=30s
//	GET    /devices/:id/status
type Router struct {
	d        Deps
	basePath string
}

// Supervisor is the part of the process supervisor the API drives.
type Supervisor interface {
	Start(ctx context.Context, deviceID string) (supervisor.Record, error)
	Stop(ctx context.Context, deviceID string, opts supervisor.StopOptions) error
	Restart(ctx context.Context, deviceID string, opts supervisor.StopOptions) (supervisor.Record, error)
	Remove(ctx context.Context, deviceID string, opts supervisor.StopOptions) error
	Status(ctx context.Context, deviceID string) (supervisor.Record, error)
	List(ctx context.Context) []supervisor.Record
	Ready() bool
}

type Deps struct {
	Supervisor Supervisor
	Store      store.Store
	Ports      *port.Allocator
	Sessions   session.Layout
	// Hub serves /events when set.
	Hub            *broadcast.Hub
	AllowedOrigins []string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Log     *slog.Logger
	// MaxStopWait caps ?timeout= so a stop finishes within the server's
	// write timeout. Zero means no cap.
	MaxStopWait time.Duration
}

func NewRouter(d Deps, basePath string) *Router {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	d.Log = d.Log.With("component", "api")
	return &Router{d: d, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	group.GET("/readyz", r.handleReady)
	if r.d.Metrics != nil {
		group.GET("/metrics", gin.WrapH(r.d.Metrics))
	}
	if r.d.Hub != nil {
		group.GET("/events", func(c *gin.Context) { r.d.Hub.ServeWS(c.Writer, c.Request, r.d.AllowedOrigins) })
	}

	dev := group.Group("/devices")
	dev.POST("", r.handleCreate)
	dev.GET("", r.handleList)
	dev.GET("/:id", r.handleGet)
	dev.DELETE("/:id", r.handleDelete)
	dev.PATCH("/:id/webhook", r.handleWebhook)
	dev.POST("/:id/start", r.handleStart)
	dev.POST("/:id/stop", r.handleStop)
	dev.POST("/:id/restart", r.handleRestart)
	dev.GET("/:id/status", r.handleStatus)
	return g
}

// NewServer wraps h in an http.Server with the daemon's timeouts. writeTimeout
// must cover the longest stop a caller can request.
func NewServer(addr string, h http.Handler, writeTimeout time.Duration) *http.Server {
	if writeTimeout <= 0 {
		writeTimeout = 60 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResp struct {
	Error errorBody `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// processResp is the {pid, port, status, running} tuple of the lifecycle endpoints.
type processResp struct {
	DeviceID string            `json:"device_id"`
	PID      int               `json:"pid"`
	Port     int               `json:"port"`
	Status   supervisor.Status `json:"status"`
	Running  bool              `json:"running"`
}

func toResp(rec supervisor.Record) processResp {
	return processResp{DeviceID: rec.DeviceID, PID: rec.PID, Port: rec.Port, Status: rec.Status, Running: rec.Running}
}

func badRequest(c *gin.Context, msg string) {
	writeJSON(c, http.StatusBadRequest, errorResp{Error: errorBody{Code: "BAD_REQUEST", Message: msg}})
}

// writeError maps supervisor and collaborator errors onto HTTP status codes.
func (r *Router) writeError(c *gin.Context, err error) {
	code, status := classify(err)
	if status >= http.StatusInternalServerError {
		r.d.Log.Warn("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "code", code, "error", err)
	}
	writeJSON(c, status, errorResp{Error: errorBody{Code: code, Message: err.Error()}})
}

func classify(err error) (string, int) {
	if code := supervisor.CodeOf(err); code != "" {
		switch code {
		case supervisor.CodeNotRegistered, supervisor.CodeProcessNotFound:
			return string(code), http.StatusNotFound
		case supervisor.CodePortNotAllocated, supervisor.CodePortInUse:
			return string(code), http.StatusConflict
		default:
			return string(code), http.StatusServiceUnavailable
		}
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return string(supervisor.CodeNotRegistered), http.StatusNotFound
	case errors.Is(err, store.ErrExists):
		return "DEVICE_EXISTS", http.StatusConflict
	case errors.Is(err, port.ErrNoPorts):
		return "NO_PORTS", http.StatusServiceUnavailable
	default:
		return "INTERNAL", http.StatusInternalServerError
	}
}

func (r *Router) handleReady(c *gin.Context) {
	if !r.d.Supervisor.Ready() {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: errorBody{Code: "NOT_READY", Message: "reconciliation in progress"}})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) deviceID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isSafeName(id) {
		badRequest(c, "invalid device id: allowed [A-Za-z0-9._-] and no '..'")
		return "", false
	}
	return id, true
}

func (r *Router) stopOptions(c *gin.Context) (supervisor.StopOptions, bool) {
	wait, ok := parseWait(c.Query("timeout"))
	if !ok {
		badRequest(c, "invalid timeout: use seconds or a duration like 10s")
		return supervisor.StopOptions{}, false
	}
	if r.d.MaxStopWait > 0 && wait > r.d.MaxStopWait {
		badRequest(c, "timeout exceeds the maximum of "+r.d.MaxStopWait.String())
		return supervisor.StopOptions{}, false
	}
	return supervisor.StopOptions{Timeout: wait, Force: truthy(c.Query("force"))}, true
}

func (r *Router) handleStart(c *gin.Context) {
	id, ok := r.deviceID(c)
	if !ok {
		return
	}
	rec, err := r.d.Supervisor.Start(c.Request.Context(), id)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toResp(rec))
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := r.deviceID(c)
	if !ok {
		return
	}
	opts, ok := r.stopOptions(c)
	if !ok {
		return
	}
	if err := r.d.Supervisor.Stop(c.Request.Context(), id, opts); err != nil {
		r.writeError(c, err)
		return
	}
	rec, err := r.d.Supervisor.Status(c.Request.Context(), id)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toResp(rec))
}

func (r *Router) handleRestart(c *gin.Context) {
	id, ok := r.deviceID(c)
	if !ok {
		return
	}
	opts, ok := r.stopOptions(c)
	if !ok {
		return
	}
	rec, err := r.d.Supervisor.Restart(c.Request.Context(), id, opts)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toResp(rec))
}

func (r *Router) handleStatus(c *gin.Context) {
	id, ok := r.deviceID(c)
	if !ok {
		return
	}
	rec, err := r.d.Supervisor.Status(c.Request.Context(), id)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toResp(rec))
}
