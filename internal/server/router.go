package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botvisor/internal/eventbus"
	"github.com/loykin/botvisor/internal/locator"
	"github.com/loykin/botvisor/internal/supervisor"
	"github.com/loykin/botvisor/internal/workspace"
)

// Router provides embeddable HTTP handlers for controlling the worker.
// Endpoints (relative to basePath):
//
//	POST /start  /stop  /restart          -> {"ok":true} | {"error":"..."}
//	GET  /status  /health                 -> Health JSON
//	GET  /events                          -> Server-Sent Events of the bus
//	POST /position/check  /position/close -> JSON line printed by the script
//	GET  /runtime  /paths
//	GET  /files/:name  /files/:name/exists
//	PUT  /files/:name  /secrets/:name     body: raw file contents
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	events   Subscriber
	loc      RuntimeLocator
	ws       Workspace
	basePath string
}

// Controller is the worker lifecycle the router drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Health() supervisor.Health
	CheckPosition(ctx context.Context) (string, error)
	ClosePosition(ctx context.Context) (string, error)
}

// Subscriber is the event source for /events.
type Subscriber interface {
	Subscribe() (<-chan eventbus.Event, func())
}

// RuntimeLocator reports where the runtime lives.
type RuntimeLocator interface {
	Locate(ctx context.Context) (locator.Result, error)
}

// Workspace reports paths without provisioning.
type Workspace interface {
	ResolveCodeDir() (string, error)
	ResolveDataDir() (string, error)
	Paths(codeDir string) (workspace.ResolvedPaths, error)
}

// Deps bundles what the router needs. Events, Locator and Workspace may be nil,
// in which case their endpoints answer 503.
type Deps struct {
	Controller Controller
	Events     Subscriber
	Locator    RuntimeLocator
	Workspace  Workspace
}

// maxFileBytes bounds uploads to /files and /secrets.
const maxFileBytes = 1 << 20

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/start, /api/stop, /api/status.
func NewRouter(d Deps, basePath string) *Router {
	return &Router{
		ctl:      d.Controller,
		events:   d.Events,
		loc:      d.Locator,
		ws:       d.Workspace,
		basePath: sanitizeBase(basePath),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register adds the routes to an existing gin group.
func (r *Router) Register(group *gin.RouterGroup) {
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/status", r.handleStatus)
	group.GET("/health", r.handleStatus)
	group.GET("/events", r.handleEvents)
	group.POST("/position/check", r.handlePosition(supervisor.AuxCheck))
	group.POST("/position/close", r.handlePosition(supervisor.AuxClose))
	group.GET("/runtime", r.handleRuntime)
	group.GET("/paths", r.handlePaths)
	group.GET("/files/:name", r.handleReadFile)
	group.GET("/files/:name/exists", r.handleFileExists)
	group.PUT("/files/:name", r.handleWriteFile(false))
	group.PUT("/secrets/:name", r.handleWriteFile(true))
}

// NewServer starts a standalone HTTP server on addr using this router.
// /events streams indefinitely, so no write timeout is set.
func NewServer(addr, basePath string, d Deps) (*http.Server, error) {
	r := NewRouter(d, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
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

type existsResp struct {
	Exists bool `json:"exists"`
}

type writeResp struct {
	OK   bool   `json:"ok"`
	Path string `json:"path"`
}

func (r *Router) handleStart(c *gin.Context) {
	// a first start may provision; a client timeout must not kill the install
	if err := r.ctl.Start(context.WithoutCancel(c.Request.Context())); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	// a stop runs to completion even if the client goes away
	if err := r.ctl.Stop(context.WithoutCancel(c.Request.Context())); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.ctl.Restart(context.WithoutCancel(c.Request.Context())); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Health())
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.events == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "event stream not configured"})
		return
	}
	ch, unsubscribe := r.events.Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.Payload())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (r *Router) handlePosition(mode supervisor.AuxMode) gin.HandlerFunc {
	return func(c *gin.Context) {
		run := r.ctl.CheckPosition
		if mode == supervisor.AuxClose {
			run = r.ctl.ClosePosition
		}
		out, err := run(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		// the script's own JSON line is the response body
		c.Data(http.StatusOK, "application/json", []byte(out))
	}
}

type runtimeResp struct {
	locator.Result
	Version string `json:"version,omitempty"`
}

func (r *Router) handleRuntime(c *gin.Context) {
	if r.loc == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "runtime locator not configured"})
		return
	}
	res, err := r.loc.Locate(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	resp := runtimeResp{Result: res}
	if v, verr := locator.Version(c.Request.Context(), locator.Node, res.Path); verr == nil {
		resp.Version = v
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handlePaths(c *gin.Context) {
	if r.ws == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "workspace not configured"})
		return
	}
	// code dir is optional here; an unprovisioned install still has a data dir
	codeDir, _ := r.ws.ResolveCodeDir()
	p, err := r.ws.Paths(codeDir)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (r *Router) dataDir(c *gin.Context) (string, bool) {
	if r.ws == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "workspace not configured"})
		return "", false
	}
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid file name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return "", false
	}
	dir, err := r.ws.ResolveDataDir()
	if err != nil {
		writeError(c, err)
		return "", false
	}
	return dir, true
}

func (r *Router) handleReadFile(c *gin.Context) {
	dir, ok := r.dataDir(c)
	if !ok {
		return
	}
	b, err := workspace.ReadDataFile(dir, c.Param("name"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
			return
		}
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", b)
}

func (r *Router) handleFileExists(c *gin.Context) {
	dir, ok := r.dataDir(c)
	if !ok {
		return
	}
	_, err := os.Stat(filepath.Join(dir, c.Param("name")))
	writeJSON(c, http.StatusOK, existsResp{Exists: err == nil})
}

func (r *Router) handleWriteFile(secret bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		dir, ok := r.dataDir(c)
		if !ok {
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFileBytes+1))
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
			return
		}
		if len(body) > maxFileBytes {
			writeJSON(c, http.StatusRequestEntityTooLarge, errorResp{Error: "file too large"})
			return
		}
		write := workspace.WriteDataFile
		if secret {
			write = workspace.WriteSecretFile
		}
		path, err := write(dir, c.Param("name"), body)
		if err != nil {
			writeError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, writeResp{OK: true, Path: path})
	}
}
