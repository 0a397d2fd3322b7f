package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/multisocks-downloader/multisocks/internal/download"
	"github.com/multisocks-downloader/multisocks/internal/utils"
)

// DefaultAddr is where the browser helper expects the intake endpoint.
const DefaultAddr = "0.0.0.0:8765"

// downloadRequest is the POST / body sent by the browser helper.
type downloadRequest struct {
	URL             string `json:"url"`
	Filename        string `json:"filename,omitempty"`
	ThreadsPerProxy int    `json:"threads_per_proxy,omitempty"`
}

// Server is the local HTTP intake endpoint. It accepts new-job POSTs from
// the browser extension and answers its liveness pings.
type Server struct {
	manager *download.Manager
	httpSrv *http.Server
}

func New(manager *download.Manager, addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}

	s := &Server{manager: manager}

	e := echo.New()
	// The browser extension calls from an extension origin, so every
	// response carries permissive CORS headers, and any preflight gets a
	// plain 200.
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusOK)
			}
			return next(c)
		}
	})

	e.GET("/ping", s.handlePing)
	e.POST("/", s.handleAdd)

	s.httpSrv = &http.Server{Addr: addr, Handler: e}
	return s
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	utils.Debug("intake server listening on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handlePing(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Server is running",
	})
}

func (s *Server) handleAdd(c *echo.Context) error {
	var req downloadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"status":  "error",
			"message": "Invalid JSON: " + err.Error(),
		})
	}

	if req.URL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"status":  "error",
			"message": "Missing URL",
		})
	}

	opts := &download.AddOptions{
		Filename:        req.Filename,
		WorkersPerProxy: req.ThreadsPerProxy,
	}

	taskID, err := s.manager.AddTask(req.URL, opts)
	if err != nil {
		utils.Debug("intake add failed for %s: %v", req.URL, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": "Failed to add download task: " + err.Error(),
		})
	}

	if err := s.manager.StartTask(taskID); err != nil {
		utils.Debug("intake start failed for task %s: %v", taskID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": "Failed to start download task",
		})
	}

	filename := req.Filename
	for _, summary := range s.manager.AllTasks() {
		if summary.ID == taskID {
			filename = summary.Filename
			break
		}
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status":   "success",
		"message":  "Download task added",
		"task_id":  taskID,
		"filename": filename,
	})
}
