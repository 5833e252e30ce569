package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dontdude/usersearch/internal/domain"
	"github.com/dontdude/usersearch/internal/submission"
)

// JobService is the inbound surface the HTTP adapter dispatches to.
type JobService interface {
	Submit(ctx context.Context, submitterID string) (submission.SubmitResult, error)
	ListJobs(ctx context.Context, submitterID string) ([]domain.Job, error)
}

// JobReader lets the websocket endpoint answer for jobs that already finished.
type JobReader interface {
	Get(ctx context.Context, jobID string) (domain.Job, error)
}

type Handler struct {
	jobs   JobService
	reader JobReader
	hub    *Hub
	logger *slog.Logger
}

func NewHandler(jobs JobService, reader JobReader, hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{jobs: jobs, reader: reader, hub: hub, logger: logger}
}

// NewRouter wires the routes. limiter may be nil.
func NewRouter(h *Handler, limiter *RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), cors())

	r.GET("/healthz", h.Healthz)
	if limiter != nil {
		r.POST("/jobs", limiter.Middleware(), h.PostJobs)
	} else {
		r.POST("/jobs", h.PostJobs)
	}
	r.GET("/jobs", h.GetJobs)
	r.GET("/jobs/:id/ws", h.WatchJob)
	return r
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PostJobs returns 201 for a new job and 200 when an active job already exists.
func (h *Handler) PostJobs(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrInvalidJSON})
		return
	}

	res, err := h.jobs.Submit(c.Request.Context(), req.SubmitterID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, SubmitResponse{JobID: res.JobID, Created: res.Created})
}

func (h *Handler) GetJobs(c *gin.Context) {
	jobs, err := h.jobs.ListJobs(c.Request.Context(), c.Query("submitter_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Jobs: jobs})
}

// WebSocket Upgrader (Gorilla)
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // Allow all origins for dev
}

// WatchJob upgrades to a websocket that receives one JobEvent when the job
// reaches a terminal state, then closes.
func (h *Handler) WatchJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	job, err := h.reader.Get(c.Request.Context(), jobID)
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrNotFound})
		return
	}
	if err != nil {
		h.logger.Error("Failed to read job for websocket", "jobID", jobID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrInternal})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}
	h.logger.Info("Client connected via WebSocket", "jobID", jobID, "remoteAddr", conn.RemoteAddr())

	sub := h.hub.register(jobID, conn)
	defer func() {
		h.hub.unregister(jobID, sub)
		_ = conn.Close()
		h.logger.Info("Client disconnected", "jobID", jobID)
	}()

	// Re-read after registering so a completion between the two reads is not missed.
	if job, err = h.reader.Get(c.Request.Context(), jobID); err == nil && job.Status.IsTerminal() {
		_ = sub.send(domain.JobEvent{JobID: job.ID, SubmitterID: job.SubmitterID, Status: job.Status, Result: job.Result})
		return
	}

	// Keep the connection open until the client leaves or the hub closes it.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrInvalidSubmitter})
	default:
		h.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrInternal})
	}
}

// cors adds headers to allow requests from a browser frontend.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
