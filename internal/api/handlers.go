package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"promptstash/internal/auth"
	"promptstash/internal/models"
	"promptstash/internal/queue"
	"promptstash/internal/registry"
)

const defaultPollInterval = time.Second

// SessionRegistry is the slice of the import session registry the HTTP
// layer uses.
type SessionRegistry interface {
	Create(ctx context.Context, userID string, platform models.Platform, file models.FileDescriptor) (string, error)
	AttachFile(ctx context.Context, sessionID, userID, blobURL string) error
	Get(ctx context.Context, sessionID string) (*models.ImportSession, error)
	ListByUser(ctx context.Context, userID string) ([]*models.ImportSession, error)
}

// ProgressReader serves the latest snapshot for the SSE stream.
type ProgressReader interface {
	Read(ctx context.Context, sessionID string) (*models.ProgressSnapshot, error)
}

// Handler wires HTTP routes to the import pipeline.
type Handler struct {
	registry     SessionRegistry
	progress     ProgressReader
	publisher    queue.Publisher
	workerInvoke queue.Handler
	fileBase     string
	pollInterval time.Duration
}

// NewHandler constructs a Handler instance. workerInvoke backs the internal
// worker endpoint used by HTTP-push queue transports; it may be nil when the
// deployment consumes the queue in-process.
func NewHandler(reg SessionRegistry, store ProgressReader, publisher queue.Publisher, workerInvoke queue.Handler, fileBase string, pollInterval time.Duration) *Handler {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Handler{
		registry:     reg,
		progress:     store,
		publisher:    publisher,
		workerInvoke: workerInvoke,
		fileBase:     fileBase,
		pollInterval: pollInterval,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(auth.Middleware(), auth.RequirePathUser())
	userRoutes.POST("/imports", h.createImport)
	userRoutes.GET("/imports", h.listImports)
	userRoutes.GET("/imports/:session_id", h.getImport)
	userRoutes.POST("/imports/:session_id/upload", h.uploadFile)
	userRoutes.POST("/imports/:session_id/process", h.processImport)
	userRoutes.GET("/imports/:session_id/progress", h.streamProgress)

	// Queue transport callback; request authenticity is verified upstream.
	if h.workerInvoke != nil {
		router.POST("/internal/worker/import", h.invokeWorker)
	}
}

type createImportRequest struct {
	Platform string `json:"platform"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type"`
}

func (h *Handler) createImport(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	var req createImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_name is required"})
		return
	}
	sessionID, err := h.registry.Create(c.Request.Context(), userID, platform, models.FileDescriptor{
		Name:     filepath.Base(req.FileName),
		Size:     req.FileSize,
		MimeType: req.MimeType,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": sessionID,
		"status":     models.StatusPending,
	})
}

func (h *Handler) listImports(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	sessions, err := h.registry.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = make([]*models.ImportSession, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getImport(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session)
}

const maxUploadBytes = 50 << 20 // 50 MB

var allowedContentTypes = []string{
	"text/plain",
	"text/markdown",
	"application/json",
	"application/zip",
	"text/html",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) uploadFile(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}
	if session.Status != models.StatusPending {
		c.JSON(http.StatusConflict, gin.H{"error": "import already started"})
		return
	}
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	_ = f.Close()
	contentType := http.DetectContentType(buf[:n])
	if !isAllowedContentType(contentType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}
	destDir := filepath.Join(h.fileBase, session.UserID, session.ID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return
	}
	destPath := filepath.Join(destDir, filepath.Base(file.Filename))
	if err := c.SaveUploadedFile(file, destPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"blob_url":  "file://" + destPath,
		"file_name": filepath.Base(file.Filename),
		"size":      file.Size,
		"mime":      contentType,
	})
}

type processImportRequest struct {
	BlobURL string `json:"blob_url"`
}

// processImport attaches the uploaded blob to the session and enqueues the
// work item; the actual import runs out of band.
func (h *Handler) processImport(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}
	var req processImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.BlobURL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "blob_url is required"})
		return
	}
	if err := h.registry.AttachFile(c.Request.Context(), session.ID, session.UserID, req.BlobURL); err != nil {
		h.writeRegistryError(c, err)
		return
	}
	item := models.WorkItem{
		SessionID: session.ID,
		UserID:    session.UserID,
		Platform:  session.Platform,
		BlobURL:   req.BlobURL,
	}
	if err := h.publisher.Publish(c.Request.Context(), item); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "import queue unavailable, please retry"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"session_id": session.ID,
		"status":     models.StatusProcessing,
	})
}

// invokeWorker is the boundary for HTTP-push queue transports. A 2xx settles
// the delivery; a 5xx asks the transport to redeliver.
func (h *Handler) invokeWorker(c *gin.Context) {
	var item models.WorkItem
	if err := c.ShouldBindJSON(&item); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid work item"})
		return
	}
	attempt := 1
	if v := c.GetHeader("X-Delivery-Attempt"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			attempt = n
		}
	}
	if attempt > queue.MaxAttempts {
		attempt = queue.MaxAttempts
	}
	if err := h.workerInvoke(c.Request.Context(), item, attempt); err != nil {
		if queue.IsTransient(err) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		// Settled with failure: the session record carries the outcome.
		c.JSON(http.StatusOK, gin.H{"settled": true, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settled": true})
}

// streamProgress relays progress snapshots over SSE until the session
// reaches a terminal state or the client disconnects.
func (h *Handler) streamProgress(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ctx := c.Request.Context()
	var last *models.ProgressSnapshot

	snapshot, err := h.progress.Read(ctx, session.ID)
	if err != nil {
		_ = sendEvent("error", gin.H{"message": "progress unavailable"})
		return
	}
	if snapshot == nil && session.Status.Terminal() {
		// The snapshot may have expired after completion; synthesize the
		// terminal state from the durable record and close immediately.
		snapshot = terminalSnapshot(session)
	}
	if snapshot != nil {
		if err := sendEvent("progress", snapshot); err != nil {
			return
		}
		last = snapshot
		if snapshot.Status.Terminal() {
			return
		}
	}

	// Ticker is stopped on every exit path so a client disconnect cannot
	// leak the polling loop.
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := h.progress.Read(ctx, session.ID)
			if err != nil {
				_ = sendEvent("error", gin.H{"message": "progress unavailable"})
				return
			}
			if snapshot == nil || sameSnapshot(last, snapshot) {
				continue
			}
			if err := sendEvent("progress", snapshot); err != nil {
				return
			}
			last = snapshot
			if snapshot.Status.Terminal() {
				return
			}
		}
	}
}

func terminalSnapshot(session *models.ImportSession) *models.ProgressSnapshot {
	snapshot := &models.ProgressSnapshot{
		SessionID: session.ID,
		Status:    session.Status,
	}
	if session.Status == models.StatusCompleted {
		snapshot.Progress = 100
		snapshot.Message = fmt.Sprintf("Import complete: %d prompts imported, %d failed", session.ProcessedPrompts, session.FailedPrompts)
	} else {
		snapshot.Message = session.Error
	}
	return snapshot
}

func sameSnapshot(a, b *models.ProgressSnapshot) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Status == b.Status && a.Progress == b.Progress && a.Message == b.Message
}

// ownedSession loads the path session and enforces ownership.
func (h *Handler) ownedSession(c *gin.Context) (*models.ImportSession, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return nil, false
	}
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return nil, false
	}
	session, err := h.registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		h.writeRegistryError(c, err)
		return nil, false
	}
	if session.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "session belongs to another user"})
		return nil, false
	}
	return session, true
}

func (h *Handler) writeRegistryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "import session not found"})
	case errors.Is(err, registry.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "session belongs to another user"})
	case errors.Is(err, registry.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "import already started"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
