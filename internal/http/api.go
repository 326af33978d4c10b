package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"magnet-sync/internal/backend"
	"magnet-sync/internal/health"
	"magnet-sync/internal/magnet"
	"magnet-sync/internal/metrics"
	"magnet-sync/internal/repository"
	"magnet-sync/internal/service"
	"magnet-sync/internal/session"
	"magnet-sync/internal/storage"
	"magnet-sync/internal/stream"
)

// HealthReporter exposes the last backend probe.
type HealthReporter interface {
	Snapshot() health.Snapshot
}

// StreamReporter exposes the push stream connection.
type StreamReporter interface {
	State() stream.State
	Stats() (received, dropped int64)
}

// Options are the collaborators behind the local API. Health, Stream, Completions and Archiver
// are optional; their routes answer 503 when missing.
type Options struct {
	Downloads   service.DownloadService
	Store       *session.Store
	Metrics     *metrics.Aggregator
	Health      HealthReporter
	Stream      StreamReporter
	Completions repository.CompletionRepository
	Archiver    storage.Archiver
	Bucket      string
	// KeepAlive is the ping interval on the event stream.
	KeepAlive time.Duration
	Logger    *logrus.Logger
}

// Handler wires HTTP routes to the sync session.
type Handler struct {
	opts Options
	log  *logrus.Entry

	closing   chan struct{}
	closeOnce sync.Once
}

func NewHandler(opts Options) *Handler {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Handler{
		opts:    opts,
		log:     opts.Logger.WithField("component", "http"),
		closing: make(chan struct{}),
	}
}

// Close ends every open event and websocket feed. Register it with http.Server.RegisterOnShutdown,
// since Shutdown does not cancel the contexts of long lived requests.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.GET("/downloads", h.listDownloads)
		api.POST("/downloads", h.startDownload)
		api.GET("/downloads/:id", h.getDownload)
		api.DELETE("/downloads/:id", h.removeDownload)
		api.POST("/downloads/:id/pause", h.pauseDownload)
		api.POST("/downloads/:id/resume", h.resumeDownload)
		api.POST("/analyze", h.analyze)
		api.GET("/metrics", h.getMetrics)
		api.POST("/metrics/reset", h.resetMetrics)
		api.GET("/events", h.events)
		api.GET("/ws", h.wsFeed)
		api.GET("/completions", h.listCompletions)
		api.GET("/archive/objects", h.listObjects)
		api.GET("/archive/url", h.objectURL)
		api.GET("/health", h.health)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// fail maps service errors to status codes.
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, magnet.ErrEmpty),
		errors.Is(err, magnet.ErrInvalidMagnet),
		errors.Is(err, magnet.ErrNoSelection),
		errors.Is(err, magnet.ErrInvalidSelection),
		errors.Is(err, service.ErrOutputDirRequired):
		status = http.StatusBadRequest
	case backend.IsCanceled(err):
		status = http.StatusConflict
	case errors.As(err, &apiErr):
		status = http.StatusBadGateway
		if apiErr.StatusCode == http.StatusNotFound {
			status = http.StatusNotFound
		}
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	}
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).Warnf("%s %s failed", c.Request.Method, c.FullPath())
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type listDownloadsResponse struct {
	Downloads []DownloadResponse `json:"downloads"`
	Stats     session.Stats      `json:"stats"`
}

func (h *Handler) listDownloads(c *gin.Context) {
	records := h.opts.Store.List()
	resp := listDownloadsResponse{
		Downloads: make([]DownloadResponse, len(records)),
		Stats:     h.opts.Store.Stats(),
	}
	for i := range records {
		resp.Downloads[i] = downloadToResponse(records[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getDownload(c *gin.Context) {
	rec, ok := h.opts.Store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "download not found"})
		return
	}
	c.JSON(http.StatusOK, downloadToResponse(rec))
}

type startDownloadRequest struct {
	MagnetLink      string          `json:"magnet_link" binding:"required"`
	OutputDir       string          `json:"output_dir" binding:"required"`
	SelectedIndices []int           `json:"selected_indices"`
	Sequential      bool            `json:"sequential"`
	Info            *TorrentInfoDTO `json:"info,omitempty"`
}

func (h *Handler) startDownload(c *gin.Context) {
	var req startDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in := service.StartInput{
		MagnetLink:      req.MagnetLink,
		OutputDir:       req.OutputDir,
		SelectedIndices: req.SelectedIndices,
		Sequential:      req.Sequential,
	}
	if req.Info != nil {
		info := req.Info.toDomain()
		in.Info = &info
	}

	rec, err := h.opts.Downloads.Start(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, downloadToResponse(rec))
}

type analyzeRequest struct {
	MagnetLink string `json:"magnet_link" binding:"required"`
}

func (h *Handler) analyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := h.opts.Downloads.Analyze(c.Request.Context(), req.MagnetLink)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, torrentInfoToDTO(info))
}

func (h *Handler) pauseDownload(c *gin.Context) {
	h.lifecycle(c, h.opts.Downloads.Pause)
}

func (h *Handler) resumeDownload(c *gin.Context) {
	h.lifecycle(c, h.opts.Downloads.Resume)
}

func (h *Handler) lifecycle(c *gin.Context, action func(ctx context.Context, id string) error) {
	id := c.Param("id")
	if err := action(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	if rec, ok := h.opts.Store.Get(id); ok {
		c.JSON(http.StatusOK, downloadToResponse(rec))
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *Handler) removeDownload(c *gin.Context) {
	id := c.Param("id")

	deleteFiles, err := strconv.ParseBool(c.DefaultQuery("delete_files", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_files"})
		return
	}
	deleteArchive, err := strconv.ParseBool(c.DefaultQuery("delete_archive", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_archive"})
		return
	}

	if err := h.opts.Downloads.Remove(c.Request.Context(), id, deleteFiles); err != nil {
		h.fail(c, err)
		return
	}

	var warnings []string
	if deleteArchive {
		warnings = append(warnings, h.purgeArchive(c.Request.Context(), id)...)
	}

	resp := gin.H{"deleted": id}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) purgeArchive(ctx context.Context, id string) []string {
	if h.opts.Archiver == nil || h.opts.Completions == nil || h.opts.Bucket == "" {
		return []string{"archive storage not configured"}
	}
	entry, err := h.opts.Completions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return []string{fmt.Sprintf("lookup archive: %v", err)}
	}
	if entry.ArchiveLocation == "" {
		return nil
	}
	prefix, err := extractS3Prefix(entry.ArchiveLocation, h.opts.Bucket)
	if err != nil {
		return []string{err.Error()}
	}

	remoteCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := h.opts.Archiver.DeletePrefix(remoteCtx, h.opts.Bucket, prefix); err != nil {
		return []string{fmt.Sprintf("delete archived data: %v", err)}
	}
	return nil
}

func (h *Handler) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, metricsToResponse(h.opts.Metrics.Snapshot()))
}

type resetMetricsRequest struct {
	Confirm bool `json:"confirm"`
}

func (h *Handler) resetMetrics(c *gin.Context) {
	var req resetMetricsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Confirm {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reset requires confirm: true"})
		return
	}
	h.opts.Metrics.Reset()
	h.log.Info("metrics reset")
	c.JSON(http.StatusOK, metricsToResponse(h.opts.Metrics.Snapshot()))
}

// events streams store changes as server-sent events, starting with a full snapshot.
func (h *Handler) events(c *gin.Context) {
	changes, snapshot, unsubscribe := h.follow()
	defer unsubscribe()

	keepAlive := time.NewTicker(h.opts.KeepAlive)
	defer keepAlive.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", snapshot)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-h.closing:
			return false
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC().Format(time.RFC3339)})
			return true
		case ch := <-changes:
			c.SSEvent(string(ch.Kind), changeToEvent(ch))
			return true
		}
	})
}

// follow subscribes to the store and returns the current records as the starting snapshot.
func (h *Handler) follow() (<-chan session.Change, []DownloadResponse, func()) {
	changes := make(chan session.Change, 64)
	unsubscribe := h.opts.Store.Subscribe(func(ch session.Change) {
		select {
		case changes <- ch:
		default:
			h.log.Debug("event subscriber is slow, change dropped")
		}
	})

	records := h.opts.Store.List()
	snapshot := make([]DownloadResponse, len(records))
	for i := range records {
		snapshot[i] = downloadToResponse(records[i])
	}
	return changes, snapshot, unsubscribe
}

func (h *Handler) listCompletions(c *gin.Context) {
	if h.opts.Completions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "completion history not configured"})
		return
	}
	entries, err := h.opts.Completions.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]CompletionResponse, len(entries))
	for i := range entries {
		resp[i] = completionToResponse(entries[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.opts.Archiver == nil || h.opts.Bucket == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive storage not configured"})
		return
	}

	objects, err := h.opts.Archiver.ListObjects(c.Request.Context(), h.opts.Bucket, c.Query("prefix"))
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) objectURL(c *gin.Context) {
	if h.opts.Archiver == nil || h.opts.Bucket == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive storage not configured"})
		return
	}
	key := strings.TrimSpace(c.Query("key"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	expires := 15 * time.Minute
	if raw := c.Query("expires"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > 7*24*time.Hour {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expires"})
			return
		}
		expires = d
	}

	url, err := h.opts.Archiver.PresignURL(c.Request.Context(), h.opts.Bucket, key, expires)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in": int64(expires.Seconds())})
}

type healthResponse struct {
	Backend *health.Snapshot `json:"backend,omitempty"`
	Stream  *streamStatus    `json:"stream,omitempty"`
}

type streamStatus struct {
	State    string `json:"state"`
	Received int64  `json:"received"`
	Dropped  int64  `json:"dropped"`
}

func (h *Handler) health(c *gin.Context) {
	var resp healthResponse
	if h.opts.Health != nil {
		snap := h.opts.Health.Snapshot()
		resp.Backend = &snap
	}
	if h.opts.Stream != nil {
		received, dropped := h.opts.Stream.Stats()
		resp.Stream = &streamStatus{
			State:    h.opts.Stream.State().String(),
			Received: received,
			Dropped:  dropped,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func extractS3Prefix(location, bucket string) (string, error) {
	if !strings.HasPrefix(location, "s3://") {
		return "", fmt.Errorf("invalid s3 location")
	}
	rest := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", fmt.Errorf("invalid s3 location")
	}
	if bucket != "" && parts[0] != bucket {
		return "", fmt.Errorf("s3 bucket mismatch")
	}
	if len(parts) == 1 || strings.Trim(parts[1], "/") == "" {
		return "", fmt.Errorf("s3 prefix missing")
	}
	return strings.Trim(parts[1], "/"), nil
}
