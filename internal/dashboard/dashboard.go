package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/taskmgr818/comment-overlay/internal/database"
	"github.com/taskmgr818/comment-overlay/internal/marquee"
)

const (
	defaultCommentLimit = 50
	maxCommentLimit     = 500
	qrSize              = 256
)

// Stats holds the overlay statistics (pure data, no mutex)
type Stats struct {
	// Connection status
	Connected      bool      `json:"connected"`
	ConnectedSince time.Time `json:"connectedSince"`
	LastDisconnect time.Time `json:"lastDisconnect"`
	LastCloseCode  int       `json:"lastCloseCode,omitempty"`
	Disconnects    int       `json:"disconnects"`
	Reconnects     int       `json:"reconnects"`
	Errors         int       `json:"errors"`

	// Comment statistics
	CommentsReceived int `json:"commentsReceived"`
	TodayComments    int `json:"todayComments"` // since local midnight

	// Marquee statistics, filled from the engine on read
	Active    int    `json:"active"`
	Lanes     int    `json:"lanes"`
	Dropped   uint64 `json:"dropped"`
	Discarded uint64 `json:"discarded"`

	// Session info
	Room      string    `json:"room"`
	ServerURL string    `json:"serverUrl"`
	StartTime time.Time `json:"startTime"`
}

// PlacementSource exposes the live placement list.
type PlacementSource interface {
	Snapshot() []marquee.Placement
	Stats() marquee.Stats
}

// CommentSource exposes the persisted comment log.
type CommentSource interface {
	RecentComments(limit int) ([]database.CommentLog, error)
}

// GeometrySink receives geometry reported by the renderer.
type GeometrySink interface {
	SetViewportWidth(w float64)
	Report(key uuid.UUID, right float64)
}

// Dashboard manages the overlay dashboard
type Dashboard struct {
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	stats Stats
	day   string // local date TodayComments counts for

	reconnectFunc func() error
	placements    PlacementSource
	comments      CommentSource
	geometry      GeometrySink
	shareURL      string
}

// NewDashboard creates a new dashboard instance
func NewDashboard(room, serverURL string, logger *slog.Logger) *Dashboard {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	return &Dashboard{
		logger: logger.With("component", "dashboard"),
		now:    time.Now,
		day:    dayOf(now),
		stats: Stats{
			Room:      room,
			ServerURL: serverURL,
			StartTime: now,
		},
	}
}

func dayOf(t time.Time) string {
	return t.Format(time.DateOnly)
}

// rollDay zeroes TodayComments once the local date changes. Caller holds d.mu.
func (d *Dashboard) rollDay() {
	if today := dayOf(d.now()); today != d.day {
		d.day = today
		d.stats.TodayComments = 0
	}
}

// SetReconnectFunc sets the function to call when reconnect is requested
func (d *Dashboard) SetReconnectFunc(f func() error) { d.reconnectFunc = f }

// SetPlacementSource sets where placements and engine counters are read from
func (d *Dashboard) SetPlacementSource(s PlacementSource) { d.placements = s }

// SetCommentSource sets the comment log
func (d *Dashboard) SetCommentSource(s CommentSource) { d.comments = s }

// SetGeometrySink enables the viewport and geometry routes
func (d *Dashboard) SetGeometrySink(s GeometrySink) { d.geometry = s }

// SetShareURL sets the URL encoded by the QR route
func (d *Dashboard) SetShareURL(u string) { d.shareURL = u }

// UpdateConnectionStatus updates the connection status
func (d *Dashboard) UpdateConnectionStatus(connected bool, closeCode int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Connected = connected
	if connected {
		d.stats.ConnectedSince = time.Now()
		return
	}
	d.stats.LastDisconnect = time.Now()
	d.stats.LastCloseCode = closeCode
	d.stats.Disconnects++
}

// RecordComment counts a received comment
func (d *Dashboard) RecordComment() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollDay()
	d.stats.CommentsReceived++
	d.stats.TodayComments++
}

// RecordReconnect counts a reconnect attempt
func (d *Dashboard) RecordReconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Reconnects++
}

// RecordError counts a transport or relay error
func (d *Dashboard) RecordError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Errors++
}

// LoadHistoricalStats initializes stats with historical data from the database
func (d *Dashboard) LoadHistoricalStats(stats *database.AggregateStats) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.day = dayOf(d.now())
	d.stats.CommentsReceived = stats.TotalComments
	d.stats.TodayComments = stats.TodayComments
	d.stats.Disconnects = stats.Disconnects
}

// GetStats returns a copy of the current stats
func (d *Dashboard) GetStats() Stats {
	d.mu.Lock()
	d.rollDay()
	stats := d.stats
	d.mu.Unlock()

	if d.placements != nil {
		es := d.placements.Stats()
		stats.Active = es.Active
		stats.Lanes = es.Lanes
		stats.Dropped = es.Dropped
		stats.Discarded = es.Discarded
	}
	return stats
}

// Router builds the gin engine serving the dashboard API.
func (d *Dashboard) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CORS())
	r.Use(Logger(d.logger))

	r.GET("/healthz", d.handleHealth)

	api := r.Group("/api")
	{
		api.GET("/stats", d.handleStats)
		api.GET("/placements", d.handlePlacements)
		api.POST("/placements/:key/geometry", d.handleGeometry)
		api.PUT("/viewport", d.handleViewport)
		api.POST("/reconnect", d.handleReconnect)
		api.GET("/comments", d.handleComments)
		api.GET("/qr", d.handleQR)
	}
	return r
}

// ServeHTTP starts the HTTP dashboard server. It shuts down gracefully when ctx is cancelled.
func (d *Dashboard) ServeHTTP(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           d.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	d.logger.Info("starting dashboard server", "addr", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (d *Dashboard) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (d *Dashboard) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, d.GetStats())
}

func (d *Dashboard) handlePlacements(c *gin.Context) {
	placements := []marquee.Placement{}
	if d.placements != nil {
		if ps := d.placements.Snapshot(); ps != nil {
			placements = ps
		}
	}
	c.JSON(http.StatusOK, gin.H{"placements": placements})
}

type geometryRequest struct {
	Right *float64 `json:"right" binding:"required"`
}

func (d *Dashboard) handleGeometry(c *gin.Context) {
	if d.geometry == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "geometry reporting not enabled"})
		return
	}

	key, err := uuid.Parse(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid placement key"})
		return
	}

	var req geometryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d.geometry.Report(key, *req.Right)
	c.Status(http.StatusNoContent)
}

type viewportRequest struct {
	Width float64 `json:"width" binding:"required,gt=0"`
}

func (d *Dashboard) handleViewport(c *gin.Context) {
	if d.geometry == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "geometry reporting not enabled"})
		return
	}

	var req viewportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d.geometry.SetViewportWidth(req.Width)
	c.Status(http.StatusNoContent)
}

func (d *Dashboard) handleReconnect(c *gin.Context) {
	if d.reconnectFunc == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconnect function not configured"})
		return
	}

	d.logger.Info("manual reconnect requested")

	if err := d.reconnectFunc(); err != nil {
		d.logger.Warn("reconnect failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "reconnect failed: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (d *Dashboard) handleComments(c *gin.Context) {
	if d.comments == nil {
		c.JSON(http.StatusOK, gin.H{"comments": []database.CommentLog{}})
		return
	}

	limit := defaultCommentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxCommentLimit)
	}

	comments, err := d.comments.RecentComments(limit)
	if err != nil {
		d.logger.Error("failed to read comments", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if comments == nil {
		comments = []database.CommentLog{}
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

func (d *Dashboard) handleQR(c *gin.Context) {
	if d.shareURL == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "share url not configured"})
		return
	}

	png, err := qrcode.Encode(d.shareURL, qrcode.Medium, qrSize)
	if err != nil {
		d.logger.Error("failed to encode qr code", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}
