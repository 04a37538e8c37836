// Package statusapi serves a read-only view of download progress over HTTP
// and a websocket stream.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chandl/internal/dl"
)

// Snapshotter reports the progress of the downloads being watched.
// *dl.Session satisfies it.
type Snapshotter interface {
	ProgressSnapshot(ctx context.Context) ([]dl.Progress, error)
}

// ChannelProgress reports every ledger record of a fixed set of channels.
// It backs the API when no interactive session is running.
type ChannelProgress struct {
	Ledger   dl.Ledger
	Channels []int64
}

func (p *ChannelProgress) ProgressSnapshot(ctx context.Context) ([]dl.Progress, error) {
	var out []dl.Progress
	for _, ch := range p.Channels {
		records, err := p.Ledger.ListChannel(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("listing channel %d: %w", ch, err)
		}
		for _, rec := range records {
			out = append(out, dl.ProgressOf(rec))
		}
	}
	return out, nil
}

// Options configures a Server.
type Options struct {
	// Interval between websocket snapshots. Defaults to one second.
	Interval time.Duration

	// AllowOrigins lists the browser origins allowed to call the API.
	// Empty allows any origin.
	AllowOrigins []string

	Logger dl.Logger
}

// Server is the status API.
type Server struct {
	progress Snapshotter
	ledger   dl.Ledger
	interval time.Duration
	logger   dl.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	closeOnce sync.Once
	closing   chan struct{}
}

// New builds the routes. ledger backs the per-channel record listing.
func New(progress Snapshotter, ledger dl.Ledger, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		progress: progress,
		ledger:   ledger,
		interval: opts.Interval,
		logger:   opts.Logger,
		closing:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if s.interval <= 0 {
		s.interval = time.Second
	}
	if s.logger == nil {
		s.logger = dl.NewNopLogger()
	}

	corsConfig := cors.DefaultConfig()
	if len(opts.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
		s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	} else {
		corsConfig.AllowOrigins = opts.AllowOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger), cors.New(corsConfig))

	r.GET("/healthz", s.health)
	api := r.Group("/api")
	{
		api.GET("/progress", s.getProgress)
		api.GET("/channels/:channel/records", s.getRecords)
		api.GET("/ws/progress", s.streamProgress)
	}

	s.engine = r
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx ends, then shuts the listener down and ends
// open websocket streams.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("status api listening", "addr", addr)

	select {
	case err := <-errCh:
		s.Close()
		return fmt.Errorf("status api: %w", err)
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("stopping status api: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status api: %w", err)
	}
	return nil
}

// Close ends every open websocket stream.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func requestLogger(logger dl.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("status api request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "chandl",
		"timestamp": time.Now().Unix(),
	})
}

// ProgressJSON is one entry of a progress response.
type ProgressJSON struct {
	ChannelID    int64   `json:"channel_id"`
	MessageID    int64   `json:"message_id"`
	State        string  `json:"state"`
	Percent      float64 `json:"percent"`
	BytesWritten int64   `json:"bytes_written"`
	DeclaredSize int64   `json:"declared_size"`
	Size         string  `json:"size"`
	LastError    string  `json:"last_error,omitempty"`
}

// SnapshotJSON is the body of GET /api/progress and of each websocket message.
type SnapshotJSON struct {
	Items     []ProgressJSON `json:"items"`
	Timestamp int64          `json:"timestamp"`
}

func toProgressJSON(p dl.Progress) ProgressJSON {
	size := "unknown"
	if p.DeclaredSize >= 0 {
		size = humanize.IBytes(uint64(p.DeclaredSize))
	}
	return ProgressJSON{
		ChannelID:    p.Key.ChannelID,
		MessageID:    p.Key.MessageID,
		State:        string(p.State),
		Percent:      p.Percent,
		BytesWritten: p.BytesWritten,
		DeclaredSize: p.DeclaredSize,
		Size:         size,
		LastError:    p.LastError,
	}
}

func (s *Server) snapshot(ctx context.Context) (*SnapshotJSON, error) {
	progress, err := s.progress.ProgressSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := &SnapshotJSON{Items: make([]ProgressJSON, 0, len(progress)), Timestamp: time.Now().Unix()}
	for _, p := range progress {
		out.Items = append(out.Items, toProgressJSON(p))
	}
	return out, nil
}

func (s *Server) getProgress(c *gin.Context) {
	snap, err := s.snapshot(c.Request.Context())
	if err != nil {
		s.logger.Error("progress snapshot failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// RecordJSON is one ledger record in a channel listing.
type RecordJSON struct {
	MessageID       int64     `json:"message_id"`
	State           string    `json:"state"`
	Percent         float64   `json:"percent"`
	BytesWritten    int64     `json:"bytes_written"`
	DeclaredSize    int64     `json:"declared_size"`
	TargetPath      string    `json:"target_path"`
	Attempts        int       `json:"attempts"`
	LastError       string    `json:"last_error,omitempty"`
	ArchiveLocation string    `json:"archive_location,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (s *Server) getRecords(c *gin.Context) {
	channelID, err := strconv.ParseInt(c.Param("channel"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel must be a numeric id"})
		return
	}

	records, err := s.ledger.ListChannel(c.Request.Context(), channelID)
	if err != nil {
		s.logger.Error("listing records failed", "channel", channelID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]RecordJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, RecordJSON{
			MessageID:       rec.Key.MessageID,
			State:           string(rec.State),
			Percent:         rec.Percent(),
			BytesWritten:    rec.BytesWritten,
			DeclaredSize:    rec.DeclaredSize,
			TargetPath:      rec.TargetPath,
			Attempts:        rec.Attempts,
			LastError:       rec.LastError,
			ArchiveLocation: rec.ArchiveLocation,
			UpdatedAt:       rec.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": channelID, "records": out})
}

// streamProgress pushes a snapshot on connect and then every interval
// until the client goes away or the server closes.
func (s *Server) streamProgress(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reading is only for close frames and pongs.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		snap, err := s.snapshot(context.Background())
		if err != nil {
			s.logger.Error("progress snapshot failed", "error", err)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}

		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-s.closing:
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
			return
		}
	}
}
