// Package httpapi exposes the canvas over HTTP: state reads, pixel writes,
// snapshot administration, the live websocket stream, health and metrics.
package httpapi

import (
	"context"
	"image"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dyluth/pixelcanvas/internal/auth"
	canvassvc "github.com/dyluth/pixelcanvas/internal/canvas"
	"github.com/dyluth/pixelcanvas/internal/fanout"
	"github.com/dyluth/pixelcanvas/internal/snapshot"
	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

const (
	defaultMaxUploadBytes = 10 << 20
	defaultMaxBodyBytes   = 4 << 20
)

// CanvasService is the live canvas as the API uses it.
type CanvasService interface {
	Width() int
	Height() int
	GetCanvasState(ctx context.Context) (*canvassvc.State, error)
	PlacePixel(ctx context.Context, x, y int, color, authorID string) (canvas.Pixel, error)
	BulkPlacePixels(ctx context.Context, inputs map[string]canvassvc.PixelInput, authorID string) (canvassvc.BulkResult, error)
	OverwriteFromImage(ctx context.Context, img image.Image, authorID string) error
}

// SnapshotService is the snapshot manager as the API uses it.
type SnapshotService interface {
	Create(ctx context.Context) (*snapshot.Info, error)
	Get(ctx context.Context, id string) (*snapshot.Snapshot, error)
	List(ctx context.Context, limit, offset int) (*snapshot.Page, error)
	Restore(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Hub tracks live connections. *fanout.Manager implements it.
type Hub interface {
	Connect(conn fanout.Conn)
	Disconnect(conn fanout.Conn)
}

// Pinger reports backend reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires a Server.
type Options struct {
	Canvas    CanvasService
	Snapshots SnapshotService
	Hub       Hub
	Auth      *auth.Authenticator

	// Health is pinged by /healthz; nil reports healthy without a backend check.
	Health Pinger
	// Gatherer backs /metrics; nil omits the endpoint.
	Gatherer prometheus.Gatherer

	// PlaceRate and PlaceBurst limit writes per identity; zero rate disables limiting.
	PlaceRate      float64
	PlaceBurst     int
	MaxUploadBytes int64
	// MaxBodyBytes bounds JSON request bodies.
	MaxBodyBytes   int64
	AllowedOrigins []string

	// BlobDir, when set, is served read-only under /blobs/.
	BlobDir string

	Logger *slog.Logger
}

// Server holds the API handlers.
type Server struct {
	canvas    CanvasService
	snapshots SnapshotService
	hub       Hub
	auth      *auth.Authenticator
	health    Pinger
	gatherer  prometheus.Gatherer
	limiters  *limiterRegistry
	maxUpload int64
	maxBody   int64
	blobDir   string
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	s := &Server{
		canvas:    opts.Canvas,
		snapshots: opts.Snapshots,
		hub:       opts.Hub,
		auth:      opts.Auth,
		health:    opts.Health,
		gatherer:  opts.Gatherer,
		maxUpload: maxUpload,
		maxBody:   maxBody,
		blobDir:   opts.BlobDir,
		logger:    logger.With("component", "httpapi"),
	}
	if opts.PlaceRate > 0 {
		s.limiters = newLimiterRegistry(opts.PlaceRate, opts.PlaceBurst)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	if s.blobDir != "" {
		r.Handle("/blobs/*", http.StripPrefix("/blobs/", noListing(http.FileServer(http.Dir(s.blobDir)))))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/ws", s.handleWS)

		r.Route("/canvas", func(r chi.Router) {
			r.Get("/", s.handleGetCanvas)
			r.Get("/snapshots", s.handleListSnapshots)
			r.Get("/snapshots/{id}", s.handleGetSnapshot)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.With(s.rateLimit).Post("/", s.handlePlacePixel)
				r.With(s.rateLimit).Post("/bulk", s.handleBulkPlace)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth, s.requireAdmin)
				r.Post("/overwrite", s.handleOverwrite)
				r.Post("/snapshot", s.handleCreateSnapshot)
				r.Post("/snapshots/{id}/restore", s.handleRestoreSnapshot)
				r.Delete("/snapshots/{id}", s.handleDeleteSnapshot)
			})
		})
	})
	return r
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// noListing hides directory indexes.
func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
