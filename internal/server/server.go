package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/IIawaII/nodecrypt/internal/blobstore"
	"github.com/IIawaII/nodecrypt/internal/config"
	"github.com/IIawaII/nodecrypt/internal/keystore"
	"github.com/IIawaII/nodecrypt/internal/relay"
)

// NewRegistry returns a private metrics registry carrying the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// NodeServer wires the relay hub, the blob store, and the HTTP listeners.
type NodeServer struct {
	cfg      config.Config
	log      *zap.Logger
	keystore keystore.KeyBackend
	blobs    *blobstore.Store
	hub      *relay.Hub
	reg      *prometheus.Registry
	metrics  *httpMetrics
	upgrader websocket.Upgrader
	handler  http.Handler

	publicHTTP *http.Server
	adminHTTP  *http.Server
	ready      atomic.Bool
}

// NewNodeServer constructs a server. A nil reg gets a fresh private registry.
func NewNodeServer(cfg config.Config, logger *zap.Logger, ks keystore.KeyBackend, blobs *blobstore.Store, reg *prometheus.Registry) *NodeServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	s := &NodeServer{
		cfg:      cfg,
		log:      logger,
		keystore: ks,
		blobs:    blobs,
		reg:      reg,
		metrics:  newHTTPMetrics(reg),
		upgrader: makeUpgrader(cfg.HTTP.AllowedOrigins),
	}
	s.hub = relay.NewHub(logger, ks, relay.HubOptions{
		Room: relay.Options{
			IdleTimeout:       cfg.Relay.IdleTimeout,
			KeyRotationAge:    cfg.Relay.KeyRotationAge,
			MaxFrameBytes:     cfg.Relay.MaxFrameBytes,
			MaxHandshakeChars: cfg.Relay.MaxHandshakeChars,
			SendBuffer:        cfg.Relay.SendBuffer,
			Metrics:           relay.NewMetrics(reg),
		},
		MaxRooms:             cfg.Relay.MaxRooms,
		RoomIdleTTL:          cfg.Relay.RoomIdleTTL,
		HousekeepingInterval: cfg.Relay.RoomReapInterval,
	})
	s.handler = s.newRouter()
	return s
}

// Handler exposes the public router.
func (s *NodeServer) Handler() http.Handler {
	return s.handler
}

// Hub exposes the room directory.
func (s *NodeServer) Hub() *relay.Hub {
	return s.hub
}

func (s *NodeServer) newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(accessLog(s.log, s.metrics))
	r.Use(chimw.Recoverer)
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.HTTP.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "If-None-Match"},
		ExposedHeaders: []string{"ETag"},
		MaxAge:         300,
	}))

	r.Get("/ws", s.handleWebSocket)
	r.Get("/ws/{room}", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		if s.blobs != nil {
			r.Put("/upload", s.handleUpload)
			r.Get("/image/{fileID}", s.handleImage)
			r.Head("/image/{fileID}", s.handleImage)
		}
		r.HandleFunc("/*", handleAPIFallback)
	})
	return r
}

// Start serves the public listener and blocks until shutdown.
func (s *NodeServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the public listener on lis until ctx ends.
func (s *NodeServer) Serve(ctx context.Context, lis net.Listener) error {
	s.startAdminServer()
	s.hub.StartHousekeeping(ctx)

	s.publicHTTP = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.HTTP.ReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening", zap.String("address", lis.Addr().String()))
	s.ready.Store(true)
	err := s.publicHTTP.Serve(lis)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func (s *NodeServer) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})
	return mux
}

func (s *NodeServer) startAdminServer() {
	if s.cfg.Admin.Address == "" {
		return
	}

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           s.adminHandler(),
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

// Shutdown stops accepting requests, closes every room, and waits for in-flight HTTP
// requests until ctx expires.
func (s *NodeServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	// Hijacked websockets are not tracked by http.Server; closing the rooms ends them.
	s.hub.Shutdown()
	if s.publicHTTP == nil {
		return
	}
	if err := s.publicHTTP.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown timed out; forcing stop", zap.Error(err))
		_ = s.publicHTTP.Close()
		return
	}
	s.log.Info("http server stopped")
}
