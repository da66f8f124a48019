package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"web_editor/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type (
	Config struct {
		Addr    string
		BlobTTL time.Duration
		// Gatherer backs /metrics; nil uses the default registry.
		Gatherer prometheus.Gatherer
	}

	// HttpServer is a development stand-in for the public relay and blob
	// services: it hands out ephemeral websocket channels under /relay and
	// stores compressed objects under /blob.
	HttpServer struct {
		cfg    Config
		blobs  BlobStorage
		logger *zap.Logger

		mu       sync.Mutex
		channels map[string]*channel

		upgrader websocket.Upgrader
		srv      *http.Server
	}
)

func NewHttpServer(cfg Config, blobs BlobStorage, logger *zap.Logger) *HttpServer {
	if logger == nil {
		logger = log.Named("devserver")
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:9090"
	}
	if cfg.BlobTTL <= 0 {
		cfg.BlobTTL = 24 * time.Hour
	}
	return &HttpServer{
		cfg:      cfg,
		blobs:    blobs,
		logger:   logger,
		channels: make(map[string]*channel),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // browsers open the editor from any origin
			},
		},
	}
}

// Handler returns the routed HTTP surface; tests mount it on httptest.
func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/relay/create", s.HandleCreateChannel()).Methods(http.MethodPost)
	r.HandleFunc("/relay/{id}", s.HandleChannelWS()).Methods(http.MethodGet)
	r.HandleFunc("/blob/post", s.HandlePostBlob()).Methods(http.MethodPost)
	r.HandleFunc("/blob/{key}", s.HandleGetBlob()).Methods(http.MethodGet, http.MethodHead)

	gatherer := s.cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HttpServer) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("dev server listening", zap.String("addr", s.cfg.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeAllChannels()
	return s.srv.Shutdown(shutdownCtx)
}

func newID() string {
	return ulid.Make().String()
}
