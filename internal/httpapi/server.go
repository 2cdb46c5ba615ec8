package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/tubegrab/tubegrab/internal/config"
	"github.com/tubegrab/tubegrab/internal/jobs"
	"github.com/tubegrab/tubegrab/internal/ytdlp"
)

type settingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(ctx context.Context, next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type metadataExtractor interface {
	Extract(ctx context.Context, url string) (*ytdlp.Metadata, error)
	ListFormats(ctx context.Context, url string) ([]ytdlp.Format, error)
}

type Server struct {
	orch     *jobs.Orchestrator
	meta     metadataExtractor
	settings settingsStore

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithMetadataExtractor(meta metadataExtractor) Option {
	return func(s *Server) {
		s.meta = meta
	}
}

func WithSettingsStore(store settingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func NewServer(orch *jobs.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch: orch,
		mux:  http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/downloads", s.handleDownloads)
	s.mux.HandleFunc("/api/downloads/stream", s.handleDownloadStream)
	s.mux.HandleFunc("/api/downloads/", s.handleDownloadByID)
	s.mux.HandleFunc("/api/metadata", s.handleMetadata)
	s.mux.HandleFunc("/api/formats", s.handleFormats)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
}
