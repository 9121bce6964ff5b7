package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"hls-offline/internal/config"
	"hls-offline/internal/downloader"
	"hls-offline/internal/loader"
	playlist "hls-offline/internal/m3u8"
	"hls-offline/internal/quota"
	"hls-offline/internal/store"
	"hls-offline/internal/task"
)

type Server struct {
	addr        string
	cfg         config.Config
	store       loader.Store
	fetcher     loader.Fetcher
	taskManager *task.Manager
	accountant  *quota.Accountant
	logger      *slog.Logger

	mu      sync.Mutex
	loaders map[loaderKey]*loader.OfflineLoader
}

// loaderKey names one title record in one mode. A re-downloaded title gets
// a new CreatedAt and therefore a fresh loader.
type loaderKey struct {
	titleID     string
	playlistURL string
	created     int64
	offline     bool
}

const maxLoaders = 256

func NewServer(cfg config.Config, s loader.Store, f loader.Fetcher, tm *task.Manager, acc *quota.Accountant, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:        fmt.Sprintf(":%d", cfg.ListenPort),
		cfg:         cfg,
		store:       s,
		fetcher:     f,
		taskManager: tm,
		accountant:  acc,
		logger:      logger,
		loaders:     make(map[loaderKey]*loader.OfflineLoader),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Downloads API
	mux.HandleFunc("GET /api/downloads", s.taskManager.HandleList)
	mux.HandleFunc("POST /api/downloads", s.taskManager.HandleAdd)
	mux.HandleFunc("GET /api/downloads/{id}", s.taskManager.HandleGet)
	mux.HandleFunc("DELETE /api/downloads/{id}", s.taskManager.HandleDelete)
	mux.HandleFunc("POST /api/downloads/{id}/pause", s.taskManager.HandlePause)
	mux.HandleFunc("POST /api/downloads/{id}/resume", s.taskManager.HandleResume)
	mux.HandleFunc("POST /api/downloads/{id}/cancel", s.taskManager.HandleCancel)

	// Storage API
	mux.HandleFunc("GET /api/storage", s.handleStorage)
	mux.HandleFunc("POST /api/storage/cleanup", s.handleCleanup)

	// Playback
	mux.HandleFunc("GET /play/{id}/playlist.m3u8", s.handlePlaylist)
	mux.HandleFunc("GET /play/{id}/seg", s.handleSegment)

	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("offline proxy starting", "addr", "http://localhost"+s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func offlineParam(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("offline")) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// loaderFor returns the loader cached for the title's current record, so its
// manifest index survives across segment requests.
func (s *Server) loaderFor(id string, sel *task.Selection, offline bool) *loader.OfflineLoader {
	key := loaderKey{titleID: id, playlistURL: sel.PlaylistURL, created: sel.CreatedAt.UnixNano(), offline: offline}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.loaders[key]; ok {
		return l
	}
	if len(s.loaders) >= maxLoaders {
		clear(s.loaders)
	}
	l := loader.New(s.store, s.fetcher, loader.Options{
		TitleID:          id,
		Offline:          offline,
		PlaylistURL:      sel.PlaylistURL,
		Marker:           s.cfg.SegmentMarker,
		SegmentExtension: s.cfg.SegmentExtension,
		Timeout:          s.cfg.SegmentTimeout.Std(),
		Logger:           s.logger,
	})
	s.loaders[key] = l
	return l
}

// handlePlaylist serves the title's rendition playlist with every segment
// line pointing back at /play/{id}/seg.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	offline := offlineParam(r)

	sel, err := s.taskManager.Selection(r.Context(), id)
	if err != nil {
		s.writeLoadError(w, err)
		return
	}
	l := s.loaderFor(id, sel, offline)
	resp, err := l.Load(r.Context(), loader.Request{Type: loader.Playlist, URL: sel.PlaylistURL}, nil)
	if err != nil {
		s.writeLoadError(w, err)
		return
	}

	suffix := ""
	if offline {
		suffix = "&offline=1"
	}
	rewritten, err := playlist.RewriteSegments(string(resp.Data), sel.PlaylistURL, s.cfg.SegmentExtension, func(segURL string, _ int) string {
		return "/play/" + url.PathEscape(id) + "/seg?u=" + url.QueryEscape(segURL) + suffix
	})
	if err != nil {
		s.writeLoadError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Served-From", source(resp))
	w.Write([]byte(rewritten))
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	segURL := r.URL.Query().Get("u")
	u, err := url.Parse(segURL)
	if segURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		http.Error(w, "Invalid segment URL", http.StatusBadRequest)
		return
	}

	sel, err := s.taskManager.Selection(r.Context(), id)
	if err != nil {
		s.writeLoadError(w, err)
		return
	}
	l := s.loaderFor(id, sel, offlineParam(r))
	resp, err := l.Load(r.Context(), loader.Request{Type: loader.Segment, URL: segURL}, nil)
	if err != nil {
		s.writeLoadError(w, err)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Served-From", source(resp))
	w.Write(resp.Data)
}

func source(resp *loader.Response) string {
	if resp.FromStore {
		return "store"
	}
	return "network"
}

// writeLoadError maps loader and transport errors onto HTTP statuses so a
// player can tell an offline miss from an upstream failure.
func (s *Server) writeLoadError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var statusErr *downloader.HTTPStatusError
	switch {
	case errors.Is(err, loader.ErrNotAvailableOffline), errors.Is(err, store.ErrTitleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, loader.ErrForeignSegment):
		status = http.StatusForbidden
	case errors.As(err, &statusErr):
		status = statusErr.StatusCode
	case errors.Is(err, downloader.ErrTooLarge):
		status = http.StatusBadGateway
	case errors.Is(err, downloader.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, downloader.ErrNetwork):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return
	}
	if status >= 500 {
		s.logger.Warn("playback request failed", "status", status, "err", err)
	}
	http.Error(w, err.Error(), status)
}

type storageResponse struct {
	quota.Stats
	quota.Warning
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	stats, err := s.accountant.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	warning, err := s.accountant.CheckWarning(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(storageResponse{Stats: stats, Warning: warning})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := s.accountant.RunCleanup(r.Context(), time.Now())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
