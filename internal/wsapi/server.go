package wsapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncraft/syncraft/internal/syncraft"
)

type ServerConfig struct {
	// AllowedOrigins is the browser origin allow-list for websocket
	// upgrades. Empty means unrestricted.
	AllowedOrigins []string
	// MetricsToken gates /metrics with a bearer token when set.
	MetricsToken string
	// MaxMessageBytes bounds a single websocket frame.
	MaxMessageBytes int64
}

type Server struct {
	registry *syncraft.Registry
	versions *syncraft.Versions
	presence *syncraft.PresenceTracker
	cfg      ServerConfig
	metrics  http.Handler
}

func NewServer(registry *syncraft.Registry, versions *syncraft.Versions, presence *syncraft.PresenceTracker, cfg ServerConfig) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	normalized := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			normalized = append(normalized, strings.ToLower(origin))
		}
	}
	cfg.AllowedOrigins = normalized
	return &Server{
		registry: registry,
		versions: versions,
		presence: presence,
		cfg:      cfg,
		metrics:  promhttp.Handler(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.handleMetrics(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/ws/") {
		s.handleWebsocket(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "documents" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	docID := parts[2]
	if docID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "missing document id")
		return
	}

	switch {
	case len(parts) == 4 && parts[3] == "save" && r.Method == http.MethodPost:
		s.handleSave(w, r, docID)
	case len(parts) == 4 && parts[3] == "versions" && r.Method == http.MethodPost:
		s.handleCreateVersion(w, r, docID)
	case len(parts) == 4 && parts[3] == "versions" && r.Method == http.MethodGet:
		s.handleListVersions(w, r, docID)
	case len(parts) == 6 && parts[3] == "versions" && parts[5] == "restore" && r.Method == http.MethodPost:
		s.handleRestore(w, r, docID, parts[4])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// MetricsHandler exposes the token-gated metrics endpoint standalone,
// for deployments that serve metrics on a separate listener.
func (s *Server) MetricsHandler() http.Handler {
	return http.HandlerFunc(s.handleMetrics)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MetricsToken != "" {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.cfg.MetricsToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid metrics token")
			return
		}
	}
	s.metrics.ServeHTTP(w, r)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request, docID string) {
	if err := s.versions.SaveCurrentState(r.Context(), docID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

type createVersionRequest struct {
	Name     string `json:"versionName"`
	AuthorID string `json:"authorId"`
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request, docID string) {
	var req createVersionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxMessageBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}
	meta, err := s.versions.SaveSnapshot(r.Context(), docID, syncraft.SnapshotOptions{
		Name:     req.Name,
		AuthorID: req.AuthorID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request, docID string) {
	metas, err := s.versions.ListSnapshots(r.Context(), docID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": metas})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request, docID, versionID string) {
	if _, err := s.versions.Restore(r.Context(), docID, versionID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

// originAllowed implements the browser admission policy. Requests without
// an Origin header are non-browser clients and always pass.
func (s *Server) originAllowed(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return true
	}
	origin = strings.ToLower(origin)
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	log.Printf("ws: %v", &syncraft.PolicyError{Origin: origin})
	return false
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, syncraft.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, syncraft.ErrSnapshotNotFound):
		writeError(w, http.StatusNotFound, "snapshot_not_found", err.Error())
	case errors.Is(err, syncraft.ErrRestore):
		writeError(w, http.StatusUnprocessableEntity, "restore_failed", err.Error())
	case errors.Is(err, syncraft.ErrDocumentUnavailable):
		writeError(w, http.StatusServiceUnavailable, "document_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
