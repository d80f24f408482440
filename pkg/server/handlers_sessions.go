package server

import (
	"encoding/json"
	stdliberrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/browserd/pkg/browser"
	apperrors "github.com/odvcencio/browserd/pkg/errors"
	"github.com/odvcencio/browserd/pkg/logging"
	"github.com/odvcencio/browserd/pkg/pool"
	"github.com/odvcencio/browserd/pkg/storage"
)

// acquireRequest is the body for POST /api/sessions. ClientID, when
// set, binds the leased context to a connected event stream client so
// it is released automatically on disconnect.
type acquireRequest struct {
	ClientID string `json:"client_id,omitempty"`
	Policy   struct {
		AllowedDomains []string `json:"allowed_domains,omitempty"`
		BlockedDomains []string `json:"blocked_domains,omitempty"`
		Headless       *bool    `json:"headless,omitempty"`
	} `json:"policy"`
}

func (s *Server) handleAcquireSession(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metricSessionRequests.WithLabelValues("acquire", "error").Inc()
		respondError(w, http.StatusBadRequest,
			apperrors.Wrap(err, apperrors.ErrCodeMalformedMessage, "invalid request body"))
		return
	}

	var state *clientState
	if req.ClientID != "" {
		var ok bool
		state, ok = s.lookupClient(req.ClientID)
		if !ok {
			metricSessionRequests.WithLabelValues("acquire", "error").Inc()
			respondError(w, http.StatusBadRequest,
				apperrors.New(apperrors.ErrCodeInvalidInput, "client_id is not connected").
					WithContext("client_id", req.ClientID))
			return
		}
	}

	// Request fields override the configured default policy.
	policy := s.cfg.DefaultPolicy
	if req.Policy.AllowedDomains != nil {
		policy.AllowedDomains = req.Policy.AllowedDomains
	}
	if req.Policy.BlockedDomains != nil {
		policy.BlockedDomains = req.Policy.BlockedDomains
	}
	if req.Policy.Headless != nil {
		policy.Headless = *req.Policy.Headless
	}

	ec, err := s.pool.Acquire(r.Context(), policy)
	if err != nil {
		metricSessionRequests.WithLabelValues("acquire", "error").Inc()
		respondError(w, statusForError(err), err)
		return
	}

	if state != nil {
		state.bind(ec.ID())
	}

	metricSessionRequests.WithLabelValues("acquire", "ok").Inc()
	respondJSON(w, map[string]any{
		"context_id":  ec.ID(),
		"instance_id": ec.InstanceID(),
		"created_at":  ec.CreatedAt(),
	})
}

func (s *Server) handleReleaseSession(w http.ResponseWriter, r *http.Request) {
	ctxID := chi.URLParam(r, "contextID")

	if err := s.pool.Release(ctxID); err != nil {
		metricSessionRequests.WithLabelValues("release", "error").Inc()
		respondError(w, statusForError(err), err)
		return
	}

	// Drop any client binding so disconnect does not re-release.
	s.mu.Lock()
	for _, state := range s.clients {
		state.unbind(ctxID)
	}
	s.mu.Unlock()

	metricSessionRequests.WithLabelValues("release", "ok").Inc()
	respondJSON(w, map[string]any{
		"released":  ctxID,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.pool.ActiveContexts()
	if infos == nil {
		infos = []pool.ContextInfo{}
	}
	respondJSON(w, map[string]any{
		"sessions": infos,
		"count":    len(infos),
	})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotFound, stdliberrors.New("session history is not enabled"))
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)

	var (
		records any
		count   int
		err     error
	)
	switch kind := r.URL.Query().Get("kind"); kind {
	case "", "contexts":
		var recs []storage.ContextRecord
		recs, err = s.store.ContextHistory(limit)
		records, count = recs, len(recs)
	case "instances":
		var recs []storage.InstanceRecord
		recs, err = s.store.InstanceHistory(limit)
		records, count = recs, len(recs)
	case "audit":
		var recs []storage.AuditRecord
		recs, err = s.store.AuditLog(limit)
		records, count = recs, len(recs)
	default:
		respondError(w, http.StatusBadRequest,
			apperrors.New(apperrors.ErrCodeInvalidInput, "kind must be contexts, instances, or audit").
				WithContext("kind", kind))
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	stats, err := s.store.Stats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, map[string]any{
		"history": records,
		"count":   count,
		"stats":   stats,
	})
}

// navigateRequest is the body for POST /api/sessions/{id}/navigate.
// A new page is opened in the context and pointed at the URL; its
// events start flowing to matching subscribers immediately.
type navigateRequest struct {
	URL       string `json:"url"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	ctxID := chi.URLParam(r, "contextID")

	var req navigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest,
			apperrors.Wrap(err, apperrors.ErrCodeMalformedMessage, "invalid request body"))
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest,
			apperrors.New(apperrors.ErrCodeInvalidInput, "url is required"))
		return
	}

	ec, ok := s.pool.Get(ctxID)
	if !ok {
		respondError(w, http.StatusNotFound,
			apperrors.New(apperrors.ErrCodeContextClosed, "unknown execution context").
				WithContext("context_id", ctxID))
		return
	}

	page, err := ec.NewPage(r.Context())
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}

	opts := browser.NavigateOptions{}
	if req.TimeoutMS > 0 {
		opts.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if err := page.Navigate(r.Context(), req.URL, opts); err != nil {
		// The page was created but never reached the URL. Tear it
		// down so failed navigations do not accumulate blank tabs.
		_ = page.Close()
		s.logger.Warn(logging.CategoryNetwork, "navigate_failed", "navigation rejected or failed", map[string]any{
			"context_id": ctxID,
			"url":        req.URL,
			"error":      err.Error(),
		})
		respondError(w, statusForError(err), err)
		return
	}

	respondJSON(w, map[string]any{
		"page_id": page.ID(),
		"url":     page.URL(),
	})
}
