package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

type Handler struct {
	service *Service
}

func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch {
	case strings.HasSuffix(r.URL.Path, "/versions"):
		h.handleListVersions(w, r)
	case strings.HasSuffix(r.URL.Path, "/latest"):
		h.handleLatest(w, r)
	case strings.HasSuffix(r.URL.Path, "/diff"):
		h.handleDiff(w, r)
	case strings.HasSuffix(r.URL.Path, "/count"):
		h.handleCount(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) handleListVersions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	entityType, logicalID, ok := requireIdentity(w, query.Get("entityType"), query.Get("logicalId"))
	if !ok {
		return
	}

	limit := 20
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "offset must be zero or positive", http.StatusBadRequest)
			return
		}
		offset = parsed
	}

	versions, err := h.service.ListVersions(r.Context(), entityType, logicalID, limit, offset)
	if err != nil {
		http.Error(w, fmt.Sprintf("list versions: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	entityType, logicalID, ok := requireIdentity(w, query.Get("entityType"), query.Get("logicalId"))
	if !ok {
		return
	}

	latest, err := h.service.Latest(r.Context(), entityType, logicalID)
	if err != nil {
		if errors.Is(err, ErrVersionNotFound) {
			http.Error(w, "no versions persisted for logical id", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("load latest: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	entityType, logicalID, ok := requireIdentity(w, query.Get("entityType"), query.Get("logicalId"))
	if !ok {
		return
	}
	version, err := strconv.ParseInt(strings.TrimSpace(query.Get("version")), 10, 64)
	if err != nil || version < 2 {
		http.Error(w, "version must be an integer >= 2", http.StatusBadRequest)
		return
	}

	diffs, err := h.service.Diff(r.Context(), entityType, logicalID, version)
	if err != nil {
		if errors.Is(err, ErrVersionNotFound) {
			http.Error(w, "version not found", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("diff versions: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, diffs)
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	entityType := strings.TrimSpace(r.URL.Query().Get("entityType"))
	if entityType == "" {
		http.Error(w, "entityType is required", http.StatusBadRequest)
		return
	}
	count, err := h.service.Count(r.Context(), entityType)
	if err != nil {
		http.Error(w, fmt.Sprintf("count versions: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entityType": entityType, "count": count})
}

func requireIdentity(w http.ResponseWriter, rawEntityType, rawLogicalID string) (string, string, bool) {
	entityType := strings.TrimSpace(rawEntityType)
	logicalID := strings.TrimSpace(rawLogicalID)
	if entityType == "" || logicalID == "" {
		http.Error(w, "entityType and logicalId are required", http.StatusBadRequest)
		return "", "", false
	}
	return entityType, logicalID, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
