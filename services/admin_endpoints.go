package services

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/repository"
)

// AdminEndpoints serves platform-wide (super admin) routes.
type AdminEndpoints struct {
	admin *AdminService
	repo  *repository.GORMRepository
	log   *logger.Logger
}

type CredentialRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

func NewAdminEndpoints(admin *AdminService, repo *repository.GORMRepository, log *logger.Logger) *AdminEndpoints {
	return &AdminEndpoints{admin: admin, repo: repo, log: log.With("component", "admin_endpoints")}
}

func (e *AdminEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/agents", e.ListAgentsHandler)
		r.Get("/credentials", e.GetCredentialHandler)
		r.Put("/credentials", e.SetCredentialHandler)
	})
}

// ParsePagination reads page and per_page, defaulting missing values. Values
// that do not parse or are below 1 are rejected; per_page is capped.
func ParsePagination(q url.Values) (page, perPage int, err error) {
	page, perPage = 1, DefaultPerPage
	if v := q.Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			return 0, 0, invalidInput("page must be a positive integer")
		}
	}
	if v := q.Get("per_page"); v != "" {
		if perPage, err = strconv.Atoi(v); err != nil || perPage < 1 {
			return 0, 0, invalidInput("per_page must be a positive integer")
		}
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return page, perPage, nil
}

func (e *AdminEndpoints) ListAgentsHandler(w http.ResponseWriter, r *http.Request) {
	page, perPage, err := ParsePagination(r.URL.Query())
	if err != nil {
		writeServiceError(w, e.log, "Invalid pagination", err)
		return
	}
	result, err := e.admin.ListAgents(r.Context(), page, perPage)
	if err != nil {
		writeServiceError(w, e.log, "Failed to list agents", err, "page", page, "per_page", perPage)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (e *AdminEndpoints) GetCredentialHandler(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = providerElevenLabs
	}
	cred, err := e.repo.GetProviderCredential(r.Context(), provider)
	if err != nil {
		writeServiceError(w, e.log, "Failed to read credential", err)
		return
	}
	resp := map[string]interface{}{
		"provider":   provider,
		"configured": cred != nil && cred.APIKey != "",
	}
	if cred != nil {
		resp["updated_at"] = cred.UpdatedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *AdminEndpoints) SetCredentialHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Provider == "" {
		req.Provider = providerElevenLabs
	}
	req.APIKey = strings.TrimSpace(req.APIKey)
	if req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}
	if err := e.repo.SetProviderCredential(r.Context(), req.Provider, req.APIKey); err != nil {
		writeServiceError(w, e.log, "Failed to store credential", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":   req.Provider,
		"configured": true,
	})
}
