package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/models"
	"github.com/voicelearn/backend/repository"
)

const (
	maxCoverBytes  = 5 << 20
	coverURLExpiry = time.Hour
)

// AgentProvider is the provider-side agent API.
type AgentProvider interface {
	CreateAgent(ctx context.Context, settings AgentSettings) (string, error)
	GetAgent(ctx context.Context, externalID string) (*ProviderAgent, error)
	UpdateAgent(ctx context.Context, externalID string, settings AgentSettings) error
	AddKnowledgeText(ctx context.Context, name, text string) (*KnowledgeDocument, error)
}

// CoverStore keeps agent cover images.
type CoverStore interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type AgentEndpoints struct {
	repo     *repository.GORMRepository
	access   agentAccess
	provider AgentProvider
	covers   CoverStore // nil when object storage is not configured
	admin    *AdminService
	log      *logger.Logger
}

type AgentRequest struct {
	Name         string   `json:"name"`
	PassingScore *float64 `json:"passing_score"`
	Language     string   `json:"language"`
	VoiceID      string   `json:"voice_id"`
	VoiceGender  string   `json:"voice_gender"`
	Instructions string   `json:"instructions"`
	FirstMessage string   `json:"first_message"`
	CategoryID   *string  `json:"category_id"`
}

type KnowledgeRequest struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// AgentView is the local record plus live provider state.
type AgentView struct {
	models.AgentMapping
	CoverURL string         `json:"cover_url,omitempty"`
	Live     *ProviderAgent `json:"live,omitempty"`
	Degraded bool           `json:"degraded,omitempty"`
}

func NewAgentEndpoints(repo *repository.GORMRepository, provider AgentProvider, covers CoverStore, admin *AdminService, log *logger.Logger) *AgentEndpoints {
	return &AgentEndpoints{
		repo:     repo,
		access:   agentAccess{repo: repo},
		provider: provider,
		covers:   covers,
		admin:    admin,
		log:      log.With("component", "agent_endpoints"),
	}
}

func (e *AgentEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/agents", func(r chi.Router) {
		r.Post("/", e.CreateAgentHandler)
		r.Get("/", e.GetAgentsHandler)
		r.Get("/{id}", e.GetAgentHandler)
		r.Put("/{id}", e.UpdateAgentHandler)
		r.Post("/{id}/cover", e.UploadCoverHandler)
		r.Post("/{id}/knowledge", e.AddKnowledgeHandler)
	})
}

func (req *AgentRequest) validate() error {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return invalidInput("name is required")
	}
	if req.PassingScore != nil && (*req.PassingScore < 0 || *req.PassingScore > 100) {
		return invalidInput("passing_score must be between 0 and 100")
	}
	return nil
}

func (e *AgentEndpoints) checkCategory(ctx context.Context, p *Principal, categoryID *string) error {
	if categoryID == nil || *categoryID == "" {
		return nil
	}
	category, err := e.repo.GetCategory(ctx, *categoryID)
	if err != nil {
		return err
	}
	if category == nil {
		return invalidInput("unknown category")
	}
	if !p.IsSuperAdmin() && category.OrganizationID != p.OrganizationID {
		return fmt.Errorf("%w: category belongs to another organization", ErrForbidden)
	}
	return nil
}

func (e *AgentEndpoints) CreateAgentHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())

	var req AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeServiceError(w, e.log, "Invalid agent", err)
		return
	}
	if err := e.checkCategory(r.Context(), p, req.CategoryID); err != nil {
		writeServiceError(w, e.log, "Invalid agent category", err)
		return
	}
	if req.VoiceID == "" {
		req.VoiceID = DefaultVoiceFor(req.Name, req.VoiceGender)
	}
	if req.Language == "" {
		req.Language = "en"
	}

	externalID, err := e.provider.CreateAgent(r.Context(), AgentSettings{
		Name:         req.Name,
		Language:     req.Language,
		VoiceID:      req.VoiceID,
		Instructions: req.Instructions,
		FirstMessage: req.FirstMessage,
	})
	if err != nil {
		writeServiceError(w, e.log, "Failed to create provider agent", err, "user_id", p.User.ID)
		return
	}

	agent := models.AgentMapping{
		UserID:          p.User.ID,
		ExternalAgentID: externalID,
		Name:            req.Name,
		PassingScore:    req.PassingScore,
		Language:        req.Language,
		VoiceID:         req.VoiceID,
		Instructions:    req.Instructions,
		CategoryID:      req.CategoryID,
	}
	if err := e.repo.CreateAgentMapping(r.Context(), &agent); err != nil {
		// The provider agent now has no local record; log enough to clean it up.
		writeServiceError(w, e.log, "Failed to create agent", err, "external_agent_id", externalID)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"agent":   agent,
		"message": "Agent created successfully",
	})
}

func (e *AgentEndpoints) GetAgentsHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	orgID, err := requireOrganization(p)
	if err != nil {
		writeServiceError(w, e.log, "Cannot list agents", err)
		return
	}

	agents, err := e.repo.ListAgentMappingsForOrganization(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to get agents", err, "organization_id", orgID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
		"count":  len(agents),
	})
}

func (e *AgentEndpoints) GetAgentHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	agent, err := e.access.load(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, e.log, "Failed to get agent", err)
		return
	}

	view := AgentView{AgentMapping: *agent}
	if live, err := e.provider.GetAgent(r.Context(), agent.ExternalAgentID); err != nil {
		e.log.Warn("Live agent metadata unavailable", "error", err, "agent_id", agent.ID)
		view.Degraded = true
	} else {
		view.Live = live
	}
	if e.covers != nil && agent.CoverImagePath != "" {
		if u, err := e.covers.PresignedURL(r.Context(), agent.CoverImagePath, coverURLExpiry); err == nil {
			view.CoverURL = u
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agent": view})
}

func (e *AgentEndpoints) UpdateAgentHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	agent, err := e.access.load(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, e.log, "Failed to get agent for update", err)
		return
	}

	var req AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeServiceError(w, e.log, "Invalid agent", err)
		return
	}
	if err := e.checkCategory(r.Context(), p, req.CategoryID); err != nil {
		writeServiceError(w, e.log, "Invalid agent category", err)
		return
	}

	agent.Name = req.Name
	agent.PassingScore = req.PassingScore
	agent.CategoryID = req.CategoryID
	if req.Language != "" {
		agent.Language = req.Language
	}
	if req.VoiceID != "" {
		agent.VoiceID = req.VoiceID
	}
	agent.Instructions = req.Instructions

	err = e.provider.UpdateAgent(r.Context(), agent.ExternalAgentID, AgentSettings{
		Name:         agent.Name,
		Language:     agent.Language,
		VoiceID:      agent.VoiceID,
		Instructions: agent.Instructions,
		FirstMessage: req.FirstMessage,
	})
	if err != nil {
		writeServiceError(w, e.log, "Failed to update provider agent", err, "agent_id", agent.ID)
		return
	}
	if err := e.repo.UpdateAgentMapping(r.Context(), agent); err != nil {
		writeServiceError(w, e.log, "Failed to update agent", err, "agent_id", agent.ID)
		return
	}
	e.admin.InvalidateAgent(r.Context(), agent.ExternalAgentID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent":   agent,
		"message": "Agent updated successfully",
	})
}

func (e *AgentEndpoints) UploadCoverHandler(w http.ResponseWriter, r *http.Request) {
	if e.covers == nil {
		writeError(w, http.StatusServiceUnavailable, "Object storage not configured")
		return
	}
	p, _ := PrincipalFromContext(r.Context())
	agent, err := e.access.load(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, e.log, "Failed to get agent for cover upload", err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxCoverBytes+1<<16)
	if err := r.ParseMultipartForm(maxCoverBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing image field")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		writeError(w, http.StatusBadRequest, "Cover must be an image")
		return
	}
	if header.Size > maxCoverBytes {
		writeError(w, http.StatusBadRequest, "Cover image too large")
		return
	}

	key := fmt.Sprintf("agents/%s/%s%s", agent.ID, uuid.NewString(), strings.ToLower(path.Ext(header.Filename)))
	stored, err := e.covers.Upload(r.Context(), key, file, header.Size, contentType)
	if err != nil {
		writeServiceError(w, e.log, "Failed to upload cover", err, "agent_id", agent.ID)
		return
	}

	previous := agent.CoverImagePath
	agent.CoverImagePath = stored
	if err := e.repo.UpdateAgentMapping(r.Context(), agent); err != nil {
		writeServiceError(w, e.log, "Failed to save cover path", err, "agent_id", agent.ID)
		return
	}
	if previous != "" && previous != stored {
		if err := e.covers.Delete(r.Context(), previous); err != nil {
			e.log.Warn("Failed to delete previous cover", "error", err, "key", previous)
		}
	}

	coverURL, _ := e.covers.PresignedURL(r.Context(), stored, coverURLExpiry)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cover_image_path": stored,
		"cover_url":        coverURL,
	})
}

func (e *AgentEndpoints) AddKnowledgeHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	agent, err := e.access.load(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, e.log, "Failed to get agent for knowledge upload", err)
		return
	}

	var req KnowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Name == "" {
		req.Name = agent.Name + " notes"
	}

	live, err := e.provider.GetAgent(r.Context(), agent.ExternalAgentID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to read provider agent", err, "agent_id", agent.ID)
		return
	}
	doc, err := e.provider.AddKnowledgeText(r.Context(), req.Name, req.Text)
	if err != nil {
		writeServiceError(w, e.log, "Failed to upload knowledge", err, "agent_id", agent.ID)
		return
	}
	kb := append(live.KnowledgeBase, *doc)
	if err := e.provider.UpdateAgent(r.Context(), agent.ExternalAgentID, AgentSettings{KnowledgeBase: kb}); err != nil {
		writeServiceError(w, e.log, "Failed to attach knowledge", err, "agent_id", agent.ID)
		return
	}
	e.admin.InvalidateAgent(r.Context(), agent.ExternalAgentID)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"document":       doc,
		"knowledge_base": kb,
	})
}
