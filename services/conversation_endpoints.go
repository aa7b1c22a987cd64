package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/models"
	"github.com/voicelearn/backend/repository"
)

// ConversationProvider is the provider's conversation, voice and tool API.
type ConversationProvider interface {
	ListConversations(ctx context.Context, agentID, cursor string, pageSize int) (json.RawMessage, error)
	GetConversation(ctx context.Context, conversationID string) (*ConversationDetail, error)
	GetConversationAudio(ctx context.Context, conversationID string) (io.ReadCloser, error)
	ListVoices(ctx context.Context) ([]Voice, error)
	ListTools(ctx context.Context) (json.RawMessage, error)
	DeleteTool(ctx context.Context, toolID string) error
}

// ConversationEndpoints passes conversation data through from the provider
// after checking the caller may see the agent involved.
type ConversationEndpoints struct {
	repo     *repository.GORMRepository
	access   agentAccess
	provider ConversationProvider
	audio    *AudioCache
	log      *logger.Logger
}

func NewConversationEndpoints(repo *repository.GORMRepository, provider ConversationProvider, audio *AudioCache, log *logger.Logger) *ConversationEndpoints {
	return &ConversationEndpoints{
		repo:     repo,
		access:   agentAccess{repo: repo},
		provider: provider,
		audio:    audio,
		log:      log.With("component", "conversation_endpoints"),
	}
}

func (e *ConversationEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/voice", func(r chi.Router) {
		r.Get("/conversations", e.ListConversationsHandler)
		r.Get("/conversations/{id}", e.GetConversationHandler)
		r.Get("/conversations/{id}/audio", e.GetConversationAudioHandler)
		r.Get("/conversations/{id}/evaluations", e.ListEvaluationsHandler)
		r.Get("/voices", e.ListVoicesHandler)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(models.RoleAdmin, models.RoleSuperAdmin))
			r.Get("/tools", e.ListToolsHandler)
			r.Delete("/tools/{id}", e.DeleteToolHandler)
		})
	})
}

// authorizeAgent lets admins through for agents in their organization and
// students for agents assigned to them.
func (e *ConversationEndpoints) authorizeAgent(ctx context.Context, p *Principal, agent *models.AgentMapping) error {
	if p.Role == models.RoleStudent {
		assignment, err := e.repo.FindAssignment(ctx, p.User.ID, agent.ID)
		if err != nil {
			return err
		}
		if assignment == nil {
			return fmt.Errorf("%w: agent is not assigned to you", ErrForbidden)
		}
		return nil
	}
	_, err := e.access.load(ctx, p, agent.ID)
	return err
}

// authorizeConversation resolves the conversation's agent and checks access to it.
func (e *ConversationEndpoints) authorizeConversation(ctx context.Context, p *Principal, conversationID string) (*ConversationDetail, error) {
	detail, err := e.provider.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	mappings, err := e.repo.FindAgentMappingsByExternalID(ctx, detail.AgentID)
	if err != nil {
		return nil, err
	}
	if len(mappings) != 1 {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if err := e.authorizeAgent(ctx, p, &mappings[0]); err != nil {
		return nil, err
	}
	return detail, nil
}

func (e *ConversationEndpoints) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	q := r.URL.Query()

	agentID := q.Get("agent_id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	pageSize := 0
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "page_size must be between 1 and 100")
			return
		}
		pageSize = n
	}

	agent, err := e.repo.GetAgentMapping(r.Context(), agentID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to load agent", err)
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "Agent not found")
		return
	}
	if err := e.authorizeAgent(r.Context(), p, agent); err != nil {
		writeServiceError(w, e.log, "Cannot list conversations", err, "agent_id", agentID)
		return
	}

	page, err := e.provider.ListConversations(r.Context(), agent.ExternalAgentID, q.Get("cursor"), pageSize)
	if err != nil {
		writeServiceError(w, e.log, "Failed to list conversations", err, "agent_id", agentID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(page)
}

func (e *ConversationEndpoints) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	detail, err := e.authorizeConversation(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, e.log, "Failed to get conversation", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(detail.Raw)
}

func (e *ConversationEndpoints) GetConversationAudioHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	conversationID := chi.URLParam(r, "id")
	detail, err := e.authorizeConversation(r.Context(), p, conversationID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to get conversation audio", err)
		return
	}

	audio, err := e.audio.GetOrFetch(r.Context(), conversationID, func(ctx context.Context) (io.ReadCloser, bool, error) {
		rc, err := e.provider.GetConversationAudio(ctx, conversationID)
		return rc, detail.Done(), err
	})
	if err != nil {
		writeServiceError(w, e.log, "Failed to fetch conversation audio", err, "conversation_id", conversationID)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.Write(audio)
}

// ListEvaluationsHandler returns the criteria results stored from post-call webhooks.
func (e *ConversationEndpoints) ListEvaluationsHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	conversationID := chi.URLParam(r, "id")
	if _, err := e.authorizeConversation(r.Context(), p, conversationID); err != nil {
		writeServiceError(w, e.log, "Failed to get conversation evaluations", err)
		return
	}
	results, err := e.repo.ListEvaluationResults(r.Context(), conversationID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to list evaluation results", err, "conversation_id", conversationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"evaluations": results,
		"count":       len(results),
	})
}

func (e *ConversationEndpoints) ListVoicesHandler(w http.ResponseWriter, r *http.Request) {
	voices, err := e.provider.ListVoices(r.Context())
	if err != nil {
		writeServiceError(w, e.log, "Failed to list voices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"voices": voices})
}

func (e *ConversationEndpoints) ListToolsHandler(w http.ResponseWriter, r *http.Request) {
	tools, err := e.provider.ListTools(r.Context())
	if err != nil {
		writeServiceError(w, e.log, "Failed to list tools", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(tools)
}

func (e *ConversationEndpoints) DeleteToolHandler(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "id")
	if err := e.provider.DeleteTool(r.Context(), toolID); err != nil {
		writeServiceError(w, e.log, "Failed to delete tool", err, "tool_id", toolID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Tool deleted successfully"})
}
