package services

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/models"
	"github.com/voicelearn/backend/repository"
)

// AssignmentEndpoints manages lesson assignments (admin) and the student's own view.
type AssignmentEndpoints struct {
	repo   *repository.GORMRepository
	access agentAccess
	events EventPublisher
	log    *logger.Logger
}

type AssignRequest struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
}

type ProgressRequest struct {
	Score      *float64 `json:"score"`
	IsComplete bool     `json:"is_complete"`
}

// StudentAssignment is one lesson on the student's dashboard.
type StudentAssignment struct {
	Assignment models.Assignment    `json:"assignment"`
	Agent      *models.AgentMapping `json:"agent,omitempty"`
	Progress   *models.Progress     `json:"progress,omitempty"`
}

func NewAssignmentEndpoints(repo *repository.GORMRepository, events EventPublisher, log *logger.Logger) *AssignmentEndpoints {
	return &AssignmentEndpoints{
		repo:   repo,
		access: agentAccess{repo: repo},
		events: events,
		log:    log.With("component", "assignment_endpoints"),
	}
}

// RegisterAdminRoutes mounts the admin-only routes.
func (e *AssignmentEndpoints) RegisterAdminRoutes(r chi.Router) {
	r.Route("/assignments", func(r chi.Router) {
		r.Post("/", e.AssignHandler)
		r.Get("/", e.ListByAgentHandler)
		r.Delete("/{agentID}/users/{userID}", e.UnassignHandler)
	})
}

// RegisterStudentRoutes mounts the caller's own routes.
func (e *AssignmentEndpoints) RegisterStudentRoutes(r chi.Router) {
	r.Route("/me", func(r chi.Router) {
		r.Get("/assignments", e.MyAssignmentsHandler)
		r.Put("/progress/{agentID}", e.RecordProgressHandler)
	})
}

// AssignHandler is idempotent: an existing (user, agent) pair is returned with 200.
func (e *AssignmentEndpoints) AssignHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())

	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "user_id and agent_id are required")
		return
	}

	agent, err := e.access.load(r.Context(), p, req.AgentID)
	if err != nil {
		writeServiceError(w, e.log, "Cannot assign agent", err, "agent_id", req.AgentID)
		return
	}
	agentOrg, err := e.repo.GetOrganizationIDForUser(r.Context(), agent.UserID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to resolve agent organization", err)
		return
	}
	userOrg, err := e.repo.GetOrganizationIDForUser(r.Context(), req.UserID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to resolve user organization", err)
		return
	}
	if userOrg == "" || userOrg != agentOrg {
		writeServiceError(w, e.log, "Cannot assign agent", fmt.Errorf("%w: user is not in the agent's organization", ErrForbidden))
		return
	}

	existing, err := e.repo.FindAssignment(r.Context(), req.UserID, agent.ID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to check assignment", err)
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"assignment": existing})
		return
	}

	assignment := models.Assignment{
		UserID:         req.UserID,
		AgentMappingID: agent.ID,
		OrganizationID: agentOrg,
	}
	if err := e.repo.CreateAssignment(r.Context(), &assignment); err != nil {
		writeServiceError(w, e.log, "Failed to create assignment", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"assignment": assignment})
}

func (e *AssignmentEndpoints) UnassignHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")
	userID := chi.URLParam(r, "userID")

	if _, err := e.access.load(r.Context(), p, agentID); err != nil {
		writeServiceError(w, e.log, "Cannot unassign agent", err, "agent_id", agentID)
		return
	}
	removed, err := e.repo.DeleteAssignment(r.Context(), userID, agentID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to delete assignment", err)
		return
	}
	if removed == 0 {
		writeError(w, http.StatusNotFound, "Assignment not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

func (e *AssignmentEndpoints) ListByAgentHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if _, err := e.access.load(r.Context(), p, agentID); err != nil {
		writeServiceError(w, e.log, "Cannot list assignments", err, "agent_id", agentID)
		return
	}
	assignments, err := e.repo.ListAssignmentsByAgentIDs(r.Context(), []string{agentID})
	if err != nil {
		writeServiceError(w, e.log, "Failed to list assignments", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assignments": assignments,
		"count":       len(assignments),
	})
}

func (e *AssignmentEndpoints) MyAssignmentsHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	ctx := r.Context()

	assignments, err := e.repo.ListAssignmentsForUser(ctx, p.User.ID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to list assignments", err)
		return
	}
	agentIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		agentIDs = append(agentIDs, a.AgentMappingID)
	}
	agentIDs = uniqueIDs(agentIDs)

	agents, err := e.repo.ListAgentMappingsByIDs(ctx, agentIDs)
	if err != nil {
		writeServiceError(w, e.log, "Failed to load assigned agents", err)
		return
	}
	progress, err := e.repo.ListProgressByAgentIDs(ctx, agentIDs)
	if err != nil {
		writeServiceError(w, e.log, "Failed to load progress", err)
		return
	}

	agentByID := make(map[string]*models.AgentMapping, len(agents))
	for i := range agents {
		agentByID[agents[i].ID] = &agents[i]
	}
	progressByAgent := make(map[string]*models.Progress)
	for i := range progress {
		if progress[i].UserID == p.User.ID {
			progressByAgent[progress[i].AgentID] = &progress[i]
		}
	}

	items := make([]StudentAssignment, 0, len(assignments))
	for _, a := range assignments {
		items = append(items, StudentAssignment{
			Assignment: a,
			Agent:      agentByID[a.AgentMappingID],
			Progress:   progressByAgent[a.AgentMappingID],
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assignments": items,
		"count":       len(items),
	})
}

// RecordProgressHandler stores the caller's latest score on an assigned agent.
func (e *AssignmentEndpoints) RecordProgressHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")

	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Score != nil && (*req.Score < 0 || *req.Score > 100) {
		writeError(w, http.StatusBadRequest, "score must be between 0 and 100")
		return
	}

	assignment, err := e.repo.FindAssignment(r.Context(), p.User.ID, agentID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to check assignment", err)
		return
	}
	if assignment == nil {
		writeError(w, http.StatusForbidden, "Agent is not assigned to you")
		return
	}

	progress := models.Progress{
		UserID:     p.User.ID,
		AgentID:    agentID,
		Score:      req.Score,
		IsComplete: req.IsComplete,
	}
	if err := e.repo.UpsertProgress(r.Context(), &progress); err != nil {
		writeServiceError(w, e.log, "Failed to record progress", err)
		return
	}
	if e.events != nil {
		e.events.BroadcastToOrganization(assignment.OrganizationID, "progress.updated", map[string]interface{}{
			"user_id":     p.User.ID,
			"agent_id":    agentID,
			"score":       req.Score,
			"is_complete": req.IsComplete,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"progress": progress})
}
