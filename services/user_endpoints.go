package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/models"
	"github.com/voicelearn/backend/repository"
)

// OrganizationDirectory lists an organization's members. Implemented by the
// pgx procedures client and, without a pool, by the gorm repository.
type OrganizationDirectory interface {
	GetUsersByOrganization(ctx context.Context, organizationID string) ([]models.OrganizationUser, error)
}

type UserEndpoints struct {
	repo      *repository.GORMRepository
	directory OrganizationDirectory
	auth      *AuthService
	log       *logger.Logger
}

type CreateUserRequest struct {
	Email    string      `json:"email"`
	Password string      `json:"password"`
	FullName string      `json:"full_name"`
	Role     models.Role `json:"role"`
}

func NewUserEndpoints(repo *repository.GORMRepository, directory OrganizationDirectory, auth *AuthService, log *logger.Logger) *UserEndpoints {
	return &UserEndpoints{
		repo:      repo,
		directory: directory,
		auth:      auth,
		log:       log.With("component", "user_endpoints"),
	}
}

func (e *UserEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/organization", func(r chi.Router) {
		r.Get("/users", e.ListUsersHandler)
		r.Post("/users", e.CreateUserHandler)
		r.Delete("/users/{id}", e.DeleteUserHandler)
		r.Get("/usage", e.UsageHandler)
	})
}

func (e *UserEndpoints) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	orgID, err := requireOrganization(p)
	if err != nil {
		writeServiceError(w, e.log, "Cannot list users", err)
		return
	}
	users, err := e.directory.GetUsersByOrganization(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to list organization users", err, "organization_id", orgID)
		return
	}
	if users == nil {
		users = []models.OrganizationUser{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

func (e *UserEndpoints) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	orgID, err := requireOrganization(p)
	if err != nil {
		writeServiceError(w, e.log, "Cannot create user", err)
		return
	}

	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Role == "" {
		req.Role = models.RoleStudent
	}

	user, err := e.auth.CreateAccount(r.Context(), orgID, req.Email, req.Password, req.FullName, req.Role)
	if err != nil {
		writeServiceError(w, e.log, "Failed to create user", err, "organization_id", orgID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"user": userResponse(user)})
}

func (e *UserEndpoints) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	userID := chi.URLParam(r, "id")
	if userID == p.User.ID {
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}

	target, err := e.repo.GetUserByID(r.Context(), userID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to load user", err)
		return
	}
	if target == nil {
		writeServiceError(w, e.log, "Cannot delete user", fmt.Errorf("%w: user %s", ErrNotFound, userID))
		return
	}
	if !p.IsSuperAdmin() {
		if organizationOf(target) != p.OrganizationID || target.Role == models.RoleSuperAdmin {
			writeServiceError(w, e.log, "Cannot delete user", fmt.Errorf("%w: user is outside your organization", ErrForbidden))
			return
		}
	}

	if err := e.repo.DeleteUser(r.Context(), userID); err != nil {
		if errors.Is(err, repository.ErrUserOwnsAgents) {
			err = fmt.Errorf("%w: %v; delete or reassign their agents first", ErrConflict, err)
		}
		writeServiceError(w, e.log, "Failed to delete user", err, "user_id", userID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "User deleted successfully"})
}

func (e *UserEndpoints) UsageHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	orgID, err := requireOrganization(p)
	if err != nil {
		writeServiceError(w, e.log, "Cannot read usage", err)
		return
	}
	org, err := e.repo.GetOrganization(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to load organization", err)
		return
	}
	if org == nil {
		writeServiceError(w, e.log, "Cannot read usage", fmt.Errorf("%w: organization %s", ErrNotFound, orgID))
		return
	}
	used, err := e.repo.GetOrganizationUsage(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to read usage", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"organization_id": orgID,
		"minutes_used":    used,
		"minute_limit":    org.MinuteLimit,
	})
}
