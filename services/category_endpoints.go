package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/models"
	"github.com/voicelearn/backend/repository"
)

type CategoryEndpoints struct {
	repo *repository.GORMRepository
	log  *logger.Logger
}

type CategoryRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func NewCategoryEndpoints(repo *repository.GORMRepository, log *logger.Logger) *CategoryEndpoints {
	return &CategoryEndpoints{repo: repo, log: log.With("component", "category_endpoints")}
}

func (e *CategoryEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/categories", func(r chi.Router) {
		r.Get("/", e.ListHandler)
		r.Post("/", e.CreateHandler)
		r.Put("/{id}", e.UpdateHandler)
		r.Delete("/{id}", e.DeleteHandler)
	})
}

func (e *CategoryEndpoints) ListHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	orgID, err := requireOrganization(p)
	if err != nil {
		writeServiceError(w, e.log, "Cannot list categories", err)
		return
	}
	categories, err := e.repo.ListCategories(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, e.log, "Failed to list categories", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"categories": categories})
}

func (e *CategoryEndpoints) CreateHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	orgID, err := requireOrganization(p)
	if err != nil {
		writeServiceError(w, e.log, "Cannot create category", err)
		return
	}
	req, ok := decodeCategory(w, r)
	if !ok {
		return
	}

	category := models.Category{Name: req.Name, Description: req.Description, OrganizationID: orgID}
	if err := e.repo.CreateCategory(r.Context(), &category); err != nil {
		writeServiceError(w, e.log, "Failed to create category", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"category": category})
}

func (e *CategoryEndpoints) UpdateHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	category, err := e.load(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, e.log, "Cannot update category", err)
		return
	}
	req, ok := decodeCategory(w, r)
	if !ok {
		return
	}

	category.Name = req.Name
	category.Description = req.Description
	if err := e.repo.UpdateCategory(r.Context(), category); err != nil {
		writeServiceError(w, e.log, "Failed to update category", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"category": category})
}

func (e *CategoryEndpoints) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	category, err := e.load(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, e.log, "Cannot delete category", err)
		return
	}
	if err := e.repo.DeleteCategory(r.Context(), category.ID); err != nil {
		writeServiceError(w, e.log, "Failed to delete category", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Category deleted successfully"})
}

func (e *CategoryEndpoints) load(ctx context.Context, p *Principal, id string) (*models.Category, error) {
	category, err := e.repo.GetCategory(ctx, id)
	if err != nil {
		return nil, err
	}
	if category == nil {
		return nil, fmt.Errorf("%w: category %s", ErrNotFound, id)
	}
	if !p.IsSuperAdmin() && category.OrganizationID != p.OrganizationID {
		return nil, fmt.Errorf("%w: category belongs to another organization", ErrForbidden)
	}
	return category, nil
}

func decodeCategory(w http.ResponseWriter, r *http.Request) (*CategoryRequest, bool) {
	var req CategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return nil, false
	}
	return &req, true
}
