package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GORMRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGORMRepository(db *gorm.DB, log *logger.Logger) *GORMRepository {
	return &GORMRepository{db: db, log: log.With("component", "repository")}
}

// AutoMigrate runs schema migrations and, on PostgreSQL, (re)creates the remote procedures.
func (r *GORMRepository) AutoMigrate() error {
	if err := r.db.AutoMigrate(
		&models.Organization{},
		&models.User{},
		&models.OrganizationMember{},
		&models.RefreshToken{},
		&models.PermanentToken{},
		&models.Category{},
		&models.AgentMapping{},
		&models.Assignment{},
		&models.Progress{},
		&models.EvaluationCriteriaResult{},
		&models.OrganizationUsage{},
		&models.ProviderCredential{},
		&models.WebhookEvent{},
	); err != nil {
		return err
	}

	if r.db.Dialector.Name() != "postgres" {
		return nil
	}
	for _, stmt := range procedureDDL {
		if err := r.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create procedure: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (r *GORMRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Organization operations

func (r *GORMRepository) CreateOrganization(ctx context.Context, org *models.Organization) error {
	if err := r.db.WithContext(ctx).Create(org).Error; err != nil {
		r.log.Error("Failed to create organization", "error", err)
		return err
	}
	r.log.Info("Organization created", "organization_id", org.ID, "name", org.Name)
	return nil
}

func (r *GORMRepository) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&org).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Error("Failed to get organization", "error", err, "organization_id", id)
		return nil, err
	}
	return &org, nil
}

func (r *GORMRepository) GetOrganizationByName(ctx context.Context, name string) (*models.Organization, error) {
	var org models.Organization
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&org).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &org, nil
}

// GetOrganizationIDForUser returns "" when the user belongs to no organization.
func (r *GORMRepository) GetOrganizationIDForUser(ctx context.Context, userID string) (string, error) {
	var member models.OrganizationMember
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		r.log.Error("Failed to get organization membership", "error", err, "user_id", userID)
		return "", err
	}
	return member.OrganizationID, nil
}

// GetUsersByOrganization is the portable form of the get_users_by_organization procedure.
func (r *GORMRepository) GetUsersByOrganization(ctx context.Context, organizationID string) ([]models.OrganizationUser, error) {
	var rows []models.OrganizationUser
	err := r.db.WithContext(ctx).
		Table("users").
		Select("users.id AS user_id, users.full_name, users.email").
		Joins("JOIN organization_members ON organization_members.user_id = users.id").
		Where("organization_members.organization_id = ?", organizationID).
		Order("users.full_name, users.email").
		Scan(&rows).Error
	if err != nil {
		r.log.Error("Failed to get users by organization", "error", err, "organization_id", organizationID)
		return nil, err
	}
	return rows, nil
}

// IncrementOrganizationUsage is the portable form of the increment_organization_usage
// procedure: a single upsert whose update adds to the stored value.
func (r *GORMRepository) IncrementOrganizationUsage(ctx context.Context, organizationID string, minutes int) error {
	now := time.Now()
	usage := models.OrganizationUsage{OrganizationID: organizationID, MinutesUsed: minutes, UpdatedAt: now}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "organization_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"minutes_used": gorm.Expr("organization_usage.minutes_used + ?", minutes),
			"updated_at":   now,
		}),
	}).Create(&usage).Error
	if err != nil {
		r.log.Error("Failed to increment organization usage", "error", err, "organization_id", organizationID, "minutes", minutes)
		return err
	}
	return nil
}

func (r *GORMRepository) GetOrganizationUsage(ctx context.Context, organizationID string) (int, error) {
	var usage models.OrganizationUsage
	err := r.db.WithContext(ctx).Where("organization_id = ?", organizationID).First(&usage).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return usage.MinutesUsed, nil
}

// User operations

func (r *GORMRepository) CreateUser(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		r.log.Error("Failed to create user", "error", err)
		return err
	}
	r.log.Info("User created", "user_id", user.ID, "email", user.Email)
	return nil
}

// CreateUserInOrganization creates the user and its membership in one transaction.
func (r *GORMRepository) CreateUserInOrganization(ctx context.Context, user *models.User, organizationID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		member := models.OrganizationMember{UserID: user.ID, OrganizationID: organizationID}
		if err := tx.Create(&member).Error; err != nil {
			return err
		}
		user.Membership = &member
		return nil
	})
	if err != nil {
		r.log.Error("Failed to create organization user", "error", err, "organization_id", organizationID)
		return err
	}
	r.log.Info("User created", "user_id", user.ID, "email", user.Email, "organization_id", organizationID)
	return nil
}

func (r *GORMRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Preload("Membership").Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Error("Failed to get user by email", "error", err, "email", email)
		return nil, err
	}
	return &user, nil
}

func (r *GORMRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Preload("Membership").Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Error("Failed to get user by ID", "error", err, "user_id", id)
		return nil, err
	}
	return &user, nil
}

// ListUsersByIDs fetches every user in ids with one query. Unknown ids are skipped.
func (r *GORMRepository) ListUsersByIDs(ctx context.Context, ids []string) ([]models.User, error) {
	var users []models.User
	if len(ids) == 0 {
		return users, nil
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		r.log.Error("Failed to list users by IDs", "error", err, "count", len(ids))
		return nil, err
	}
	return users, nil
}

// ErrUserOwnsAgents is returned by DeleteUser while agent mappings still name the user as owner.
var ErrUserOwnsAgents = errors.New("user still owns agents")

// DeleteUser removes the account together with its membership, tokens, assignments and progress.
// Owners of agent mappings are refused, since an agent's organization is resolved through its owner.
func (r *GORMRepository) DeleteUser(ctx context.Context, userID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owned int64
		if err := tx.Model(&models.AgentMapping{}).Where("user_id = ?", userID).Count(&owned).Error; err != nil {
			return err
		}
		if owned > 0 {
			return fmt.Errorf("%w: %d agent(s)", ErrUserOwnsAgents, owned)
		}
		for _, model := range []interface{}{
			&models.RefreshToken{},
			&models.PermanentToken{},
			&models.Assignment{},
			&models.Progress{},
			&models.OrganizationMember{},
		} {
			if err := tx.Where("user_id = ?", userID).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Where("id = ?", userID).Delete(&models.User{}).Error
	})
	if errors.Is(err, ErrUserOwnsAgents) {
		return err
	}
	if err != nil {
		r.log.Error("Failed to delete user", "error", err, "user_id", userID)
		return err
	}
	r.log.Info("User deleted", "user_id", userID)
	return nil
}

// Token operations

func (r *GORMRepository) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		r.log.Error("Failed to create refresh token", "error", err)
		return err
	}
	return nil
}

func (r *GORMRepository) GetRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	var refreshToken models.RefreshToken
	if err := r.db.WithContext(ctx).Where("token = ? AND expires_at > ?", token, time.Now()).First(&refreshToken).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Error("Failed to get refresh token", "error", err)
		return nil, err
	}
	return &refreshToken, nil
}

func (r *GORMRepository) CreatePermanentToken(ctx context.Context, token *models.PermanentToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		r.log.Error("Failed to create permanent token", "error", err)
		return err
	}
	return nil
}

func (r *GORMRepository) GetPermanentToken(ctx context.Context, token string) (*models.PermanentToken, error) {
	var permanentToken models.PermanentToken
	if err := r.db.WithContext(ctx).Where("token = ?", token).First(&permanentToken).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Error("Failed to get permanent token", "error", err)
		return nil, err
	}
	return &permanentToken, nil
}

func (r *GORMRepository) DeleteAllUserTokens(ctx context.Context, userID string) error {
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.RefreshToken{}).Error; err != nil {
		r.log.Error("Failed to delete user refresh tokens", "error", err, "user_id", userID)
		return err
	}
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.PermanentToken{}).Error; err != nil {
		r.log.Error("Failed to delete user permanent tokens", "error", err, "user_id", userID)
		return err
	}
	return nil
}

func (r *GORMRepository) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.RefreshToken{})
	if res.Error != nil {
		r.log.Error("Failed to delete expired refresh tokens", "error", res.Error)
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// Agent mapping operations

func (r *GORMRepository) CreateAgentMapping(ctx context.Context, agent *models.AgentMapping) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		r.log.Error("Failed to create agent mapping", "error", err)
		return err
	}
	r.log.Info("Agent mapping created", "agent_id", agent.ID, "external_agent_id", agent.ExternalAgentID, "name", agent.Name)
	return nil
}

func (r *GORMRepository) GetAgentMapping(ctx context.Context, id string) (*models.AgentMapping, error) {
	var agent models.AgentMapping
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&agent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Error("Failed to get agent mapping", "error", err, "agent_id", id)
		return nil, err
	}
	return &agent, nil
}

func (r *GORMRepository) UpdateAgentMapping(ctx context.Context, agent *models.AgentMapping) error {
	if err := r.db.WithContext(ctx).Save(agent).Error; err != nil {
		r.log.Error("Failed to update agent mapping", "error", err, "agent_id", agent.ID)
		return err
	}
	r.log.Info("Agent mapping updated", "agent_id", agent.ID, "name", agent.Name)
	return nil
}

// FindAgentMappingsByExternalID returns every mapping for a provider agent id so
// callers can tell "none" from "ambiguous".
func (r *GORMRepository) FindAgentMappingsByExternalID(ctx context.Context, externalID string) ([]models.AgentMapping, error) {
	var agents []models.AgentMapping
	if err := r.db.WithContext(ctx).Where("external_agent_id = ?", externalID).Limit(2).Find(&agents).Error; err != nil {
		r.log.Error("Failed to find agent mapping by external ID", "error", err, "external_agent_id", externalID)
		return nil, err
	}
	return agents, nil
}

func (r *GORMRepository) ListAgentMappingsByIDs(ctx context.Context, ids []string) ([]models.AgentMapping, error) {
	var agents []models.AgentMapping
	if len(ids) == 0 {
		return agents, nil
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&agents).Error; err != nil {
		r.log.Error("Failed to list agent mappings", "error", err, "count", len(ids))
		return nil, err
	}
	return agents, nil
}

// ListAgentMappingsForOrganization returns agents owned by members of the organization.
func (r *GORMRepository) ListAgentMappingsForOrganization(ctx context.Context, organizationID string) ([]models.AgentMapping, error) {
	var agents []models.AgentMapping
	members := r.db.Model(&models.OrganizationMember{}).Select("user_id").Where("organization_id = ?", organizationID)
	err := r.db.WithContext(ctx).
		Where("user_id IN (?)", members).
		Order("created_at DESC").
		Find(&agents).Error
	if err != nil {
		r.log.Error("Failed to list organization agents", "error", err, "organization_id", organizationID)
		return nil, err
	}
	return agents, nil
}

// ListAgentMappingsPage returns one page ordered newest first, plus the total row count.
func (r *GORMRepository) ListAgentMappingsPage(ctx context.Context, offset, limit int) ([]models.AgentMapping, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&models.AgentMapping{}).Count(&total).Error; err != nil {
		r.log.Error("Failed to count agent mappings", "error", err)
		return nil, 0, err
	}

	var agents []models.AgentMapping
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id").
		Offset(offset).
		Limit(limit).
		Find(&agents).Error
	if err != nil {
		r.log.Error("Failed to list agent mappings page", "error", err, "offset", offset, "limit", limit)
		return nil, 0, err
	}
	return agents, total, nil
}

// Assignment operations

func (r *GORMRepository) CreateAssignment(ctx context.Context, assignment *models.Assignment) error {
	if err := r.db.WithContext(ctx).Create(assignment).Error; err != nil {
		r.log.Error("Failed to create assignment", "error", err, "user_id", assignment.UserID, "agent_id", assignment.AgentMappingID)
		return err
	}
	r.log.Info("Assignment created", "user_id", assignment.UserID, "agent_id", assignment.AgentMappingID)
	return nil
}

func (r *GORMRepository) FindAssignment(ctx context.Context, userID, agentMappingID string) (*models.Assignment, error) {
	var assignment models.Assignment
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND agent_mapping_id = ?", userID, agentMappingID).
		First(&assignment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &assignment, nil
}

// DeleteAssignment removes every row for the pair and reports how many were removed.
func (r *GORMRepository) DeleteAssignment(ctx context.Context, userID, agentMappingID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND agent_mapping_id = ?", userID, agentMappingID).
		Delete(&models.Assignment{})
	if res.Error != nil {
		r.log.Error("Failed to delete assignment", "error", res.Error, "user_id", userID, "agent_id", agentMappingID)
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *GORMRepository) ListAssignmentsByAgentIDs(ctx context.Context, agentIDs []string) ([]models.Assignment, error) {
	var assignments []models.Assignment
	if len(agentIDs) == 0 {
		return assignments, nil
	}
	if err := r.db.WithContext(ctx).Where("agent_mapping_id IN ?", agentIDs).Find(&assignments).Error; err != nil {
		r.log.Error("Failed to list assignments", "error", err, "agent_count", len(agentIDs))
		return nil, err
	}
	return assignments, nil
}

func (r *GORMRepository) ListAssignmentsForUser(ctx context.Context, userID string) ([]models.Assignment, error) {
	var assignments []models.Assignment
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&assignments).Error; err != nil {
		r.log.Error("Failed to list user assignments", "error", err, "user_id", userID)
		return nil, err
	}
	return assignments, nil
}

// Progress operations

// UpsertProgress writes the latest state for (user, agent).
func (r *GORMRepository) UpsertProgress(ctx context.Context, progress *models.Progress) error {
	progress.UpdatedAt = time.Now()
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "is_complete", "updated_at"}),
	}).Create(progress).Error
	if err != nil {
		r.log.Error("Failed to upsert progress", "error", err, "user_id", progress.UserID, "agent_id", progress.AgentID)
		return err
	}
	return nil
}

func (r *GORMRepository) ListProgressByAgentIDs(ctx context.Context, agentIDs []string) ([]models.Progress, error) {
	var progress []models.Progress
	if len(agentIDs) == 0 {
		return progress, nil
	}
	if err := r.db.WithContext(ctx).Where("agent_id IN ?", agentIDs).Find(&progress).Error; err != nil {
		r.log.Error("Failed to list progress", "error", err, "agent_count", len(agentIDs))
		return nil, err
	}
	return progress, nil
}

// Evaluation operations

// CreateEvaluationResults bulk-inserts rows in a single statement.
func (r *GORMRepository) CreateEvaluationResults(ctx context.Context, results []models.EvaluationCriteriaResult) error {
	if len(results) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&results).Error; err != nil {
		r.log.Error("Failed to insert evaluation results", "error", err, "count", len(results))
		return err
	}
	return nil
}

func (r *GORMRepository) ListEvaluationResults(ctx context.Context, conversationID string) ([]models.EvaluationCriteriaResult, error) {
	var results []models.EvaluationCriteriaResult
	err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("criteria_id").Find(&results).Error
	if err != nil {
		r.log.Error("Failed to list evaluation results", "error", err, "conversation_id", conversationID)
		return nil, err
	}
	return results, nil
}

// Category operations

func (r *GORMRepository) CreateCategory(ctx context.Context, category *models.Category) error {
	if err := r.db.WithContext(ctx).Create(category).Error; err != nil {
		r.log.Error("Failed to create category", "error", err)
		return err
	}
	return nil
}

func (r *GORMRepository) GetCategory(ctx context.Context, id string) (*models.Category, error) {
	var category models.Category
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&category).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &category, nil
}

func (r *GORMRepository) ListCategories(ctx context.Context, organizationID string) ([]models.Category, error) {
	var categories []models.Category
	if err := r.db.WithContext(ctx).Where("organization_id = ?", organizationID).Order("name").Find(&categories).Error; err != nil {
		r.log.Error("Failed to list categories", "error", err, "organization_id", organizationID)
		return nil, err
	}
	return categories, nil
}

func (r *GORMRepository) UpdateCategory(ctx context.Context, category *models.Category) error {
	if err := r.db.WithContext(ctx).Save(category).Error; err != nil {
		r.log.Error("Failed to update category", "error", err, "category_id", category.ID)
		return err
	}
	return nil
}

// DeleteCategory removes the category and detaches agents that referenced it.
func (r *GORMRepository) DeleteCategory(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.AgentMapping{}).Where("category_id = ?", id).Update("category_id", nil).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Category{}).Error
	})
	if err != nil {
		r.log.Error("Failed to delete category", "error", err, "category_id", id)
		return err
	}
	return nil
}

// Credential operations

func (r *GORMRepository) SetProviderCredential(ctx context.Context, provider, apiKey string) error {
	cred := models.ProviderCredential{Provider: provider, APIKey: apiKey, UpdatedAt: time.Now()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key", "updated_at"}),
	}).Create(&cred).Error
	if err != nil {
		r.log.Error("Failed to store provider credential", "error", err, "provider", provider)
		return err
	}
	r.log.Info("Provider credential stored", "provider", provider)
	return nil
}

func (r *GORMRepository) GetProviderCredential(ctx context.Context, provider string) (*models.ProviderCredential, error) {
	var cred models.ProviderCredential
	if err := r.db.WithContext(ctx).Where("provider = ?", provider).First(&cred).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Error("Failed to get provider credential", "error", err, "provider", provider)
		return nil, err
	}
	return &cred, nil
}

// Webhook event operations

// ClaimWebhookEvent takes ownership of (kind, conversation_id). A new event is
// inserted; a pending one, released by an earlier failed delivery, is taken
// over and event.QuotaApplied reflects the stored row. It reports false when
// the event is done or another delivery holds it.
func (r *GORMRepository) ClaimWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	event.Status = models.WebhookProcessing
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(event)
	if res.Error != nil {
		r.log.Error("Failed to record webhook event", "error", res.Error, "conversation_id", event.ConversationID)
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	res = r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("kind = ? AND conversation_id = ? AND status = ?", event.Kind, event.ConversationID, models.WebhookPending).
		Update("status", models.WebhookProcessing)
	if res.Error != nil {
		r.log.Error("Failed to take over webhook event", "error", res.Error, "conversation_id", event.ConversationID)
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	var stored models.WebhookEvent
	if err := r.db.WithContext(ctx).
		Where("kind = ? AND conversation_id = ?", event.Kind, event.ConversationID).
		First(&stored).Error; err != nil {
		r.log.Error("Failed to load webhook event", "error", err, "conversation_id", event.ConversationID)
		return false, err
	}
	*event = stored
	return true, nil
}

func (r *GORMRepository) setWebhookEvent(ctx context.Context, kind, conversationID string, updates map[string]interface{}) error {
	err := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("kind = ? AND conversation_id = ?", kind, conversationID).
		Updates(updates).Error
	if err != nil {
		r.log.Error("Failed to update webhook event", "error", err, "conversation_id", conversationID)
	}
	return err
}

// MarkWebhookQuotaApplied records that the event's minutes were billed.
func (r *GORMRepository) MarkWebhookQuotaApplied(ctx context.Context, kind, conversationID string) error {
	return r.setWebhookEvent(ctx, kind, conversationID, map[string]interface{}{"quota_applied": true})
}

// ReleaseWebhookEvent marks the event pending so a redelivery is processed.
// The row and its quota flag are kept.
func (r *GORMRepository) ReleaseWebhookEvent(ctx context.Context, kind, conversationID string) error {
	return r.setWebhookEvent(ctx, kind, conversationID, map[string]interface{}{"status": models.WebhookPending})
}

func (r *GORMRepository) CompleteWebhookEvent(ctx context.Context, kind, conversationID string) error {
	return r.setWebhookEvent(ctx, kind, conversationID, map[string]interface{}{"status": models.WebhookDone})
}

func (r *GORMRepository) DeleteWebhookEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("received_at < ?", cutoff).Delete(&models.WebhookEvent{})
	if res.Error != nil {
		r.log.Error("Failed to purge webhook events", "error", res.Error)
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
