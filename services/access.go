package services

import (
	"context"
	"fmt"

	"github.com/voicelearn/backend/models"
	"github.com/voicelearn/backend/repository"
)

// agentAccess resolves agents and checks they belong to the caller's organization.
type agentAccess struct {
	repo *repository.GORMRepository
}

// load returns the agent when the principal may manage it. Super admins may manage any agent.
func (a agentAccess) load(ctx context.Context, p *Principal, agentID string) (*models.AgentMapping, error) {
	agent, err := a.repo.GetAgentMapping(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	if p.IsSuperAdmin() {
		return agent, nil
	}
	orgID, err := a.repo.GetOrganizationIDForUser(ctx, agent.UserID)
	if err != nil {
		return nil, err
	}
	if orgID == "" || orgID != p.OrganizationID {
		return nil, fmt.Errorf("%w: agent belongs to another organization", ErrForbidden)
	}
	return agent, nil
}

// checkAll verifies every id is an agent the principal may manage.
func (a agentAccess) checkAll(ctx context.Context, p *Principal, agentIDs []string) error {
	if p.IsSuperAdmin() {
		return nil
	}
	if p.OrganizationID == "" {
		return fmt.Errorf("%w: no organization", ErrForbidden)
	}
	owned, err := a.repo.ListAgentMappingsForOrganization(ctx, p.OrganizationID)
	if err != nil {
		return err
	}
	allowed := make(map[string]bool, len(owned))
	for _, agent := range owned {
		allowed[agent.ID] = true
	}
	for _, id := range agentIDs {
		if !allowed[id] {
			return fmt.Errorf("%w: agent %s belongs to another organization", ErrForbidden, id)
		}
	}
	return nil
}

// requireOrganization returns the caller's organization or ErrForbidden.
func requireOrganization(p *Principal) (string, error) {
	if p.OrganizationID == "" {
		return "", fmt.Errorf("%w: caller has no organization", ErrForbidden)
	}
	return p.OrganizationID, nil
}
