package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/models"
)

// procedureDDL is applied after AutoMigrate on PostgreSQL.
var procedureDDL = []string{
	`CREATE OR REPLACE FUNCTION get_users_by_organization(organization_id uuid)
RETURNS TABLE(user_id uuid, full_name text, email text)
LANGUAGE sql STABLE AS $$
	SELECT u.id, coalesce(u.full_name, '')::text, u.email::text
	FROM users u
	JOIN organization_members m ON m.user_id = u.id
	WHERE m.organization_id = get_users_by_organization.organization_id
	ORDER BY u.full_name, u.email
$$;`,
	`CREATE OR REPLACE FUNCTION increment_organization_usage(org_id uuid, minutes_to_add integer)
RETURNS void
LANGUAGE sql AS $$
	INSERT INTO organization_usage (organization_id, minutes_used, updated_at)
	VALUES (org_id, minutes_to_add, now())
	ON CONFLICT (organization_id)
	DO UPDATE SET minutes_used = organization_usage.minutes_used + excluded.minutes_used,
	              updated_at = now()
$$;`,
}

// Procedures calls the database-side functions directly through a pgx pool.
type Procedures struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

func NewProcedures(pool *pgxpool.Pool, log *logger.Logger) *Procedures {
	return &Procedures{pool: pool, log: log.With("component", "procedures")}
}

// GetUsersByOrganization returns the organization's members.
func (p *Procedures) GetUsersByOrganization(ctx context.Context, organizationID string) ([]models.OrganizationUser, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT user_id::text, full_name, email FROM get_users_by_organization($1)`, organizationID)
	if err != nil {
		p.log.Error("get_users_by_organization failed", "error", err, "organization_id", organizationID)
		return nil, fmt.Errorf("failed to call get_users_by_organization: %w", err)
	}
	defer rows.Close()

	users := []models.OrganizationUser{}
	for rows.Next() {
		var u models.OrganizationUser
		if err := rows.Scan(&u.UserID, &u.FullName, &u.Email); err != nil {
			return nil, fmt.Errorf("failed to scan organization user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read organization users: %w", err)
	}
	return users, nil
}

// IncrementOrganizationUsage adds minutes to the organization's counter atomically.
func (p *Procedures) IncrementOrganizationUsage(ctx context.Context, organizationID string, minutes int) error {
	if _, err := p.pool.Exec(ctx, `SELECT increment_organization_usage($1, $2)`, organizationID, minutes); err != nil {
		p.log.Error("increment_organization_usage failed", "error", err, "organization_id", organizationID, "minutes", minutes)
		return fmt.Errorf("failed to call increment_organization_usage: %w", err)
	}
	return nil
}

// Ping checks pool connectivity.
func (p *Procedures) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
