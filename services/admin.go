package services

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/models"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100

	unnamedAgent = "Unnamed Agent"
)

type AdminStore interface {
	ListAgentMappingsPage(ctx context.Context, offset, limit int) ([]models.AgentMapping, int64, error)
	ListUsersByIDs(ctx context.Context, ids []string) ([]models.User, error)
}

// AgentMetadataSource returns live agent metadata from the provider.
type AgentMetadataSource interface {
	GetAgent(ctx context.Context, externalID string) (*ProviderAgent, error)
}

// AgentCache caches provider metadata between listings. Optional.
type AgentCache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// AdminAgentSummary is one row of the admin agent listing.
type AdminAgentSummary struct {
	AgentID          string         `json:"agent_id"`
	Name             string         `json:"name"`
	Metadata         *ProviderAgent `json:"metadata,omitempty"`
	MappingID        string         `json:"mapping_id"`
	MappingCreatedAt time.Time      `json:"mapping_created_at"`
	OwnerID          string         `json:"owner_id"`
	OwnerEmail       string         `json:"owner_email,omitempty"`
	OwnerName        string         `json:"owner_name,omitempty"`
	Degraded         bool           `json:"degraded,omitempty"`
}

type AdminAgentPage struct {
	Agents     []AdminAgentSummary `json:"agents"`
	Total      int64               `json:"total"`
	Page       int                 `json:"page"`
	PerPage    int                 `json:"per_page"`
	TotalPages int                 `json:"total_pages"`
}

type AdminService struct {
	store          AdminStore
	agents         AgentMetadataSource
	cache          AgentCache
	cacheTTL       time.Duration
	maxConcurrency int
	log            *logger.Logger
}

// NewAdminService builds the listing service. cache may be nil.
func NewAdminService(store AdminStore, agents AgentMetadataSource, cache AgentCache, cacheTTL time.Duration, maxConcurrency int, log *logger.Logger) *AdminService {
	if maxConcurrency < 1 {
		maxConcurrency = 8
	}
	return &AdminService{
		store:          store,
		agents:         agents,
		cache:          cache,
		cacheTTL:       cacheTTL,
		maxConcurrency: maxConcurrency,
		log:            log.With("component", "admin"),
	}
}

// TotalPages is ceil(total/perPage).
func TotalPages(total int64, perPage int) int {
	if perPage < 1 || total <= 0 {
		return 0
	}
	return int((total + int64(perPage) - 1) / int64(perPage))
}

// ListAgents returns one page of agents enriched with owner identity and live
// provider metadata. Enrichment failures degrade single rows, never the page.
func (s *AdminService) ListAgents(ctx context.Context, page, perPage int) (*AdminAgentPage, error) {
	if page < 1 {
		return nil, invalidInput("page must be >= 1")
	}
	if perPage < 1 {
		return nil, invalidInput("per_page must be >= 1")
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	mappings, total, err := s.store.ListAgentMappingsPage(ctx, (page-1)*perPage, perPage)
	if err != nil {
		return nil, err
	}

	owners := s.lookupOwners(ctx, mappings)
	metadata := s.lookupMetadata(ctx, mappings)

	summaries := make([]AdminAgentSummary, len(mappings))
	for i, m := range mappings {
		summary := AdminAgentSummary{
			AgentID:          m.ExternalAgentID,
			MappingID:        m.ID,
			MappingCreatedAt: m.CreatedAt,
			OwnerID:          m.UserID,
			Metadata:         metadata[i],
			Degraded:         metadata[i] == nil,
		}
		summary.Name = displayName(metadata[i], m.Name)
		if owner, ok := owners[m.UserID]; ok {
			summary.OwnerEmail = owner.Email
			summary.OwnerName = owner.FullName
		}
		summaries[i] = summary
	}

	return &AdminAgentPage{
		Agents:     summaries,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: TotalPages(total, perPage),
	}, nil
}

func displayName(meta *ProviderAgent, localName string) string {
	if meta != nil && meta.Name != "" {
		return meta.Name
	}
	if localName != "" {
		return localName
	}
	return unnamedAgent
}

// lookupOwners resolves all distinct owners of the page in one query.
func (s *AdminService) lookupOwners(ctx context.Context, mappings []models.AgentMapping) map[string]models.User {
	ids := make([]string, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, m.UserID)
	}
	owners := make(map[string]models.User)
	users, err := s.store.ListUsersByIDs(ctx, uniqueIDs(ids))
	if err != nil {
		s.log.Warn("Owner lookup failed, leaving owner fields empty", "error", err)
		return owners
	}
	for _, u := range users {
		owners[u.ID] = u
	}
	return owners
}

// lookupMetadata fetches provider metadata with bounded concurrency. A nil
// entry means the lookup failed.
func (s *AdminService) lookupMetadata(ctx context.Context, mappings []models.AgentMapping) []*ProviderAgent {
	out := make([]*ProviderAgent, len(mappings))
	var g errgroup.Group
	g.SetLimit(s.maxConcurrency)
	for i, m := range mappings {
		g.Go(func() error {
			out[i] = s.agentMetadata(ctx, m.ExternalAgentID)
			return nil
		})
	}
	g.Wait()
	return out
}

func (s *AdminService) agentMetadata(ctx context.Context, externalID string) *ProviderAgent {
	if externalID == "" {
		return nil
	}
	key := "agent:" + externalID
	if s.cache != nil {
		var cached ProviderAgent
		hit, err := s.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			s.log.Warn("Agent cache read failed", "error", err, "external_agent_id", externalID)
		} else if hit {
			return &cached
		}
	}

	meta, err := s.agents.GetAgent(ctx, externalID)
	if err != nil {
		s.log.Warn("Agent metadata unavailable, using local record", "error", err, "external_agent_id", externalID)
		return nil
	}
	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, meta, s.cacheTTL); err != nil {
			s.log.Warn("Agent cache write failed", "error", err, "external_agent_id", externalID)
		}
	}
	return meta
}

// InvalidateAgent drops cached metadata after a local change.
func (s *AdminService) InvalidateAgent(ctx context.Context, externalID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, "agent:"+externalID); err != nil {
		s.log.Warn("Agent cache invalidation failed", "error", err, "external_agent_id", externalID)
	}
}
