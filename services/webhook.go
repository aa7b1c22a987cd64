package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/metrics"
	"github.com/voicelearn/backend/models"
	"github.com/voicelearn/backend/tracing"
)

const (
	EventUsageUpdated       = "usage.updated"
	EventEvaluationRecorded = "evaluation.recorded"

	defaultWebhookKind = "post_call_transcription"
)

// WebhookStore is the persistence the post-call webhook needs.
type WebhookStore interface {
	FindAgentMappingsByExternalID(ctx context.Context, externalID string) ([]models.AgentMapping, error)
	GetOrganizationIDForUser(ctx context.Context, userID string) (string, error)
	CreateEvaluationResults(ctx context.Context, results []models.EvaluationCriteriaResult) error
	ClaimWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error)
	MarkWebhookQuotaApplied(ctx context.Context, kind, conversationID string) error
	ReleaseWebhookEvent(ctx context.Context, kind, conversationID string) error
	CompleteWebhookEvent(ctx context.Context, kind, conversationID string) error
}

// UsageIncrementer adds minutes to an organization's usage atomically.
type UsageIncrementer interface {
	IncrementOrganizationUsage(ctx context.Context, organizationID string, minutes int) error
}

// EventPublisher pushes live events to an organization's subscribers.
type EventPublisher interface {
	BroadcastToOrganization(organizationID, eventType string, data any)
}

// ErrBadSignature maps to 401.
var ErrBadSignature = fmt.Errorf("%w: invalid webhook signature", ErrUnauthorized)

type PostCallWebhook struct {
	Type           string        `json:"type"`
	EventTimestamp int64         `json:"event_timestamp"`
	Data           *PostCallData `json:"data"`
}

type PostCallData struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	Metadata       struct {
		// Raw so a non-numeric value is skipped rather than rejected.
		CallDurationSecs json.RawMessage `json:"call_duration_secs"`
	} `json:"metadata"`
	Analysis *struct {
		EvaluationCriteriaResults map[string]EvaluationCriterion `json:"evaluation_criteria_results"`
	} `json:"analysis"`
}

type EvaluationCriterion struct {
	CriteriaID string `json:"criteria_id"`
	Result     string `json:"result"`
	Rationale  string `json:"rationale"`
}

// callDurationSecs returns the duration when it is a JSON number.
func (d *PostCallData) callDurationSecs() (float64, bool) {
	raw := bytes.TrimSpace(d.Metadata.CallDurationSecs)
	if len(raw) == 0 || raw[0] == '"' {
		return 0, false
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (d *PostCallData) evaluationResults() map[string]EvaluationCriterion {
	if d.Analysis == nil {
		return nil
	}
	return d.Analysis.EvaluationCriteriaResults
}

type WebhookResult struct {
	MinutesAdded        int  `json:"minutes_added"`
	EvaluationsInserted int  `json:"evaluations_inserted"`
	Duplicate           bool `json:"duplicate,omitempty"`
}

type WebhookService struct {
	store   WebhookStore
	usage   UsageIncrementer
	events  EventPublisher
	metrics *metrics.Metrics
	cfg     WebhookConfig
	log     *logger.Logger
	now     func() time.Time
}

func NewWebhookService(store WebhookStore, usage UsageIncrementer, events EventPublisher, m *metrics.Metrics, cfg WebhookConfig, log *logger.Logger) *WebhookService {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 30 * time.Minute
	}
	return &WebhookService{
		store:   store,
		usage:   usage,
		events:  events,
		metrics: m,
		cfg:     cfg,
		log:     log.With("component", "webhook"),
		now:     time.Now,
	}
}

// MinutesForDuration rounds a call duration up to whole minutes. Non-positive durations yield 0.
func MinutesForDuration(secs float64) int {
	if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0
	}
	return int(math.Ceil(secs / 60))
}

// VerifySignature checks an "t=<unix>,v0=<hex>" header against the raw body.
// It is a no-op when no secret is configured.
func (s *WebhookService) VerifySignature(header string, body []byte) error {
	if s.cfg.Secret == "" {
		return nil
	}
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v0":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return fmt.Errorf("%w: malformed header", ErrBadSignature)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrBadSignature)
	}
	if age := s.now().Sub(time.Unix(unix, 0)); age > s.cfg.Tolerance || age < -s.cfg.Tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(expected, got) {
		return ErrBadSignature
	}
	return nil
}

// SignPayload builds a signature header for body, the inverse of VerifySignature.
func SignPayload(secret string, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return "t=" + ts + ",v0=" + hex.EncodeToString(mac.Sum(nil))
}

// ProcessPostCall applies one post-call event. Quota accounting is best effort;
// persisting evaluation results is the primary effect and its failure is returned.
func (s *WebhookService) ProcessPostCall(ctx context.Context, body []byte) (*WebhookResult, error) {
	ctx, span := tracing.Start(ctx, "webhook.post_call")
	defer span.End()

	var payload PostCallWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		s.outcome("invalid")
		return nil, invalidInput("malformed JSON payload")
	}
	if payload.Data == nil {
		s.outcome("invalid")
		return nil, invalidInput("payload has no data object")
	}
	data := payload.Data
	span.SetAttributes(
		attribute.String("conversation.id", data.ConversationID),
		attribute.String("agent.external_id", data.AgentID),
	)

	secs, hasDuration := data.callDurationSecs()
	quotaEligible := data.AgentID != "" && hasDuration && secs > 0
	criteria := data.evaluationResults()
	if !quotaEligible && len(criteria) == 0 {
		s.outcome("invalid")
		return nil, invalidInput("payload carries neither a call duration nor evaluation results")
	}

	kind := payload.Type
	if kind == "" {
		kind = defaultWebhookKind
	}
	claimed := false
	quotaApplied := false
	if s.cfg.Dedupe && data.ConversationID != "" {
		event := &models.WebhookEvent{
			Kind:           kind,
			ConversationID: data.ConversationID,
			Payload:        datatypes.JSON(body),
		}
		fresh, err := s.store.ClaimWebhookEvent(ctx, event)
		if err != nil {
			s.outcome("failed")
			return nil, fmt.Errorf("failed to record webhook event: %w", err)
		}
		if !fresh {
			s.log.Info("Duplicate webhook ignored", "kind", kind, "conversation_id", data.ConversationID)
			s.outcome("duplicate")
			return &WebhookResult{Duplicate: true}, nil
		}
		claimed = true
		quotaApplied = event.QuotaApplied
	}

	result := &WebhookResult{}
	organizationID := ""

	if quotaEligible && quotaApplied {
		s.log.Info("Quota already applied by an earlier delivery", "conversation_id", data.ConversationID)
	} else if quotaEligible {
		minutes := MinutesForDuration(secs)
		orgID, err := s.addUsage(ctx, data.AgentID, minutes)
		if err != nil {
			s.log.Error("Quota update failed", "error", err, "agent_id", data.AgentID, "conversation_id", data.ConversationID, "minutes", minutes)
		} else {
			organizationID = orgID
			result.MinutesAdded = minutes
			if claimed {
				if err := s.store.MarkWebhookQuotaApplied(ctx, kind, data.ConversationID); err != nil {
					s.log.Error("Failed to record applied quota", "error", err, "conversation_id", data.ConversationID)
				}
			}
			if s.metrics != nil {
				s.metrics.QuotaMinutes.Add(float64(minutes))
			}
			s.publish(orgID, EventUsageUpdated, map[string]any{
				"agent_id":        data.AgentID,
				"conversation_id": data.ConversationID,
				"minutes_added":   minutes,
			})
		}
	}

	if len(criteria) > 0 {
		rows := evaluationRows(data.AgentID, data.ConversationID, criteria)
		if err := s.store.CreateEvaluationResults(ctx, rows); err != nil {
			if claimed {
				if relErr := s.store.ReleaseWebhookEvent(ctx, kind, data.ConversationID); relErr != nil {
					s.log.Error("Failed to release webhook claim", "error", relErr, "conversation_id", data.ConversationID)
				}
			}
			s.outcome("failed")
			return nil, fmt.Errorf("failed to store evaluation results: %w", err)
		}
		result.EvaluationsInserted = len(rows)
		if s.metrics != nil {
			s.metrics.EvaluationRows.Add(float64(len(rows)))
		}

		if organizationID == "" && data.AgentID != "" {
			if orgID, err := s.resolveOrganization(ctx, data.AgentID); err == nil {
				organizationID = orgID
			}
		}
		s.publish(organizationID, EventEvaluationRecorded, map[string]any{
			"agent_id":        data.AgentID,
			"conversation_id": data.ConversationID,
			"criteria":        len(rows),
		})
	}

	if claimed {
		if err := s.store.CompleteWebhookEvent(ctx, kind, data.ConversationID); err != nil {
			s.log.Error("Failed to complete webhook event", "error", err, "conversation_id", data.ConversationID)
		}
	}
	s.outcome("processed")
	s.log.Info("Post-call webhook processed",
		"conversation_id", data.ConversationID,
		"minutes_added", result.MinutesAdded,
		"evaluations_inserted", result.EvaluationsInserted)
	return result, nil
}

// resolveOrganization maps a provider agent id to the owning organization.
func (s *WebhookService) resolveOrganization(ctx context.Context, externalAgentID string) (string, error) {
	mappings, err := s.store.FindAgentMappingsByExternalID(ctx, externalAgentID)
	if err != nil {
		return "", fmt.Errorf("failed to look up agent: %w", err)
	}
	switch len(mappings) {
	case 0:
		return "", fmt.Errorf("%w: no agent mapping for %s", ErrNotFound, externalAgentID)
	case 1:
	default:
		return "", fmt.Errorf("%w: agent %s maps to several rows", ErrConflict, externalAgentID)
	}
	orgID, err := s.store.GetOrganizationIDForUser(ctx, mappings[0].UserID)
	if err != nil {
		return "", fmt.Errorf("failed to look up organization: %w", err)
	}
	if orgID == "" {
		return "", fmt.Errorf("%w: agent owner %s has no organization", ErrNotFound, mappings[0].UserID)
	}
	return orgID, nil
}

func (s *WebhookService) addUsage(ctx context.Context, externalAgentID string, minutes int) (string, error) {
	orgID, err := s.resolveOrganization(ctx, externalAgentID)
	if err != nil {
		return "", err
	}
	if err := s.usage.IncrementOrganizationUsage(ctx, orgID, minutes); err != nil {
		return "", err
	}
	return orgID, nil
}

func (s *WebhookService) publish(organizationID, eventType string, data any) {
	if s.events == nil || organizationID == "" {
		return
	}
	s.events.BroadcastToOrganization(organizationID, eventType, data)
}

func (s *WebhookService) outcome(label string) {
	if s.metrics != nil {
		s.metrics.WebhookEvents.WithLabelValues(label).Inc()
	}
}

func evaluationRows(agentID, conversationID string, criteria map[string]EvaluationCriterion) []models.EvaluationCriteriaResult {
	rows := make([]models.EvaluationCriteriaResult, 0, len(criteria))
	for key, c := range criteria {
		id := c.CriteriaID
		if id == "" {
			id = key
		}
		rows = append(rows, models.EvaluationCriteriaResult{
			AgentID:        agentID,
			ConversationID: conversationID,
			CriteriaID:     id,
			Result:         c.Result,
			Rationale:      c.Rationale,
		})
	}
	return rows
}
