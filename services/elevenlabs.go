package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/metrics"
	"github.com/voicelearn/backend/models"
	"github.com/voicelearn/backend/tracing"
)

const providerElevenLabs = "elevenlabs"

// CredentialSource returns the stored API key for a provider, or nil when none is set.
type CredentialSource interface {
	GetProviderCredential(ctx context.Context, provider string) (*models.ProviderCredential, error)
}

// ElevenLabsService talks to the ElevenLabs conversational AI API. The API key
// is read from the credential store on every call so rotating it needs no restart.
type ElevenLabsService struct {
	baseURL     string
	client      *http.Client
	credentials CredentialSource
	metrics     *metrics.Metrics
	log         *logger.Logger
}

// AgentSettings is the subset of agent configuration this backend manages.
type AgentSettings struct {
	Name          string
	Language      string
	VoiceID       string
	Instructions  string
	FirstMessage  string
	KnowledgeBase []KnowledgeDocument
}

type KnowledgeDocument struct {
	Type string `json:"type"`
	Name string `json:"name"`
	ID   string `json:"id"`
}

// ProviderAgent is live agent metadata as reported by the provider.
type ProviderAgent struct {
	AgentID       string              `json:"agent_id"`
	Name          string              `json:"name"`
	Language      string              `json:"language,omitempty"`
	VoiceID       string              `json:"voice_id,omitempty"`
	Instructions  string              `json:"instructions,omitempty"`
	FirstMessage  string              `json:"first_message,omitempty"`
	KnowledgeBase []KnowledgeDocument `json:"knowledge_base,omitempty"`
	CreatedAtUnix int64               `json:"created_at_unix_secs,omitempty"`
}

type Voice struct {
	VoiceID    string            `json:"voice_id"`
	Name       string            `json:"name"`
	Category   string            `json:"category,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	PreviewURL string            `json:"preview_url,omitempty"`
}

// ConversationDetail keeps the provider payload intact and exposes the fields the backend inspects.
type ConversationDetail struct {
	ConversationID string
	AgentID        string
	Status         string
	Raw            json.RawMessage
}

// Done reports whether the conversation has finished processing; only then is its audio final.
func (c *ConversationDetail) Done() bool {
	return c.Status == "done"
}

func NewElevenLabsService(cfg ElevenLabsConfig, credentials CredentialSource, m *metrics.Metrics, log *logger.Logger) *ElevenLabsService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.elevenlabs.io"
	}
	return &ElevenLabsService{
		baseURL:     baseURL,
		client:      &http.Client{Timeout: timeout},
		credentials: credentials,
		metrics:     m,
		log:         log.With("component", "elevenlabs"),
	}
}

type agentPayload struct {
	Name               string `json:"name,omitempty"`
	ConversationConfig struct {
		Agent struct {
			FirstMessage string `json:"first_message,omitempty"`
			Language     string `json:"language,omitempty"`
			Prompt       struct {
				Prompt        string              `json:"prompt,omitempty"`
				KnowledgeBase []KnowledgeDocument `json:"knowledge_base,omitempty"`
			} `json:"prompt"`
		} `json:"agent"`
		TTS struct {
			VoiceID string `json:"voice_id,omitempty"`
		} `json:"tts"`
	} `json:"conversation_config"`
	Metadata struct {
		CreatedAtUnixSecs int64 `json:"created_at_unix_secs,omitempty"`
	} `json:"metadata,omitempty"`
}

func newAgentPayload(s AgentSettings) agentPayload {
	var p agentPayload
	p.Name = s.Name
	p.ConversationConfig.Agent.FirstMessage = s.FirstMessage
	p.ConversationConfig.Agent.Language = s.Language
	p.ConversationConfig.Agent.Prompt.Prompt = s.Instructions
	p.ConversationConfig.Agent.Prompt.KnowledgeBase = s.KnowledgeBase
	p.ConversationConfig.TTS.VoiceID = s.VoiceID
	return p
}

// CreateAgent creates the agent at the provider and returns its external id.
func (e *ElevenLabsService) CreateAgent(ctx context.Context, settings AgentSettings) (string, error) {
	var out struct {
		AgentID string `json:"agent_id"`
	}
	if err := e.doJSON(ctx, "create_agent", http.MethodPost, "/v1/convai/agents/create", nil, newAgentPayload(settings), &out); err != nil {
		return "", err
	}
	if out.AgentID == "" {
		return "", &UpstreamError{Operation: "create_agent", Err: errors.New("response carried no agent_id")}
	}
	e.log.Info("Provider agent created", "external_agent_id", out.AgentID, "name", settings.Name)
	return out.AgentID, nil
}

func (e *ElevenLabsService) GetAgent(ctx context.Context, externalID string) (*ProviderAgent, error) {
	var p struct {
		AgentID string `json:"agent_id"`
		agentPayload
	}
	if err := e.doJSON(ctx, "get_agent", http.MethodGet, "/v1/convai/agents/"+url.PathEscape(externalID), nil, nil, &p); err != nil {
		return nil, err
	}
	cc := p.ConversationConfig
	return &ProviderAgent{
		AgentID:       p.AgentID,
		Name:          p.Name,
		Language:      cc.Agent.Language,
		VoiceID:       cc.TTS.VoiceID,
		Instructions:  cc.Agent.Prompt.Prompt,
		FirstMessage:  cc.Agent.FirstMessage,
		KnowledgeBase: cc.Agent.Prompt.KnowledgeBase,
		CreatedAtUnix: p.Metadata.CreatedAtUnixSecs,
	}, nil
}

func (e *ElevenLabsService) UpdateAgent(ctx context.Context, externalID string, settings AgentSettings) error {
	return e.doJSON(ctx, "update_agent", http.MethodPatch, "/v1/convai/agents/"+url.PathEscape(externalID), nil, newAgentPayload(settings), nil)
}

// AddKnowledgeText uploads a text document to the knowledge base and returns its reference.
func (e *ElevenLabsService) AddKnowledgeText(ctx context.Context, name, text string) (*KnowledgeDocument, error) {
	var out struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	body := map[string]string{"name": name, "text": text}
	if err := e.doJSON(ctx, "add_knowledge", http.MethodPost, "/v1/convai/knowledge-base/text", nil, body, &out); err != nil {
		return nil, err
	}
	if out.Name == "" {
		out.Name = name
	}
	return &KnowledgeDocument{Type: "text", Name: out.Name, ID: out.ID}, nil
}

// ListConversations passes the provider's page through untouched.
func (e *ElevenLabsService) ListConversations(ctx context.Context, agentID, cursor string, pageSize int) (json.RawMessage, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	var raw json.RawMessage
	if err := e.doJSON(ctx, "list_conversations", http.MethodGet, "/v1/convai/conversations", q, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (e *ElevenLabsService) GetConversation(ctx context.Context, conversationID string) (*ConversationDetail, error) {
	var raw json.RawMessage
	if err := e.doJSON(ctx, "get_conversation", http.MethodGet, "/v1/convai/conversations/"+url.PathEscape(conversationID), nil, nil, &raw); err != nil {
		return nil, err
	}
	var head struct {
		ConversationID string `json:"conversation_id"`
		AgentID        string `json:"agent_id"`
		Status         string `json:"status"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, &UpstreamError{Operation: "get_conversation", Err: err}
	}
	return &ConversationDetail{
		ConversationID: head.ConversationID,
		AgentID:        head.AgentID,
		Status:         head.Status,
		Raw:            raw,
	}, nil
}

// GetConversationAudio returns the recording. The caller closes the reader.
func (e *ElevenLabsService) GetConversationAudio(ctx context.Context, conversationID string) (io.ReadCloser, error) {
	resp, err := e.do(ctx, "get_conversation_audio", http.MethodGet, "/v1/convai/conversations/"+url.PathEscape(conversationID)+"/audio", nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (e *ElevenLabsService) ListVoices(ctx context.Context) ([]Voice, error) {
	var out struct {
		Voices []Voice `json:"voices"`
	}
	if err := e.doJSON(ctx, "list_voices", http.MethodGet, "/v1/voices", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Voices == nil {
		out.Voices = []Voice{}
	}
	return out.Voices, nil
}

func (e *ElevenLabsService) ListTools(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := e.doJSON(ctx, "list_tools", http.MethodGet, "/v1/convai/tools", nil, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (e *ElevenLabsService) DeleteTool(ctx context.Context, toolID string) error {
	return e.doJSON(ctx, "delete_tool", http.MethodDelete, "/v1/convai/tools/"+url.PathEscape(toolID), nil, nil, nil)
}

func (e *ElevenLabsService) apiKey(ctx context.Context) (string, error) {
	cred, err := e.credentials.GetProviderCredential(ctx, providerElevenLabs)
	if err != nil {
		return "", fmt.Errorf("failed to load provider credential: %w", err)
	}
	if cred == nil || strings.TrimSpace(cred.APIKey) == "" {
		return "", ErrCredentialMissing
	}
	return cred.APIKey, nil
}

func (e *ElevenLabsService) doJSON(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	resp, err := e.do(ctx, op, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Operation: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// do performs one request. Non-2xx responses become *UpstreamError; on success
// the caller owns resp.Body.
func (e *ElevenLabsService) do(ctx context.Context, op, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	ctx, span := tracing.Start(ctx, "elevenlabs."+op, attribute.String("http.method", method))
	defer span.End()

	outcome := "error"
	defer func() {
		if e.metrics != nil {
			e.metrics.ProviderCalls.WithLabelValues(op, outcome).Inc()
		}
	}()

	key, err := e.apiKey(ctx)
	if err != nil {
		outcome = "no_credential"
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	target := e.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("xi-api-key", key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		e.log.Error("Provider request failed", "operation", op, "error", err)
		return nil, &UpstreamError{Operation: op, Err: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		span.SetStatus(codes.Error, resp.Status)
		e.log.Warn("Provider returned error", "operation", op, "status", resp.StatusCode)
		return nil, &UpstreamError{Operation: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	outcome = "ok"
	return resp, nil
}
