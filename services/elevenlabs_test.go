package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/metrics"
	"github.com/voicelearn/backend/models"
)

type staticCredentials struct {
	key string
	err error
}

func (s staticCredentials) GetProviderCredential(ctx context.Context, provider string) (*models.ProviderCredential, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.key == "" {
		return nil, nil
	}
	return &models.ProviderCredential{Provider: provider, APIKey: s.key}, nil
}

func newTestElevenLabs(t *testing.T, handler http.HandlerFunc, creds CredentialSource) (*ElevenLabsService, *metrics.Metrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	m := metrics.New()
	return NewElevenLabsService(ElevenLabsConfig{BaseURL: srv.URL}, creds, m, logger.Nop()), m
}

func TestElevenLabsMissingCredential(t *testing.T) {
	called := false
	svc, m := newTestElevenLabs(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	}, staticCredentials{})

	_, err := svc.GetAgent(context.Background(), "agent_1")
	if !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("err = %v, want ErrCredentialMissing", err)
	}
	if called {
		t.Error("request sent without a credential")
	}
	if statusForError(err) != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", statusForError(err))
	}
	if got := testutil.ToFloat64(m.ProviderCalls.WithLabelValues("get_agent", "no_credential")); got != 1 {
		t.Errorf("no_credential metric = %v, want 1", got)
	}
}

func TestElevenLabsGetAgent(t *testing.T) {
	svc, m := newTestElevenLabs(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v1/convai/agents/agent_1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"agent_id": "agent_1",
			"name": "French Tutor",
			"conversation_config": {
				"agent": {"first_message": "Bonjour", "language": "fr", "prompt": {"prompt": "Teach French"}},
				"tts": {"voice_id": "voice_9"}
			},
			"metadata": {"created_at_unix_secs": 1700000000}
		}`)
	}, staticCredentials{key: "secret"})

	agent, err := svc.GetAgent(context.Background(), "agent_1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Name != "French Tutor" || agent.Language != "fr" || agent.VoiceID != "voice_9" ||
		agent.Instructions != "Teach French" || agent.FirstMessage != "Bonjour" || agent.CreatedAtUnix != 1700000000 {
		t.Errorf("agent = %+v", agent)
	}
	if got := testutil.ToFloat64(m.ProviderCalls.WithLabelValues("get_agent", "ok")); got != 1 {
		t.Errorf("ok metric = %v, want 1", got)
	}
}

func TestElevenLabsUpstreamError(t *testing.T) {
	svc, _ := newTestElevenLabs(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"detail":"boom"}`)
	}, staticCredentials{key: "secret"})

	_, err := svc.ListVoices(context.Background())
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if upstream.StatusCode != http.StatusInternalServerError || upstream.Operation != "list_voices" {
		t.Errorf("upstream = %+v", upstream)
	}
	if statusForError(err) != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", statusForError(err))
	}

	rec := httptest.NewRecorder()
	writeServiceError(rec, logger.Nop(), "Failed to list voices", err)
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if rec.Code != http.StatusBadGateway || body["error"] != upstreamFailureMessage {
		t.Errorf("response = %d %v, want 502 with a fixed message", rec.Code, body)
	}
}

func TestElevenLabsCreateAgent(t *testing.T) {
	var got agentPayload
	svc, _ := newTestElevenLabs(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/convai/agents/create" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"agent_id":"agent_new"}`)
	}, staticCredentials{key: "secret"})

	id, err := svc.CreateAgent(context.Background(), AgentSettings{
		Name:         "Spanish Tutor",
		Language:     "es",
		VoiceID:      "voice_1",
		Instructions: "Teach Spanish",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "agent_new" {
		t.Errorf("id = %q", id)
	}
	if got.Name != "Spanish Tutor" || got.ConversationConfig.Agent.Language != "es" ||
		got.ConversationConfig.TTS.VoiceID != "voice_1" || got.ConversationConfig.Agent.Prompt.Prompt != "Teach Spanish" {
		t.Errorf("payload = %+v", got)
	}
}

func TestElevenLabsCreateAgentWithoutID(t *testing.T) {
	svc, _ := newTestElevenLabs(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}, staticCredentials{key: "secret"})

	_, err := svc.CreateAgent(context.Background(), AgentSettings{Name: "x"})
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Errorf("err = %v, want *UpstreamError", err)
	}
}

func TestElevenLabsGetConversation(t *testing.T) {
	svc, _ := newTestElevenLabs(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"conversation_id":"conv_1","agent_id":"agent_1","status":"done","transcript":[]}`)
	}, staticCredentials{key: "secret"})

	detail, err := svc.GetConversation(context.Background(), "conv_1")
	if err != nil {
		t.Fatal(err)
	}
	if detail.AgentID != "agent_1" || !detail.Done() {
		t.Errorf("detail = %+v", detail)
	}
	var raw map[string]any
	if err := json.Unmarshal(detail.Raw, &raw); err != nil || raw["transcript"] == nil {
		t.Errorf("raw payload not preserved: %s", detail.Raw)
	}
}

func TestElevenLabsListConversationsQuery(t *testing.T) {
	var query string
	svc, _ := newTestElevenLabs(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		io.WriteString(w, `{"conversations":[],"has_more":false}`)
	}, staticCredentials{key: "secret"})

	page, err := svc.ListConversations(context.Background(), "agent_1", "next", 25)
	if err != nil {
		t.Fatal(err)
	}
	if query != "agent_id=agent_1&cursor=next&page_size=25" {
		t.Errorf("query = %q", query)
	}
	if string(page) != `{"conversations":[],"has_more":false}` {
		t.Errorf("page = %s", page)
	}
}
