package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/models"
)

type fakeWebhookStore struct {
	mu        sync.Mutex
	mappings  map[string][]models.AgentMapping
	orgs      map[string]string
	events    map[string]*models.WebhookEvent
	rows      []models.EvaluationCriteriaResult
	insertErr error
	released  int
}

func newFakeWebhookStore() *fakeWebhookStore {
	return &fakeWebhookStore{
		mappings: map[string][]models.AgentMapping{
			"ext-1": {{ID: "m1", UserID: "owner-1", ExternalAgentID: "ext-1"}},
		},
		orgs:    map[string]string{"owner-1": "org-1"},
		events: map[string]*models.WebhookEvent{},
	}
}

func (f *fakeWebhookStore) FindAgentMappingsByExternalID(ctx context.Context, externalID string) ([]models.AgentMapping, error) {
	return f.mappings[externalID], nil
}

func (f *fakeWebhookStore) GetOrganizationIDForUser(ctx context.Context, userID string) (string, error) {
	return f.orgs[userID], nil
}

func (f *fakeWebhookStore) CreateEvaluationResults(ctx context.Context, results []models.EvaluationCriteriaResult) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, results...)
	return nil
}

func (f *fakeWebhookStore) ClaimWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := event.Kind + "/" + event.ConversationID
	stored, ok := f.events[key]
	if !ok {
		event.Status = models.WebhookProcessing
		copied := *event
		f.events[key] = &copied
		return true, nil
	}
	if stored.Status != models.WebhookPending {
		return false, nil
	}
	stored.Status = models.WebhookProcessing
	*event = *stored
	return true, nil
}

func (f *fakeWebhookStore) set(kind, conversationID string, fn func(e *models.WebhookEvent)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.events[kind+"/"+conversationID]; ok {
		fn(e)
	}
	return nil
}

func (f *fakeWebhookStore) MarkWebhookQuotaApplied(ctx context.Context, kind, conversationID string) error {
	return f.set(kind, conversationID, func(e *models.WebhookEvent) { e.QuotaApplied = true })
}

func (f *fakeWebhookStore) ReleaseWebhookEvent(ctx context.Context, kind, conversationID string) error {
	f.released++
	return f.set(kind, conversationID, func(e *models.WebhookEvent) { e.Status = models.WebhookPending })
}

func (f *fakeWebhookStore) CompleteWebhookEvent(ctx context.Context, kind, conversationID string) error {
	return f.set(kind, conversationID, func(e *models.WebhookEvent) { e.Status = models.WebhookDone })
}

type fakeUsage struct {
	mu      sync.Mutex
	minutes map[string]int
	calls   int
	err     error
}

func (f *fakeUsage) IncrementOrganizationUsage(ctx context.Context, organizationID string, minutes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.minutes == nil {
		f.minutes = map[string]int{}
	}
	f.minutes[organizationID] += minutes
	return nil
}

type recordedEvent struct {
	org, kind string
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakePublisher) BroadcastToOrganization(organizationID, eventType string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{organizationID, eventType})
}

func newTestWebhookService(cfg WebhookConfig) (*WebhookService, *fakeWebhookStore, *fakeUsage, *fakePublisher) {
	store := newFakeWebhookStore()
	usage := &fakeUsage{}
	events := &fakePublisher{}
	return NewWebhookService(store, usage, events, nil, cfg, logger.Nop()), store, usage, events
}

func postCallBody(t *testing.T, data map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type":            "post_call_transcription",
		"event_timestamp": 1739537297,
		"data":            data,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func criteria(ids ...string) map[string]any {
	results := map[string]any{}
	for _, id := range ids {
		results[id] = map[string]any{"criteria_id": id, "result": "success", "rationale": "met " + id}
	}
	return map[string]any{"evaluation_criteria_results": results}
}

func TestMinutesForDuration(t *testing.T) {
	tests := []struct {
		secs float64
		want int
	}{
		{-5, 0},
		{0, 0},
		{0.4, 1},
		{1, 1},
		{59, 1},
		{60, 1},
		{61, 2},
		{120, 2},
		{121, 3},
	}
	for _, tt := range tests {
		if got := MinutesForDuration(tt.secs); got != tt.want {
			t.Errorf("MinutesForDuration(%v) = %d, want %d", tt.secs, got, tt.want)
		}
	}
}

func TestProcessPostCallRejectsBadPayloads(t *testing.T) {
	svc, _, usage, _ := newTestWebhookService(WebhookConfig{Dedupe: true})
	ctx := context.Background()

	cases := map[string][]byte{
		"malformed json": []byte(`{"data":`),
		"missing data":   []byte(`{"type":"post_call_transcription"}`),
		"null data":      []byte(`{"data":null}`),
		"nothing usable": postCallBody(t, map[string]any{"conversation_id": "c1"}),
		"zero duration":  postCallBody(t, map[string]any{"agent_id": "ext-1", "metadata": map[string]any{"call_duration_secs": 0}}),
		"string duration": postCallBody(t, map[string]any{
			"agent_id": "ext-1", "metadata": map[string]any{"call_duration_secs": "61"},
		}),
	}
	for name, body := range cases {
		if _, err := svc.ProcessPostCall(ctx, body); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: err = %v, want ErrInvalidInput", name, err)
		}
	}
	if usage.calls != 0 {
		t.Errorf("usage incremented %d times for rejected payloads", usage.calls)
	}
}

func TestProcessPostCallDurationOnly(t *testing.T) {
	svc, store, usage, events := newTestWebhookService(WebhookConfig{Dedupe: true})

	body := postCallBody(t, map[string]any{
		"agent_id":        "ext-1",
		"conversation_id": "c-duration",
		"metadata":        map[string]any{"call_duration_secs": 61},
	})
	result, err := svc.ProcessPostCall(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	if result.MinutesAdded != 2 || result.EvaluationsInserted != 0 {
		t.Errorf("result = %+v, want 2 minutes and no rows", result)
	}
	if usage.minutes["org-1"] != 2 {
		t.Errorf("org usage = %d, want 2", usage.minutes["org-1"])
	}
	if len(store.rows) != 0 {
		t.Errorf("inserted %d rows, want 0", len(store.rows))
	}
	if len(events.events) != 1 || events.events[0] != (recordedEvent{"org-1", EventUsageUpdated}) {
		t.Errorf("events = %+v", events.events)
	}
}

func TestProcessPostCallDurationAndEvaluations(t *testing.T) {
	svc, store, usage, events := newTestWebhookService(WebhookConfig{Dedupe: true})

	body := postCallBody(t, map[string]any{
		"agent_id":        "ext-1",
		"conversation_id": "c-both",
		"metadata":        map[string]any{"call_duration_secs": 60},
		"analysis":        criteria("greeting", "grammar", "closing"),
	})
	result, err := svc.ProcessPostCall(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	if result.MinutesAdded != 1 || result.EvaluationsInserted != 3 {
		t.Errorf("result = %+v, want 1 minute and 3 rows", result)
	}
	if usage.minutes["org-1"] != 1 {
		t.Errorf("org usage = %d, want 1", usage.minutes["org-1"])
	}
	for _, row := range store.rows {
		if row.AgentID != "ext-1" || row.ConversationID != "c-both" || row.Result != "success" {
			t.Errorf("row = %+v", row)
		}
	}
	if len(events.events) != 2 || events.events[1].kind != EventEvaluationRecorded {
		t.Errorf("events = %+v", events.events)
	}
}

func TestProcessPostCallEvaluationsWithoutAgent(t *testing.T) {
	svc, store, usage, _ := newTestWebhookService(WebhookConfig{Dedupe: true})

	body := postCallBody(t, map[string]any{
		"conversation_id": "c-eval",
		"analysis": map[string]any{"evaluation_criteria_results": map[string]any{
			"keyed_only": map[string]any{"result": "failure"},
		}},
	})
	result, err := svc.ProcessPostCall(context.Background(), body)
	if err != nil {
		t.Fatal(err)
	}
	if result.EvaluationsInserted != 1 || result.MinutesAdded != 0 || usage.calls != 0 {
		t.Errorf("result = %+v, usage calls = %d", result, usage.calls)
	}
	if store.rows[0].CriteriaID != "keyed_only" {
		t.Errorf("criteria id = %q, want map key fallback", store.rows[0].CriteriaID)
	}
}

func TestProcessPostCallQuotaFailureIsNotFatal(t *testing.T) {
	svc, _, usage, _ := newTestWebhookService(WebhookConfig{Dedupe: true})

	unknownAgent := postCallBody(t, map[string]any{
		"agent_id":        "ext-unknown",
		"conversation_id": "c-unknown",
		"metadata":        map[string]any{"call_duration_secs": 30},
	})
	result, err := svc.ProcessPostCall(context.Background(), unknownAgent)
	if err != nil {
		t.Fatalf("unmapped agent should not fail the delivery: %v", err)
	}
	if result.MinutesAdded != 0 || usage.calls != 0 {
		t.Errorf("result = %+v, usage calls = %d", result, usage.calls)
	}

	usage.err = errors.New("procedure failed")
	mapped := postCallBody(t, map[string]any{
		"agent_id":        "ext-1",
		"conversation_id": "c-proc",
		"metadata":        map[string]any{"call_duration_secs": 30},
		"analysis":        criteria("greeting"),
	})
	result, err = svc.ProcessPostCall(context.Background(), mapped)
	if err != nil {
		t.Fatalf("usage failure should not fail the delivery: %v", err)
	}
	if result.MinutesAdded != 0 || result.EvaluationsInserted != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestProcessPostCallAmbiguousMapping(t *testing.T) {
	svc, store, usage, _ := newTestWebhookService(WebhookConfig{Dedupe: true})
	store.mappings["ext-dup"] = []models.AgentMapping{
		{ID: "a", UserID: "owner-1", ExternalAgentID: "ext-dup"},
		{ID: "b", UserID: "owner-1", ExternalAgentID: "ext-dup"},
	}

	body := postCallBody(t, map[string]any{
		"agent_id":        "ext-dup",
		"conversation_id": "c-dup",
		"metadata":        map[string]any{"call_duration_secs": 30},
	})
	if _, err := svc.ProcessPostCall(context.Background(), body); err != nil {
		t.Fatal(err)
	}
	if usage.calls != 0 {
		t.Errorf("ambiguous mapping should skip the usage update")
	}
}

func TestProcessPostCallDedupe(t *testing.T) {
	body := func(t *testing.T) []byte {
		return postCallBody(t, map[string]any{
			"agent_id":        "ext-1",
			"conversation_id": "c-redelivered",
			"metadata":        map[string]any{"call_duration_secs": 90},
			"analysis":        criteria("greeting"),
		})
	}

	t.Run("enabled", func(t *testing.T) {
		svc, store, usage, _ := newTestWebhookService(WebhookConfig{Dedupe: true})
		if _, err := svc.ProcessPostCall(context.Background(), body(t)); err != nil {
			t.Fatal(err)
		}
		second, err := svc.ProcessPostCall(context.Background(), body(t))
		if err != nil {
			t.Fatal(err)
		}
		if !second.Duplicate {
			t.Errorf("redelivery not flagged as duplicate: %+v", second)
		}
		if usage.minutes["org-1"] != 2 || len(store.rows) != 1 {
			t.Errorf("usage = %d, rows = %d; want 2 and 1", usage.minutes["org-1"], len(store.rows))
		}
	})

	t.Run("disabled", func(t *testing.T) {
		svc, store, usage, _ := newTestWebhookService(WebhookConfig{Dedupe: false})
		for i := 0; i < 2; i++ {
			if _, err := svc.ProcessPostCall(context.Background(), body(t)); err != nil {
				t.Fatal(err)
			}
		}
		if usage.minutes["org-1"] != 4 || len(store.rows) != 2 {
			t.Errorf("usage = %d, rows = %d; want double counting 4 and 2", usage.minutes["org-1"], len(store.rows))
		}
	})
}

func TestProcessPostCallInsertFailureReleasesClaim(t *testing.T) {
	svc, store, usage, _ := newTestWebhookService(WebhookConfig{Dedupe: true})
	store.insertErr = errors.New("insert failed")

	body := postCallBody(t, map[string]any{
		"agent_id":        "ext-1",
		"conversation_id": "c-retry",
		"metadata":        map[string]any{"call_duration_secs": 90},
		"analysis":        criteria("greeting"),
	})
	_, err := svc.ProcessPostCall(context.Background(), body)
	if err == nil || errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want an internal error", err)
	}
	if statusForError(err) != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", statusForError(err))
	}
	if store.released != 1 {
		t.Fatalf("claim released %d times, want 1", store.released)
	}

	store.insertErr = nil
	result, err := svc.ProcessPostCall(context.Background(), body)
	if err != nil || result.Duplicate || result.EvaluationsInserted != 1 {
		t.Errorf("retry = %+v, %v; want processed", result, err)
	}
	if result != nil && result.MinutesAdded != 0 {
		t.Errorf("retry minutes_added = %d, want 0", result.MinutesAdded)
	}
	// 90s bills 2 minutes across both deliveries.
	if usage.minutes["org-1"] != 2 || usage.calls != 1 {
		t.Errorf("usage = %d over %d calls, want 2 over 1", usage.minutes["org-1"], usage.calls)
	}

	again, err := svc.ProcessPostCall(context.Background(), body)
	if err != nil || !again.Duplicate {
		t.Errorf("third delivery = %+v, %v; want duplicate", again, err)
	}
}

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1739537297, 0)
	svc, _, _, _ := newTestWebhookService(WebhookConfig{Secret: "whsec", Tolerance: 30 * time.Minute})
	svc.now = func() time.Time { return now }
	body := []byte(`{"type":"post_call_transcription"}`)

	if err := svc.VerifySignature(SignPayload("whsec", body, now), body); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	bad := map[string]string{
		"empty header":  "",
		"wrong secret":  SignPayload("other", body, now),
		"stale":         SignPayload("whsec", body, now.Add(-time.Hour)),
		"future":        SignPayload("whsec", body, now.Add(time.Hour)),
		"not hex":       "t=1739537297,v0=zz",
		"bad timestamp": "t=abc,v0=00",
	}
	for name, header := range bad {
		if err := svc.VerifySignature(header, body); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: err = %v, want ErrUnauthorized", name, err)
		}
	}

	if err := svc.VerifySignature(SignPayload("whsec", body, now), []byte(`{"tampered":true}`)); err == nil {
		t.Error("tampered body accepted")
	}

	open, _, _, _ := newTestWebhookService(WebhookConfig{})
	if err := open.VerifySignature("", body); err != nil {
		t.Errorf("no secret configured should skip verification: %v", err)
	}
}

func TestPostCallHandler(t *testing.T) {
	svc, _, _, _ := newTestWebhookService(WebhookConfig{Secret: "whsec", Dedupe: true})
	endpoints := NewWebhookEndpoints(svc, logger.Nop())

	send := func(body []byte, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/elevenlabs/post-call", bytes.NewReader(body))
		if header != "" {
			req.Header.Set(signatureHeader, header)
		}
		rec := httptest.NewRecorder()
		endpoints.PostCallHandler(rec, req)
		return rec
	}

	valid := postCallBody(t, map[string]any{
		"agent_id":        "ext-1",
		"conversation_id": "c-http",
		"metadata":        map[string]any{"call_duration_secs": 61},
	})

	if rec := send(valid, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("unsigned: status = %d, want 401", rec.Code)
	}

	missingData := []byte(`{"type":"post_call_transcription"}`)
	if rec := send(missingData, SignPayload("whsec", missingData, time.Now())); rec.Code != http.StatusBadRequest {
		t.Errorf("missing data: status = %d, want 400", rec.Code)
	}

	rec := send(valid, SignPayload("whsec", valid, time.Now()))
	if rec.Code != http.StatusOK {
		t.Fatalf("valid: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result WebhookResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.MinutesAdded != 2 {
		t.Errorf("minutes_added = %d, want 2", result.MinutesAdded)
	}
}
