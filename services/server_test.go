package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/metrics"
	"github.com/voicelearn/backend/models"
	"github.com/voicelearn/backend/repository"
	ws "github.com/voicelearn/backend/websocket"
)

const testPassword = "correct-horse"

func newTestRepo(t *testing.T) *repository.GORMRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	repo := repository.NewGORMRepository(db, logger.Nop())
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

type testEnv struct {
	repo *repository.GORMRepository
	srv  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

// newTestEnvWith lets a test adjust the config before the server is built.
func newTestEnvWith(t *testing.T, configure func(*Config)) *testEnv {
	t.Helper()
	repo := newTestRepo(t)

	seed := &SeedFile{
		SuperAdmins: []SeedUser{{Email: "root@example.com", Password: testPassword, FullName: "Root"}},
		Organizations: []SeedOrganization{
			{
				Name:        "Alpha",
				MinuteLimit: 100,
				Users: []SeedUser{
					{Email: "admin@alpha.test", Password: testPassword, FullName: "Alpha Admin", Role: models.RoleAdmin},
					{Email: "student@alpha.test", Password: testPassword, FullName: "Alpha Student"},
				},
			},
			{
				Name: "Beta",
				Users: []SeedUser{
					{Email: "admin@beta.test", Password: testPassword, FullName: "Beta Admin", Role: models.RoleAdmin},
				},
			},
		},
	}
	if err := NewDatabaseSeeder(repo, logger.Nop()).SeedDatabase(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cfg := &Config{
		Server:     ServerConfig{Environment: "test"},
		JWT:        JWTConfig{Secret: "test-secret"},
		Admin:      AdminConfig{MaxConcurrency: 4},
		RateLimit:  RateLimitConfig{RPS: 1000, Burst: 1000, WebhookRPS: 1000, WebhookBurst: 1000},
		AudioCache: AudioCacheConfig{Dir: t.TempDir()},
		ElevenLabs: ElevenLabsConfig{Timeout: time.Second},
		Webhooks:   WebhookConfig{Dedupe: true},
	}
	if configure != nil {
		configure(cfg)
	}
	server := NewServer(cfg, Dependencies{
		Repo:    repo,
		Metrics: metrics.New(),
		Hub:     ws.NewHub(logger.Nop()),
	}, logger.Nop())

	srv := httptest.NewServer(server.SetupRoutes())
	t.Cleanup(srv.Close)
	return &testEnv{repo: repo, srv: srv}
}

// client returns an http.Client whose cookie jar holds a session for email.
// An empty email gives an anonymous client.
func (e *testEnv) client(t *testing.T, email string) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	c := &http.Client{Jar: jar}
	if email == "" {
		return c
	}
	body, _ := json.Marshal(LoginRequest{Email: email, Password: testPassword})
	resp, err := c.Post(e.srv.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d", email, resp.StatusCode)
	}
	return c
}

func (e *testEnv) do(t *testing.T, c *http.Client, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) user(t *testing.T, email string) *models.User {
	t.Helper()
	u, err := e.repo.GetUserByEmail(context.Background(), email)
	if err != nil || u == nil {
		t.Fatalf("user %s: %v", email, err)
	}
	return u
}

func (e *testEnv) agent(t *testing.T, ownerEmail, externalID string) *models.AgentMapping {
	t.Helper()
	a := &models.AgentMapping{
		UserID:          e.user(t, ownerEmail).ID,
		ExternalAgentID: externalID,
		Name:            "Agent " + externalID,
	}
	if err := e.repo.CreateAgentMapping(context.Background(), a); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func TestServerHealth(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]any
	if status := env.do(t, env.client(t, ""), http.MethodGet, "/health", nil, &body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["database"] != "up" {
		t.Errorf("health = %v", body)
	}
}

func TestServerRoleGates(t *testing.T) {
	env := newTestEnv(t)
	anon := env.client(t, "")
	student := env.client(t, "student@alpha.test")
	admin := env.client(t, "admin@alpha.test")
	root := env.client(t, "root@example.com")

	tests := []struct {
		name   string
		client *http.Client
		path   string
		want   int
	}{
		{"anonymous agents", anon, "/api/v1/agents", http.StatusUnauthorized},
		{"anonymous admin", anon, "/api/v1/admin/agents", http.StatusUnauthorized},
		{"student agents", student, "/api/v1/agents", http.StatusForbidden},
		{"student own assignments", student, "/api/v1/me/assignments", http.StatusOK},
		{"student admin", student, "/api/v1/admin/agents", http.StatusForbidden},
		{"admin agents", admin, "/api/v1/agents", http.StatusOK},
		{"admin users", admin, "/api/v1/organization/users", http.StatusOK},
		{"admin admin", admin, "/api/v1/admin/agents", http.StatusForbidden},
		{"super admin admin", root, "/api/v1/admin/agents", http.StatusOK},
		{"me", student, "/api/v1/auth/me", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := env.do(t, tt.client, http.MethodGet, tt.path, nil, nil); got != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, got, tt.want)
			}
		})
	}
}

func TestServerAdminAgentPagination(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 15; i++ {
		env.agent(t, "admin@alpha.test", fmt.Sprintf("ext-%02d", i))
	}

	// No provider credential is stored, so every row degrades to local data.
	var page AdminAgentPage
	status := env.do(t, env.client(t, "root@example.com"), http.MethodGet, "/api/v1/admin/agents?page=2&per_page=10", nil, &page)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(page.Agents) != 5 || page.Total != 15 || page.TotalPages != 2 {
		t.Fatalf("page = %+v", page)
	}
	for _, a := range page.Agents {
		if !a.Degraded || a.OwnerEmail != "admin@alpha.test" {
			t.Errorf("row = %+v", a)
		}
	}

	if status := env.do(t, env.client(t, "root@example.com"), http.MethodGet, "/api/v1/admin/agents?page=0", nil, nil); status != http.StatusBadRequest {
		t.Errorf("page=0 status = %d, want 400", status)
	}
}

func TestServerStatsAreOrganizationScoped(t *testing.T) {
	env := newTestEnv(t)
	own := env.agent(t, "admin@alpha.test", "ext-alpha")
	foreign := env.agent(t, "admin@beta.test", "ext-beta")
	admin := env.client(t, "admin@alpha.test")

	if status := env.do(t, admin, http.MethodGet, "/api/v1/stats/agents?ids="+own.ID, nil, nil); status != http.StatusOK {
		t.Errorf("own stats = %d, want 200", status)
	}
	if status := env.do(t, admin, http.MethodGet, "/api/v1/stats/agents?ids="+own.ID+","+foreign.ID, nil, nil); status != http.StatusForbidden {
		t.Errorf("cross-organization stats = %d, want 403", status)
	}
	if status := env.do(t, admin, http.MethodGet, "/api/v1/stats/agents", nil, nil); status != http.StatusBadRequest {
		t.Errorf("missing ids = %d, want 400", status)
	}
}

func TestServerAssignmentAndProgressFlow(t *testing.T) {
	env := newTestEnv(t)
	agent := env.agent(t, "admin@alpha.test", "ext-flow")
	student := env.user(t, "student@alpha.test")
	admin := env.client(t, "admin@alpha.test")
	studentClient := env.client(t, "student@alpha.test")

	progressPath := "/api/v1/me/progress/" + agent.ID
	if status := env.do(t, studentClient, http.MethodPut, progressPath, ProgressRequest{Score: score(80)}, nil); status != http.StatusForbidden {
		t.Errorf("progress before assignment = %d, want 403", status)
	}

	req := AssignRequest{UserID: student.ID, AgentID: agent.ID}
	if status := env.do(t, admin, http.MethodPost, "/api/v1/assignments", req, nil); status != http.StatusCreated {
		t.Fatalf("assign = %d, want 201", status)
	}
	if status := env.do(t, admin, http.MethodPost, "/api/v1/assignments", req, nil); status != http.StatusOK {
		t.Errorf("repeat assign = %d, want 200", status)
	}

	// A Beta admin cannot assign an Alpha agent.
	if status := env.do(t, env.client(t, "admin@beta.test"), http.MethodPost, "/api/v1/assignments", req, nil); status != http.StatusForbidden {
		t.Errorf("cross-organization assign = %d, want 403", status)
	}

	if status := env.do(t, studentClient, http.MethodPut, progressPath, ProgressRequest{Score: score(101)}, nil); status != http.StatusBadRequest {
		t.Errorf("out of range score = %d, want 400", status)
	}
	if status := env.do(t, studentClient, http.MethodPut, progressPath, ProgressRequest{Score: score(80), IsComplete: true}, nil); status != http.StatusOK {
		t.Fatalf("progress = %d, want 200", status)
	}

	var stats struct {
		AverageScores []AgentAverageScore `json:"average_scores"`
	}
	if status := env.do(t, admin, http.MethodGet, "/api/v1/stats/agents?ids="+agent.ID, nil, &stats); status != http.StatusOK {
		t.Fatalf("stats = %d", status)
	}
	if len(stats.AverageScores) != 1 || !approx(stats.AverageScores[0].AverageScore, 80) {
		t.Errorf("average scores = %+v", stats.AverageScores)
	}
}

func TestServerPostCallWebhookUpdatesUsage(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "admin@alpha.test", "ext-call")
	anon := env.client(t, "")

	body := postCallBody(t, map[string]any{
		"agent_id":        "ext-call",
		"conversation_id": "conv-1",
		"metadata":        map[string]any{"call_duration_secs": 125},
		"analysis":        criteria("greeting", "grammar"),
	})
	for i, wantDuplicate := range []bool{false, true} {
		resp, err := anon.Post(env.srv.URL+"/api/v1/webhooks/elevenlabs/post-call", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		var result WebhookResult
		json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || result.Duplicate != wantDuplicate {
			t.Fatalf("delivery %d: status %d, result %+v", i, resp.StatusCode, result)
		}
	}

	var usage struct {
		MinutesUsed int `json:"minutes_used"`
		MinuteLimit int `json:"minute_limit"`
	}
	if status := env.do(t, env.client(t, "admin@alpha.test"), http.MethodGet, "/api/v1/organization/usage", nil, &usage); status != http.StatusOK {
		t.Fatalf("usage = %d", status)
	}
	if usage.MinutesUsed != 3 || usage.MinuteLimit != 100 {
		t.Errorf("usage = %+v, want 3 of 100 (redelivery not counted)", usage)
	}

	rows, err := env.repo.ListEvaluationResults(context.Background(), "conv-1")
	if err != nil || len(rows) != 2 {
		t.Errorf("evaluation rows = %d, %v", len(rows), err)
	}
}

func TestServerWebhookLimiterIsSeparate(t *testing.T) {
	env := newTestEnvWith(t, func(cfg *Config) {
		cfg.RateLimit.RPS = 0.001
		cfg.RateLimit.Burst = 1
	})
	anon := env.client(t, "")

	for i := 0; i < 5; i++ {
		resp, err := anon.Post(env.srv.URL+"/api/v1/webhooks/elevenlabs/post-call", "application/json", bytes.NewReader([]byte("{")))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			t.Fatalf("webhook %d throttled by the auth limit", i)
		}
	}

	login := LoginRequest{Email: "admin@alpha.test", Password: "wrong"}
	env.do(t, anon, http.MethodPost, "/api/v1/auth/login", login, nil)
	if status := env.do(t, anon, http.MethodPost, "/api/v1/auth/login", login, nil); status != http.StatusTooManyRequests {
		t.Errorf("second login = %d, want 429", status)
	}
}

func TestServerConversationEvaluations(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/convai/conversations/conv-eval" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"conversation_id":"conv-eval","agent_id":"ext-eval","status":"done"}`)
	}))
	t.Cleanup(provider.Close)

	env := newTestEnvWith(t, func(cfg *Config) { cfg.ElevenLabs.BaseURL = provider.URL })
	if err := env.repo.SetProviderCredential(context.Background(), providerElevenLabs, "sk-test"); err != nil {
		t.Fatal(err)
	}
	agent := env.agent(t, "admin@alpha.test", "ext-eval")

	body := postCallBody(t, map[string]any{
		"agent_id":        "ext-eval",
		"conversation_id": "conv-eval",
		"metadata":        map[string]any{"call_duration_secs": 30},
		"analysis":        criteria("greeting", "grammar"),
	})
	resp, err := env.client(t, "").Post(env.srv.URL+"/api/v1/webhooks/elevenlabs/post-call", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook = %d", resp.StatusCode)
	}

	const path = "/api/v1/voice/conversations/conv-eval/evaluations"
	var out struct {
		Evaluations []models.EvaluationCriteriaResult `json:"evaluations"`
		Count       int                               `json:"count"`
	}
	if status := env.do(t, env.client(t, "admin@alpha.test"), http.MethodGet, path, nil, &out); status != http.StatusOK {
		t.Fatalf("admin = %d", status)
	}
	if out.Count != 2 || len(out.Evaluations) != 2 || out.Evaluations[0].CriteriaID != "greeting" {
		t.Errorf("evaluations = %+v", out)
	}

	// Students only see conversations of agents assigned to them.
	student := env.client(t, "student@alpha.test")
	if status := env.do(t, student, http.MethodGet, path, nil, nil); status != http.StatusForbidden {
		t.Errorf("unassigned student = %d, want 403", status)
	}
	if status := env.do(t, env.client(t, "admin@beta.test"), http.MethodGet, path, nil, nil); status != http.StatusForbidden && status != http.StatusNotFound {
		t.Errorf("foreign admin = %d, want 403 or 404", status)
	}
	assign := AssignRequest{UserID: env.user(t, "student@alpha.test").ID, AgentID: agent.ID}
	if status := env.do(t, env.client(t, "admin@alpha.test"), http.MethodPost, "/api/v1/assignments", assign, nil); status != http.StatusCreated {
		t.Fatalf("assign = %d", status)
	}
	if status := env.do(t, student, http.MethodGet, path, nil, nil); status != http.StatusOK {
		t.Errorf("assigned student = %d", status)
	}
}

func TestServerCategoriesAreOrganizationScoped(t *testing.T) {
	env := newTestEnv(t)
	alpha := env.client(t, "admin@alpha.test")
	beta := env.client(t, "admin@beta.test")

	var created struct {
		Category models.Category `json:"category"`
	}
	if status := env.do(t, alpha, http.MethodPost, "/api/v1/categories", CategoryRequest{Name: "Grammar"}, &created); status != http.StatusCreated {
		t.Fatalf("create = %d", status)
	}
	if status := env.do(t, alpha, http.MethodPost, "/api/v1/categories", CategoryRequest{}, nil); status != http.StatusBadRequest {
		t.Errorf("nameless create = %d, want 400", status)
	}

	path := "/api/v1/categories/" + created.Category.ID
	if status := env.do(t, beta, http.MethodPut, path, CategoryRequest{Name: "Stolen"}, nil); status != http.StatusForbidden && status != http.StatusNotFound {
		t.Errorf("foreign update = %d, want 403 or 404", status)
	}
	if status := env.do(t, alpha, http.MethodPut, path, CategoryRequest{Name: "Syntax"}, nil); status != http.StatusOK {
		t.Errorf("update = %d", status)
	}

	var listed struct {
		Categories []models.Category `json:"categories"`
	}
	env.do(t, beta, http.MethodGet, "/api/v1/categories", nil, &listed)
	if len(listed.Categories) != 0 {
		t.Errorf("beta sees %d alpha categories", len(listed.Categories))
	}

	if status := env.do(t, alpha, http.MethodDelete, path, nil, nil); status != http.StatusOK {
		t.Errorf("delete = %d", status)
	}
}

func TestServerOrganizationUsers(t *testing.T) {
	env := newTestEnv(t)
	admin := env.client(t, "admin@alpha.test")

	req := CreateUserRequest{Email: "new@alpha.test", Password: testPassword, FullName: "New Student"}
	if status := env.do(t, admin, http.MethodPost, "/api/v1/organization/users", req, nil); status != http.StatusCreated {
		t.Fatalf("create = %d", status)
	}
	// The new account can sign in straight away.
	env.client(t, "new@alpha.test")

	var listed struct {
		Users []models.OrganizationUser `json:"users"`
	}
	if status := env.do(t, admin, http.MethodGet, "/api/v1/organization/users", nil, &listed); status != http.StatusOK {
		t.Fatalf("list = %d", status)
	}
	if len(listed.Users) != 3 {
		t.Errorf("users = %+v, want 3", listed.Users)
	}

	self := env.user(t, "admin@alpha.test")
	if status := env.do(t, admin, http.MethodDelete, "/api/v1/organization/users/"+self.ID, nil, nil); status != http.StatusBadRequest {
		t.Errorf("self delete = %d, want 400", status)
	}
	foreign := env.user(t, "admin@beta.test")
	if status := env.do(t, admin, http.MethodDelete, "/api/v1/organization/users/"+foreign.ID, nil, nil); status != http.StatusForbidden {
		t.Errorf("foreign delete = %d, want 403", status)
	}
	created := env.user(t, "new@alpha.test")
	owned := env.agent(t, "new@alpha.test", "ext-owned")
	if status := env.do(t, admin, http.MethodDelete, "/api/v1/organization/users/"+created.ID, nil, nil); status != http.StatusConflict {
		t.Errorf("delete agent owner = %d, want 409", status)
	}
	// Handing the agent to another admin unblocks the delete.
	owned.UserID = env.user(t, "admin@alpha.test").ID
	if err := env.repo.UpdateAgentMapping(context.Background(), owned); err != nil {
		t.Fatal(err)
	}
	if status := env.do(t, admin, http.MethodDelete, "/api/v1/organization/users/"+created.ID, nil, nil); status != http.StatusOK {
		t.Errorf("delete = %d", status)
	}
}

func TestServerProviderCredential(t *testing.T) {
	env := newTestEnv(t)
	root := env.client(t, "root@example.com")

	var state map[string]any
	env.do(t, root, http.MethodGet, "/api/v1/admin/credentials", nil, &state)
	if state["configured"] != false {
		t.Errorf("initial state = %v", state)
	}

	if status := env.do(t, root, http.MethodPut, "/api/v1/admin/credentials", CredentialRequest{APIKey: "  "}, nil); status != http.StatusBadRequest {
		t.Errorf("blank key = %d, want 400", status)
	}
	if status := env.do(t, root, http.MethodPut, "/api/v1/admin/credentials", CredentialRequest{APIKey: "sk-live"}, nil); status != http.StatusOK {
		t.Fatalf("set = %d", status)
	}

	state = nil
	env.do(t, root, http.MethodGet, "/api/v1/admin/credentials", nil, &state)
	if state["configured"] != true {
		t.Errorf("state = %v", state)
	}
	for _, v := range state {
		if v == "sk-live" {
			t.Error("api key echoed back")
		}
	}
}
