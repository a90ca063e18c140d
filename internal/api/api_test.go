package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novaos/core/internal/ack"
	"github.com/novaos/core/internal/audit"
	"github.com/novaos/core/internal/config"
	"github.com/novaos/core/internal/crypto"
	"github.com/novaos/core/internal/evidence"
	"github.com/novaos/core/internal/kvs"
	"github.com/novaos/core/internal/livedata"
	"github.com/novaos/core/internal/llm"
	"github.com/novaos/core/internal/pipeline"
	"github.com/novaos/core/internal/ratelimit"
	"github.com/novaos/core/internal/sword"
)

type testEnv struct {
	server *Server
	kv     *kvs.MemoryStore
	cfg    *config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.JWTSecret = "unit-test-secret-0123456789abcdef"
	cfg.Auth.Required = false
	if mutate != nil {
		mutate(cfg)
	}

	kv := kvs.NewMemoryStore()
	protocol := ack.New([]byte(cfg.Auth.JWTSecret), nil, kv, 10*time.Minute)

	svc, err := crypto.NewService([]byte("0123456789abcdef0123456789abcdef"), 1)
	require.NoError(t, err)
	auditor := audit.NewLogger(kv, svc, time.Hour, time.Hour)

	chain := llm.NewChain().Add(llm.NewStubProvider(), nil)
	registry := livedata.NewRegistry()
	executor := livedata.NewExecutor(time.Second)

	gates := []pipeline.Gate{
		pipeline.NewIntentGate(chain),
		pipeline.NewShieldGate(chain, protocol),
		pipeline.NewLensGate(registry),
		pipeline.NewStanceGate(),
		pipeline.NewCapabilityGate(registry, executor, evidence.NewBuilder(), chain),
		pipeline.NewModelGate(chain, cfg.LLM.MaxTokens, cfg.LLM.Temperature),
		pipeline.NewConstitutionalGate(llm.NewClassifier(chain)),
		pipeline.NewMemoryGate(kv, time.Hour),
	}
	orch := pipeline.NewOrchestrator(gates, pipeline.DefaultTimeouts(), auditor, nil)

	swordStore := sword.NewStore(kv, cfg.Sword)
	limiter := ratelimit.New(kv, cfg.RateLimits.Multiplier)

	server := NewServer(cfg, orch, swordStore, auditor, limiter, nil, kv)
	return &testEnv{server: server, kv: kv, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:51234"
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestMessages_SuccessEnvelope(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/v1/messages", "u1", messageRequest{Message: "hello there"})
	require.Equal(t, http.StatusOK, rec.Code)

	var out pipeline.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "success", out.Status)
	assert.NotEmpty(t, out.Response)
	assert.NotEmpty(t, out.Metadata.RequestID)

	// The run is auditable by its owner.
	audit := env.do(t, "GET", "/v1/audit/"+out.Metadata.RequestID, "u1", nil)
	assert.Equal(t, http.StatusOK, audit.Code)
	assert.Contains(t, audit.Body.String(), out.Metadata.RequestID)

	// And hidden from everyone else.
	other := env.do(t, "GET", "/v1/audit/"+out.Metadata.RequestID, "u2", nil)
	assert.Equal(t, http.StatusForbidden, other.Code)
	assert.Contains(t, other.Body.String(), CodeForbidden)
}

func TestMessages_MalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader("{broken"))
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeInvalidRequest)
}

func TestAuth_RequiredRejectsAnonymous(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.Required = true })

	rec := env.do(t, "POST", "/v1/messages", "", messageRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeUnauthorized)
}

func TestAuth_BearerTokenAdmits(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.Required = true })

	token, err := env.server.auth.IssueToken("jwt-user")
	require.NoError(t, err)

	body, _ := json.Marshal(messageRequest{Message: "hi"})
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var out pipeline.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	audit := env.do(t, "GET", "/v1/audit/"+out.Metadata.RequestID, "jwt-user", nil)
	assert.Equal(t, http.StatusOK, audit.Code)
}

func TestAuth_BadTokenRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("GET", "/v1/goals", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("Authorization", "Bearer not.a.token")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit_API(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.RateLimits.API = config.RateLimitRule{MaxTokens: 2, RefillRate: 0, WindowMs: 60000}
	})

	for i := 0; i < 2; i++ {
		rec := env.do(t, "GET", "/v1/goals", "u1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(t, "GET", "/v1/goals", "u1", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeRateLimited)
	assert.Contains(t, rec.Body.String(), `"retryable":true`)
}

func TestSword_GoalLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/v1/goals", "u1", createGoalRequest{Title: "run a 10k"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var goal sword.Goal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &goal))
	assert.Equal(t, sword.StatusDraft, goal.Status)

	rec = env.do(t, "POST", "/v1/goals/"+goal.ID+"/events", "u1", eventRequest{Event: "activate"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &goal))
	assert.Equal(t, sword.StatusActive, goal.Status)

	rec = env.do(t, "POST", "/v1/goals/"+goal.ID+"/quests", "u1", createQuestRequest{Title: "weekly training"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var quest sword.Quest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quest))

	rec = env.do(t, "POST", "/v1/quests/"+quest.ID+"/events", "u1", eventRequest{Event: "activate"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "POST", "/v1/quests/"+quest.ID+"/steps", "u1",
		createStepRequest{Title: "5k pace run", Date: "2026-08-26"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var step sword.Step
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &step))

	rec = env.do(t, "POST", "/v1/steps/"+step.ID+"/events", "u1", eventRequest{Event: "complete"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "GET", "/v1/goals", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"progress":100`)
}

func TestSword_InvalidEventIsBadRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/v1/goals", "u1", createGoalRequest{Title: "g"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var goal sword.Goal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &goal))

	// COMPLETE is not permitted from draft.
	rec = env.do(t, "POST", "/v1/goals/"+goal.ID+"/events", "u1", eventRequest{Event: "complete"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeInvalidRequest)
}

func TestSword_CrossUserMutationForbidden(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/v1/goals", "u1", createGoalRequest{Title: "mine"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var goal sword.Goal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &goal))

	rec = env.do(t, "POST", "/v1/goals/"+goal.ID+"/events", "intruder", eventRequest{Event: "activate"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestNotifications_DrainOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.kv.RPush(ctx, "notifications:queue:u1",
		`{"type":"spark_reminder","level":1}`, `{"type":"spark_reminder","level":2}`))

	rec := env.do(t, "GET", "/v1/notifications", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Notifications []json.RawMessage `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Notifications, 2)

	rec = env.do(t, "GET", "/v1/notifications", "u1", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Notifications)
}

func TestHealth_NoAuthRequired(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.Required = true })

	rec := env.do(t, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status"`)
}

func TestStream_EmitsTypedEvents(t *testing.T) {
	env := newTestEnv(t, nil)

	srv := httptest.NewServer(env.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/messages/stream"
	header := http.Header{"X-User-ID": []string{"u1"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(messageRequest{Message: "hello over the socket"}))

	var types []string
	for {
		var ev streamEvent
		require.NoError(t, conn.ReadJSON(&ev))
		types = append(types, ev.Type)
		if ev.Type == eventDone || ev.Type == eventError {
			break
		}
	}

	require.GreaterOrEqual(t, len(types), 3)
	assert.Equal(t, eventMeta, types[0])
	assert.Equal(t, eventThinking, types[1])
	assert.Equal(t, eventDone, types[len(types)-1])
	assert.Contains(t, types, eventToken)
}

func TestChunkText(t *testing.T) {
	chunks := chunkText("one two three four five six seven eight", 12)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 12)
	}
	assert.Equal(t, "one two three four five six seven eight", strings.Join(chunks, " "))
	assert.Nil(t, chunkText("", 8))
}
