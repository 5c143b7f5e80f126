package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/intel-pipeline/internal/aggregator"
	"github.com/xela07ax/intel-pipeline/internal/broadcast"
	"github.com/xela07ax/intel-pipeline/internal/console/handler"
	"github.com/xela07ax/intel-pipeline/internal/console/service"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/engine"
	"github.com/xela07ax/intel-pipeline/internal/infra/auth"
	"github.com/xela07ax/intel-pipeline/internal/ratelimit"
	"github.com/xela07ax/intel-pipeline/internal/registry"
	"github.com/xela07ax/intel-pipeline/internal/repository/memory"
	"github.com/xela07ax/intel-pipeline/internal/statestore"
	"go.uber.org/zap/zaptest"
)

type env struct {
	srv     *httptest.Server
	key     *rsa.PrivateKey
	execs   *memory.ExecutionRepo
	release chan struct{}
}

// newEnv поднимает админку целиком: Redis (miniredis), пул, лимитер, SSE.
func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := registry.Default()
	states := statestore.New(rdb)
	_, err := states.Bootstrap(context.Background(), reg.IDs())
	require.NoError(t, err)

	execs := memory.NewExecutionRepo()
	audits := memory.NewAuditRepo()

	// Юнит держит запуск, пока тест не отпустит
	release := make(chan struct{})
	blocking := engine.UnitFunc(func(ctx context.Context, job engine.Job) (domain.JobResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return domain.JobResult{ItemsProcessed: 1}, nil
	})

	pool := engine.NewPool(
		engine.PoolConfig{
			Concurrency: map[domain.AgentCategory]int{domain.CategoryCollector: 2, domain.CategoryAnalyzer: 1},
			JobTimeout:  10 * time.Second,
		},
		reg,
		engine.NewRedisAdmitter(rdb, 11*time.Second, time.Hour),
		execs,
		map[domain.AgentCategory]engine.Unit{domain.CategoryCollector: blocking, domain.CategoryAnalyzer: blocking},
		nil,
		logger,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	t.Cleanup(func() { close(release) })

	limiter := ratelimit.New(rdb, map[string]ratelimit.Tier{
		ratelimit.TierAdmin:   {Limit: 3, Window: time.Minute},
		ratelimit.TierTrigger: {Limit: 10, Window: time.Minute},
		ratelimit.TierAgent:   {Limit: 100, Window: time.Minute},
	}, nil)

	agg := aggregator.New(aggregator.Config{Debounce: time.Second}, reg, execs, states, nil, logger)
	hub := broadcast.NewHub(broadcast.Config{Interval: time.Hour, RetryHint: 2 * time.Second}, agg, nil, logger)

	svc := service.NewAgentService(reg, states, pool, limiter, execs, audits, logger)
	svc.OnMutation(func(string) {
		agg.Invalidate()
		hub.Kick()
	})

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cs := NewConsoleServer(logger, auth.NewBaseValidator(&key.PublicKey), handler.NewAgentHandler(svc, logger), hub, nil, []string{"https://admin.example.com"})
	srv := httptest.NewServer(cs)
	t.Cleanup(srv.Close)

	return &env{srv: srv, key: key, execs: execs, release: release}
}

func (e *env) token(t *testing.T, userID string, admin bool) string {
	t.Helper()
	claims := domain.CustomClaims{
		UserID: userID,
		Scopes: map[string]bool{"admin": admin},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(e.key)
	require.NoError(t, err)
	return s
}

func (e *env) do(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthIsPublic(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", "").StatusCode)
}

func TestAuth(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/agents", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/agents", "garbage").StatusCode)

	resp := e.do(t, http.MethodPost, "/agents/analyzer/pause", e.token(t, "eve", false))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body struct {
		Error string `json:"error"`
	}
	decode(t, resp, &body)
	assert.Equal(t, domain.ErrNotAdmin.Error(), body.Error)
}

func TestPauseThenTriggerIsSkipped(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, "alice", true)

	resp := e.do(t, http.MethodPost, "/agents/news_collector/pause", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res service.ActionResult
	decode(t, resp, &res)
	assert.Equal(t, "paused", res.Status)

	resp = e.do(t, http.MethodGet, "/agents", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var views []domain.AgentView
	decode(t, resp, &views)
	for _, v := range views {
		if v.ID == "news_collector" {
			assert.Equal(t, domain.StatusPaused, v.State.Status)
			assert.Equal(t, "alice", v.State.UpdatedBy)
		}
	}

	resp = e.do(t, http.MethodPost, "/agents/news_collector/trigger", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &res)
	assert.Equal(t, "skipped", res.Status)

	resp = e.do(t, http.MethodGet, "/agents/news_collector/logs?limit=5", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []domain.ExecutionRecord
	decode(t, resp, &recs)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.ExecSkipped, recs[0].Status)
	assert.Zero(t, recs[0].ItemsProcessed)

	resp = e.do(t, http.MethodGet, "/agents/news_collector/audit", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []domain.AdminActionAudit
	decode(t, resp, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.ActionTrigger, entries[0].Action)
	assert.Equal(t, domain.ActionPause, entries[1].Action)
}

func TestTriggerWhileRunningIsConflict(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, "alice", true)

	resp := e.do(t, http.MethodPost, "/agents/analyzer/trigger", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res service.ActionResult
	decode(t, resp, &res)
	require.NotEmpty(t, res.JobID)

	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/agents/analyzer/trigger", tok).StatusCode)
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, "alice", true)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/agents/ghost/pause", tok).StatusCode)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/agents/ghost/logs", tok).StatusCode)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/agents/analyzer/logs?limit=abc", tok).StatusCode)
}

func TestRateLimitReturnsRetryAfter(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, "mallory", true)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/agents/analyzer/resume", tok).StatusCode)
	}
	resp := e.do(t, http.MethodPost, "/agents/analyzer/resume", tok)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, secs, 1)
	assert.LessOrEqual(t, secs, 60)

	// Другой админ не затронут
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/agents/analyzer/resume", e.token(t, "alice", true)).StatusCode)
}

func TestEventsStreamWithQueryToken(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/events?access_token="+e.token(t, "alice", true), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "retry: 2000", strings.TrimSpace(line))

	_, _ = r.ReadString('\n') // пустая строка
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: snapshot", strings.TrimSpace(line))
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t)
	req, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/agents/analyzer/pause", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://admin.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}
