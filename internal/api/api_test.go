package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypoint/backend/internal/config"
	"github.com/waypoint/backend/internal/economy"
	"github.com/waypoint/backend/internal/middleware"
	"github.com/waypoint/backend/internal/presence"
	"github.com/waypoint/backend/internal/scheduler"
	"github.com/waypoint/backend/internal/teleport"
)

var (
	_ Actors        = (*presence.Directory)(nil)
	_ Actors        = (*presence.RedisDirectory)(nil)
	_ TaskCallbacks = (*scheduler.CloudTasks)(nil)
)

var (
	spawn  = teleport.Location{World: "world", X: 0, Y: 64, Z: 0}
	market = teleport.Location{World: "world", X: 120, Y: 70, Z: -40}
)

type testEnv struct {
	dir       *presence.Directory
	ledger    *economy.MemoryLedger
	scheduler *teleport.ManualScheduler
	notices   *teleport.RecordingNotifier
	svc       *teleport.Service
	router    http.Handler
}

type fakeCallbacks struct{ fired []string }

func (f *fakeCallbacks) Fire(ctx context.Context, id string) bool {
	f.fired = append(f.fired, id)
	return id == "known"
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()

	dir := presence.NewDirectory(presence.DefaultSafetyRules())
	require.NoError(t, dir.SetOnline(ctx, "alice", "Alice", true))
	require.NoError(t, dir.SetLocation(ctx, "alice", spawn))
	require.NoError(t, dir.SetOnline(ctx, "bob", "Bob", true))
	require.NoError(t, dir.SetLocation(ctx, "bob", market))

	ledger := economy.NewMemoryLedger()
	ledger.Open("alice", 100)
	ledger.Open("bob", 0)

	env := &testEnv{
		dir:       dir,
		ledger:    ledger,
		scheduler: teleport.NewManualScheduler(),
		notices:   &teleport.RecordingNotifier{},
	}
	reg := prometheus.NewRegistry()
	engine := teleport.NewEngine(teleport.Deps{
		Scheduler:   env.scheduler,
		Economy:     ledger,
		Presence:    dir,
		World:       dir,
		Toggles:     dir,
		Permissions: presence.NewOverrides(nil),
		Safety:      dir,
		Notifier:    env.notices,
	}, teleport.WithMetrics(teleport.NewMetrics(reg)))
	table := teleport.NewTable(engine)
	t.Cleanup(table.Stop)
	env.svc = teleport.NewService(engine, table)

	settings, err := config.NewManager(config.Default(), "")
	require.NoError(t, err)
	settings.SetWorld("world", config.WorldOverride{Cost: 10})

	opts = append([]Option{WithGatherer(reg)}, opts...)
	env.router = NewServer(env.svc, dir, settings, opts...).Router()
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (env *testEnv) position(t *testing.T, id teleport.ActorID) teleport.Location {
	t.Helper()
	a, ok := env.dir.Lookup(context.Background(), id)
	require.True(t, ok)
	return a.Location
}

func (env *testEnv) balance(t *testing.T, id teleport.ActorID) float64 {
	t.Helper()
	b, err := env.ledger.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])
}

func TestSubmit_MovesSubjectImmediately(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "POST", "/api/v1/teleports", SubmitRequest{Subject: "Alice", Target: "bob"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["accepted"])
	assert.Equal(t, market, env.position(t, "alice"))
}

func TestSubmit_MissingSubjectIsBadRequest(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "POST", "/api/v1/teleports", SubmitRequest{Target: "bob"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/teleports", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_CostIsNeverMinted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := 0
	require.NoError(t, env.dir.SetOnline(ctx, "bob", "Bob", false))

	cases := []SubmitRequest{
		{Subject: "alice", Target: "nobody", ChargedParty: "alice", Cost: 1000, WarmupSeconds: &now},
		{Subject: "alice", Target: "nobody", ChargedParty: "alice", Cost: 10, WarmupSeconds: &now},
		{Subject: "alice", Target: "bob", ChargedParty: "alice", Cost: 10, WarmupSeconds: &now},
	}
	for _, body := range cases {
		rec := env.do(t, "POST", "/api/v1/teleports", body, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, decode(t, rec)["accepted"])
		assert.Equal(t, 100.0, env.balance(t, "alice"))
	}
	assert.Equal(t, spawn, env.position(t, "alice"))
	assert.Zero(t, env.svc.Engine().Escrow().Open())
}

func TestSubmit_CompletedTeleportKeepsCharge(t *testing.T) {
	env := newTestEnv(t)
	now := 0
	rec := env.do(t, "POST", "/api/v1/teleports",
		SubmitRequest{Subject: "alice", Target: "bob", ChargedParty: "alice", Cost: 25, WarmupSeconds: &now}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["accepted"])
	assert.Equal(t, 75.0, env.balance(t, "alice"))
	assert.Equal(t, market, env.position(t, "alice"))
}

func TestAsk_AcceptMovesAndCharges(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "POST", "/api/v1/requests", AskRequest{To: "Bob"}, map[string]string{middleware.ActorHeader: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode(t, rec)["queued"])
	assert.Equal(t, 90.0, env.balance(t, "alice"), "world cost is escrowed")

	rec = env.do(t, "GET", "/api/v1/requests/bob", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view PendingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "alice", view.Requester)
	assert.Equal(t, "alice", view.Subject)
	assert.Equal(t, "bob", view.Target)
	assert.Equal(t, 10.0, view.Cost)
	assert.Equal(t, 20*time.Second, view.ExpiresAt.Sub(view.CreatedAt))

	rec = env.do(t, "POST", "/api/v1/requests/bob/accept", nil, nil)
	assert.Equal(t, true, decode(t, rec)["accepted"])
	assert.Equal(t, market, env.position(t, "alice"))
	assert.Equal(t, 90.0, env.balance(t, "alice"))

	rec = env.do(t, "GET", "/api/v1/requests/bob", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAsk_DenyRefunds(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/api/v1/requests", AskRequest{From: "alice", To: "bob"}, nil)
	require.Equal(t, 90.0, env.balance(t, "alice"))

	rec := env.do(t, "POST", "/api/v1/requests/bob/deny", nil, nil)
	assert.Equal(t, true, decode(t, rec)["denied"])
	assert.Equal(t, 100.0, env.balance(t, "alice"))
	assert.Equal(t, spawn, env.position(t, "alice"))

	rec = env.do(t, "POST", "/api/v1/requests/bob/deny", nil, nil)
	assert.Equal(t, false, decode(t, rec)["denied"])
}

func TestAsk_OnlyAddresseeMayAnswer(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/api/v1/requests", AskRequest{From: "alice", To: "bob"}, nil)

	asAlice := map[string]string{middleware.ActorHeader: "alice"}
	rec := env.do(t, "POST", "/api/v1/requests/bob/accept", nil, asAlice)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(t, "POST", "/api/v1/requests/bob/deny", nil, asAlice)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, spawn, env.position(t, "alice"))

	rec = env.do(t, "GET", "/api/v1/requests/bob", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, "a rejected answer leaves the request pending")

	rec = env.do(t, "POST", "/api/v1/requests/Bob/accept", nil, map[string]string{middleware.ActorHeader: "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["accepted"])
	assert.Equal(t, market, env.position(t, "alice"))
}

func TestAsk_Validation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/requests", AskRequest{To: "bob"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", "/api/v1/requests", AskRequest{From: "alice", To: "nobody"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAsk_RateLimited(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	t.Cleanup(rl.Stop)
	env := newTestEnv(t, WithRateLimiter(rl))
	header := map[string]string{middleware.ActorHeader: "alice"}

	rec := env.do(t, "POST", "/api/v1/requests", AskRequest{To: "bob"}, header)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, "POST", "/api/v1/requests", AskRequest{To: "bob"}, header)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestToggle_BlocksAsks(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "PUT", "/api/v1/actors/bob/toggle", map[string]bool{"accepting": false}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "POST", "/api/v1/requests", AskRequest{From: "alice", To: "bob"}, nil)
	assert.Equal(t, false, decode(t, rec)["queued"])
	assert.Equal(t, 100.0, env.balance(t, "alice"))
	assert.Contains(t, env.notices.Keys("alice"), "teleport.fail.targettoggle")
}

func TestLocation_MovementInterruptsWarmup(t *testing.T) {
	env := newTestEnv(t)
	warmup := 5
	env.do(t, "POST", "/api/v1/requests", AskRequest{From: "alice", To: "bob", WarmupSeconds: &warmup}, nil)
	env.do(t, "POST", "/api/v1/requests/bob/accept", nil, nil)

	// Turning on the spot keeps the warmup.
	turned := spawn
	turned.Yaw = 180
	rec := env.do(t, "PUT", "/api/v1/actors/alice/location", turned, nil)
	assert.Equal(t, false, decode(t, rec)["interrupted"])

	stepped := spawn
	stepped.X = 3
	rec = env.do(t, "PUT", "/api/v1/actors/alice/location", stepped, nil)
	assert.Equal(t, true, decode(t, rec)["interrupted"])

	env.scheduler.Advance(context.Background(), 5*time.Second)
	assert.Equal(t, stepped, env.position(t, "alice"))
	assert.Equal(t, 100.0, env.balance(t, "alice"))
}

func TestPresence_QuitInterruptsWarmup(t *testing.T) {
	env := newTestEnv(t)
	warmup := 5
	env.do(t, "POST", "/api/v1/requests", AskRequest{From: "alice", To: "bob", WarmupSeconds: &warmup}, nil)
	env.do(t, "POST", "/api/v1/requests/bob/accept", nil, nil)

	rec := env.do(t, "PUT", "/api/v1/actors/alice/presence", map[string]interface{}{"online": false}, nil)
	assert.Equal(t, true, decode(t, rec)["interrupted"])

	rec = env.do(t, "GET", "/api/v1/actors/alice", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["online"])
}

func TestActor_Unknown(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/v1/actors/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEscrowEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/api/v1/requests", AskRequest{From: "alice", To: "bob"}, nil)

	rec := env.do(t, "GET", "/api/v1/escrow/audit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.NotEmpty(t, body["root"])
	assert.Len(t, body["entries"], 1)

	rec = env.do(t, "GET", "/api/v1/escrow/dead-letters", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, decode(t, rec)["count"])
}

func TestTaskCallback(t *testing.T) {
	cb := &fakeCallbacks{}
	env := newTestEnv(t, WithTaskCallbacks(cb))

	rec := env.do(t, "POST", "/internal/tasks/known", nil, nil)
	assert.Equal(t, true, decode(t, rec)["fired"])

	rec = env.do(t, "POST", "/internal/tasks/stale", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["fired"])
	assert.Equal(t, []string{"known", "stale"}, cb.fired)
}

func TestTaskCallback_NotMountedWithoutCloudTasks(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "POST", "/internal/tasks/known", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/api/v1/teleports", SubmitRequest{Subject: "alice", Target: "bob"}, nil)

	rec := env.do(t, "GET", "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `teleport_submissions_total{result="accepted"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "OPTIONS", "/api/v1/requests", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
