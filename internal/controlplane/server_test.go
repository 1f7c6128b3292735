package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/tollgate/internal/admission"
	"github.com/fentz26/tollgate/internal/audit"
	"github.com/fentz26/tollgate/internal/connectors"
	"github.com/fentz26/tollgate/internal/events"
	"github.com/fentz26/tollgate/internal/ledger"
	"github.com/fentz26/tollgate/internal/models"
	"github.com/fentz26/tollgate/internal/plans"
	"github.com/fentz26/tollgate/internal/router"
	"github.com/fentz26/tollgate/internal/store"
	"github.com/fentz26/tollgate/internal/tasks"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type testEnv struct {
	st      *store.Store
	service *Service
	server  *Server
	gate    chan struct{}
}

func ok(name string, usage map[models.ResourceKey]float64) connectors.Func {
	return connectors.Func{ID: name, Fn: func(context.Context, connectors.Request) (*connectors.Result, error) {
		return &connectors.Result{
			Status:     connectors.StatusSuccess,
			Messages:   []models.Message{{Parts: []models.Part{models.TextPart(name + " says hi")}}},
			CostTokens: 10,
			Usage:      usage,
		}, nil
	}}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := &testEnv{st: st, gate: make(chan struct{})}

	hub := events.NewHub(discard)
	taskStore := tasks.New(tasks.WithEmitter(hub), tasks.WithLogger(discard))
	led := ledger.New(st.Ledgers(), plans.DefaultCatalog(), ledger.WithLogger(discard))

	reg := router.NewRegistry()
	require.NoError(t, reg.Register("responder", ok("responder", map[models.ResourceKey]float64{models.ResourceAPICalls: 1})))
	require.NoError(t, reg.Register("builder", ok("builder", map[models.ResourceKey]float64{models.ResourceComputeMinutes: 2})))
	require.NoError(t, reg.Register("verifier", ok("verifier", nil)))
	require.NoError(t, reg.Register("researcher", connectors.Func{ID: "slow-researcher", Fn: func(ctx context.Context, _ connectors.Request) (*connectors.Result, error) {
		select {
		case <-env.gate:
		case <-ctx.Done():
		}
		return &connectors.Result{Status: connectors.StatusSuccess}, nil
	}}))

	adm := admission.New(led, discard)
	rt := router.New(nil, reg, taskStore,
		router.WithScorer(st), router.WithSettler(adm), router.WithLogger(discard))

	env.service = NewService(Deps{
		Ledger:    led,
		Admission: adm,
		Tasks:     taskStore,
		Hub:       hub,
		Router:    rt,
		PDR:       audit.NewPDRWriter(st),
		Scores:    st,
		Audit:     st,
		Logger:    discard,
	})
	env.server = NewServer(env.service, st, "127.0.0.1:0", discard)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	health := decodeBody[HealthResponse](t, w)
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.NotEmpty(t, health.Version)
	assert.NotEmpty(t, health.Time)
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t)
	env.st.Close()

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	health := decodeBody[HealthResponse](t, w)
	assert.False(t, health.OK)
	assert.NotEqual(t, "ok", health.DB)
}

func TestSubmitDeniedOnFreePlan(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/tasks", SubmitRequest{TenantID: "acme", Intent: "build", Query: "build a site"})
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	resp := decodeBody[errorResponse](t, w)
	assert.Equal(t, []models.ResourceKey{models.ResourceComputeMinutes}, resp.BlockingKeys)
	assert.Contains(t, resp.Summary, models.ResourceComputeMinutes)
	assert.Empty(t, env.service.ListRecent(0), "denied admission creates no task")

	entries, err := env.st.ListPDR("acme", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.OutcomeDenied, entries[0].Outcome)
}

func TestSubmitAfterUpgradeCompletesAndSettles(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/tenants/acme/plan", planRequest{PlanID: "pro"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/tasks", SubmitRequest{TenantID: "acme", Query: "build me a website"})
	require.Equal(t, http.StatusCreated, w.Code)
	submitted := decodeBody[models.Task](t, w)
	assert.Equal(t, "build", submitted.Intent)
	assert.Equal(t, "acme", submitted.RequestedBy)

	env.service.Wait()

	w = env.do(t, http.MethodGet, "/tasks/"+submitted.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	task := decodeBody[models.Task](t, w)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.Cost)
	assert.Equal(t, int64(20), task.Cost.Tokens)
	assert.Len(t, task.Messages, 3)

	w = env.do(t, http.MethodGet, "/tenants/acme/quota", nil)
	require.Equal(t, http.StatusOK, w.Code)
	quota := decodeBody[QuotaResponse](t, w)
	assert.Equal(t, "pro", quota.Ledger.PlanID)
	assert.Equal(t, 2.0, quota.Summary[models.ResourceComputeMinutes].Used)

	w = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	metrics := decodeBody[Metrics](t, w)
	assert.Equal(t, int64(1), metrics.Tasks.Completed)
	assert.Len(t, metrics.Executors, 2)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/tasks", SubmitRequest{Query: "hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/tasks", SubmitRequest{TenantID: "acme", Intent: "juggle", Query: "hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetUnknownPlan(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPut, "/tenants/acme/plan", planRequest{PlanID: "platinum"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheckAndReset(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/tenants/acme/quota/check", checkRequest{Requests: map[models.ResourceKey]float64{
		models.ResourceAPICalls:    5,
		models.ResourceSearchCalls: 1,
	}})
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[ledger.CheckResult](t, w)
	assert.False(t, res.Admit)
	assert.Equal(t, []models.ResourceKey{models.ResourceSearchCalls}, res.BlockingKeys)

	w = env.do(t, http.MethodPost, "/tenants/acme/quota/check", checkRequest{Requests: map[models.ResourceKey]float64{
		models.ResourceAPICalls: -1,
	}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/tenants/acme/quota/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/tenants/acme", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/tasks/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/tasks", SubmitRequest{TenantID: "acme", Intent: "chat", Query: "hello"})
	require.Equal(t, http.StatusCreated, w.Code)
	task := decodeBody[models.Task](t, w)
	env.service.Wait()

	w = env.do(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "completed tasks cannot be canceled")
}

func TestCancelStopsRunningTask(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.SetPlan(context.Background(), "acme", "pro")
	require.NoError(t, err)

	task, err := env.service.Submit(context.Background(), SubmitRequest{TenantID: "acme", Intent: "research", Query: "dig"})
	require.NoError(t, err)

	_, err = env.service.tasks.Await(context.Background(), task.ID, func(s models.TaskStatus) bool {
		return s == models.TaskStatusWorking
	})
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	close(env.gate)
	env.service.Wait()

	got, err := env.service.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCanceled, got.Status)
}

func TestEventsOnTerminalTaskSendsSnapshotOnly(t *testing.T) {
	env := newTestEnv(t)

	task, err := env.service.Submit(context.Background(), SubmitRequest{TenantID: "acme", Intent: "chat", Query: "hello"})
	require.NoError(t, err)
	env.service.Wait()

	w := env.do(t, http.MethodGet, "/tasks/"+task.ID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Equal(t, 1, strings.Count(body, "event: "))
	assert.Contains(t, body, "event: snapshot")
	assert.Contains(t, body, `"status":"completed"`)
}

func TestEventsStreamLiveUntilDone(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.SetPlan(context.Background(), "acme", "pro")
	require.NoError(t, err)

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	task, err := env.service.Submit(context.Background(), SubmitRequest{TenantID: "acme", Intent: "research", Query: "dig"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/tasks/"+task.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "event: ") {
			continue
		}
		kind := strings.TrimPrefix(line, "event: ")
		kinds = append(kinds, kind)
		if kind == "snapshot" {
			close(env.gate)
		}
	}
	env.service.Wait()

	require.NotEmpty(t, kinds)
	assert.Equal(t, "snapshot", kinds[0])
	assert.Equal(t, "done", kinds[len(kinds)-1])
	assert.Contains(t, kinds, "status")
}

func TestPlansAndAudit(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/plans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[[]plans.Plan](t, w)
	require.NotEmpty(t, list)
	assert.Equal(t, plans.DefaultPlanID, list[0].ID)

	env.do(t, http.MethodPut, "/tenants/acme/plan", planRequest{PlanID: "starter"})
	w = env.do(t, http.MethodGet, "/audit?tenant=acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decodeBody[[]models.PDREntry](t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, "plan.set", entries[0].Action)
}

func TestListTasksLimit(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		_, err := env.service.Submit(context.Background(), SubmitRequest{TenantID: "acme", Intent: "chat", Query: "hi"})
		require.NoError(t, err)
	}
	env.service.Wait()

	w := env.do(t, http.MethodGet, "/tasks?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]models.Task](t, w), 2)

	w = env.do(t, http.MethodGet, "/tasks?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubscribeRejectsUnknownTask(t *testing.T) {
	env := newTestEnv(t)

	unsub, err := env.service.Subscribe("missing", func(models.TaskEvent) {})
	require.ErrorIs(t, err, ErrTaskNotFound)
	assert.Nil(t, unsub)
	assert.Zero(t, env.service.hub.SubscriberCount("missing"))

	task, err := env.service.Submit(context.Background(), SubmitRequest{TenantID: "acme", Intent: "chat", Query: "hello"})
	require.NoError(t, err)
	env.service.Wait()

	unsub, err = env.service.Subscribe(task.ID, func(models.TaskEvent) {})
	require.NoError(t, err)
	require.NotNil(t, unsub)
	assert.Zero(t, env.service.hub.SubscriberCount(task.ID), "terminal tasks keep no subscribers")
	unsub()
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.SetPlan(context.Background(), "acme", "pro")
	require.NoError(t, err)

	task, err := env.service.Submit(context.Background(), SubmitRequest{TenantID: "acme", Intent: "research", Query: "dig"})
	require.NoError(t, err)

	got := make(chan models.TaskEvent, 64)
	unsub, err := env.service.Subscribe(task.ID, func(ev models.TaskEvent) { got <- ev })
	require.NoError(t, err)
	defer unsub()
	assert.Equal(t, 1, env.service.hub.SubscriberCount(task.ID))

	close(env.gate)
	env.service.Wait()

	var sawDone bool
	for len(got) > 0 {
		if ev := <-got; ev.Type == models.EventDone {
			sawDone = true
		}
	}
	assert.True(t, sawDone)
}
