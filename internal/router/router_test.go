package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/tollgate/internal/connectors"
	"github.com/fentz26/tollgate/internal/models"
	"github.com/fentz26/tollgate/internal/tasks"
)

type settleCall struct {
	tenant   string
	consumed map[models.ResourceKey]float64
}

type fakeSettler struct {
	mu    sync.Mutex
	calls []settleCall
}

func (f *fakeSettler) Settle(_ context.Context, tenant string, consumed map[models.ResourceKey]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[models.ResourceKey]float64, len(consumed))
	for k, v := range consumed {
		cp[k] = v
	}
	f.calls = append(f.calls, settleCall{tenant: tenant, consumed: cp})
}

type fakeScorer struct {
	mu     sync.Mutex
	scores []models.ExecutorScore
	err    error
}

func (f *fakeScorer) Score(_ context.Context, s models.ExecutorScore) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores = append(f.scores, s)
	return f.err
}

func succeed(name string, tokens int64, usd float64, usage map[models.ResourceKey]float64) *countingExec {
	return &countingExec{name: name, fn: func(context.Context, connectors.Request) (*connectors.Result, error) {
		return &connectors.Result{
			Status:     connectors.StatusSuccess,
			Messages:   []models.Message{{Parts: []models.Part{models.TextPart(name + " done")}}},
			CostTokens: tokens,
			CostUSD:    usd,
			Usage:      usage,
		}, nil
	}}
}

func fail(name string) *countingExec {
	return &countingExec{name: name, fn: func(context.Context, connectors.Request) (*connectors.Result, error) {
		return &connectors.Result{Status: connectors.StatusError, Error: name + " broke", CostTokens: 1}, nil
	}}
}

type countingExec struct {
	name  string
	calls atomic.Int32
	fn    func(context.Context, connectors.Request) (*connectors.Result, error)
}

func (c *countingExec) Name() string { return c.name }

func (c *countingExec) Execute(ctx context.Context, req connectors.Request) (*connectors.Result, error) {
	c.calls.Add(1)
	return c.fn(ctx, req)
}

type fixture struct {
	store   *tasks.Store
	reg     *Registry
	settler *fakeSettler
	scorer  *fakeScorer
	router  *Router
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	f := &fixture{
		store:   tasks.New(),
		reg:     NewRegistry(),
		settler: &fakeSettler{},
		scorer:  &fakeScorer{},
	}
	f.router = New(cfg, f.reg, f.store, WithSettler(f.settler), WithScorer(f.scorer))
	return f
}

func (f *fixture) register(t *testing.T, role string, e connectors.Executor) {
	t.Helper()
	require.NoError(t, f.reg.Register(role, e))
}

func (f *fixture) submit(intent string) *models.Task {
	return f.store.Create("", intent, "make a landing page", nil, "tenant-a")
}

func TestDispatchPrimaryThenVerifierCompletes(t *testing.T) {
	f := newFixture(t, nil)
	builder := succeed("builder-1", 100, 0.5, map[models.ResourceKey]float64{models.ResourceComputeMinutes: 2})
	verifier := succeed("verifier-1", 20, 0.1, map[models.ResourceKey]float64{models.ResourceComputeMinutes: 0.5})
	f.register(t, "builder", builder)
	f.register(t, "verifier", verifier)

	task := f.submit("build")
	res := f.router.Dispatch(context.Background(), task.ID, "build", task.Query, nil)
	f.router.Wait()

	assert.True(t, res.Executed)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "builder-1", res.PrimaryExecutor)
	require.Len(t, res.Outputs, 2)
	assert.Equal(t, "builder", res.Outputs[0].Role)
	assert.Equal(t, "verifier", res.Outputs[1].Role)

	got := f.store.Get(task.ID)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	require.NotNil(t, got.Cost)
	assert.Equal(t, int64(120), got.Cost.Tokens)
	assert.InDelta(t, 0.6, got.Cost.USD, 1e-9)
	assert.Len(t, got.Messages, 2)
	assert.Equal(t, "verifier-1", got.AgentID)

	require.Len(t, f.settler.calls, 1)
	assert.Equal(t, "tenant-a", f.settler.calls[0].tenant)
	assert.InDelta(t, 2.5, f.settler.calls[0].consumed[models.ResourceComputeMinutes], 1e-9)
	assert.Len(t, f.scorer.scores, 2)
}

func TestDispatchVerifierRunsAfterPrimaryFailure(t *testing.T) {
	f := newFixture(t, nil)
	builder := fail("builder-1")
	verifier := succeed("verifier-1", 5, 0, nil)
	f.register(t, "builder", builder)
	f.register(t, "verifier", verifier)

	task := f.submit("build")
	res := f.router.Dispatch(context.Background(), task.ID, "build", task.Query, nil)

	assert.Equal(t, int32(1), verifier.calls.Load())
	require.Len(t, res.Outputs, 2)
	assert.False(t, res.Outputs[0].OK())
	assert.Equal(t, "builder-1 broke", res.Outputs[0].Err)
	assert.True(t, res.Outputs[1].OK())
	assert.Equal(t, models.TaskStatusFailed, f.store.Get(task.ID).Status)
	assert.Equal(t, int64(6), f.store.Get(task.ID).Cost.Tokens)
}

func TestDispatchDirectIntentRunsOneExecutor(t *testing.T) {
	f := newFixture(t, nil)
	responder := succeed("responder-1", 3, 0, nil)
	verifier := succeed("verifier-1", 0, 0, nil)
	f.register(t, "responder", responder)
	f.register(t, "verifier", verifier)

	task := f.submit("chat")
	res := f.router.Dispatch(context.Background(), task.ID, "chat", "hi", nil)

	assert.Len(t, res.Outputs, 1)
	assert.Equal(t, int32(0), verifier.calls.Load())
	assert.Equal(t, models.TaskStatusCompleted, f.store.Get(task.ID).Status)
	assert.Empty(t, f.settler.calls)
}

func TestDispatchCancelStopsBeforeVerification(t *testing.T) {
	f := newFixture(t, nil)
	var taskID string
	builder := &countingExec{name: "builder-1", fn: func(context.Context, connectors.Request) (*connectors.Result, error) {
		require.NoError(t, f.store.Transition(taskID, models.TaskStatusCanceled))
		return &connectors.Result{
			Status: connectors.StatusSuccess,
			Usage:  map[models.ResourceKey]float64{models.ResourceSearchCalls: 1},
		}, nil
	}}
	verifier := succeed("verifier-1", 0, 0, nil)
	f.register(t, "builder", builder)
	f.register(t, "verifier", verifier)

	task := f.submit("build")
	taskID = task.ID
	res := f.router.Dispatch(context.Background(), task.ID, "build", task.Query, nil)

	assert.True(t, res.Canceled)
	assert.Equal(t, models.TaskStatusCanceled, res.Status)
	assert.Equal(t, int32(0), verifier.calls.Load())
	got := f.store.Get(task.ID)
	assert.Equal(t, models.TaskStatusCanceled, got.Status)
	assert.Nil(t, got.Cost)
	require.Len(t, f.settler.calls, 1, "consumed resources are settled even when canceled")
}

func TestDispatchCanceledBeforeStart(t *testing.T) {
	f := newFixture(t, nil)
	builder := succeed("builder-1", 0, 0, nil)
	f.register(t, "builder", builder)
	f.register(t, "verifier", succeed("verifier-1", 0, 0, nil))

	task := f.submit("build")
	require.NoError(t, f.store.Transition(task.ID, models.TaskStatusCanceled))
	res := f.router.Dispatch(context.Background(), task.ID, "build", task.Query, nil)

	assert.False(t, res.Executed)
	assert.True(t, res.Canceled)
	assert.Equal(t, int32(0), builder.calls.Load())
}

func TestScoringFailureDoesNotFailTask(t *testing.T) {
	f := newFixture(t, nil)
	f.scorer.err = errors.New("score sink down")
	f.register(t, "responder", succeed("responder-1", 0, 0, nil))

	task := f.submit("chat")
	res := f.router.Dispatch(context.Background(), task.ID, "chat", "hi", nil)
	f.router.Wait()

	assert.True(t, res.Succeeded())
	assert.Equal(t, models.TaskStatusCompleted, f.store.Get(task.ID).Status)
	require.Len(t, f.scorer.scores, 1)
	assert.True(t, f.scorer.scores[0].Success)
}

func TestDispatchUnknownIntentFails(t *testing.T) {
	f := newFixture(t, nil)
	task := f.submit("dance")
	res := f.router.Dispatch(context.Background(), task.ID, "dance", "", nil)

	assert.False(t, res.Executed)
	assert.Equal(t, models.TaskStatusFailed, res.Status)
	assert.Equal(t, models.TaskStatusFailed, f.store.Get(task.ID).Status)
}

func TestDispatchMissingExecutorFails(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "builder", succeed("builder-1", 0, 0, nil))

	task := f.submit("build")
	res := f.router.Dispatch(context.Background(), task.ID, "build", "", nil)

	assert.False(t, res.Executed)
	assert.Equal(t, models.TaskStatusFailed, f.store.Get(task.ID).Status)
}

func TestExecutorErrorAndPanicAreRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "builder", &countingExec{name: "builder-1", fn: func(context.Context, connectors.Request) (*connectors.Result, error) {
		return nil, errors.New("connection refused")
	}})
	f.register(t, "verifier", &countingExec{name: "verifier-1", fn: func(context.Context, connectors.Request) (*connectors.Result, error) {
		panic("verifier exploded")
	}})

	task := f.submit("build")
	res := f.router.Dispatch(context.Background(), task.ID, "build", "", nil)

	require.Len(t, res.Outputs, 2)
	assert.Equal(t, "connection refused", res.Outputs[0].Err)
	assert.Contains(t, res.Outputs[1].Err, "verifier exploded")
	assert.Equal(t, models.TaskStatusFailed, f.store.Get(task.ID).Status)
}

func TestVerifierSeesPrimaryOutput(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "builder", succeed("builder-1", 0, 0, nil))
	var prior []*connectors.Result
	f.register(t, "verifier", &countingExec{name: "verifier-1", fn: func(_ context.Context, req connectors.Request) (*connectors.Result, error) {
		prior = req.Prior
		return &connectors.Result{Status: connectors.StatusSuccess}, nil
	}})

	task := f.submit("build")
	f.router.Dispatch(context.Background(), task.ID, "build", "", nil)

	require.Len(t, prior, 1)
	assert.Equal(t, "builder-1 done", prior[0].Messages[0].Parts[0].Text)
}

func TestInputRequiredResumesOnReply(t *testing.T) {
	f := newFixture(t, nil)
	responder := &countingExec{name: "responder-1"}
	responder.fn = func(_ context.Context, req connectors.Request) (*connectors.Result, error) {
		if responder.calls.Load() == 1 {
			return &connectors.Result{Status: connectors.StatusSuccess, NeedsInput: true}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		return &connectors.Result{
			Status:   connectors.StatusSuccess,
			Messages: []models.Message{{Parts: []models.Part{models.TextPart("got " + last.Parts[0].Text)}}},
		}, nil
	}
	f.register(t, "responder", responder)

	task := f.submit("chat")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := f.store.Await(ctx, task.ID, func(s models.TaskStatus) bool {
			return s == models.TaskStatusInputRequired
		})
		if err == nil {
			_ = f.store.Reply(task.ID, models.Message{Parts: []models.Part{models.TextPart("blue")}})
		}
	}()

	res := f.router.Dispatch(context.Background(), task.ID, "chat", "pick a colour", nil)

	assert.True(t, res.Succeeded())
	assert.Equal(t, int32(2), responder.calls.Load())
	got := f.store.Get(task.ID)
	assert.Equal(t, "got blue", got.Messages[len(got.Messages)-1].Parts[0].Text)
}

func TestInputRequiredTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InputTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.register(t, "responder", &countingExec{name: "responder-1", fn: func(context.Context, connectors.Request) (*connectors.Result, error) {
		return &connectors.Result{Status: connectors.StatusSuccess, NeedsInput: true, CostTokens: 40, CostUSD: 0.02}, nil
	}})

	task := f.submit("chat")
	res := f.router.Dispatch(context.Background(), task.ID, "chat", "", nil)

	assert.Equal(t, models.TaskStatusFailed, res.Status)
	assert.Equal(t, "timed out waiting for input", res.Outputs[0].Err)
	got := f.store.Get(task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	require.NotNil(t, got.Cost, "work done before the timeout is still recorded")
	assert.Equal(t, int64(40), got.Cost.Tokens)
	assert.InDelta(t, 0.02, got.Cost.USD, 1e-9)
}
