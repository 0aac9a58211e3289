package orchestrator

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/formtask/internal/events"
	"github.com/msageha/formtask/internal/model"
	"github.com/msageha/formtask/internal/scheduler"
	"github.com/msageha/formtask/internal/store"
)

type specMap map[model.TaskID]model.TaskSpec

func (m specMap) Spec(id model.TaskID) (model.TaskSpec, bool) {
	s, ok := m[id]
	return s, ok
}

type fakeWidgets struct {
	mounted map[string]bool
	values  map[string]model.Value
}

func (w *fakeWidgets) SetWidgetValue(path string, v model.Value) bool {
	if !w.mounted[path] {
		return false
	}
	w.values[path] = v
	return true
}

type fakeSteps map[string]bool

func (s fakeSteps) StepActive(id string) bool { return s[id] }

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func spec(id string, policy model.ConcurrencyPolicy) model.TaskSpec {
	return model.TaskSpec{
		ID:          id,
		Kind:        model.ExecKind{Program: "true", Timeout: time.Second},
		Assign:      model.TaskAssign{Mode: model.AssignStorePath, Path: id + ".out"},
		Concurrency: policy,
		Rerun:       model.RerunPolicy{Mode: model.RerunAlways},
		Enabled:     true,
	}
}

type harness struct {
	orch  *Orchestrator
	sched *scheduler.Scheduler[model.AppEvent]
	store *store.Store
}

func newHarness(t *testing.T, specs ...model.TaskSpec) *harness {
	t.Helper()
	m := specMap{}
	for _, s := range specs {
		m[s.ID] = s
	}
	sched := scheduler.New[model.AppEvent]()
	st := store.New()
	o := New(m, sched, model.OrchestratorConfig{QueueCapacity: 4}, zerolog.Nop())
	o.SetStore(st)
	return &harness{orch: o, sched: sched, store: st}
}

func req(id string) model.TaskRequest {
	return model.TaskRequest{TaskID: id}
}

func done(inv model.TaskInvocation, value model.Value) model.TaskCompletion {
	return model.TaskCompletion{
		TaskID:      inv.Spec.ID,
		RunID:       inv.RunID,
		Assign:      inv.Spec.Assign,
		Concurrency: inv.Spec.Concurrency,
		Value:       value,
	}
}

func TestRequestRun_UnknownOrDisabled(t *testing.T) {
	disabled := spec("off", model.ConcurrencyParallel)
	disabled.Enabled = false
	h := newHarness(t, disabled)

	assert.Equal(t, OutcomeIgnored, h.orch.RequestRun(req("missing"), t0))
	assert.Equal(t, OutcomeIgnored, h.orch.RequestRun(req("off"), t0))
	assert.Empty(t, h.orch.TakePendingInvocations())
}

func TestRequestRun_StartsAndCompletes(t *testing.T) {
	h := newHarness(t, spec("a", model.ConcurrencyParallel))

	assert.Equal(t, OutcomeStarted, h.orch.RequestRun(req("a"), t0))
	invs := h.orch.TakePendingInvocations()
	require.Len(t, invs, 1)
	assert.Equal(t, uint64(1), invs[0].RunID)
	assert.NotNil(t, invs[0].Token)
	assert.Equal(t, 1, h.orch.RunningCount("a"))
	assert.Empty(t, h.orch.TakePendingInvocations(), "pending list is cleared")

	res := h.orch.CompleteRun(done(invs[0], "hello"), t0.Add(time.Second))
	assert.Equal(t, ResolutionApplied, res)
	assert.True(t, res.Handled())
	v, ok := h.store.Get("a.out")
	assert.True(t, ok)
	assert.Equal(t, "hello", v)
	assert.Equal(t, 0, h.orch.RunningCount("a"))
	assert.Equal(t, 0, h.orch.InFlight())
}

func TestRequestRun_DropNew(t *testing.T) {
	h := newHarness(t, spec("a", model.ConcurrencyDropNew))

	require.Equal(t, OutcomeStarted, h.orch.RequestRun(req("a"), t0))
	assert.Equal(t, OutcomeDropped, h.orch.RequestRun(req("a"), t0))
	invs := h.orch.TakePendingInvocations()
	require.Len(t, invs, 1)

	h.orch.CompleteRun(done(invs[0], nil), t0)
	assert.Equal(t, OutcomeStarted, h.orch.RequestRun(req("a"), t0))
}

func TestRequestRun_QueueRunsInOrder(t *testing.T) {
	h := newHarness(t, spec("a", model.ConcurrencyQueue))

	require.Equal(t, OutcomeStarted, h.orch.RequestRun(req("a"), t0))
	assert.Equal(t, OutcomeQueued, h.orch.RequestRun(req("a").WithFingerprint(1), t0))
	assert.Equal(t, OutcomeQueued, h.orch.RequestRun(req("a").WithFingerprint(2), t0))
	assert.Equal(t, 2, h.orch.QueueLen("a"))

	first := h.orch.TakePendingInvocations()
	require.Len(t, first, 1)

	h.orch.CompleteRun(done(first[0], nil), t0)
	next := h.orch.TakePendingInvocations()
	require.Len(t, next, 1, "completion starts the next queued request")
	assert.Equal(t, model.Fingerprint(1), next[0].Fingerprint)
	assert.Equal(t, uint64(2), next[0].RunID)
	assert.Equal(t, 1, h.orch.QueueLen("a"))

	h.orch.CompleteRun(done(next[0], nil), t0)
	last := h.orch.TakePendingInvocations()
	require.Len(t, last, 1)
	assert.Equal(t, model.Fingerprint(2), last[0].Fingerprint)
	assert.Equal(t, 0, h.orch.QueueLen("a"))
}

func TestCompleteRun_QueueSkipsSuppressedRequests(t *testing.T) {
	s := spec("a", model.ConcurrencyQueue)
	s.Rerun = model.RerunPolicy{Mode: model.RerunSkipUnchanged}
	h := newHarness(t, s)

	require.Equal(t, OutcomeStarted, h.orch.RequestRun(req("a").WithFingerprint(1), t0))
	for _, fp := range []model.Fingerprint{2, 2, 3} {
		require.Equal(t, OutcomeQueued, h.orch.RequestRun(req("a").WithFingerprint(fp), t0))
	}

	first := h.orch.TakePendingInvocations()
	require.Len(t, first, 1)
	h.orch.CompleteRun(done(first[0], nil), t0)

	second := h.orch.TakePendingInvocations()
	require.Len(t, second, 1)
	assert.Equal(t, model.Fingerprint(2), second[0].Fingerprint)
	h.orch.CompleteRun(done(second[0], nil), t0)

	third := h.orch.TakePendingInvocations()
	require.Len(t, third, 1, "repeated fingerprint is skipped, the next one starts")
	assert.Equal(t, model.Fingerprint(3), third[0].Fingerprint)
	assert.Equal(t, 0, h.orch.QueueLen("a"))
	assert.Equal(t, 1, h.orch.RunningCount("a"))
}

func TestCompleteRun_QueueDrainsWhenTaskDisabled(t *testing.T) {
	h := newHarness(t, spec("a", model.ConcurrencyQueue))
	require.Equal(t, OutcomeStarted, h.orch.RequestRun(req("a"), t0))
	h.orch.RequestRun(req("a").WithFingerprint(1), t0)
	h.orch.RequestRun(req("a").WithFingerprint(2), t0)
	invs := h.orch.TakePendingInvocations()
	require.Len(t, invs, 1)

	off := spec("a", model.ConcurrencyQueue)
	off.Enabled = false
	h.orch.SetSpecs(specMap{"a": off})

	h.orch.CompleteRun(done(invs[0], nil), t0)
	assert.Empty(t, h.orch.TakePendingInvocations())
	assert.Equal(t, 0, h.orch.QueueLen("a"))
}

func TestRequestRun_QueueDropsOldestWhenFull(t *testing.T) {
	h := newHarness(t, spec("a", model.ConcurrencyQueue))
	require.Equal(t, OutcomeStarted, h.orch.RequestRun(req("a"), t0))
	for i := 1; i <= 6; i++ {
		h.orch.RequestRun(req("a").WithFingerprint(model.Fingerprint(i)), t0)
	}
	assert.Equal(t, 4, h.orch.QueueLen("a"))

	invs := h.orch.TakePendingInvocations()
	h.orch.CompleteRun(done(invs[0], nil), t0)
	next := h.orch.TakePendingInvocations()
	require.Len(t, next, 1)
	assert.Equal(t, model.Fingerprint(3), next[0].Fingerprint)
}

func TestRequestRun_QueueStripsInterval(t *testing.T) {
	h := newHarness(t, spec("a", model.ConcurrencyQueue))
	require.Equal(t, OutcomeStarted, h.orch.RequestRun(req("a"), t0))

	r := req("a")
	r.Interval = &model.IntervalSpec{Key: "iv", Every: time.Second}
	require.Equal(t, OutcomeQueued, h.orch.RequestRun(r, t0))
	assert.True(t, h.sched.Pending("iv"))

	h.sched.Schedule(scheduler.Cancel[model.AppEvent]{Key: "iv"}, t0)
	invs := h.orch.TakePendingInvocations()
	h.orch.CompleteRun(done(invs[0], nil), t0)
	assert.False(t, h.sched.Pending("iv"), "dequeued request must not renew the interval again")
}

func TestRequestRun_RestartCancelsAndDiscardsStale(t *testing.T) {
	h := newHarness(t, spec("a", model.ConcurrencyRestart))

	require.Equal(t, OutcomeStarted, h.orch.RequestRun(req("a"), t0))
	first := h.orch.TakePendingInvocations()[0]

	assert.Equal(t, OutcomeRestarted, h.orch.RequestRun(req("a"), t0))
	assert.True(t, first.Token.IsCancelled())
	second := h.orch.TakePendingInvocations()[0]
	assert.False(t, second.Token.IsCancelled())
	assert.Equal(t, uint64(2), second.RunID)

	// The newer run finishes first.
	assert.Equal(t, ResolutionApplied, h.orch.CompleteRun(done(second, "new"), t0))
	stale := done(first, "old")
	stale.Cancelled = true
	assert.Equal(t, ResolutionStale, h.orch.CompleteRun(stale, t0))

	v, _ := h.store.Get("a.out")
	assert.Equal(t, "new", v)
	assert.Equal(t, 0, h.orch.RunningCount("a"))
}

func TestRequestRun_ParallelRunsIndependently(t *testing.T) {
	h := newHarness(t, spec("a", model.ConcurrencyParallel))

	h.orch.RequestRun(req("a"), t0)
	h.orch.RequestRun(req("a"), t0)
	invs := h.orch.TakePendingInvocations()
	require.Len(t, invs, 2)
	assert.Equal(t, 2, h.orch.RunningCount("a"))
	assert.Equal(t, 2, h.orch.InFlight())

	assert.Equal(t, ResolutionApplied, h.orch.CompleteRun(done(invs[1], 2.0), t0))
	assert.Equal(t, ResolutionApplied, h.orch.CompleteRun(done(invs[0], 1.0), t0))
	v, _ := h.store.Get("a.out")
	assert.Equal(t, 1.0, v, "last completion wins")
}

func TestRequestRun_SkipUnchanged(t *testing.T) {
	s := spec("a", model.ConcurrencyParallel)
	s.Rerun = model.RerunPolicy{Mode: model.RerunSkipUnchanged}
	h := newHarness(t, s)

	assert.Equal(t, OutcomeStarted, h.orch.RequestRun(req("a").WithFingerprint(7), t0))
	assert.Equal(t, OutcomeSuppressed, h.orch.RequestRun(req("a").WithFingerprint(7), t0))
	assert.Equal(t, OutcomeStarted, h.orch.RequestRun(req("a").WithFingerprint(8), t0))
	assert.Equal(t, OutcomeStarted, h.orch.RequestRun(req("a"), t0), "no fingerprint always runs")
}

func TestRequestRun_Throttle(t *testing.T) {
	s := spec("a", model.ConcurrencyParallel)
	s.Rerun = model.RerunPolicy{Mode: model.RerunThrottle, MinInterval: time.Second}
	h := newHarness(t, s)

	assert.Equal(t, OutcomeStarted, h.orch.RequestRun(req("a"), t0))
	assert.Equal(t, OutcomeSuppressed, h.orch.RequestRun(req("a"), t0.Add(500*time.Millisecond)))
	assert.Equal(t, OutcomeStarted, h.orch.RequestRun(req("a"), t0.Add(time.Second)))
}

func TestCompleteRun_FailedDoesNotAssign(t *testing.T) {
	h := newHarness(t, spec("a", model.ConcurrencyParallel))
	h.orch.RequestRun(req("a"), t0)
	inv := h.orch.TakePendingInvocations()[0]

	c := done(inv, nil)
	c.Error = "exit status 1: nope"
	res := h.orch.CompleteRun(c, t0)
	assert.Equal(t, ResolutionFailed, res)
	assert.True(t, res.Handled())
	_, ok := h.store.Get("a.out")
	assert.False(t, ok)
}

func TestCompleteRun_CancelledIsDiscarded(t *testing.T) {
	h := newHarness(t, spec("a", model.ConcurrencyParallel))
	h.orch.RequestRun(req("a"), t0)
	inv := h.orch.TakePendingInvocations()[0]

	c := done(inv, "late")
	c.Cancelled = true
	res := h.orch.CompleteRun(c, t0)
	assert.Equal(t, ResolutionCancelled, res)
	assert.False(t, res.Handled())
	_, ok := h.store.Get("a.out")
	assert.False(t, ok)
}

func TestCompleteRun_WidgetValue(t *testing.T) {
	s := spec("a", model.ConcurrencyParallel)
	s.Assign = model.TaskAssign{Mode: model.AssignWidgetValue, Path: "form.branch"}
	h := newHarness(t, s)
	w := &fakeWidgets{mounted: map[string]bool{"form.branch": true}, values: map[string]model.Value{}}
	h.orch.SetWidgets(w)

	h.orch.RequestRun(req("a"), t0)
	inv := h.orch.TakePendingInvocations()[0]
	require.Equal(t, ResolutionApplied, h.orch.CompleteRun(done(inv, "main"), t0))

	assert.Equal(t, "main", w.values["form.branch"])
	v, _ := h.store.Get("form.branch")
	assert.Equal(t, "main", v)
}

func TestCompleteRun_IgnoreAssign(t *testing.T) {
	s := spec("a", model.ConcurrencyParallel)
	s.Assign = model.TaskAssign{Mode: model.AssignIgnore}
	h := newHarness(t, s)

	h.orch.RequestRun(req("a"), t0)
	inv := h.orch.TakePendingInvocations()[0]
	assert.Equal(t, ResolutionApplied, h.orch.CompleteRun(done(inv, "x"), t0))
	assert.Empty(t, h.store.Paths())
}

func TestRequestRun_IntervalRenewsAndRespectsStep(t *testing.T) {
	h := newHarness(t, spec("a", model.ConcurrencyParallel))
	steps := fakeSteps{"s1": true}
	h.orch.SetStepState(steps)

	r := req("a")
	r.Interval = &model.IntervalSpec{Key: "task:on-interval:a:0", Every: time.Second, OnlyWhenStepActive: true, StepID: "s1"}

	assert.Equal(t, OutcomeStarted, h.orch.RequestRun(r, t0))
	assert.True(t, h.sched.Pending(r.Interval.Key))
	assert.Equal(t, time.Second, h.sched.PollTimeout(t0, time.Minute))

	fired := h.sched.DrainReady(t0.Add(time.Second))
	require.Len(t, fired, 1)
	again, ok := fired[0].(model.RequestEvent)
	require.True(t, ok)
	assert.Equal(t, r.Interval.Key, again.Request.Interval.Key)

	steps["s1"] = false
	assert.Equal(t, OutcomeIgnored, h.orch.RequestRun(again.Request, t0.Add(time.Second)))
	assert.False(t, h.sched.Pending(r.Interval.Key))
}

func TestCancelAll(t *testing.T) {
	h := newHarness(t, spec("a", model.ConcurrencyQueue), spec("b", model.ConcurrencyParallel))
	h.orch.RequestRun(req("a"), t0)
	h.orch.RequestRun(req("a"), t0)
	h.orch.RequestRun(req("b"), t0)
	invs := h.orch.TakePendingInvocations()
	require.Len(t, invs, 2)

	h.orch.CancelAll()
	for _, inv := range invs {
		assert.True(t, inv.Token.IsCancelled(), inv.Spec.ID)
	}
	assert.Equal(t, 0, h.orch.QueueLen("a"))
}

func TestMetricsAndBus(t *testing.T) {
	h := newHarness(t, spec("a", model.ConcurrencyDropNew))
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h.orch.SetMetrics(m)

	bus := events.NewBus(8)
	defer bus.Close()
	got := make(chan events.Event, 8)
	bus.Subscribe(func(ev events.Event) { got <- ev }, events.EventTaskStarted, events.EventTaskDropped)
	h.orch.SetBus(bus)

	h.orch.RequestRun(req("a"), t0)
	h.orch.RequestRun(req("a"), t0)
	inv := h.orch.TakePendingInvocations()[0]
	c := done(inv, nil)
	c.Duration = 20 * time.Millisecond
	h.orch.CompleteRun(c, t0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("a", string(OutcomeStarted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("a", string(OutcomeDropped))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completions.WithLabelValues("a", string(ResolutionApplied))))

	seen := map[events.EventType]bool{}
	for len(seen) < 2 {
		select {
		case ev := <-got:
			seen[ev.Type] = true
		case <-time.After(time.Second):
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}
