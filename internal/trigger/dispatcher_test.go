package trigger

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/formtask/internal/model"
	"github.com/msageha/formtask/internal/orchestrator"
	"github.com/msageha/formtask/internal/scheduler"
)

type recorder struct {
	reqs []model.TaskRequest
}

func (r *recorder) RequestRun(req model.TaskRequest, _ time.Time) orchestrator.Outcome {
	r.reqs = append(r.reqs, req)
	return orchestrator.OutcomeStarted
}

func (r *recorder) ids() []string {
	var out []string
	for _, req := range r.reqs {
		out = append(out, req.TaskID)
	}
	return out
}

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func sub(task string, trig model.Trigger) model.TaskSubscription {
	return model.TaskSubscription{TaskID: task, Trigger: trig, Enabled: true}
}

func TestDispatcher_LifecycleTriggers(t *testing.T) {
	subs := []model.TaskSubscription{
		sub("start", model.Trigger{Kind: model.TriggerFlowStart}),
		sub("end", model.Trigger{Kind: model.TriggerFlowEnd}),
		sub("enter", model.Trigger{Kind: model.TriggerStepEnter, StepID: "s1"}),
		sub("exit", model.Trigger{Kind: model.TriggerStepExit, StepID: "s1"}),
		sub("other", model.Trigger{Kind: model.TriggerStepEnter, StepID: "s2"}),
		sub("before", model.Trigger{Kind: model.TriggerSubmitBefore}),
		sub("after", model.Trigger{Kind: model.TriggerSubmitAfter}),
		{TaskID: "disabled", Trigger: model.Trigger{Kind: model.TriggerFlowStart}},
	}
	rec := &recorder{}
	d := NewDispatcher(subs, rec, scheduler.New[model.AppEvent](), zerolog.Nop())

	d.FlowStart(t0)
	d.StepEnter("s1", t0)
	assert.True(t, d.StepActive("s1"))
	d.StepExit("s1", t0)
	assert.False(t, d.StepActive("s1"))
	d.SubmitBefore(t0)
	d.SubmitAfter(t0)
	d.FlowEnd(t0)

	assert.Equal(t, []string{"start", "enter", "exit", "before", "after", "end"}, rec.ids())
	for _, r := range rec.reqs {
		assert.False(t, r.HasFingerprint)
		assert.Nil(t, r.Interval)
	}
	assert.False(t, d.FlowActive())
}

func TestDispatcher_NodeValueImmediate(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher([]model.TaskSubscription{
		sub("lookup", model.Trigger{Kind: model.TriggerNodeValue, NodeID: "repo"}),
		sub("unrelated", model.Trigger{Kind: model.TriggerNodeValue, NodeID: "other"}),
	}, rec, scheduler.New[model.AppEvent](), zerolog.Nop())

	d.NodeValueChanged("repo", "formtask", t0)

	require.Len(t, rec.reqs, 1)
	assert.Equal(t, "lookup", rec.reqs[0].TaskID)
	assert.True(t, rec.reqs[0].HasFingerprint)
	assert.Equal(t, model.ComputeFingerprint("repo", "formtask"), rec.reqs[0].Fingerprint)
}

func TestDispatcher_NodeValueDebounced(t *testing.T) {
	rec := &recorder{}
	sched := scheduler.New[model.AppEvent]()
	d := NewDispatcher([]model.TaskSubscription{
		sub("lookup", model.Trigger{Kind: model.TriggerNodeValue, NodeID: "repo", Debounce: 300 * time.Millisecond}),
	}, rec, sched, zerolog.Nop())

	d.NodeValueChanged("repo", "f", t0)
	d.NodeValueChanged("repo", "fo", t0.Add(100*time.Millisecond))
	assert.Empty(t, rec.reqs)
	assert.True(t, sched.Pending(NodeValueKey("repo", "lookup")))

	assert.Empty(t, sched.DrainReady(t0.Add(350*time.Millisecond)), "debounce resets on each change")
	fired := sched.DrainReady(t0.Add(400 * time.Millisecond))
	require.Len(t, fired, 1)
	ev, ok := fired[0].(model.RequestEvent)
	require.True(t, ok)
	assert.Equal(t, model.ComputeFingerprint("repo", "fo"), ev.Request.Fingerprint)
}

func TestDispatcher_IntervalBootstrapAndCancel(t *testing.T) {
	rec := &recorder{}
	sched := scheduler.New[model.AppEvent]()
	d := NewDispatcher([]model.TaskSubscription{
		sub("poll", model.Trigger{Kind: model.TriggerInterval, Every: time.Second}),
	}, rec, sched, zerolog.Nop())

	d.FlowStart(t0)
	require.Len(t, rec.reqs, 1)
	iv := rec.reqs[0].Interval
	require.NotNil(t, iv)
	assert.Equal(t, "task:on-interval:poll:0", iv.Key)
	assert.Equal(t, time.Second, iv.Every)

	// Simulate the renewal the orchestrator would schedule.
	sched.Schedule(scheduler.EmitAfter[model.AppEvent]{Key: iv.Key, Delay: iv.Every, Event: model.RequestEvent{Request: rec.reqs[0]}}, t0)
	d.FlowEnd(t0)
	assert.False(t, sched.Pending(iv.Key))
}

func TestDispatcher_StepBoundIntervalRearmsOnEnter(t *testing.T) {
	sched := scheduler.New[model.AppEvent]()
	specs := specMap{"poll": {
		ID:          "poll",
		Kind:        model.ExecKind{Program: "true", Timeout: time.Second},
		Concurrency: model.ConcurrencyParallel,
		Enabled:     true,
	}}
	orch := orchestrator.New(specs, sched, model.OrchestratorConfig{}, zerolog.Nop())
	d := NewDispatcher([]model.TaskSubscription{
		sub("poll", model.Trigger{Kind: model.TriggerInterval, Every: time.Second, OnlyWhenStepActive: true, StepID: "s1"}),
	}, orch, sched, zerolog.Nop())
	orch.SetStepState(d)
	key := IntervalKey("poll", 0)

	d.FlowStart(t0)
	assert.Empty(t, orch.TakePendingInvocations(), "step not active yet")
	assert.False(t, sched.Pending(key))

	d.StepEnter("s1", t0.Add(time.Second))
	assert.Len(t, orch.TakePendingInvocations(), 1)
	assert.True(t, sched.Pending(key))

	d.StepExit("s1", t0.Add(2*time.Second))
	for _, ev := range sched.DrainReady(t0.Add(3 * time.Second)) {
		orch.RequestRun(ev.(model.RequestEvent).Request, t0.Add(3*time.Second))
	}
	assert.Empty(t, orch.TakePendingInvocations())
	assert.False(t, sched.Pending(key), "idle interval stops renewing")

	// Entering twice does not double-arm.
	d.StepEnter("s1", t0.Add(4*time.Second))
	d.StepEnter("s1", t0.Add(4*time.Second))
	assert.Len(t, orch.TakePendingInvocations(), 1)
}

func TestDispatcher_SetSubscriptionsWhileActive(t *testing.T) {
	rec := &recorder{}
	sched := scheduler.New[model.AppEvent]()
	d := NewDispatcher([]model.TaskSubscription{
		sub("old", model.Trigger{Kind: model.TriggerInterval, Every: time.Second}),
	}, rec, sched, zerolog.Nop())
	d.FlowStart(t0)
	sched.Schedule(scheduler.EmitAfter[model.AppEvent]{Key: IntervalKey("old", 0), Delay: time.Second, Event: model.RequestEvent{}}, t0)

	d.SetSubscriptions([]model.TaskSubscription{
		sub("new", model.Trigger{Kind: model.TriggerInterval, Every: time.Second}),
	}, t0)

	assert.False(t, sched.Pending(IntervalKey("old", 0)))
	assert.Equal(t, []string{"old", "new"}, rec.ids())
}

type specMap map[model.TaskID]model.TaskSpec

func (m specMap) Spec(id model.TaskID) (model.TaskSpec, bool) {
	s, ok := m[id]
	return s, ok
}
