// Package orchestrator decides what happens to run requests: start, queue,
// drop or restart, according to each task's concurrency and rerun policy.
//
// An Orchestrator is owned by a single event loop goroutine. The cancel
// tokens it hands out are the only objects shared with workers.
package orchestrator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/formtask/internal/events"
	"github.com/msageha/formtask/internal/model"
	"github.com/msageha/formtask/internal/runstate"
	"github.com/msageha/formtask/internal/scheduler"
)

// SpecSource resolves task definitions.
type SpecSource interface {
	Spec(id model.TaskID) (model.TaskSpec, bool)
}

// Timer accepts scheduler commands. *scheduler.Scheduler[model.AppEvent]
// satisfies it.
type Timer interface {
	Schedule(cmd scheduler.Command[model.AppEvent], now time.Time)
}

// ValueSink receives results assigned to a store path.
type ValueSink interface {
	Set(path string, value model.Value)
}

// WidgetSink pushes a value into the live widget mounted at path. It
// reports false when no such widget is mounted.
type WidgetSink interface {
	SetWidgetValue(path string, value model.Value) bool
}

// StepState reports whether a flow step is currently active.
type StepState interface {
	StepActive(stepID string) bool
}

// Outcome is the result of RequestRun.
type Outcome string

const (
	OutcomeIgnored    Outcome = "ignored"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeDropped    Outcome = "dropped"
	OutcomeQueued     Outcome = "queued"
	OutcomeStarted    Outcome = "started"
	OutcomeRestarted  Outcome = "restarted"
)

// Started reports whether a new run was started.
func (o Outcome) Started() bool {
	return o == OutcomeStarted || o == OutcomeRestarted
}

// Resolution is how CompleteRun classified a completion.
type Resolution string

const (
	ResolutionApplied   Resolution = "applied"
	ResolutionFailed    Resolution = "failed"
	ResolutionStale     Resolution = "stale"
	ResolutionCancelled Resolution = "cancelled"
)

// Handled reports whether the completion should trigger a render refresh.
// Failed runs are handled so the caller can surface their error.
func (r Resolution) Handled() bool {
	return r == ResolutionApplied || r == ResolutionFailed
}

type Orchestrator struct {
	specs    SpecSource
	timer    Timer
	tracker  *runstate.Tracker
	queueCap int
	queues   map[model.TaskID][]model.TaskRequest
	tokens   map[model.TaskID]map[uint64]*model.CancelToken
	pending  []model.TaskInvocation

	store   ValueSink
	widgets WidgetSink
	steps   StepState
	bus     *events.Bus
	metrics *Metrics
	logger  zerolog.Logger
}

// New creates an Orchestrator. Optional collaborators are wired with the
// Set* methods before the first request.
func New(specs SpecSource, timer Timer, cfg model.OrchestratorConfig, logger zerolog.Logger) *Orchestrator {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = model.DefaultQueueCapacity
	}
	return &Orchestrator{
		specs:    specs,
		timer:    timer,
		tracker:  runstate.NewTracker(),
		queueCap: capacity,
		queues:   make(map[model.TaskID][]model.TaskRequest),
		tokens:   make(map[model.TaskID]map[uint64]*model.CancelToken),
		logger:   logger.With().Str("component", "orchestrator").Logger(),
	}
}

func (o *Orchestrator) SetStore(s ValueSink)     { o.store = s }
func (o *Orchestrator) SetWidgets(w WidgetSink)  { o.widgets = w }
func (o *Orchestrator) SetStepState(s StepState) { o.steps = s }
func (o *Orchestrator) SetBus(b *events.Bus)     { o.bus = b }
func (o *Orchestrator) SetMetrics(m *Metrics)    { o.metrics = m }

// SetSpecs swaps the task definitions, e.g. after a registry reload. Run
// state, queues and in-flight tokens are kept.
func (o *Orchestrator) SetSpecs(specs SpecSource) {
	o.specs = specs
}

// RequestRun applies the task's policies to req.
func (o *Orchestrator) RequestRun(req model.TaskRequest, now time.Time) Outcome {
	spec, ok := o.specs.Spec(req.TaskID)
	if !ok || !spec.Enabled {
		return o.record(req, OutcomeIgnored, "unknown_or_disabled")
	}

	if req.Interval != nil && !o.armInterval(req, now) {
		return o.record(req, OutcomeIgnored, "step_inactive")
	}

	st := o.tracker.Get(req.TaskID)
	if !st.ShouldStart(spec.Rerun, now, req.Fingerprint, req.HasFingerprint) {
		return o.record(req, OutcomeSuppressed, string(spec.Rerun.Mode))
	}

	restarted := false
	if st.IsRunning() {
		switch spec.Concurrency {
		case model.ConcurrencyDropNew:
			o.publish(events.EventTaskDropped, req.TaskID, 0, "drop_new")
			return o.record(req, OutcomeDropped, "in_flight")
		case model.ConcurrencyQueue:
			o.enqueue(req)
			o.publish(events.EventTaskQueued, req.TaskID, 0, "")
			return o.record(req, OutcomeQueued, "in_flight")
		case model.ConcurrencyRestart:
			o.CancelTask(req.TaskID)
			restarted = true
		case model.ConcurrencyParallel:
		default:
			o.logger.Warn().Str("task", req.TaskID).Str("policy", string(spec.Concurrency)).Msg("unknown_concurrency_policy")
			return o.record(req, OutcomeDropped, "unknown_policy")
		}
	}

	runID := o.start(spec, st, req, now)
	if restarted {
		return o.record(req, OutcomeRestarted, "", runID)
	}
	return o.record(req, OutcomeStarted, "", runID)
}

// armInterval renews a periodic request. It returns false when the interval
// is bound to a step that is not active; the interval key is cancelled so
// it stops firing until re-armed.
func (o *Orchestrator) armInterval(req model.TaskRequest, now time.Time) bool {
	iv := req.Interval
	if iv.OnlyWhenStepActive && o.steps != nil && !o.steps.StepActive(iv.StepID) {
		o.timer.Schedule(scheduler.Cancel[model.AppEvent]{Key: iv.Key}, now)
		return false
	}
	o.timer.Schedule(scheduler.EmitAfter[model.AppEvent]{
		Key:   iv.Key,
		Delay: iv.Every,
		Event: model.RequestEvent{Request: req},
	}, now)
	return true
}

func (o *Orchestrator) enqueue(req model.TaskRequest) {
	// The interval, if any, has already been renewed for this firing.
	req.Interval = nil
	q := o.queues[req.TaskID]
	if len(q) >= o.queueCap {
		o.logger.Debug().Str("task", req.TaskID).Int("capacity", o.queueCap).Msg("queue_full_drop_oldest")
		q = q[1:]
	}
	o.queues[req.TaskID] = append(q, req)
	o.metrics.setQueueDepth(req.TaskID, len(o.queues[req.TaskID]))
}

func (o *Orchestrator) dequeue(id model.TaskID) (model.TaskRequest, bool) {
	q := o.queues[id]
	if len(q) == 0 {
		return model.TaskRequest{}, false
	}
	next := q[0]
	if len(q) == 1 {
		delete(o.queues, id)
	} else {
		o.queues[id] = q[1:]
	}
	o.metrics.setQueueDepth(id, len(q)-1)
	return next, true
}

// startQueued pops queued requests until one starts or is queued again.
// Requests the rerun policy suppresses are consumed.
func (o *Orchestrator) startQueued(id model.TaskID, now time.Time) {
	for {
		next, ok := o.dequeue(id)
		if !ok {
			return
		}
		if out := o.RequestRun(next, now); out.Started() || out == OutcomeQueued {
			return
		}
	}
}

func (o *Orchestrator) start(spec model.TaskSpec, st *runstate.State, req model.TaskRequest, now time.Time) uint64 {
	runID := st.NextRunID()
	st.OnStarted(runID, now, req.Fingerprint, req.HasFingerprint)

	token := model.NewCancelToken()
	if o.tokens[spec.ID] == nil {
		o.tokens[spec.ID] = make(map[uint64]*model.CancelToken)
	}
	o.tokens[spec.ID][runID] = token

	o.pending = append(o.pending, model.TaskInvocation{
		Spec:           spec.Clone(),
		RunID:          runID,
		Fingerprint:    req.Fingerprint,
		HasFingerprint: req.HasFingerprint,
		Token:          token,
	})
	o.publish(events.EventTaskStarted, spec.ID, runID, "")
	return runID
}

// TakePendingInvocations returns the invocations started since the last
// call, in start order, and clears them.
func (o *Orchestrator) TakePendingInvocations() []model.TaskInvocation {
	out := o.pending
	o.pending = nil
	return out
}

// CompleteRun folds a finished invocation back into run state and applies
// its value when the completion is neither stale nor cancelled.
func (o *Orchestrator) CompleteRun(c model.TaskCompletion, now time.Time) Resolution {
	o.releaseToken(c.TaskID, c.RunID)

	st := o.tracker.Get(c.TaskID)
	st.OnFinished(c.RunID, now)

	stale := false
	if c.Concurrency == model.ConcurrencyRestart {
		last, ok := st.LastStartedRunID()
		stale = ok && c.RunID != last
	}

	if c.Concurrency == model.ConcurrencyQueue {
		o.startQueued(c.TaskID, now)
	}

	var res Resolution
	switch {
	case stale:
		res = ResolutionStale
	case c.Cancelled:
		res = ResolutionCancelled
	case c.Failed():
		res = ResolutionFailed
	default:
		res = ResolutionApplied
	}

	o.metrics.completion(c, res)
	log := o.logger.Debug()
	if res == ResolutionFailed {
		log = o.logger.Warn()
	}
	log.Str("task", c.TaskID).Uint64("run_id", c.RunID).Str("resolution", string(res)).Str("error", c.Error).Msg("complete_run")

	if !res.Handled() {
		o.publish(events.EventTaskDiscarded, c.TaskID, c.RunID, string(res))
		return res
	}

	if c.Value != nil {
		o.apply(c)
	}
	o.publishCompletion(c)
	return res
}

func (o *Orchestrator) apply(c model.TaskCompletion) {
	switch c.Assign.Mode {
	case model.AssignIgnore, "":
	case model.AssignStorePath:
		if o.store != nil {
			o.store.Set(c.Assign.Path, c.Value)
		}
	case model.AssignWidgetValue:
		if o.store != nil {
			o.store.Set(c.Assign.Path, c.Value)
		}
		if o.widgets != nil && !o.widgets.SetWidgetValue(c.Assign.Path, c.Value) {
			o.logger.Debug().Str("task", c.TaskID).Str("path", c.Assign.Path).Msg("widget_not_mounted")
		}
	default:
		o.logger.Warn().Str("task", c.TaskID).Str("assign", string(c.Assign.Mode)).Msg("unknown_assign")
	}
}

func (o *Orchestrator) releaseToken(id model.TaskID, runID uint64) {
	runs := o.tokens[id]
	delete(runs, runID)
	if len(runs) == 0 {
		delete(o.tokens, id)
	}
}

// CancelTask signals every in-flight run of id. It does not wait for the
// runs to stop.
func (o *Orchestrator) CancelTask(id model.TaskID) {
	for _, tok := range o.tokens[id] {
		tok.Cancel()
	}
}

// CancelAll signals every in-flight run and drops all queued requests.
func (o *Orchestrator) CancelAll() {
	for id := range o.tokens {
		o.CancelTask(id)
	}
	for id := range o.queues {
		delete(o.queues, id)
		o.metrics.setQueueDepth(id, 0)
	}
}

// QueueLen returns the number of queued requests for id.
func (o *Orchestrator) QueueLen(id model.TaskID) int {
	return len(o.queues[id])
}

// RunningCount returns the number of in-flight runs of id.
func (o *Orchestrator) RunningCount(id model.TaskID) int {
	if st, ok := o.tracker.Lookup(id); ok {
		return st.RunningCount()
	}
	return 0
}

// InFlight returns the number of registered cancel tokens across all tasks.
func (o *Orchestrator) InFlight() int {
	n := 0
	for _, runs := range o.tokens {
		n += len(runs)
	}
	return n
}

func (o *Orchestrator) record(req model.TaskRequest, outcome Outcome, reason string, runID ...uint64) Outcome {
	o.metrics.request(req.TaskID, outcome)
	ev := o.logger.Debug().Str("task", req.TaskID).Str("outcome", string(outcome))
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	if len(runID) > 0 {
		ev = ev.Uint64("run_id", runID[0])
	}
	ev.Msg("request_run")
	return outcome
}

func (o *Orchestrator) publish(t events.EventType, id model.TaskID, runID uint64, reason string) {
	o.bus.Publish(events.Event{Type: t, TaskID: id, RunID: runID, Reason: reason})
}

func (o *Orchestrator) publishCompletion(c model.TaskCompletion) {
	o.bus.Publish(events.Event{Type: events.EventTaskCompleted, TaskID: c.TaskID, RunID: c.RunID, Error: c.Error})
}
