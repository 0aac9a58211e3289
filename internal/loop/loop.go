// Package loop runs the single goroutine that owns all task state. UI
// inputs, timer firings and worker completions are all applied here, one
// at a time, in arrival order.
package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/formtask/internal/events"
	"github.com/msageha/formtask/internal/executor"
	"github.com/msageha/formtask/internal/model"
	"github.com/msageha/formtask/internal/orchestrator"
	"github.com/msageha/formtask/internal/registry"
	"github.com/msageha/formtask/internal/scheduler"
	"github.com/msageha/formtask/internal/store"
	"github.com/msageha/formtask/internal/trigger"
)

// RenderFunc is called after every handled completion.
type RenderFunc func(c model.TaskCompletion)

// Loop wires the scheduler, orchestrator, trigger dispatch and value store
// to a pool of executor workers.
type Loop struct {
	config  model.Config
	sched   *scheduler.Scheduler[model.AppEvent]
	orch    *orchestrator.Orchestrator
	disp    *trigger.Dispatcher
	store   *store.Store
	engine  *executor.Engine
	journal *events.Journal
	render  RenderFunc

	inputs    chan Input
	appEvents chan model.AppEvent
	group     errgroup.Group
	backlog   []model.TaskInvocation
	session   atomic.Value // string

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	shutdown sync.Once

	now    func() time.Time
	logger zerolog.Logger
}

// New builds a loop around reg. Optional collaborators are wired with the
// Set* methods before Run.
func New(reg *registry.Registry, logger zerolog.Logger) *Loop {
	cfg := reg.Config.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	sched := scheduler.New[model.AppEvent]()
	st := store.New()
	orch := orchestrator.New(reg, sched, cfg.Orchestrator, logger)
	disp := trigger.NewDispatcher(reg.Subscriptions, orch, sched, logger)
	orch.SetStore(st)
	orch.SetStepState(disp)

	l := &Loop{
		config:    cfg,
		sched:     sched,
		orch:      orch,
		disp:      disp,
		store:     st,
		engine:    executor.New(cfg.Executor, logger),
		inputs:    make(chan Input, 16),
		appEvents: make(chan model.AppEvent, 64),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		now:       time.Now,
		logger:    logger.With().Str("component", "loop").Logger(),
	}
	if cfg.Loop.MaxWorkers > 0 {
		l.group.SetLimit(cfg.Loop.MaxWorkers)
	}
	return l
}

func (l *Loop) SetJournal(j *events.Journal)             { l.journal = j }
func (l *Loop) SetBus(b *events.Bus)                     { l.orch.SetBus(b) }
func (l *Loop) SetMetrics(m *orchestrator.Metrics)       { l.orch.SetMetrics(m) }
func (l *Loop) SetWidgets(w orchestrator.WidgetSink)     { l.orch.SetWidgets(w) }
func (l *Loop) SetRenderHook(fn RenderFunc)              { l.render = fn }
func (l *Loop) Store() *store.Store                      { return l.store }
func (l *Loop) Orchestrator() *orchestrator.Orchestrator { return l.orch }

// Session returns the id of the current flow, or "" before the first
// FlowStart. Safe to call from any goroutine.
func (l *Loop) Session() string {
	s, _ := l.session.Load().(string)
	return s
}

// Send delivers a UI input. It reports false once the loop has stopped.
func (l *Loop) Send(in Input) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.inputs <- in:
		return true
	case <-l.done:
		return false
	}
}

// Reload hands a new registry to the loop. It is safe to call from the
// registry watcher goroutine.
func (l *Loop) Reload(reg *registry.Registry) {
	select {
	case l.appEvents <- reg.ReloadEvent():
	case <-l.done:
	}
}

// Shutdown asks Run to stop. Safe to call more than once and from any
// goroutine.
func (l *Loop) Shutdown() {
	l.shutdown.Do(func() {
		l.logger.Info().Msg("shutdown_requested")
		l.cancel()
	})
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run processes events until Quit, Shutdown or ctx cancellation. In-flight
// runs are cancelled and reaped before it returns.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.Shutdown)
	defer stop()
	defer l.drain()

	l.logger.Info().Int("max_workers", l.config.Loop.MaxWorkers).Msg("loop_started")
	pollCap := time.Duration(l.config.Loop.PollCapMs) * time.Millisecond
	backlogRetry := time.Duration(l.config.Executor.PollIntervalMs) * time.Millisecond

	for {
		l.dispatch()

		timeout := l.sched.PollTimeout(l.now(), pollCap)
		if len(l.backlog) > 0 && timeout > backlogRetry {
			timeout = backlogRetry
		}
		timer := time.NewTimer(timeout)

		select {
		case <-l.ctx.Done():
			timer.Stop()
			return nil
		case in := <-l.inputs:
			timer.Stop()
			if !l.handleInput(in) {
				return nil
			}
		case ev := <-l.appEvents:
			timer.Stop()
			l.handleAppEvent(ev)
		case <-timer.C:
		}

		for _, ev := range l.sched.DrainReady(l.now()) {
			l.handleAppEvent(ev)
		}
	}
}

func (l *Loop) handleInput(in Input) bool {
	now := l.now()
	switch in := in.(type) {
	case FlowStart:
		session := uuid.NewString()
		l.session.Store(session)
		l.logger.Info().Str("session", session).Msg("flow_started")
		l.disp.FlowStart(now)
	case FlowEnd:
		l.disp.FlowEnd(now)
		l.logger.Info().Str("session", l.Session()).Msg("flow_ended")
	case StepEnter:
		l.disp.StepEnter(in.Step, now)
	case StepExit:
		l.disp.StepExit(in.Step, now)
	case SubmitBefore:
		l.disp.SubmitBefore(now)
	case SubmitAfter:
		l.disp.SubmitAfter(now)
	case NodeValue:
		l.disp.NodeValueChanged(in.Node, in.Value, now)
	case Quit:
		l.logger.Info().Msg("quit_requested")
		return false
	}
	return true
}

func (l *Loop) handleAppEvent(ev model.AppEvent) {
	now := l.now()
	switch ev := ev.(type) {
	case model.RequestEvent:
		l.orch.RequestRun(ev.Request, now)
	case model.CompletionEvent:
		l.complete(ev.Completion, now)
	case model.ReloadEvent:
		reg := registry.FromSpecs(l.config, ev.Specs, ev.Subscriptions)
		l.orch.SetSpecs(reg)
		l.disp.SetSubscriptions(ev.Subscriptions, now)
		l.logger.Info().Int("tasks", len(ev.Specs)).Int("subscriptions", len(ev.Subscriptions)).Msg("registry_applied")
	}
}

func (l *Loop) complete(c model.TaskCompletion, now time.Time) {
	res := l.orch.CompleteRun(c, now)
	if l.journal != nil {
		if err := l.journal.Record(c, string(res)); err != nil {
			l.logger.Error().Err(err).Str("task", c.TaskID).Msg("journal_write_failed")
		}
	}
	if res.Handled() && l.render != nil {
		l.render(c)
	}
}

// dispatch moves newly started invocations to workers. Invocations beyond
// the worker limit wait in the backlog, in start order.
func (l *Loop) dispatch() {
	l.backlog = append(l.backlog, l.orch.TakePendingInvocations()...)
	for len(l.backlog) > 0 {
		inv := l.backlog[0]
		if !l.group.TryGo(func() error {
			l.execute(inv)
			return nil
		}) {
			return
		}
		l.backlog = l.backlog[1:]
	}
	l.backlog = nil
}

func (l *Loop) execute(inv model.TaskInvocation) {
	c := l.engine.Execute(l.ctx, inv)
	select {
	case l.appEvents <- model.CompletionEvent{Completion: c}:
	case <-l.done:
	}
}

// drain cancels everything in flight and applies the completions that
// arrive before the shutdown timeout.
func (l *Loop) drain() {
	l.Shutdown()
	l.orch.CancelAll()
	if n := len(l.backlog); n > 0 {
		l.logger.Debug().Int("count", n).Msg("backlog_discarded")
		l.backlog = nil
	}

	waited := make(chan struct{})
	go func() {
		_ = l.group.Wait()
		close(waited)
	}()

	timeout := time.Duration(l.config.Loop.ShutdownTimeoutSec) * time.Second
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case ev := <-l.appEvents:
			l.applyDuringDrain(ev)
		case <-waited:
			for {
				select {
				case ev := <-l.appEvents:
					l.applyDuringDrain(ev)
				default:
					l.logger.Info().Msg("loop_stopped")
					close(l.done)
					return
				}
			}
		case <-deadline.C:
			l.logger.Warn().Dur("timeout", timeout).Int("in_flight", l.orch.InFlight()).Msg("shutdown_timeout")
			close(l.done)
			return
		}
	}
}

func (l *Loop) applyDuringDrain(ev model.AppEvent) {
	if c, ok := ev.(model.CompletionEvent); ok {
		l.complete(c.Completion, l.now())
	}
}
