// Package trigger turns flow events into run requests.
package trigger

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/formtask/internal/model"
	"github.com/msageha/formtask/internal/orchestrator"
	"github.com/msageha/formtask/internal/scheduler"
)

// Requester accepts run requests. *orchestrator.Orchestrator satisfies it.
type Requester interface {
	RequestRun(req model.TaskRequest, now time.Time) orchestrator.Outcome
}

// Timer is the subset of the scheduler the dispatcher needs.
type Timer interface {
	Schedule(cmd scheduler.Command[model.AppEvent], now time.Time)
	Pending(key string) bool
}

// NodeValueKey is the debounce key for a node_value subscription.
func NodeValueKey(nodeID string, taskID model.TaskID) string {
	return fmt.Sprintf("task:on-node-value:%s:%s", nodeID, taskID)
}

// IntervalKey is the scheduler key for the interval subscription at index.
func IntervalKey(taskID model.TaskID, index int) string {
	return fmt.Sprintf("task:on-interval:%s:%d", taskID, index)
}

// Dispatcher matches flow events against subscriptions. It also tracks
// which steps are active and serves as the orchestrator's StepState.
type Dispatcher struct {
	subs        []model.TaskSubscription
	requester   Requester
	timer       Timer
	activeSteps map[string]bool
	flowActive  bool
	logger      zerolog.Logger
}

func NewDispatcher(subs []model.TaskSubscription, requester Requester, timer Timer, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		subs:        subs,
		requester:   requester,
		timer:       timer,
		activeSteps: make(map[string]bool),
		logger:      logger.With().Str("component", "trigger").Logger(),
	}
}

// SetSubscriptions replaces the subscription list. While a flow is active,
// intervals of the old list are cancelled and those of the new list armed.
func (d *Dispatcher) SetSubscriptions(subs []model.TaskSubscription, now time.Time) {
	if d.flowActive {
		d.cancelIntervals(now)
	}
	d.subs = subs
	if d.flowActive {
		d.armIntervals(now, func(model.TaskSubscription) bool { return true })
	}
}

// StepActive reports whether stepID has been entered and not exited.
func (d *Dispatcher) StepActive(stepID string) bool {
	return d.activeSteps[stepID]
}

// FlowActive reports whether FlowStart has been seen without a FlowEnd.
func (d *Dispatcher) FlowActive() bool {
	return d.flowActive
}

func (d *Dispatcher) FlowStart(now time.Time) {
	d.flowActive = true
	d.fire(now, func(t model.Trigger) bool { return t.Kind == model.TriggerFlowStart })
	d.armIntervals(now, func(model.TaskSubscription) bool { return true })
}

func (d *Dispatcher) FlowEnd(now time.Time) {
	d.fire(now, func(t model.Trigger) bool { return t.Kind == model.TriggerFlowEnd })
	d.cancelIntervals(now)
	d.flowActive = false
	clear(d.activeSteps)
}

// StepEnter marks stepID active, fires step_enter subscriptions and re-arms
// intervals bound to the step that went idle while it was inactive.
func (d *Dispatcher) StepEnter(stepID string, now time.Time) {
	d.activeSteps[stepID] = true
	d.fire(now, func(t model.Trigger) bool {
		return t.Kind == model.TriggerStepEnter && t.StepID == stepID
	})
	if d.flowActive {
		d.armIntervals(now, func(s model.TaskSubscription) bool {
			return s.Trigger.OnlyWhenStepActive && s.Trigger.StepID == stepID
		})
	}
}

func (d *Dispatcher) StepExit(stepID string, now time.Time) {
	d.fire(now, func(t model.Trigger) bool {
		return t.Kind == model.TriggerStepExit && t.StepID == stepID
	})
	delete(d.activeSteps, stepID)
}

func (d *Dispatcher) SubmitBefore(now time.Time) {
	d.fire(now, func(t model.Trigger) bool { return t.Kind == model.TriggerSubmitBefore })
}

func (d *Dispatcher) SubmitAfter(now time.Time) {
	d.fire(now, func(t model.Trigger) bool { return t.Kind == model.TriggerSubmitAfter })
}

// NodeValueChanged requests every task watching nodeID, fingerprinted by
// the node and its new value. Debounced subscriptions are scheduled instead.
func (d *Dispatcher) NodeValueChanged(nodeID string, value model.Value, now time.Time) {
	fp := model.ComputeFingerprint(nodeID, value)
	for _, s := range d.subs {
		if !s.Enabled || s.Trigger.Kind != model.TriggerNodeValue || s.Trigger.NodeID != nodeID {
			continue
		}
		req := model.TaskRequest{TaskID: s.TaskID}.WithFingerprint(fp)
		if s.Trigger.Debounce <= 0 {
			d.request(req, now)
			continue
		}
		d.timer.Schedule(scheduler.Debounce[model.AppEvent]{
			Key:   NodeValueKey(nodeID, s.TaskID),
			Delay: s.Trigger.Debounce,
			Event: model.RequestEvent{Request: req},
		}, now)
	}
}

func (d *Dispatcher) fire(now time.Time, match func(model.Trigger) bool) {
	for _, s := range d.subs {
		if s.Enabled && match(s.Trigger) {
			d.request(model.TaskRequest{TaskID: s.TaskID}, now)
		}
	}
}

// armIntervals requests each matching interval subscription once; the
// orchestrator schedules the following periods. Intervals that are already
// pending are left alone.
func (d *Dispatcher) armIntervals(now time.Time, match func(model.TaskSubscription) bool) {
	for i, s := range d.subs {
		if !s.Enabled || s.Trigger.Kind != model.TriggerInterval || !match(s) {
			continue
		}
		key := IntervalKey(s.TaskID, i)
		if d.timer.Pending(key) {
			continue
		}
		d.request(model.TaskRequest{
			TaskID: s.TaskID,
			Interval: &model.IntervalSpec{
				Key:                key,
				Every:              s.Trigger.Every,
				OnlyWhenStepActive: s.Trigger.OnlyWhenStepActive,
				StepID:             s.Trigger.StepID,
			},
		}, now)
	}
}

func (d *Dispatcher) cancelIntervals(now time.Time) {
	for i, s := range d.subs {
		if s.Trigger.Kind == model.TriggerInterval {
			d.timer.Schedule(scheduler.Cancel[model.AppEvent]{Key: IntervalKey(s.TaskID, i)}, now)
		}
	}
}

func (d *Dispatcher) request(req model.TaskRequest, now time.Time) {
	outcome := d.requester.RequestRun(req, now)
	d.logger.Trace().Str("task", req.TaskID).Str("outcome", string(outcome)).Msg("dispatch")
}
