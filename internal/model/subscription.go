package model

import (
	"fmt"
	"time"
)

type TriggerKind string

const (
	TriggerFlowStart    TriggerKind = "flow_start"
	TriggerFlowEnd      TriggerKind = "flow_end"
	TriggerStepEnter    TriggerKind = "step_enter"
	TriggerStepExit     TriggerKind = "step_exit"
	TriggerSubmitBefore TriggerKind = "submit_before"
	TriggerSubmitAfter  TriggerKind = "submit_after"
	TriggerNodeValue    TriggerKind = "node_value"
	TriggerInterval     TriggerKind = "interval"
)

var validTriggerKinds = map[TriggerKind]bool{
	TriggerFlowStart:    true,
	TriggerFlowEnd:      true,
	TriggerStepEnter:    true,
	TriggerStepExit:     true,
	TriggerSubmitBefore: true,
	TriggerSubmitAfter:  true,
	TriggerNodeValue:    true,
	TriggerInterval:     true,
}

func ValidateTriggerKind(k TriggerKind) error {
	if !validTriggerKinds[k] {
		return fmt.Errorf("unknown trigger %q", k)
	}
	return nil
}

// Trigger names the domain event that requests a task.
//
//	step_enter, step_exit: StepID
//	node_value:            NodeID, Debounce
//	interval:              Every, OnlyWhenStepActive, StepID
type Trigger struct {
	Kind               TriggerKind
	StepID             string
	NodeID             string
	Debounce           time.Duration
	Every              time.Duration
	OnlyWhenStepActive bool
}

type TaskSubscription struct {
	TaskID  TaskID
	Trigger Trigger
	Enabled bool
}
