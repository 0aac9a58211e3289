package loop

import "github.com/msageha/formtask/internal/model"

// Input is a UI event delivered to the loop. The set of variants is closed.
type Input interface {
	isInput()
}

type FlowStart struct{}

type FlowEnd struct{}

type StepEnter struct {
	Step string
}

type StepExit struct {
	Step string
}

type SubmitBefore struct{}

type SubmitAfter struct{}

// NodeValue reports that the widget bound to Node now holds Value.
type NodeValue struct {
	Node  string
	Value model.Value
}

// Quit stops the loop after in-flight runs have been cancelled and reaped.
type Quit struct{}

func (FlowStart) isInput()    {}
func (FlowEnd) isInput()      {}
func (StepEnter) isInput()    {}
func (StepExit) isInput()     {}
func (SubmitBefore) isInput() {}
func (SubmitAfter) isInput()  {}
func (NodeValue) isInput()    {}
func (Quit) isInput()         {}
