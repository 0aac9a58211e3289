package model

import (
	"fmt"
	"time"
)

type TaskID = string

type ConcurrencyPolicy string

const (
	ConcurrencyDropNew  ConcurrencyPolicy = "drop_new"
	ConcurrencyQueue    ConcurrencyPolicy = "queue"
	ConcurrencyRestart  ConcurrencyPolicy = "restart"
	ConcurrencyParallel ConcurrencyPolicy = "parallel"
)

type RerunMode string

const (
	RerunAlways        RerunMode = "always"
	RerunSkipUnchanged RerunMode = "skip_unchanged"
	RerunThrottle      RerunMode = "throttle"
)

type ParseMode string

const (
	ParseRawText ParseMode = "raw_text"
	ParseJSON    ParseMode = "json"
	ParseLines   ParseMode = "lines"
	ParseNumber  ParseMode = "number"
	ParseRegex   ParseMode = "regex"
)

type AssignMode string

const (
	AssignIgnore      AssignMode = "ignore"
	AssignStorePath   AssignMode = "store_path"
	AssignWidgetValue AssignMode = "widget_value"
)

var validConcurrencyPolicies = map[ConcurrencyPolicy]bool{
	ConcurrencyDropNew:  true,
	ConcurrencyQueue:    true,
	ConcurrencyRestart:  true,
	ConcurrencyParallel: true,
}

var validRerunModes = map[RerunMode]bool{
	RerunAlways:        true,
	RerunSkipUnchanged: true,
	RerunThrottle:      true,
}

var validParseModes = map[ParseMode]bool{
	ParseRawText: true,
	ParseJSON:    true,
	ParseLines:   true,
	ParseNumber:  true,
	ParseRegex:   true,
}

var validAssignModes = map[AssignMode]bool{
	AssignIgnore:      true,
	AssignStorePath:   true,
	AssignWidgetValue: true,
}

func ValidateConcurrencyPolicy(p ConcurrencyPolicy) error {
	if !validConcurrencyPolicies[p] {
		return fmt.Errorf("unknown concurrency policy %q", p)
	}
	return nil
}

func ValidateRerunMode(m RerunMode) error {
	if !validRerunModes[m] {
		return fmt.Errorf("unknown rerun policy %q", m)
	}
	return nil
}

func ValidateParseMode(m ParseMode) error {
	if !validParseModes[m] {
		return fmt.Errorf("unknown parse kind %q", m)
	}
	return nil
}

func ValidateAssignMode(m AssignMode) error {
	if !validAssignModes[m] {
		return fmt.Errorf("unknown assign kind %q", m)
	}
	return nil
}

// RerunPolicy decides whether a new request may start at all.
// MinInterval is only consulted by RerunThrottle.
type RerunPolicy struct {
	Mode        RerunMode
	MinInterval time.Duration
}

// TaskParse describes how stdout becomes a Value. Pattern is used by
// ParseRegex; Query is an optional jq expression applied by ParseJSON.
type TaskParse struct {
	Mode    ParseMode
	Pattern string
	Query   string
}

// TaskAssign describes where a successful result goes.
type TaskAssign struct {
	Mode AssignMode
	Path string
}

// TaskKind is the closed set of work a task can perform.
type TaskKind interface {
	isTaskKind()
	clone() TaskKind
}

// MinTimeout is the lower clamp applied to exec timeouts.
const MinTimeout = time.Millisecond

// ExecKind runs an external program.
type ExecKind struct {
	Program string
	Args    []string
	Timeout time.Duration
	Parse   TaskParse
}

func (ExecKind) isTaskKind() {}

func (k ExecKind) clone() TaskKind {
	k.Args = append([]string(nil), k.Args...)
	return k
}

// EffectiveTimeout returns the timeout clamped to MinTimeout.
func (k ExecKind) EffectiveTimeout() time.Duration {
	if k.Timeout < MinTimeout {
		return MinTimeout
	}
	return k.Timeout
}

type TaskSpec struct {
	ID          TaskID
	Kind        TaskKind
	Assign      TaskAssign
	Concurrency ConcurrencyPolicy
	Rerun       RerunPolicy
	Enabled     bool
}

// Clone returns a copy that shares no mutable state with s.
func (s TaskSpec) Clone() TaskSpec {
	if s.Kind != nil {
		s.Kind = s.Kind.clone()
	}
	return s
}
