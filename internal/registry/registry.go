// Package registry loads task definitions, subscriptions and runtime
// configuration from a YAML document and watches it for changes.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/formtask/internal/executor"
	"github.com/msageha/formtask/internal/model"
)

// DefaultTimeoutMs applies to exec tasks that omit timeout_ms.
const DefaultTimeoutMs = 10000

// Document is the on-disk form of a registry file.
type Document struct {
	Config        model.Config      `yaml:"config"`
	Tasks         []TaskDoc         `yaml:"tasks"`
	Subscriptions []SubscriptionDoc `yaml:"subscriptions"`
}

type TaskDoc struct {
	ID          string    `yaml:"id"`
	Enabled     *bool     `yaml:"enabled,omitempty"`
	Exec        *ExecDoc  `yaml:"exec"`
	Parse       ParseDoc  `yaml:"parse,omitempty"`
	Assign      AssignDoc `yaml:"assign,omitempty"`
	Concurrency string    `yaml:"concurrency,omitempty"`
	Rerun       RerunDoc  `yaml:"rerun,omitempty"`
}

type ExecDoc struct {
	Program   string   `yaml:"program"`
	Args      []string `yaml:"args,omitempty"`
	TimeoutMs *int     `yaml:"timeout_ms,omitempty"`
}

type ParseDoc struct {
	Mode    string `yaml:"mode,omitempty"`
	Pattern string `yaml:"pattern,omitempty"`
	Query   string `yaml:"query,omitempty"`
}

type AssignDoc struct {
	Mode string `yaml:"mode,omitempty"`
	Path string `yaml:"path,omitempty"`
}

type RerunDoc struct {
	Mode          string `yaml:"mode,omitempty"`
	MinIntervalMs int    `yaml:"min_interval_ms,omitempty"`
}

type SubscriptionDoc struct {
	Task               string `yaml:"task"`
	Trigger            string `yaml:"trigger"`
	Step               string `yaml:"step,omitempty"`
	Node               string `yaml:"node,omitempty"`
	DebounceMs         int    `yaml:"debounce_ms,omitempty"`
	EveryMs            int    `yaml:"every_ms,omitempty"`
	OnlyWhenStepActive bool   `yaml:"only_when_step_active,omitempty"`
	Enabled            *bool  `yaml:"enabled,omitempty"`
}

// Registry is a validated, immutable set of task definitions.
type Registry struct {
	Config        model.Config
	Tasks         []model.TaskSpec
	Subscriptions []model.TaskSubscription

	byID map[model.TaskID]int
}

// Load reads and validates the registry file at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// Parse decodes and validates a registry document. Validation problems are
// returned together as *ValidationErrors.
func Parse(data []byte) (*Registry, error) {
	var doc Document
	dec := yamlv3.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return FromDocument(doc)
}

// FromDocument validates doc and converts it to model types.
func FromDocument(doc Document) (*Registry, error) {
	errs := &ValidationErrors{}
	reg := &Registry{
		Config: doc.Config.ApplyDefaults(),
		byID:   make(map[model.TaskID]int, len(doc.Tasks)),
	}
	validateConfig(reg.Config, errs.entry(SectionConfig, -1, ""))

	for i, td := range doc.Tasks {
		entry := errs.entry(SectionTasks, i, td.ID)
		spec := convertTask(td, entry)
		if !entry.ok() {
			continue
		}
		if _, dup := reg.byID[spec.ID]; dup {
			entry.addf("id", "duplicate task id %q", spec.ID)
			continue
		}
		reg.byID[spec.ID] = len(reg.Tasks)
		reg.Tasks = append(reg.Tasks, spec)
	}

	for i, sd := range doc.Subscriptions {
		entry := errs.entry(SectionSubscriptions, i, sd.Task)
		if sub := convertSubscription(sd, reg, entry); entry.ok() {
			reg.Subscriptions = append(reg.Subscriptions, sub)
		}
	}

	if errs.HasErrors() {
		return nil, errs
	}
	return reg, nil
}

func validateConfig(c model.Config, errs *entryErrors) {
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs.addf("logging.format", "must be console or json, got %q", c.Logging.Format)
	}
	if c.Journal.MaxSizeMB < 0 {
		errs.add("journal.max_size_mb", "must not be negative")
	}
}

func convertTask(td TaskDoc, errs *entryErrors) model.TaskSpec {
	if td.ID == "" {
		errs.add("id", "required")
	}
	spec := model.TaskSpec{
		ID:          td.ID,
		Enabled:     td.Enabled == nil || *td.Enabled,
		Concurrency: model.ConcurrencyPolicy(orDefault(td.Concurrency, string(model.ConcurrencyDropNew))),
		Rerun: model.RerunPolicy{
			Mode:        model.RerunMode(orDefault(td.Rerun.Mode, string(model.RerunAlways))),
			MinInterval: time.Duration(td.Rerun.MinIntervalMs) * time.Millisecond,
		},
		Assign: model.TaskAssign{
			Mode: model.AssignMode(orDefault(td.Assign.Mode, string(model.AssignIgnore))),
			Path: td.Assign.Path,
		},
	}

	if err := model.ValidateConcurrencyPolicy(spec.Concurrency); err != nil {
		errs.add("concurrency", err.Error())
	}
	if err := model.ValidateRerunMode(spec.Rerun.Mode); err != nil {
		errs.add("rerun.mode", err.Error())
	} else if spec.Rerun.Mode == model.RerunThrottle && td.Rerun.MinIntervalMs <= 0 {
		errs.add("rerun.min_interval_ms", "must be positive for throttle")
	}
	if err := model.ValidateAssignMode(spec.Assign.Mode); err != nil {
		errs.add("assign.mode", err.Error())
	} else if spec.Assign.Mode != model.AssignIgnore && spec.Assign.Path == "" {
		errs.addf("assign.path", "required for %s", spec.Assign.Mode)
	}

	if td.Exec == nil {
		errs.add("exec", "required")
	} else {
		spec.Kind = convertExec(*td.Exec, td.Parse, errs)
	}
	return spec
}

func convertExec(ed ExecDoc, pd ParseDoc, errs *entryErrors) model.ExecKind {
	if ed.Program == "" {
		errs.add("exec.program", "required")
	}
	// Explicit values below 1ms are clamped by ExecKind.EffectiveTimeout.
	timeoutMs := DefaultTimeoutMs
	if ed.TimeoutMs != nil {
		timeoutMs = *ed.TimeoutMs
	}

	parse := model.TaskParse{
		Mode:    model.ParseMode(orDefault(pd.Mode, string(model.ParseRawText))),
		Pattern: pd.Pattern,
		Query:   pd.Query,
	}
	if err := model.ValidateParseMode(parse.Mode); err != nil {
		errs.add("parse.mode", err.Error())
	}
	switch parse.Mode {
	case model.ParseRegex:
		if parse.Pattern == "" {
			errs.add("parse.pattern", "required for regex")
		} else if _, err := regexp.Compile(parse.Pattern); err != nil {
			errs.add("parse.pattern", err.Error())
		}
	case model.ParseJSON:
		if parse.Query != "" {
			if _, err := executor.CompileQuery(parse.Query); err != nil {
				errs.add("parse.query", err.Error())
			}
		}
	}

	return model.ExecKind{
		Program: ed.Program,
		Args:    append([]string(nil), ed.Args...),
		Timeout: time.Duration(timeoutMs) * time.Millisecond,
		Parse:   parse,
	}
}

func convertSubscription(sd SubscriptionDoc, reg *Registry, errs *entryErrors) model.TaskSubscription {
	if _, ok := reg.byID[sd.Task]; !ok {
		errs.addf("task", "%v %q", ErrUnknownTask, sd.Task)
	}
	trig := model.Trigger{
		Kind:               model.TriggerKind(sd.Trigger),
		StepID:             sd.Step,
		NodeID:             sd.Node,
		Debounce:           time.Duration(sd.DebounceMs) * time.Millisecond,
		Every:              time.Duration(sd.EveryMs) * time.Millisecond,
		OnlyWhenStepActive: sd.OnlyWhenStepActive,
	}
	if err := model.ValidateTriggerKind(trig.Kind); err != nil {
		errs.add("trigger", err.Error())
	}

	switch trig.Kind {
	case model.TriggerStepEnter, model.TriggerStepExit:
		if sd.Step == "" {
			errs.addf("step", "required for %s", trig.Kind)
		}
	case model.TriggerNodeValue:
		if sd.Node == "" {
			errs.add("node", "required for node_value")
		}
		if sd.DebounceMs < 0 {
			errs.add("debounce_ms", "must not be negative")
		}
	case model.TriggerInterval:
		if sd.EveryMs <= 0 {
			errs.add("every_ms", "must be positive for interval")
		}
		if sd.OnlyWhenStepActive && sd.Step == "" {
			errs.add("step", "required with only_when_step_active")
		}
	}

	sub := model.TaskSubscription{
		TaskID:  sd.Task,
		Trigger: trig,
		Enabled: sd.Enabled == nil || *sd.Enabled,
	}
	return sub
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Spec implements orchestrator.SpecSource.
func (r *Registry) Spec(id model.TaskID) (model.TaskSpec, bool) {
	i, ok := r.byID[id]
	if !ok {
		return model.TaskSpec{}, false
	}
	return r.Tasks[i], true
}

// Lookup is Spec with an error for CLI use.
func (r *Registry) Lookup(id model.TaskID) (model.TaskSpec, error) {
	spec, ok := r.Spec(id)
	if !ok {
		return model.TaskSpec{}, fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	return spec, nil
}

// IDs returns the task ids in sorted order.
func (r *Registry) IDs() []model.TaskID {
	ids := make([]model.TaskID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReloadEvent wraps the registry contents for delivery to the loop.
func (r *Registry) ReloadEvent() model.ReloadEvent {
	return model.ReloadEvent{Specs: r.Tasks, Subscriptions: r.Subscriptions}
}

// FromSpecs builds a registry around already validated specs, as carried
// by a ReloadEvent.
func FromSpecs(cfg model.Config, specs []model.TaskSpec, subs []model.TaskSubscription) *Registry {
	reg := &Registry{
		Config:        cfg,
		Tasks:         specs,
		Subscriptions: subs,
		byID:          make(map[model.TaskID]int, len(specs)),
	}
	for i, s := range specs {
		reg.byID[s.ID] = i
	}
	return reg
}
