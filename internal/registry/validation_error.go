package registry

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownTask = errors.New("unknown task")

// Document sections an entry can belong to.
const (
	SectionConfig        = "config"
	SectionTasks         = "tasks"
	SectionSubscriptions = "subscriptions"
)

// ValidationError is one problem in a registry document. Index is the
// position of the task or subscription within its section, -1 for config.
// Task names the task the entry defines or refers to, when known.
type ValidationError struct {
	Section string
	Index   int
	Task    string
	Field   string
	Message string
}

// FieldPath is the dotted location of the field, e.g. tasks[2].exec.program.
func (e ValidationError) FieldPath() string {
	return joinField(e.entryPath(), e.Field)
}

func (e ValidationError) entryPath() string {
	if e.Index < 0 {
		return e.Section
	}
	return fmt.Sprintf("%s[%d]", e.Section, e.Index)
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath(), e.Message)
}

// ValidationErrors collects every problem found in a registry document.
type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// ForTask returns the errors of entries that define or reference task id.
func (ve *ValidationErrors) ForTask(id string) []ValidationError {
	var out []ValidationError
	for _, e := range ve.Errors {
		if e.Task == id {
			out = append(out, e)
		}
	}
	return out
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}

// FormatStderr renders the errors grouped by entry, in document order:
//
//	error: tasks[0] (task "a"):
//	  exec.program: required
func (ve *ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	last := ""
	for _, e := range ve.Errors {
		entry := e.entryPath()
		if entry != last {
			fmt.Fprintf(&sb, "error: %s", entry)
			if e.Task != "" {
				fmt.Fprintf(&sb, " (task %q)", e.Task)
			}
			sb.WriteString(":\n")
			last = entry
		}
		fmt.Fprintf(&sb, "  %s: %s\n", e.Field, e.Message)
	}
	return sb.String()
}

func (ve *ValidationErrors) entry(section string, index int, task string) *entryErrors {
	return &entryErrors{all: ve, section: section, index: index, task: task}
}

// entryErrors records problems against one config, task or subscription
// entry.
type entryErrors struct {
	all     *ValidationErrors
	section string
	index   int
	task    string
	count   int
}

func (s *entryErrors) add(field, message string) {
	s.all.Errors = append(s.all.Errors, ValidationError{
		Section: s.section,
		Index:   s.index,
		Task:    s.task,
		Field:   field,
		Message: message,
	})
	s.count++
}

func (s *entryErrors) addf(field, format string, args ...any) {
	s.add(field, fmt.Sprintf(format, args...))
}

func (s *entryErrors) ok() bool {
	return s.count == 0
}

func joinField(entry, field string) string {
	if field == "" {
		return entry
	}
	return entry + "." + field
}
