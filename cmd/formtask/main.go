package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/msageha/formtask/internal/executor"
	"github.com/msageha/formtask/internal/logging"
	"github.com/msageha/formtask/internal/model"
	"github.com/msageha/formtask/internal/registry"
)

const version = "0.3.0"

type rootOptions struct {
	file     string
	logLevel string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var ve *registry.ValidationErrors
		if errors.As(err, &ve) {
			fmt.Fprint(os.Stderr, ve.FormatStderr())
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "formtask",
		Short:         "Run background tasks for a form-driven terminal flow",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.file, "file", "f", "formtask.yaml", "Path to the task registry")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override config.logging.level")

	cmd.AddCommand(newValidateCommand(opts), newExecCommand(opts), newRunCommand(opts))
	return cmd
}

// load reads the registry and builds the logger it configures.
func (o *rootOptions) load() (*registry.Registry, zerolog.Logger, error) {
	reg, err := registry.Load(o.file)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	cfg := reg.Config.Logging
	if o.logLevel != "" {
		cfg.Level = o.logLevel
	}
	return reg, logging.New(os.Stderr, cfg), nil
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the task registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, _, err := opts.load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d tasks, %d subscriptions\n", len(reg.Tasks), len(reg.Subscriptions))
			return nil
		},
	}
}

// completionView is the printed form of a completion.
type completionView struct {
	Task       string      `yaml:"task"`
	RunID      uint64      `yaml:"run_id"`
	Value      model.Value `yaml:"value,omitempty"`
	StatusCode *int        `yaml:"status_code,omitempty"`
	Error      string      `yaml:"error,omitempty"`
	Cancelled  bool        `yaml:"cancelled,omitempty"`
	DurationMs int64       `yaml:"duration_ms"`
	Stderr     string      `yaml:"stderr,omitempty"`
}

func newExecCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <task-id>",
		Short: "Run one task once and print its completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, logger, err := opts.load()
			if err != nil {
				return err
			}
			spec, err := reg.Lookup(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c := executor.New(reg.Config.Executor, logger).Execute(ctx, model.TaskInvocation{
				Spec:  spec.Clone(),
				RunID: 1,
				Token: model.NewCancelToken(),
			})

			out, err := yaml.Marshal(completionView{
				Task:       c.TaskID,
				RunID:      c.RunID,
				Value:      c.Value,
				StatusCode: c.StatusCode,
				Error:      c.Error,
				Cancelled:  c.Cancelled,
				DurationMs: c.Duration.Milliseconds(),
				Stderr:     c.Stderr,
			})
			if err != nil {
				return fmt.Errorf("yaml marshal: %w", err)
			}
			if _, err := cmd.OutOrStdout().Write(out); err != nil {
				return err
			}
			if c.Failed() {
				return fmt.Errorf("task %s failed", c.TaskID)
			}
			return nil
		},
	}
}
