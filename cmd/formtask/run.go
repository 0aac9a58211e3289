package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/msageha/formtask/internal/events"
	"github.com/msageha/formtask/internal/loop"
	"github.com/msageha/formtask/internal/model"
	"github.com/msageha/formtask/internal/orchestrator"
	"github.com/msageha/formtask/internal/registry"
)

type runOptions struct {
	metricsAddr  string
	snapshotPath string
	journalPath  string
	watch        bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive a headless flow from stdin",
		Long: `Reads one input per line from stdin and feeds it to the task loop:

  start | end | enter <step> | exit <step> | submit | set <node> <value> | quit

Values given to set are decoded as JSON when possible and used as plain
text otherwise. End of input behaves like quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFlow(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides config.metrics.listen)")
	cmd.Flags().StringVar(&opts.snapshotPath, "snapshot", "", "Write the value store to this YAML file on exit")
	cmd.Flags().StringVar(&opts.journalPath, "journal", "", "Append run completions to this jsonl file (overrides config.journal.path)")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "Reload the registry when the file changes")
	return cmd
}

func runFlow(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	reg, logger, err := root.load()
	if err != nil {
		return err
	}
	cfg := reg.Config

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l := loop.New(reg, logger)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	l.SetMetrics(orchestrator.NewMetrics(promReg))

	bus := events.NewBus(64)
	defer bus.Close()
	bus.Subscribe(func(ev events.Event) {
		logger.Debug().Str("event", string(ev.Type)).Str("task", ev.TaskID).Uint64("run_id", ev.RunID).Str("reason", ev.Reason).Msg("task_event")
	}, events.EventTaskStarted, events.EventTaskQueued, events.EventTaskDropped, events.EventTaskDiscarded)
	l.SetBus(bus)

	l.SetWidgets(&headlessWidgets{logger: logger})
	l.Store().Observe(func(path string, value model.Value) {
		logger.Info().Str("path", path).Interface("value", value).Msg("store_set")
	})
	l.SetRenderHook(func(c model.TaskCompletion) {
		if c.Failed() {
			logger.Warn().Str("task", c.TaskID).Uint64("run_id", c.RunID).Str("error", c.Error).Msg("run_failed")
		}
	})

	journalPath := firstNonEmpty(opts.journalPath, cfg.Journal.Path)
	if journalPath != "" {
		j, err := events.OpenJournal(journalPath, int64(cfg.Journal.MaxSizeMB)*1024*1024)
		if err != nil {
			return err
		}
		defer j.Close()
		j.EnableChecksum(cfg.Journal.Checksum)
		l.SetJournal(j)
	}

	if addr := firstNonEmpty(opts.metricsAddr, cfg.Metrics.Listen); addr != "" {
		srv := serveMetrics(addr, promReg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if opts.watch {
		w, err := registry.NewWatcher(root.file, l.Reload, logger)
		if err != nil {
			return err
		}
		defer w.Close()
		go w.Run(ctx)
	}

	go feedInputs(cmd.InOrStdin(), l, logger)

	if err := l.Run(ctx); err != nil {
		return err
	}

	if opts.snapshotPath != "" {
		if err := l.Store().WriteSnapshot(opts.snapshotPath); err != nil {
			return err
		}
		logger.Info().Str("path", opts.snapshotPath).Msg("snapshot_written")
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics_server_failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("metrics_listening")
	return srv
}

// feedInputs forwards stdin lines to the loop until EOF or the loop stops.
func feedInputs(r io.Reader, l *loop.Loop, logger zerolog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		inputs, err := parseInputLine(sc.Text())
		if err != nil {
			logger.Warn().Err(err).Msg("bad_input")
			continue
		}
		for _, in := range inputs {
			if !l.Send(in) {
				return
			}
		}
	}
	l.Send(loop.Quit{})
}

// parseInputLine maps one line of the headless protocol to loop inputs.
// Blank lines and lines starting with # yield nothing.
func parseInputLine(line string) ([]loop.Input, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}
	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "start":
		return []loop.Input{loop.FlowStart{}}, nil
	case "end":
		return []loop.Input{loop.FlowEnd{}}, nil
	case "enter", "exit":
		if rest == "" {
			return nil, fmt.Errorf("%s: step id required", verb)
		}
		if verb == "enter" {
			return []loop.Input{loop.StepEnter{Step: rest}}, nil
		}
		return []loop.Input{loop.StepExit{Step: rest}}, nil
	case "submit":
		return []loop.Input{loop.SubmitBefore{}, loop.SubmitAfter{}}, nil
	case "set":
		node, raw, ok := strings.Cut(rest, " ")
		if !ok || node == "" {
			return nil, errors.New("set: usage set <node> <value>")
		}
		return []loop.Input{loop.NodeValue{Node: node, Value: decodeValue(strings.TrimSpace(raw))}}, nil
	case "quit":
		return []loop.Input{loop.Quit{}}, nil
	default:
		return nil, fmt.Errorf("unknown input %q", verb)
	}
}

func decodeValue(raw string) model.Value {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// headlessWidgets stands in for mounted widgets when no UI is attached.
type headlessWidgets struct {
	logger zerolog.Logger
}

func (w *headlessWidgets) SetWidgetValue(path string, value model.Value) bool {
	w.logger.Info().Str("widget", path).Interface("value", value).Msg("widget_value")
	return true
}
