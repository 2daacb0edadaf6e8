package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/weft/internal/automation"
	"github.com/roach88/weft/internal/bus"
	"github.com/roach88/weft/internal/config"
	"github.com/roach88/weft/internal/graph"
	"github.com/roach88/weft/internal/metrics"
	"github.com/roach88/weft/internal/query"
	"github.com/roach88/weft/internal/store"
	"github.com/roach88/weft/internal/subscription"
	"github.com/roach88/weft/internal/webhook"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the automation engine",
		Long: `Open the node store, activate persisted automations, load CUE
automation definitions, and serve until interrupted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				cfg, err = config.Load(configPath)
				if err != nil {
					return WrapExitError(ExitCommandError, "load configuration", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return RunEngine(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	return cmd
}

// RunEngine wires the full instance graph from cfg and runs until ctx is
// canceled. Blocking is the point; callers own the lifetime via ctx.
func RunEngine(ctx context.Context, cfg config.Config) error {
	b := bus.New()
	m := metrics.New(prometheus.NewRegistry())
	b.OnEmit(func(graph.MutationEvent) { m.EventsEmitted.Inc() })

	st, err := store.Open(cfg.Database.Path, b)
	if err != nil {
		return WrapExitError(ExitCommandError, "open node store", err)
	}
	defer st.Close()

	subs := subscription.New(query.NewEvaluator(st), b, m)
	subs.SetSmartInvalidation(cfg.SmartInvalidation())
	subs.SetDebounce(cfg.Debounce())

	base, max := cfg.WebhookDelays()
	queue := webhook.NewQueue(m,
		webhook.WithRetryPolicy(cfg.Webhooks.MaxAttempts, base, max),
		webhook.WithProcessInterval(cfg.WebhookInterval()),
	)

	autos := automation.New(st, subs, noComputedFields{}, queue, m)
	defer autos.Close()

	if err := autos.Initialize(ctx); err != nil {
		return WrapExitError(ExitCommandError, "activate persisted automations", err)
	}
	if cfg.Automations.Dir != "" {
		if err := syncAutomations(ctx, autos, cfg.Automations.Dir); err != nil {
			return err
		}
	}

	queue.StartProcessing()
	defer queue.StopProcessing()

	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics listener failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}

	slog.Info("engine running",
		"database", cfg.Database.Path,
		"active_automations", autos.ActiveCount(),
		"debounce", cfg.Debounce().String(),
		"smart_invalidation", cfg.SmartInvalidation(),
	)

	<-ctx.Done()
	slog.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics listener shutdown failed", "error", err)
		}
	}
	return nil
}

// syncAutomations creates CUE-declared automations that are not yet
// persisted. Matching is by name; an existing automation keeps its node
// and runtime state.
func syncAutomations(ctx context.Context, autos *automation.Service, dir string) error {
	files, err := LoadAutomations(dir)
	if err != nil {
		return err
	}

	existing, err := autos.GetAll(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "list persisted automations", err)
	}
	known := make(map[string]bool, len(existing))
	for _, def := range existing {
		known[def.Name] = true
	}

	for _, file := range files {
		if file.Err != nil {
			return WrapExitError(ExitFailure,
				fmt.Sprintf("compile %s", file.Path), file.Err)
		}
		for _, def := range file.Definitions {
			if known[def.Name] {
				slog.Debug("automation already persisted", "name", def.Name)
				continue
			}
			id, err := autos.Create(ctx, def)
			if err != nil {
				return WrapExitError(ExitCommandError,
					fmt.Sprintf("create automation %q", def.Name), err)
			}
			slog.Info("automation created from definition file",
				"name", def.Name, "node", id, "file", file.Path)
		}
	}
	return nil
}

// noComputedFields is the ComputedFieldSource used until an external
// computed-field service is attached: every field reads as unknown and
// never changes.
type noComputedFields struct{}

func (noComputedFields) Value(graph.FieldID) (float64, bool, error) {
	return 0, false, nil
}

func (noComputedFields) OnValueChange(graph.FieldID, func(graph.ValueChange)) (func(), error) {
	return func() {}, nil
}
