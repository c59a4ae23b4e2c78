package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clipscommerce/improvement/internal/abtest"
	"github.com/clipscommerce/improvement/internal/agent"
	"github.com/clipscommerce/improvement/internal/bandit"
	"github.com/clipscommerce/improvement/internal/config"
	"github.com/clipscommerce/improvement/internal/datastore"
	"github.com/clipscommerce/improvement/internal/engagement"
	"github.com/clipscommerce/improvement/internal/logging"
	"github.com/clipscommerce/improvement/internal/metrics"
	"github.com/clipscommerce/improvement/internal/orchestrator"
	"github.com/clipscommerce/improvement/internal/stats"
	"github.com/clipscommerce/improvement/internal/training"
	"github.com/clipscommerce/improvement/pkg/otel"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "improvement",
		Short: "Agent orchestration for content engagement improvement",
		Long: `Runs the improvement agents (data collection, content optimization,
engagement prediction and A/B testing) under the master orchestrator, and
runs one-off user training sessions.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(importCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is the process wiring shared by every subcommand.
type env struct {
	cfg     config.Config
	logger  *zap.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	store   datastore.Store
	closers []func() error
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e := &env{
		cfg:     cfg,
		logger:  logger,
		reg:     reg,
		metrics: metrics.New(reg),
	}

	switch cfg.Store.Backend {
	case "memory":
		e.store = datastore.NewMemoryStore()
	case "postgres":
		e.store, err = datastore.NewPostgresStore(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
	e.closers = append(e.closers, e.store.Close)

	if cfg.Telemetry.TracingEnabled {
		tcfg := otel.DefaultConfig("improvement")
		tcfg.CollectorEndpoint = cfg.Telemetry.CollectorEndpoint
		tcfg.SamplingRate = cfg.Telemetry.SamplingRate
		tp, err := otel.InitTracer(ctx, tcfg)
		if err != nil {
			logger.Warn("tracing disabled", zap.Error(err))
		} else {
			e.closers = append(e.closers, func() error {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return otel.Shutdown(sctx, tp)
			})
		}
	}
	return e, nil
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = e.logger.Sync()
}

func (e *env) trainer() *engagement.Trainer {
	return engagement.NewTrainer(engagement.Config{
		LearningRate: e.cfg.Trainer.LearningRate,
		MaxEpochs:    e.cfg.Trainer.MaxEpochs,
		Tolerance:    e.cfg.Trainer.Tolerance,
		Logger:       e.logger,
		Metrics:      e.metrics,
	})
}

// rewardSink opens the configured sink and returns the history to replay
// into the bandit.
func (e *env) rewardSink(ctx context.Context) (bandit.RewardSink, []bandit.RewardEvent, error) {
	bc := e.cfg.Bandit
	switch bc.RewardSink {
	case "", "none":
		return bandit.NopSink{}, nil, nil
	case "journal":
		history, err := bandit.LoadJournal(bc.JournalDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to replay reward journal: %w", err)
		}
		sink, err := bandit.NewJournalSink(bc.JournalDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open reward journal: %w", err)
		}
		e.closers = append(e.closers, sink.Close)
		return sink, history, nil
	case "redis":
		sink, err := bandit.NewRedisRewardSink(bc.RedisAddr, bc.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		e.closers = append(e.closers, sink.Close)
		history, err := sink.Load(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load reward history: %w", err)
		}
		return sink, history, nil
	default:
		return nil, nil, fmt.Errorf("unknown reward sink: %s", bc.RewardSink)
	}
}

func (e *env) experimentStore(ctx context.Context) (abtest.Store, error) {
	if e.cfg.Store.Backend != "postgres" {
		return abtest.NewMemoryStore(), nil
	}
	s, err := abtest.NewPostgresStore(ctx, e.cfg.Store.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create experiment store: %w", err)
	}
	e.closers = append(e.closers, s.Close)
	return s, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agents under the master orchestrator until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			orch, err := e.buildOrchestrator(ctx)
			if err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{Registry: e.reg}))
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				if orch.State() != orchestrator.StateRunning {
					http.Error(w, string(orch.State()), http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("OK"))
			})
			mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]any{
					"state":       orch.State(),
					"system":      orch.SystemMetrics(),
					"objectives":  orch.Objectives(),
					"allocations": orch.Allocations(),
					"alerts":      orch.Alerts(20),
				})
			})

			httpServer := &http.Server{
				Addr:         e.cfg.MetricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  60 * time.Second,
			}
			go func() {
				e.logger.Info("serving metrics", zap.String("addr", e.cfg.MetricsAddr))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					e.logger.Error("metrics server error", zap.Error(err))
				}
			}()

			if err := orch.Start(ctx); err != nil {
				return fmt.Errorf("failed to start orchestrator: %w", err)
			}

			<-ctx.Done()
			e.logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := orch.Stop(shutdownCtx); err != nil {
				e.logger.Warn("orchestrator stop error", zap.Error(err))
			}
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				e.logger.Warn("metrics server shutdown error", zap.Error(err))
			}
			return nil
		},
	}
}

func (e *env) buildOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	sink, history, err := e.rewardSink(ctx)
	if err != nil {
		return nil, err
	}
	b := bandit.New(bandit.Config{
		Epsilon: e.cfg.Bandit.Epsilon,
		Sink:    sink,
		Logger:  e.logger,
		Metrics: e.metrics,
	})
	b.Restore(history)

	expStore, err := e.experimentStore(ctx)
	if err != nil {
		return nil, err
	}
	engine := abtest.NewEngine(abtest.Config{
		Store:    expStore,
		Strategy: stats.StrategyByName(e.cfg.Experiments.PValueStrategy),
		Logger:   e.logger,
		Metrics:  e.metrics,
	})

	opts := func(id string) agent.Options {
		return agent.Options{ID: id, Logger: e.logger, TaskTimeout: e.cfg.Orchestrator.TaskTimeout}
	}

	dc := e.cfg.DataCollection
	collector := agent.NewDataCollectionAgent(agent.DataCollectionConfig{
		Options:         opts("data-collection"),
		Store:           e.store,
		RequiredSamples: dc.RequiredSamples,
		GapInterval:     dc.GapInterval,
		RateLimit:       dc.RateLimit,
		Niches:          dc.Niches,
		Platforms:       dc.Platforms,
	})
	if !collector.CanCollect() {
		e.logger.Info("no content collector configured, data gaps are reported but not remediated")
	}
	optimizer, err := agent.NewContentOptimizationAgent(agent.ContentOptimizationConfig{
		Options: opts("content-optimization"),
		Bandit:  b,
	})
	if err != nil {
		return nil, err
	}
	predictor := agent.NewEngagementPredictionAgent(agent.EngagementPredictionConfig{
		Options: opts("engagement-prediction"),
		Trainer: e.trainer(),
		Store:   e.store,
	})
	tester := agent.NewABTestingAgent(agent.ABTestingConfig{
		Options: opts("ab-testing"),
		Engine:  engine,
	})

	oc := e.cfg.Orchestrator
	return orchestrator.New(orchestrator.Config{
		Agents:             []agent.Agent{collector, optimizer, predictor, tester},
		Store:              e.store,
		CycleInterval:      oc.CycleInterval,
		MaxConcurrentTasks: oc.MaxConcurrentTasks,
		AccuracyThreshold:  oc.AccuracyThreshold,
		RetrainAfter:       oc.RetrainAfter,
		PatternRefresh:     oc.PatternRefresh,
		MaxAlerts:          oc.MaxAlerts,
		Logger:             e.logger,
		Metrics:            e.metrics,
	}), nil
}

func trainCmd() *cobra.Command {
	var (
		userID    string
		platforms []string
		opts      training.Options
		publish   bool
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run one training session for a user and stream its events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			var sinks []training.EventSink
			if publish {
				if e.cfg.Telemetry.NATSURL == "" {
					return fmt.Errorf("--publish requires telemetry.nats_url")
				}
				ns, err := training.NewNATSEventSink(e.cfg.Telemetry.NATSURL, e.cfg.Telemetry.NATSSubject)
				if err != nil {
					return err
				}
				e.closers = append(e.closers, ns.Close)
				sinks = append(sinks, ns)
			}

			orch, err := training.New(training.Config{
				Trainer: e.trainer(),
				Store:   e.store,
				Sinks:   sinks,
				Logger:  e.logger,
				Metrics: e.metrics,
			})
			if err != nil {
				return err
			}

			events, cancel := orch.Subscribe(64)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for ev := range events {
					fmt.Printf("[%3.0f%%] %-26s %s\n", ev.Progress*100, ev.Type, ev.Message)
				}
			}()

			sess, err := orch.StartTraining(ctx, userID, platforms, opts)
			cancel()
			<-done
			if err != nil {
				return fmt.Errorf("training session %s failed: %w", sess.ID, err)
			}

			out, _ := json.MarshalIndent(sess, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User whose posts are trained on")
	cmd.Flags().StringSliceVar(&platforms, "platforms", []string{"tiktok", "instagram", "youtube"}, "Platforms to collect from")
	cmd.Flags().IntVar(&opts.MinSamples, "min-samples", 50, "Minimum samples required to train")
	cmd.Flags().IntVar(&opts.MaxSamplesPerPlatform, "max-samples", 5000, "Maximum samples per platform")
	cmd.Flags().StringVar(&opts.Niche, "niche", "", "Restrict training to one niche")
	cmd.Flags().BoolVar(&opts.SharedData, "shared", false, "Train on every user's posts")
	cmd.Flags().BoolVar(&publish, "publish", false, "Publish session events to NATS")
	cmd.MarkFlagRequired("user")

	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Load post metrics from a JSON array file into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			var rows []datastore.PostMetric
			if err := json.Unmarshal(raw, &rows); err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}
			if err := e.store.Upsert(ctx, rows); err != nil {
				return err
			}
			fmt.Printf("Imported %d posts\n", len(rows))
			return nil
		},
	}
}
