package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"gpumux/internal/adapter"
	"gpumux/internal/config"
	"gpumux/internal/httpapi"
	"gpumux/internal/inventory"
	"gpumux/internal/registry"
	"gpumux/internal/scheduler"
	"gpumux/internal/store"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		cfgPath  string
		addr     string
		dbPath   string
		logLevel string
	)
	root := &cobra.Command{
		Use:           "gpumux",
		Short:         "GPU inference workload scheduler daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			// Flags override the file.
			if addr != "" {
				cfg.Addr = addr
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return serve(config.Resolve(cfg))
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", os.Getenv("GPUMUX_CONFIG"), "Path to config file (.yaml/.json/.toml)")
	root.Flags().StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8080")
	root.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	root.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error")
	return root
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func serve(cfg config.Config) error {
	log := newLogger(cfg.LogLevel)

	repo, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	reg := registry.New()
	ctx := context.Background()
	cfgs, err := repo.LoadAllConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load model configs: %w", err)
	}
	for _, mc := range cfgs {
		if err := reg.Adopt(mc); err != nil {
			log.Warn().Err(err).Str("model_id", mc.ID).Msg("skipping persisted config")
		}
	}
	log.Info().Int("models", reg.Len()).Msg("registry loaded")

	inv := inventory.New()
	samples := make([]inventory.DeviceSample, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		samples = append(samples, inventory.DeviceSample{
			DeviceID:      d.ID,
			TotalMemoryMB: d.TotalMemoryMB,
			Utilization:   d.UtilizationPct,
			Temperature:   d.Temperature,
		})
	}
	telemetry := inventory.NewStaticProvider(samples)

	adapters := adapter.NewRegistry(adapter.Options{
		LlamaBin:   cfg.Adapter.LlamaBin,
		VLLMBin:    cfg.Adapter.VLLMBin,
		Host:       cfg.Adapter.Host,
		PortStart:  cfg.Adapter.PortStart,
		PortEnd:    cfg.Adapter.PortEnd,
		StopGraceS: cfg.Adapter.StopGraceS,
	})

	sched := scheduler.New(scheduler.Config{
		TickInterval:       time.Duration(cfg.TickIntervalS) * time.Second,
		PreemptionCooldown: time.Duration(cfg.PreemptionCooldownS) * time.Second,
		DisablePreemption:  !*cfg.AllowPreemption,
		ProbeWorkers:       cfg.ProbeWorkers,
		StartTimeout:       time.Duration(cfg.StartTimeoutS) * time.Second,
		StopTimeout:        time.Duration(cfg.StopTimeoutS) * time.Second,
	}, scheduler.Deps{
		Registry:  reg,
		Inventory: inv,
		Repo:      repo,
		Adapters:  adapters,
		Telemetry: telemetry,
		Publisher: scheduler.LogPublisher{Log: log},
		Metrics:   scheduler.NewMetrics(prometheus.DefaultRegisterer),
		Log:       log,
	})

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go sched.Run(loopCtx)

	httpapi.SetBaseContext(loopCtx)
	httpapi.SetLogger(log)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders)
	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(sched)}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("db", cfg.DBPath).Msg("gpumux listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	stopLoop()
	adapters.StopAll(shutCtx)
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
