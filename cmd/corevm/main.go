package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/oriys/corevm/internal/config"
	"github.com/oriys/corevm/internal/corectx"
	"github.com/oriys/corevm/internal/debugmgr"
	"github.com/oriys/corevm/internal/logging"
	"github.com/oriys/corevm/internal/memregion"
	"github.com/oriys/corevm/internal/metrics"
	"github.com/oriys/corevm/internal/observability"
	"github.com/oriys/corevm/internal/recycler"
	"github.com/spf13/cobra"
)

// version is corevm's own release tag, bumped by hand at cut time.
const version = "0.1.0"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "corevm",
		Short: "corevm - per-thread JS engine runtime core",
		Long:  "A CLI that boots a CoreContext, attaches Realms, drives demo script activations, and exposes operator subcommands.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env overrides)")

	rootCmd.AddCommand(
		runCmd(),
		statsCmd(),
		gcCmd(),
		internCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.CoreConfig, error) {
	var cfg *config.CoreConfig
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func initObservability(cfg *config.CoreConfig) error {
	logging.SetLevelFromString(cfg.Logging.Level)
	logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)
	if cfg.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Metrics.Namespace)
	}
	return observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Observability.Enabled,
		Exporter:    cfg.Observability.Exporter,
		Endpoint:    cfg.Observability.Endpoint,
		ServiceName: cfg.Observability.ServiceName,
		SampleRate:  cfg.Observability.SampleRate,
	})
}

// maybeAttachDebugManager brings up the optional debug manager described by
// cfg.DebugManager and attaches it to ctx, returning a detach func the
// caller must run before process exit. Returns a no-op detach func when the
// debug manager is disabled.
func maybeAttachDebugManager(ctx *corectx.CoreContext, cfg *config.CoreConfig) (func(), error) {
	if !cfg.DebugManager.Enabled {
		return func() {}, nil
	}

	mgr := debugmgr.New(debugmgr.Config{
		GRPCAddr:        cfg.DebugManager.GRPCAddr,
		RedisAddr:       cfg.DebugManager.RedisAddr,
		RedisChannel:    cfg.DebugManager.RedisChannel,
		PostgresDSN:     cfg.DebugManager.PostgresDSN,
		AuditFlushEvery: cfg.DebugManager.AuditFlushEvery,
	})
	if err := mgr.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("start debug manager: %w", err)
	}
	ctx.AttachDebugManager(mgr)
	return func() { ctx.DetachDebugManager() }, nil
}

func runCmd() *cobra.Command {
	var (
		realmID  string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot a CoreContext and drive demo script activations until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			// One OS thread owns the CoreContext for the whole script loop.
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := initObservability(cfg); err != nil {
				return fmt.Errorf("init observability: %w", err)
			}
			defer observability.Shutdown(context.Background())

			ctx, err := corectx.CreateCoreContext(cfg, "default", nil)
			if err != nil {
				return fmt.Errorf("create core context: %w", err)
			}
			defer corectx.DestroyCoreContext(ctx)

			detachDebug, err := maybeAttachDebugManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer detachDebug()

			realm := ctx.CreateRealm(realmID)
			realm.Builtins().Define("globalThis", realm)

			logging.Op().Info("corevm daemon started", "core_id", ctx.ID(), "realm", realm.ID(), "background_jit", cfg.BackgroundJIT)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					return nil
				case <-ticker.C:
					rec := ctx.EnterScript(realm.ID())
					ctx.ExitScript(rec, false)
					if err := ctx.ExecuteRecyclerCollection(context.Background(), 0); err != nil {
						logging.Op().Error("collection failed", "error", err)
					}
					logging.Op().Debug("demo activation", "gc_count", ctx.Recycler.GCCount(), "live", ctx.Recycler.LiveCount())
				}
			}
		},
	}

	cmd.Flags().StringVar(&realmID, "realm", "main", "Realm identifier to attach")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Interval between demo script activations")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Boot a CoreContext, run a short demo workload, and print component stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := initObservability(cfg); err != nil {
				return fmt.Errorf("init observability: %w", err)
			}

			ctx, err := corectx.CreateCoreContext(cfg, "default", nil)
			if err != nil {
				return fmt.Errorf("create core context: %w", err)
			}
			defer corectx.DestroyCoreContext(ctx)

			realm := ctx.CreateRealm("stats-demo")
			rec := ctx.EnterScript(realm.ID())
			ctx.ExitScript(rec, false)

			committedGeneral, _ := ctx.MemRegion.Committed(memregion.PoolThreadGeneral)
			committedJITCode, _ := ctx.MemRegion.Committed(memregion.PoolJITCode)
			committedJITThunks, _ := ctx.MemRegion.Committed(memregion.PoolJITThunks)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "core id:\t%d\n", ctx.ID())
			fmt.Fprintf(w, "realms attached:\t%d\n", ctx.RealmCount())
			fmt.Fprintf(w, "gc count:\t%d\n", ctx.Recycler.GCCount())
			fmt.Fprintf(w, "live objects:\t%d\n", ctx.Recycler.LiveCount())
			fmt.Fprintf(w, "property id high-water mark:\t%d\n", ctx.Interner.MaxID())
			fmt.Fprintf(w, "committed (thread-general):\t%d bytes\n", committedGeneral)
			fmt.Fprintf(w, "committed (jit-code):\t%d bytes\n", committedJITCode)
			fmt.Fprintf(w, "committed (jit-thunks):\t%d bytes\n", committedJITThunks)
			fmt.Fprintf(w, "redeferral phase:\t%s\n", ctx.RedeferralPhase())
			return w.Flush()
		},
	}
	return cmd
}

func gcCmd() *cobra.Command {
	var (
		allocations int
		concurrent  bool
		partial     bool
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Boot a CoreContext, allocate demo objects, and run one collection cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := initObservability(cfg); err != nil {
				return fmt.Errorf("init observability: %w", err)
			}

			ctx, err := corectx.CreateCoreContext(cfg, "default", nil)
			if err != nil {
				return fmt.Errorf("create core context: %w", err)
			}
			defer corectx.DestroyCoreContext(ctx)

			for i := 0; i < allocations; i++ {
				if _, err := ctx.Recycler.Allocate(64, recycler.KindLeaf); err != nil {
					return fmt.Errorf("allocate: %w", err)
				}
			}

			before := ctx.Recycler.LiveCount()

			var flags recycler.CollectFlags
			if concurrent {
				flags |= recycler.FlagConcurrent
			}
			if partial {
				flags |= recycler.FlagPartial
			}

			if err := ctx.ExecuteRecyclerCollection(context.Background(), flags); err != nil {
				return fmt.Errorf("execute collection: %w", err)
			}

			after := ctx.Recycler.LiveCount()
			fmt.Printf("live objects before collection: %d\n", before)
			fmt.Printf("live objects after collection:  %d\n", after)
			fmt.Printf("reclaimed:                       %d\n", before-after)
			fmt.Printf("gc count:                        %d\n", ctx.Recycler.GCCount())
			return nil
		},
	}

	cmd.Flags().IntVar(&allocations, "allocations", 1000, "Number of unrooted demo objects to allocate before collecting")
	cmd.Flags().BoolVar(&concurrent, "concurrent", false, "Set CollectBeginConcurrent on the collect callback flags")
	cmd.Flags().BoolVar(&partial, "partial", false, "Set CollectBeginPartial on the collect callback flags")
	return cmd
}

func internCmd() *cobra.Command {
	var symbol bool

	cmd := &cobra.Command{
		Use:   "intern <name> [name...]",
		Short: "Intern one or more property names and print their assigned ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := initObservability(cfg); err != nil {
				return fmt.Errorf("init observability: %w", err)
			}

			ctx, err := corectx.CreateCoreContext(cfg, "default", nil)
			if err != nil {
				return fmt.Errorf("create core context: %w", err)
			}
			defer corectx.DestroyCoreContext(ctx)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tID\tSYMBOL\tNUMERIC")
			for _, name := range args {
				rec := ctx.Interner.GetOrAdd(name, true, symbol)
				fmt.Fprintf(w, "%s\t%d\t%v\t%v\n", rec.Name, rec.Id, rec.IsSymbol, rec.IsNumeric)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&symbol, "symbol", false, "Intern as a registered symbol instead of a plain property name")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the corevm version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("corevm " + version)
			return nil
		},
	}
}
