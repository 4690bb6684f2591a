package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/surveyor/pkg/enginedriver"
	"github.com/cuemby/surveyor/pkg/gc"
	"github.com/cuemby/surveyor/pkg/log"
	"github.com/cuemby/surveyor/pkg/metrics"
	"github.com/cuemby/surveyor/pkg/runnerloop"
	"github.com/cuemby/surveyor/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "surveyor-runner",
	Short:   "Poll a shared store for benchmark tasks and run them in containers",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"surveyor-runner version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./surveyor-data", "Data directory for the store")
	rootCmd.PersistentFlags().String("engine", enginedriver.DefaultBinary, "Container engine CLI binary")
	rootCmd.PersistentFlags().Bool("engine-cgroup-workaround", false, "Enable the fork-into-cgroup workaround for engines that ignore --cgroup-parent")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(gcCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func openStore(cmd *cobra.Command) (storage.Store, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return storage.NewBoltStore(dataDir)
}

func openDriver(cmd *cobra.Command) *enginedriver.Driver {
	binary, _ := cmd.Flags().GetString("engine")
	workaround, _ := cmd.Flags().GetBool("engine-cgroup-workaround")
	return enginedriver.New(enginedriver.Config{Binary: binary, CgroupParentWorkaround: workaround})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the runner loop: claim and execute benchmark tasks until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		cpuLimit, _ := cmd.Flags().GetInt("cpulimit")
		memLimit, _ := cmd.Flags().GetInt64("memlimit")
		jobLimit, _ := cmd.Flags().GetInt("joblimit")
		runnerID, _ := cmd.Flags().GetString("id")
		useScope, _ := cmd.Flags().GetBool("scope")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		driver := openDriver(cmd)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runnerCgroup, err := runnerloop.AcquireCgroup(ctx, "surveyor-runner-"+runnerID, useScope)
		if err != nil {
			return fmt.Errorf("acquire cgroup: %w", err)
		}

		loop := runnerloop.New(runnerloop.Config{
			RunnerID: runnerID,
			CPUCores: cpuLimit,
			MemBytes: memLimit,
			JobSlots: jobLimit,
		}, store, driver, runnerCgroup)

		collector := metrics.NewCollector(store, loop.Resources())
		collector.Start()
		defer collector.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
			}
		}()
		defer metricsServer.Close()

		log.Logger.Info().
			Str("runner_id", runnerID).
			Int("cpulimit", cpuLimit).
			Int64("memlimit", memLimit).
			Int("joblimit", jobLimit).
			Bool("scope", useScope).
			Str("metrics_addr", metricsAddr).
			Msg("surveyor-runner starting")

		loop.Run(ctx)
		return nil
	},
}

func init() {
	hostname, _ := os.Hostname()
	cores := runtime.NumCPU() - 1
	if cores < 1 {
		cores = 1
	}

	runCmd.Flags().Int("cpulimit", cores, "CPU cores this runner may use (default: nproc-1)")
	runCmd.Flags().Int64("memlimit", physicalMemoryBytes(), "Memory in bytes this runner may use (default: physical RAM)")
	runCmd.Flags().Int("joblimit", cores, "Concurrent task slots (default: nproc-1)")
	runCmd.Flags().String("id", hostname, "Runner identity recorded as a task's assignee (default: hostname)")
	runCmd.Flags().Bool("scope", true, "Create a dedicated delegated cgroup scope (--no-scope reuses the current process's cgroup)")
	runCmd.Flags().String("metrics-addr", ":9090", "Address to serve /metrics on")
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove local environment images no live suite references anymore",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		driver := openDriver(cmd)
		collector := gc.New(store, driver)

		removed, err := collector.Run(cmd.Context())
		if err != nil {
			return fmt.Errorf("gc: %w", err)
		}
		fmt.Printf("removed %d orphaned environment image(s)\n", removed)
		return nil
	},
}

// physicalMemoryBytes reads MemTotal out of /proc/meminfo. No pack
// dependency covers host memory introspection, and the format is a
// small, stable, whitespace-separated key/value file, so it is parsed
// directly rather than through a library.
func physicalMemoryBytes() int64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
