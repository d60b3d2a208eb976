package cmd

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/inference-sim/hostsim/sim/cluster"
	"github.com/inference-sim/hostsim/sim/trace"
)

// logLevelEnv supplies the log level when --log is not given.
const logLevelEnv = "HOSTSIM_LOG_LEVEL"

var (
	// CLI flags for the experiment inputs
	configPath   string // Experiment YAML
	topologyPath string // Cluster topology file
	traceDir     string // Directory with trace.csv and meta.csv

	// CLI flags overriding the experiment YAML
	seed          int64  // Seed for interference and placement decisions
	horizon       int64  // Simulation horizon (in ms after the first VM starts)
	parallelism   int    // Hosts simulated concurrently
	governor      string // CPU frequency governor
	placement     string // VM placement policy
	decisionTrace string // Placement decision trace level
	candidates    int    // Best-scored hosts kept per traced decision
	logLevel      string // Log verbosity level
	envFile       string // Optional .env file
	metricsFile   string // Prometheus text file output
	samplesOutput string // CSV of host samples
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "hostsim",
	Short: "Simulator for virtualized compute hosts and their power draw",
}

// runCmd simulates a trace of VMs on a topology of hosts
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an experiment over a topology and a VM trace",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging(cmd.Flags())

		if topologyPath == "" || traceDir == "" {
			logrus.Fatalf("Both --topology and --trace are required")
		}

		cfg := &cluster.Config{}
		if configPath != "" {
			var err error
			cfg, err = cluster.LoadConfig(configPath)
			if err != nil {
				logrus.Fatalf("Failed to load experiment config: %v", err)
			}
		}
		applyRunFlags(cmd.Flags(), cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		startTime := time.Now()
		res, err := runExperiment(ctx, *cfg, topologyPath, traceDir)
		if err != nil {
			logrus.Fatalf("Experiment failed: %v", err)
		}
		logrus.Infof("Simulated %d hosts in %s", len(res.Hosts), time.Since(startTime))

		if err := report(os.Stdout, res, metricsFile, samplesOutput); err != nil {
			logrus.Fatalf("Failed to write results: %v", err)
		}
		logrus.Info("Simulation complete.")
	},
}

// setupLogging loads the optional .env file and applies the log level. An
// explicit --log wins over the environment.
func setupLogging(flags *pflag.FlagSet) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			logrus.Fatalf("Failed to load env file %s: %v", envFile, err)
		}
	}
	if !flags.Changed("log") {
		if v := os.Getenv(logLevelEnv); v != "" {
			logLevel = v
		}
	}
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// applyRunFlags copies the flags the user set onto cfg. Flags left at their
// defaults keep the values from the experiment file.
func applyRunFlags(flags *pflag.FlagSet, cfg *cluster.Config) {
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("horizon") {
		cfg.Horizon = horizon
	}
	if flags.Changed("parallelism") {
		cfg.Parallelism = parallelism
	}
	if flags.Changed("governor") {
		cfg.Governor.Name = governor
	}
	if flags.Changed("placement") {
		cfg.Placement.Policy = placement
	}
	if flags.Changed("decision-trace") {
		cfg.DecisionTrace.Level = trace.TraceLevel(decisionTrace)
	}
	if flags.Changed("decision-candidates") {
		cfg.DecisionTrace.Candidates = candidates
	}
}

func registerRunFlags(flags *pflag.FlagSet) {
	flags.StringVar(&configPath, "config", "", "Experiment YAML file")
	flags.StringVar(&topologyPath, "topology", "", "Cluster topology file")
	flags.StringVar(&traceDir, "trace", "", "Directory holding trace.csv, meta.csv and an optional interference-model.json")

	flags.Int64Var(&seed, "seed", 42, "Seed for interference and placement decisions")
	flags.Int64Var(&horizon, "horizon", 0, "Simulation horizon in ms after the first VM starts (0 runs every VM to completion)")
	flags.IntVar(&parallelism, "parallelism", 0, "Hosts simulated concurrently (0 uses GOMAXPROCS)")
	flags.StringVar(&governor, "governor", "", "CPU frequency governor (performance, powersave, ondemand, conservative)")
	flags.StringVar(&placement, "placement", "", "VM placement policy (filter, first-fit, round-robin, random)")
	flags.StringVar(&decisionTrace, "decision-trace", "", "Placement decision trace level (none, decisions)")
	flags.IntVar(&candidates, "decision-candidates", 0, "Best-scored hosts kept per traced placement")

	flags.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this text file")
	flags.StringVar(&samplesOutput, "samples-out", "", "Write host samples as CSV to this file")
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic); defaults to $"+logLevelEnv)
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file first")

	registerRunFlags(runCmd.Flags())
	registerGenerateFlags(generateCmd.Flags())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(generateCmd)
}
