package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/inference-sim/hostsim/sim"
	"github.com/inference-sim/hostsim/sim/topology"
	"github.com/inference-sim/hostsim/sim/workload"
)

var (
	// CLI flags for the cloud-gaming generator
	defaultsFilePath string  // Path to defaults.yaml
	platformName     string  // Platform preset
	cpuUtilization   float64 // Fraction of a session's CPU in use
	gpuUtilization   float64 // Fraction of a session's GPU in use
	usersPerHour     []int   // Concurrent players per hour
	traceStart       int64   // Epoch ms of the first hour
	usageJitter      float64 // Relative noise on usage
	generateSeed     int64   // Seed for the noise
	outputDir        string  // Where the topology and trace are written
)

// generateCmd writes a topology and a VM trace for a cloud-gaming platform
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a cloud-gaming topology and VM trace from a platform preset",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging(cmd.Flags())

		cfg, err := loadDefaultsConfig(defaultsFilePath)
		if err != nil {
			logrus.Fatalf("Failed to load platform presets: %v", err)
		}
		platform, err := cfg.Platform(platformName)
		if err != nil {
			logrus.Fatalf("%v", err)
		}

		sessions := platform.Sessions(cpuUtilization, gpuUtilization, usersPerHour)
		sessions.StartTime = traceStart
		sessions.Jitter = usageJitter

		rng := sim.NewPartitionedRNG(sim.NewSimulationKey(generateSeed))
		topologyFile, dir, err := generateExperiment(outputDir, platformName, platform, sessions, rng)
		if err != nil {
			logrus.Fatalf("Failed to generate experiment: %v", err)
		}
		fmt.Printf("Topology written to %s\nTrace written to %s\n", topologyFile, dir)
	},
}

// generateExperiment writes <name>-topology.txt and the <name>-trace
// directory under root and returns their paths.
func generateExperiment(root, name string, platform Platform, sessions workload.CloudGamingConfig, rng *sim.PartitionedRNG) (string, string, error) {
	trace, meta, err := workload.GenerateCloudGaming(sessions, rng.ForSubsystem(sim.SubsystemTrace))
	if err != nil {
		return "", "", err
	}
	maxPlayers := slices.Max(sessions.UsersPerHour)
	clusters := platform.Clusters(maxPlayers)
	logrus.Infof("Generated %d sessions over %d hours on %d clusters", len(meta), len(sessions.UsersPerHour), len(clusters))

	if err := os.MkdirAll(root, 0755); err != nil {
		return "", "", fmt.Errorf("creating output directory: %w", err)
	}
	topologyFile := filepath.Join(root, name+"-topology.txt")
	f, err := os.Create(topologyFile)
	if err != nil {
		return "", "", fmt.Errorf("creating topology file: %w", err)
	}
	if err := topology.Write(f, clusters); err != nil {
		_ = f.Close()
		return "", "", err
	}
	if err := f.Close(); err != nil {
		return "", "", fmt.Errorf("closing topology file: %w", err)
	}

	dir := filepath.Join(root, name+"-trace")
	if err := workload.ExportTraceDir(dir, trace, meta); err != nil {
		return "", "", err
	}
	return topologyFile, dir, nil
}

func registerGenerateFlags(flags *pflag.FlagSet) {
	flags.StringVar(&defaultsFilePath, "defaults", "defaults.yaml", "Platform presets file")
	flags.StringVar(&platformName, "platform", "xcloud", "Platform preset (xcloud, psplus, geforcenow, geforcenow4k)")
	flags.Float64Var(&cpuUtilization, "cpu-util", 0.5, "Fraction of a session's CPU capacity in use")
	flags.Float64Var(&gpuUtilization, "gpu-util", 0.5, "Fraction of a session's GPU capacity in use")
	flags.IntSliceVar(&usersPerHour, "users", []int{10}, "Comma-separated concurrent players per hour")
	flags.Int64Var(&traceStart, "start-time", 0, "Epoch ms of the first hour")
	flags.Float64Var(&usageJitter, "jitter", 0, "Relative uniform noise on usage, in [0, 1)")
	flags.Int64Var(&generateSeed, "seed", 42, "Seed for the usage noise")
	flags.StringVar(&outputDir, "out", ".", "Output directory")
}
