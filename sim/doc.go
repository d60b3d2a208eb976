// Package sim provides the core types of the host simulator.
//
// # Reading Guide
//
// Start with these files to understand the simulation kernel:
//   - machine.go: Machine, MachineContext and Workload, the contract between a
//     host platform and the workload it runs
//   - flow/engine.go: the logical millisecond clock that drives every stage
//   - kernel/hypervisor.go: how physical units are shared between VMs
//
// # Architecture
//
// The sim package defines interfaces and shared types; implementations live in
// sub-packages:
//   - sim/flow/: push/pull dataflow substrate (engine, stages, ports, multiplexers)
//   - sim/model/: hardware descriptions of hosts and VMs
//   - sim/compute/: bare-metal hosts wired to a PSU
//   - sim/kernel/: hypervisor, virtual machines and performance interference
//   - sim/kernel/cpufreq/: frequency scaling governors
//   - sim/power/: power models and PSUs
//   - sim/workload/: usage traces, the trace player, trace directories and generators
//   - sim/topology/: cluster descriptions expanded into hosts
//   - sim/cluster/: experiment runner placing VMs and simulating hosts concurrently
//   - sim/telemetry/: Prometheus metrics, summaries and sample export
//
// # Determinism
//
// Every random decision draws from a PartitionedRNG stream named after its
// subsystem, so a run is fully determined by its seed and inputs regardless
// of how many hosts run in parallel.
package sim
