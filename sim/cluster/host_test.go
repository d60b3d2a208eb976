package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/hostsim/sim/flow"
)

func TestHost_StartRejectedBeforeBindingCountsAsFailed(t *testing.T) {
	// GIVEN a running host and a VM removed before it could start
	spec := testHost("h0", 2, 0, 4096)
	h := newHost(&hostSetup{
		plan:    &hostPlan{spec: spec},
		psu:     spec.PSU,
		mux:     flow.MaxMinFactory(0),
		horizon: flow.Never,
	})
	require.NoError(t, h.machine.Start(h.hv, nil, nil))
	vm, err := h.hv.NewMachine(testVM("a", 0, 1000, 100).Model())
	require.NoError(t, err)
	h.hv.RemoveMachine(vm)

	// WHEN the host starts it
	h.start(vm, testVM("a", 0, 1000, 100))

	// THEN it is not left running and shows up as failed
	assert.Equal(t, 0, h.running)
	assert.Equal(t, 1, h.result.VMsFailed)
	assert.Empty(t, h.hv.VirtualMachines())
}
