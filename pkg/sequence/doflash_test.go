package sequence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openSYDE/openSYDE-sub010/internal/testutil"
	"github.com/openSYDE/openSYDE-sub010/pkg/session"
	"github.com/openSYDE/openSYDE-sub010/pkg/transport"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

func TestValidateOrder(t *testing.T) {
	topo := testutil.NewTopology().
		CAN("CAN1").
		Native("ECU_A", testutil.ECUDevice, 0).
		Native("ECU_B", testutil.ECUDevice, 0).
		Legacy("IO", 0).
		Native("ECU_OFF", testutil.ECUDevice, 0).
		Build()
	b, err := session.Init(context.Background(), topo, 0, []bool{true, true, true, false}, transport.NewLoopbackSet())
	require.NoError(t, err)
	defer b.Close()

	fw := DoFlash{Files: []string{"app.hex"}}
	tests := []struct {
		name        string
		assignments map[int]DoFlash
		order       []int
		wantErr     string
	}{
		{"valid", map[int]DoFlash{0: fw, 1: fw}, []int{1, 0}, ""},
		{"order entry without files", map[int]DoFlash{0: fw}, []int{0, 1}, ""},
		{"legacy hex", map[int]DoFlash{2: fw}, []int{2}, ""},
		{"out of range", map[int]DoFlash{}, []int{9}, "node index 9 out of range"},
		{"listed twice", map[int]DoFlash{0: fw}, []int{0, 0}, "listed twice"},
		{"inactive", map[int]DoFlash{}, []int{3}, "ECU_OFF is not active"},
		{"missing from order", map[int]DoFlash{0: fw, 1: fw}, []int{0}, "ECU_B has files to write but is not in the update order"},
		{"legacy parameters", map[int]DoFlash{2: {ParamFiles: []string{"p.hex"}}}, []int{2}, "supports firmware files only"},
		{"legacy PEM", map[int]DoFlash{2: {PEM: &PEMConfig{File: "k.pem"}}}, []int{2}, "supports firmware files only"},
		{"legacy binary", map[int]DoFlash{2: {Files: []string{"app.bin"}}}, []int{2}, "app.bin is not a HEX file"},
		{"assignment out of range", map[int]DoFlash{12: fw}, nil, "assignment for node index 12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOrder(b, tt.assignments, tt.order)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, util.ErrConfigInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDoFlashEmpty(t *testing.T) {
	assert.True(t, DoFlash{}.Empty())
	assert.True(t, DoFlash{PEM: &PEMConfig{}}.Empty())
	assert.True(t, DoFlash{OtherAcceptedNames: []string{"X"}}.Empty())
	assert.False(t, DoFlash{ParamFiles: []string{"p.hex"}}.Empty())
	assert.False(t, DoFlash{PEM: &PEMConfig{File: "k.pem"}}.Empty())
}

func TestStepNames(t *testing.T) {
	assert.Equal(t, PhaseUpdate, UpdateTransferData.Phase())
	assert.Equal(t, PhaseReset, ResetAborted.Phase())
	assert.Equal(t, "transfer data", UpdateTransferData.String())
	assert.Equal(t, "step(999)", Step(999).String())
	for step := range stepNames {
		assert.NotEmpty(t, step.String())
		assert.Contains(t, []Phase{PhaseActivate, PhaseReadInfo, PhaseUpdate, PhaseReset}, step.Phase(), "step %d", step)
	}

	ev := Event{Phase: PhaseUpdate, Step: UpdateFileStart, Node: &NodeIdentity{Name: "ECU1"}, Detail: "app.hex"}
	assert.Equal(t, "update system: file start [ECU1]: app.hex", ev.String())
}
