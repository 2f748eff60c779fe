package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapActionString(t *testing.T) {
	cases := []struct {
		action MapAction
		want   string
	}{
		{MapNone, " ---"},
		{MapReadUser, "uR--"},
		{MapReadKernel, "kR--"},
		{MapReadWriteUser, "uRW-"},
		{MapReadWriteKernel, "kRW-"},
		{MapReadExecuteUser, "uR-X"},
		{MapReadExecuteKernel, "kR-X"},
		{MapReadWriteExecuteUser, "uRWX"},
		{MapReadWriteExecuteKernel, "kRWX"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.action.String())
	}
}

func TestMapActionRightsKernelNeverSetsUser(t *testing.T) {
	kernelActions := []MapAction{
		MapReadKernel, MapReadWriteKernel, MapReadExecuteKernel, MapReadWriteExecuteKernel,
	}
	for _, a := range kernelActions {
		assert.Zero(t, a.rights()&flagUser, "kernel MapAction %v must not carry US", a)
	}
}

func TestMapActionRightsUserAlwaysSetsUser(t *testing.T) {
	userActions := []MapAction{
		MapReadUser, MapReadWriteUser, MapReadExecuteUser, MapReadWriteExecuteUser,
	}
	for _, a := range userActions {
		assert.NotZero(t, a.rights()&flagUser, "user MapAction %v must carry US", a)
	}
}

func TestMapActionRightsExecuteClearsNoExec(t *testing.T) {
	executable := []MapAction{
		MapReadExecuteUser, MapReadExecuteKernel, MapReadWriteExecuteUser, MapReadWriteExecuteKernel,
	}
	for _, a := range executable {
		assert.Zero(t, a.rights()&flagNoExec, "executable MapAction %v must clear XD", a)
	}

	nonExecutable := []MapAction{MapReadUser, MapReadKernel, MapReadWriteUser, MapReadWriteKernel}
	for _, a := range nonExecutable {
		assert.NotZero(t, a.rights()&flagNoExec, "non-executable MapAction %v must set XD", a)
	}
}

func TestIndexExtraction(t *testing.T) {
	// A vaddr that hits slot 1 at every level: bit 39 set (PML4 idx 1),
	// bit 30 set (PDPT idx 1), bit 21 set (PD idx 1), bit 12 set (PT idx 1).
	vaddr := uintptr(1<<39 | 1<<30 | 1<<21 | 1<<12)
	assert.Equal(t, 1, pml4Index(vaddr))
	assert.Equal(t, 1, pdptIndex(vaddr))
	assert.Equal(t, 1, pdIndex(vaddr))
	assert.Equal(t, 1, ptIndex(vaddr))
}
