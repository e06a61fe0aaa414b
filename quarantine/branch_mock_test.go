package quarantine_test

import (
	"testing"
	"unsafe"

	"github.com/cagekit/cage/quarantine"
	mock_quarantine "github.com/cagekit/cage/quarantine/mocks"
	"go.uber.org/mock/gomock"
)

// Expectation-driven coverage of the collaborator contract: the branch must
// reach for exactly the allocator-root calls each path allows.

func TestDisabledBranchCallsOnlyImmediateFree(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	allocatorRoot := mock_quarantine.NewMockPartitionRoot(ctrl)
	root := quarantine.NewRoot(allocatorRoot)
	branch := quarantine.NewBranch(testLogger(), allocatorRoot, true)
	branch.Configure(root, quarantine.Config{
		BranchCapacityInBytes: 4096,
		EnableQuarantine:      false,
	})

	var payload [16]byte
	object := unsafe.Pointer(&payload[0])
	span := &quarantine.SlotSpan{Bucket: &quarantine.Bucket{SlotSize: 16}}
	slotStart := uintptr(object)

	// The disabled path must not consult the bucket or the usable size.
	allocatorRoot.EXPECT().FreeNoHooksImmediate(object, span, slotStart).Times(1)

	branch.Quarantine(object, span, slotStart, 16)
}

func TestOverCapacityEntryNeverRunsEpilogue(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	allocatorRoot := mock_quarantine.NewMockPartitionRoot(ctrl)
	root := quarantine.NewRoot(allocatorRoot)
	branch := quarantine.NewBranch(testLogger(), allocatorRoot, true)
	branch.Configure(root, quarantine.Config{
		BranchCapacityInBytes: 64,
		EnableQuarantine:      true,
		EnableZapping:         true,
	})

	var payload [128]byte
	object := unsafe.Pointer(&payload[0])
	span := &quarantine.SlotSpan{Bucket: &quarantine.Bucket{SlotSize: 128}}
	slotStart := uintptr(object)

	allocatorRoot.EXPECT().IsDirectMappedBucket(span.Bucket).Return(false)
	allocatorRoot.EXPECT().GetSlotUsableSize(span).Return(128)
	// Too large to retain: freed synchronously, no zapping, no BRP hook.
	allocatorRoot.EXPECT().FreeNoHooksImmediate(object, span, slotStart).Times(1)

	branch.Quarantine(object, span, slotStart, 128)

	var stats quarantine.Stats
	root.AccumulateStats(&stats)
	if stats.QuarantineMissCount != 1 {
		t.Fatalf("expected exactly one quarantine miss, got %d", stats.QuarantineMissCount)
	}
}

func TestRetainedEntryRunsBRPHook(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	allocatorRoot := mock_quarantine.NewMockPartitionRoot(ctrl)
	root := quarantine.NewRoot(allocatorRoot)
	branch := quarantine.NewBranch(testLogger(), allocatorRoot, true)
	branch.Configure(root, quarantine.Config{
		BranchCapacityInBytes: 4096,
		EnableQuarantine:      true,
	})

	var payload [64]byte
	object := unsafe.Pointer(&payload[0])
	span := &quarantine.SlotSpan{Bucket: &quarantine.Bucket{SlotSize: 64}}
	slotStart := uintptr(object)

	allocatorRoot.EXPECT().IsDirectMappedBucket(span.Bucket).Return(false)
	allocatorRoot.EXPECT().GetSlotUsableSize(span).Return(64)
	allocatorRoot.EXPECT().BRPEnabled().Return(true)
	allocatorRoot.EXPECT().PreReleaseFromAllocator(slotStart, span).Times(1)

	branch.Quarantine(object, span, slotStart, 64)
}
