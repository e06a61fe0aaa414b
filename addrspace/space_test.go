//go:build unix

package addrspace_test

import (
	"io"
	"testing"
	"unsafe"

	"github.com/cagekit/cage/addrspace"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

// The cage reservation is process-wide and Init may run only once, so the whole
// lifecycle is exercised in order within a single test.
func TestAddressSpaceLifecycle(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard))

	t.Run("BeforeInit", func(t *testing.T) {
		require.False(t, addrspace.IsInitialized())
		require.False(t, addrspace.IsConfigurablePoolInitialized())

		require.Equal(t, addrspace.PoolNone, addrspace.Classify(0))
		require.Equal(t, addrspace.PoolNone, addrspace.Classify(0x1000))
		require.Equal(t, addrspace.PoolNone, addrspace.Classify(^uintptr(0)))
		require.False(t, addrspace.IsManaged(0xDEADBEEF))

		info := addrspace.GetPoolInfo(0x1000)
		require.Equal(t, addrspace.PoolNone, info.Pool)
		require.Equal(t, addrspace.Handle(0), info.Handle)
	})

	require.NoError(t, addrspace.Init(logger))
	defer addrspace.UninitForTesting()

	t.Run("PoolLayout", func(t *testing.T) {
		require.True(t, addrspace.IsInitialized())
		require.NotEqual(t, addrspace.Handle(0), addrspace.NonBRPPool())
		require.NotEqual(t, addrspace.Handle(0), addrspace.BRPPool())

		nonBRPBase := addrspace.NonBRPPoolBase()
		brpBase := addrspace.BRPPoolBase()
		require.Zero(t, nonBRPBase%addrspace.PoolMaxSize)
		require.Zero(t, brpBase%addrspace.PoolMaxSize)
		require.Equal(t, nonBRPBase+addrspace.PoolMaxSize, brpBase)

		// The null address belongs to no pool.
		require.Equal(t, addrspace.PoolNone, addrspace.Classify(0))
	})

	t.Run("NonBRPChunkClassification", func(t *testing.T) {
		manager := addrspace.Instance()
		size := 3 * addrspace.SuperPageSize
		chunk := manager.Alloc(addrspace.NonBRPPool(), size)
		require.NotZero(t, chunk)
		require.Equal(t, addrspace.NonBRPPoolBase(), chunk)
		defer manager.Free(addrspace.NonBRPPool(), chunk, size)

		for _, offset := range []uintptr{0, 1, addrspace.SuperPageSize, uintptr(size) - 1} {
			require.Equal(t, addrspace.PoolNonBRP, addrspace.Classify(chunk+offset))
			require.True(t, addrspace.IsInNonBRPPool(chunk+offset))
			require.False(t, addrspace.IsInBRPPool(chunk+offset))
		}
		require.Equal(t, addrspace.PoolNone, addrspace.Classify(chunk-1))

		handle, offset := addrspace.PoolAndOffset(chunk + 12345)
		require.Equal(t, addrspace.NonBRPPool(), handle)
		require.Equal(t, uintptr(12345), offset)
	})

	t.Run("ForbiddenZonePrecedesBRPAllocations", func(t *testing.T) {
		manager := addrspace.Instance()
		chunk := manager.Alloc(addrspace.BRPPool(), addrspace.SuperPageSize)
		require.NotZero(t, chunk)
		defer manager.Free(addrspace.BRPPool(), chunk, addrspace.SuperPageSize)

		// The first chunk the BRP pool hands out sits past the forbidden zone,
		// though the zone itself still classifies as BRP by mask.
		require.Equal(t, addrspace.BRPPoolBase()+addrspace.ForbiddenZoneSize, chunk)
		require.Equal(t, addrspace.PoolBRP, addrspace.Classify(chunk))
		require.Equal(t, addrspace.PoolBRP, addrspace.Classify(addrspace.BRPPoolBase()))

		require.Equal(t, chunk-addrspace.BRPPoolBase(), addrspace.OffsetInBRPPool(chunk))
	})

	t.Run("ConfigurablePoolRejectsBadShapes", func(t *testing.T) {
		require.False(t, addrspace.IsConfigurablePoolInitialized())

		base := uintptr(0x7000_0000_0000)
		require.Error(t, addrspace.InitConfigurablePool(0, addrspace.ConfigurablePoolMinSize))
		require.Error(t, addrspace.InitConfigurablePool(base, addrspace.ConfigurablePoolMinSize-1))
		require.Error(t, addrspace.InitConfigurablePool(base, addrspace.ConfigurablePoolMaxSize*2))
		require.Error(t, addrspace.InitConfigurablePool(base+addrspace.SuperPageSize/2, addrspace.ConfigurablePoolMinSize))
		require.False(t, addrspace.IsConfigurablePoolInitialized())
	})

	t.Run("ConfigurablePool", func(t *testing.T) {
		require.False(t, addrspace.IsConfigurablePoolInitialized())

		size := addrspace.ConfigurablePoolMinSize
		mapping, err := unix.Mmap(-1, 0, 2*size,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANON)
		require.NoError(t, err)
		defer unix.Munmap(mapping)

		start := addressOfSlice(mapping)
		base := (start + uintptr(size) - 1) & ^(uintptr(size) - 1)

		require.NoError(t, addrspace.InitConfigurablePool(base, size))
		require.True(t, addrspace.IsConfigurablePoolInitialized())
		require.NotEqual(t, addrspace.Handle(0), addrspace.ConfigurablePool())

		require.Equal(t, addrspace.PoolConfigurable, addrspace.Classify(base+123))
		require.Equal(t, addrspace.PoolNone, addrspace.Classify(base-1))

		info := addrspace.GetPoolInfo(base + 123)
		require.Equal(t, addrspace.PoolConfigurable, info.Pool)
		require.Equal(t, base, info.Base)
		require.Equal(t, uintptr(123), info.Offset)

		chunk := addrspace.Instance().Alloc(addrspace.ConfigurablePool(), addrspace.SuperPageSize)
		require.Equal(t, base, chunk)
	})

	t.Run("StatsString", func(t *testing.T) {
		writer := jwriter.NewWriter()
		addrspace.BuildStatsString(&writer)
		require.NoError(t, writer.Error())
		require.Contains(t, string(writer.Bytes()), `"NonBRP"`)
		require.Contains(t, string(writer.Bytes()), `"PoolMaxSize"`)
	})
}

func addressOfSlice(data []byte) uintptr {
	return uintptr(unsafe.Pointer(&data[0]))
}
