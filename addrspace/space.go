package addrspace

import (
	"context"
	"fmt"

	"github.com/cagekit/cage/memutils"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// PoolChoice names the pool an address belongs to.
type PoolChoice uint32

const (
	PoolNone PoolChoice = iota
	PoolNonBRP
	PoolBRP
	PoolConfigurable
)

var poolChoiceMapping = map[PoolChoice]string{
	PoolNone:         "None",
	PoolNonBRP:       "NonBRP",
	PoolBRP:          "BRP",
	PoolConfigurable: "Configurable",
}

func (c PoolChoice) String() string {
	return poolChoiceMapping[c]
}

// PoolInfo describes the pool containing an address, with everything needed to
// re-derive the address from a pool-relative offset.
type PoolInfo struct {
	Pool     PoolChoice
	Handle   Handle
	Base     uintptr
	BaseMask uintptr
	Offset   uintptr
}

// cageSetup holds the cage's write-once pool bases and handles. Before Init every
// base address carries its pool's offset mask, an address no real base can equal
// after masking, so membership tests are guaranteed false on an uninitialized
// cage.
//
// These fields are written during Init only and read on every pointer
// classification afterwards; the trailing padding keeps them off a cacheline
// shared with mutable data.
type cageSetup struct {
	nonBRPPoolBaseAddress       uintptr
	brpPoolBaseAddress          uintptr
	configurablePoolBaseAddress uintptr
	configurablePoolBaseMask    uintptr

	nonBRPPool       Handle
	brpPool          Handle
	configurablePool Handle

	_ [64]byte
}

var setup = cageSetup{
	nonBRPPoolBaseAddress:       nonBRPPoolOffsetMask,
	brpPoolBaseAddress:          brpPoolOffsetMask,
	configurablePoolBaseAddress: ConfigurablePoolMaxSize - 1,
	configurablePoolBaseMask:    ^uintptr(ConfigurablePoolMaxSize - 1),
}

var (
	reservation      []byte
	reservationStart uintptr
	cageLogger       *slog.Logger
)

// Init reserves the cage and carves it into the non-BRP and BRP pools. It must be
// called exactly once, from the main goroutine, before any allocator activity.
//
// The reservation is oversized by one PoolMaxSize so an interior base aligned to
// PoolMaxSize always exists. The non-BRP pool sits at that base; the BRP pool
// follows it, with the first ForbiddenZoneSize bytes excluded from its allocatable
// range so a one-past-end pointer into the non-BRP pool cannot land on a live BRP
// allocation.
func Init(logger *slog.Logger) error {
	if IsInitialized() {
		panic("the address space is already initialized")
	}
	cageLogger = logger

	pages, err := reservePages(reservedSize)
	if err != nil {
		return errors.Wrapf(err, "failed to reserve %d bytes of address space", int64(reservedSize))
	}
	reservation = pages
	reservationStart = addressOf(pages)

	base := memutils.AlignUp(reservationStart, PoolMaxSize)
	current := base

	setup.nonBRPPoolBaseAddress = current
	setup.nonBRPPool = Instance().Add(current, NonBRPPoolSize)
	current += NonBRPPoolSize

	setup.brpPoolBaseAddress = current
	setup.brpPool = Instance().Add(current+ForbiddenZoneSize, BRPPoolSize-ForbiddenZoneSize)
	current += BRPPoolSize

	if current > reservationStart+uintptr(reservedSize) {
		panic(fmt.Sprintf("pools [%#x, %#x) overrun the reservation", base, current))
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "address space initialized",
		slog.Uint64("ReservationStart", uint64(reservationStart)),
		slog.Uint64("NonBRPPoolBase", uint64(setup.nonBRPPoolBaseAddress)),
		slog.Uint64("BRPPoolBase", uint64(setup.brpPoolBaseAddress)),
	)
	return nil
}

// InitConfigurablePool installs the embedder-provided pool at the given address.
// The pool lives outside the cage reservation; the embedder owns the mapping. The
// size must be a power of two within [ConfigurablePoolMinSize,
// ConfigurablePoolMaxSize] and the address must be aligned on the size, so that
// the mask-and-compare membership test works for it too.
func InitConfigurablePool(address uintptr, size int) error {
	if IsConfigurablePoolInitialized() {
		panic("the configurable pool is already initialized")
	}
	if address == 0 {
		return errors.New("the configurable pool requires a non-null base address")
	}
	if size < ConfigurablePoolMinSize || size > ConfigurablePoolMaxSize {
		return errors.Errorf("configurable pool size %d is outside [%d, %d]",
			size, int64(ConfigurablePoolMinSize), int64(ConfigurablePoolMaxSize))
	}
	if err := memutils.CheckPow2(uintptr(size), "configurable pool size"); err != nil {
		return err
	}
	if err := memutils.CheckAligned(address, uintptr(size), "configurable pool base"); err != nil {
		return err
	}

	setup.configurablePoolBaseAddress = address
	setup.configurablePoolBaseMask = ^uintptr(size - 1)
	setup.configurablePool = Instance().Add(address, uintptr(size))
	return nil
}

// UninitForTesting tears the cage down and releases the reservation. Production
// code never does this; the cage lives for the whole process.
func UninitForTesting() {
	if reservation != nil {
		if err := releasePages(reservation); err != nil && cageLogger != nil {
			cageLogger.Error("failed to release the cage reservation", slog.Any("error", err))
		}
	}
	reservation = nil
	reservationStart = 0

	setup.nonBRPPoolBaseAddress = nonBRPPoolOffsetMask
	setup.brpPoolBaseAddress = brpPoolOffsetMask
	setup.configurablePoolBaseAddress = ConfigurablePoolMaxSize - 1
	setup.configurablePoolBaseMask = ^uintptr(ConfigurablePoolMaxSize - 1)
	setup.nonBRPPool = 0
	setup.brpPool = 0
	setup.configurablePool = 0

	Instance().ResetForTesting()
}

// IsInitialized reports whether Init has carved the cage. The non-BRP and BRP
// pools are only ever initialized together; the configurable pool is separate.
func IsInitialized() bool {
	if setup.nonBRPPool != 0 {
		if setup.brpPool == 0 {
			panic("the BRP pool must be initialized together with the non-BRP pool")
		}
		return true
	}
	return false
}

func IsConfigurablePoolInitialized() bool {
	return setup.configurablePoolBaseAddress != ConfigurablePoolMaxSize-1
}

func NonBRPPool() Handle       { return setup.nonBRPPool }
func BRPPool() Handle          { return setup.brpPool }
func ConfigurablePool() Handle { return setup.configurablePool }

func NonBRPPoolBase() uintptr       { return setup.nonBRPPoolBaseAddress }
func BRPPoolBase() uintptr          { return setup.brpPoolBaseAddress }
func ConfigurablePoolBase() uintptr { return setup.configurablePoolBaseAddress }

// IsInNonBRPPool returns false for the null address.
func IsInNonBRPPool(address uintptr) bool {
	return address&nonBRPPoolBaseMask == setup.nonBRPPoolBaseAddress
}

// IsInBRPPool returns false for the null address.
func IsInBRPPool(address uintptr) bool {
	return address&brpPoolBaseMask == setup.brpPoolBaseAddress
}

// IsInConfigurablePool returns false for the null address.
func IsInConfigurablePool(address uintptr) bool {
	return address&setup.configurablePoolBaseMask == setup.configurablePoolBaseAddress
}

// IsManaged reports whether any pool claims the address.
func IsManaged(address uintptr) bool {
	return Classify(address) != PoolNone
}

// Classify names the pool containing address, or PoolNone.
func Classify(address uintptr) PoolChoice {
	if IsInNonBRPPool(address) {
		return PoolNonBRP
	}
	if IsInBRPPool(address) {
		return PoolBRP
	}
	if IsInConfigurablePool(address) {
		return PoolConfigurable
	}
	return PoolNone
}

// GetPoolInfo resolves the pool containing address. For an unmanaged address the
// result has Pool == PoolNone and a zero handle.
func GetPoolInfo(address uintptr) PoolInfo {
	switch Classify(address) {
	case PoolNonBRP:
		return PoolInfo{
			Pool:     PoolNonBRP,
			Handle:   setup.nonBRPPool,
			Base:     setup.nonBRPPoolBaseAddress,
			BaseMask: nonBRPPoolBaseMask,
			Offset:   address - setup.nonBRPPoolBaseAddress,
		}
	case PoolBRP:
		return PoolInfo{
			Pool:     PoolBRP,
			Handle:   setup.brpPool,
			Base:     setup.brpPoolBaseAddress,
			BaseMask: brpPoolBaseMask,
			Offset:   address - setup.brpPoolBaseAddress,
		}
	case PoolConfigurable:
		return PoolInfo{
			Pool:     PoolConfigurable,
			Handle:   setup.configurablePool,
			Base:     setup.configurablePoolBaseAddress,
			BaseMask: setup.configurablePoolBaseMask,
			Offset:   address - setup.configurablePoolBaseAddress,
		}
	}
	return PoolInfo{Pool: PoolNone}
}

// PoolAndOffset returns the handle of the pool containing address and the
// address's offset within it. Calling it with an unmanaged address is a contract
// violation.
func PoolAndOffset(address uintptr) (Handle, uintptr) {
	info := GetPoolInfo(address)
	if info.Pool == PoolNone {
		panic(fmt.Sprintf("address %#x is not managed by any pool", address))
	}
	return info.Handle, info.Offset
}

// OffsetInBRPPool returns the offset of address within the BRP pool.
func OffsetInBRPPool(address uintptr) uintptr {
	if !IsInBRPPool(address) {
		panic(fmt.Sprintf("address %#x is not in the BRP pool", address))
	}
	return address - setup.brpPoolBaseAddress
}
