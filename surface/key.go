package surface

import (
	"errors"
	"fmt"
)

const (
	keyBits = 21
	keyMask = 1<<keyBits - 1

	// MaxLatticeAxis is the largest number of lattice points per axis a
	// VoxelKey can address.
	MaxLatticeAxis = 1 << keyBits
)

// ErrLatticeTooLarge is returned when the reconstruction lattice would need
// more than MaxLatticeAxis points along an axis.
var ErrLatticeTooLarge = errors.New("surface: lattice exceeds key range")

// VoxelKey packs non-negative lattice coordinates into one integer,
// 21 bits per axis with x in the low bits. Ascending key order visits the
// lattice z-major, then y, then x.
type VoxelKey uint64

// PackKey builds the key for lattice point (x, y, z). Coordinates must be
// below MaxLatticeAxis.
func PackKey(x, y, z uint64) VoxelKey {
	return VoxelKey(x | y<<keyBits | z<<(2*keyBits))
}

// Unpack returns the lattice coordinates of k.
func (k VoxelKey) Unpack() (x, y, z uint64) {
	u := uint64(k)
	return u & keyMask, (u >> keyBits) & keyMask, u >> (2 * keyBits)
}

// Offset returns the key displaced by (dx, dy, dz). The caller keeps the
// result inside the lattice.
func (k VoxelKey) Offset(dx, dy, dz uint64) VoxelKey {
	return k + PackKey(dx, dy, dz)
}

func (k VoxelKey) String() string {
	x, y, z := k.Unpack()
	return fmt.Sprintf("%d:%d:%d", x, y, z)
}

// latticeDims checks that extent/spacing fits in a key and returns the
// number of lattice points per axis.
func latticeDims(extent [3]float64, spacing float64) ([3]int, error) {
	var dims [3]int
	for axis, e := range extent {
		n := e/spacing + 1
		if !(n < MaxLatticeAxis) {
			return dims, fmt.Errorf("%w: axis %d needs %.0f points, limit %d",
				ErrLatticeTooLarge, axis, n, MaxLatticeAxis)
		}
		dims[axis] = int(n)
	}
	return dims, nil
}
