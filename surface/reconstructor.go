// Package surface reconstructs a triangle mesh of the fluid surface from a
// particle snapshot using anisotropic kernels and marching cubes.
package surface

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/splash/config"
	"github.com/pthm-cable/splash/parallel"
	"github.com/pthm-cable/splash/sph"
	"github.com/pthm-cable/splash/spatial"
)

// poly6C normalises the splat kernel K(u²) = poly6C·(1 - u²)³ on the unit ball.
const poly6C = 315.0 / (64.0 * math.Pi)

// interpolationSnap: corner values closer than this place the vertex on the
// lower corner instead of dividing by a near-zero difference.
const interpolationSnap = 1e-5

// Params configures a Reconstructor.
type Params struct {
	Mass           float64
	KernelRadius   float64
	IsoLevel       float64
	VoxelSize      float64
	PadFactor      float64
	PreprocessDivs float64
	KernelScale    float64
	MinNeighbors   int
	IsotropicScale float64
	EigenRatio     float64
	Workers        int // Preprocess parallelism, 0 = GOMAXPROCS
}

// ParamsFromConfig extracts reconstruction parameters from cfg.
func ParamsFromConfig(cfg *config.Config) Params {
	s := cfg.Surface
	return Params{
		Mass:           cfg.Solver.Mass,
		KernelRadius:   cfg.Solver.KernelRadius,
		IsoLevel:       s.IsoLevel,
		VoxelSize:      s.VoxelSize,
		PadFactor:      s.PadFactor,
		PreprocessDivs: s.PreprocessDivs,
		KernelScale:    s.KernelScale,
		MinNeighbors:   s.MinNeighbors,
		IsotropicScale: s.IsotropicScale,
		EigenRatio:     s.EigenRatio,
		Workers:        cfg.Derived.PreprocWorkers,
	}
}

// Stats describes one reconstruction.
type Stats struct {
	Particles     int
	Lattice       [3]int
	FieldVoxels   int
	SurfaceCells  int
	Vertices      int
	Triangles     int
	Isotropic     int // Kernels that fell back to the isotropic shape
	EigenFailures int
}

// Reconstructor turns snapshots into meshes. It owns private caches that are
// emptied after every call, so one instance can process frames in sequence
// with results identical to a fresh instance. It is not safe for concurrent
// use; run one Reconstructor per goroutine.
type Reconstructor struct {
	params Params
	pool   *parallel.Pool

	grid      *spatial.Grid
	frames    []kernelFrame
	scratch   [][]int // per worker neighbour buffers
	field     *ScalarField
	edges     *EdgeCache
	cells     map[VoxelKey]struct{}
	cellOrder []VoxelKey

	// Lattice of the current call
	min  r3.Vec
	dims [3]int
}

// New creates a reconstructor.
func New(params Params) *Reconstructor {
	pool := parallel.NewPool(params.Workers)
	return &Reconstructor{
		params:  params,
		pool:    pool,
		scratch: make([][]int, pool.Workers()),
		field:   NewScalarField(),
		edges:   NewEdgeCache(),
		cells:   make(map[VoxelKey]struct{}),
	}
}

// Close stops the preprocess workers.
func (r *Reconstructor) Close() { r.pool.Close() }

// Reconstruct builds the isosurface mesh for snap.
func (r *Reconstructor) Reconstruct(snap *sph.Snapshot) (*Mesh, Stats, error) {
	defer r.reset()

	stats := Stats{Particles: snap.Len()}
	if snap.Len() == 0 {
		return &Mesh{}, stats, nil
	}
	if len(snap.Densities) != snap.Len() {
		return nil, stats, fmt.Errorf("surface: %d positions but %d densities", snap.Len(), len(snap.Densities))
	}

	lo, hi := boundsOf(snap.Positions)
	pad := r.params.PadFactor * r.params.KernelRadius
	padV := r3.Vec{X: pad, Y: pad, Z: pad}
	r.min = r3.Sub(lo, padV)
	extent := r3.Sub(r3.Add(hi, padV), r.min)

	dims, err := latticeDims([3]float64{extent.X, extent.Y, extent.Z}, r.params.VoxelSize)
	if err != nil {
		return nil, stats, err
	}
	r.dims = dims
	stats.Lattice = dims

	if err := r.preprocess(snap.Positions, extent); err != nil {
		return nil, stats, err
	}
	for _, f := range r.frames {
		if f.isotropic {
			stats.Isotropic++
		}
		if f.eigenError {
			stats.EigenFailures++
		}
	}

	r.splat(snap)
	stats.FieldVoxels = r.field.Len()
	stats.SurfaceCells = len(r.cells)

	mesh := r.march()
	stats.Vertices = len(mesh.Vertices)
	stats.Triangles = len(mesh.Triangles)
	return mesh, stats, nil
}

// reset empties every per-call cache.
func (r *Reconstructor) reset() {
	r.field.Reset()
	r.edges.Take()
	clear(r.cells)
	r.cellOrder = r.cellOrder[:0]
	r.frames = r.frames[:0]
}

func boundsOf(positions []r3.Vec) (lo, hi r3.Vec) {
	lo, hi = positions[0], positions[0]
	for _, p := range positions[1:] {
		lo = r3.Vec{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = r3.Vec{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	return lo, hi
}

// preprocess computes every particle's kernel frame in parallel. Neighbours
// come from a bucket grid with cells of at least 2h, so the 27-cell block
// covers the weight support.
func (r *Reconstructor) preprocess(positions []r3.Vec, extent r3.Vec) error {
	h2 := 2 * r.params.KernelRadius
	divs := r.params.PreprocessDivs
	cell := r3.Vec{
		X: math.Max(extent.X/divs, h2),
		Y: math.Max(extent.Y/divs, h2),
		Z: math.Max(extent.Z/divs, h2),
	}
	dims := [3]int{
		int(extent.X/cell.X) + 1,
		int(extent.Y/cell.Y) + 1,
		int(extent.Z/cell.Z) + 1,
	}

	if r.grid != nil && r.grid.Dims() == dims {
		if err := r.grid.Reset(cell, r.min); err != nil {
			return err
		}
	} else {
		g, err := spatial.New(dims, cell, r.min)
		if err != nil {
			return fmt.Errorf("creating preprocess grid: %w", err)
		}
		r.grid = g
	}
	if err := r.grid.Build(positions); err != nil {
		return fmt.Errorf("building preprocess grid: %w", err)
	}

	r.frames = slices.Grow(r.frames[:0], len(positions))[:len(positions)]
	r.pool.For(len(positions), func(worker, start, end int) {
		buf := r.scratch[worker]
		for i := start; i < end; i++ {
			c, _ := r.grid.CellOf(positions[i])
			buf = r.grid.NeighborsInto(buf[:0], c)
			r.frames[i] = r.anisotropicFrame(positions, i, buf)
		}
		r.scratch[worker] = buf
	})
	return nil
}

// splat accumulates every kernel into the scalar field and records the
// lattice cells that may touch the surface.
func (r *Reconstructor) splat(snap *sph.Snapshot) {
	base := r.params.VoxelSize
	maxIdx := [3]int{r.dims[0] - 1, r.dims[1] - 1, r.dims[2] - 1}
	maxCell := [3]int{r.dims[0] - 2, r.dims[1] - 2, r.dims[2] - 2}

	for i := range r.frames {
		rho := snap.Densities[i]
		if rho == 0 {
			continue
		}
		f := &r.frames[i]
		coef := r.params.Mass / rho * f.detG

		bbLo := r3.Scale(1/base, r3.Sub(f.bbMin, r.min))
		bbHi := r3.Scale(1/base, r3.Sub(f.bbMax, r.min))
		lo := [3]int{ceilIdx(bbLo.X), ceilIdx(bbLo.Y), ceilIdx(bbLo.Z)}
		hi := [3]int{floorIdx(bbHi.X), floorIdx(bbHi.Y), floorIdx(bbHi.Z)}
		for a := 0; a < 3; a++ {
			lo[a] = max(lo[a], 0)
			hi[a] = min(hi[a], maxIdx[a])
		}
		if lo[0] > hi[0] || lo[1] > hi[1] || lo[2] > hi[2] {
			continue
		}

		for z := lo[2]; z <= hi[2]; z++ {
			for y := lo[1]; y <= hi[1]; y++ {
				for x := lo[0]; x <= hi[0]; x++ {
					p := r3.Vec{
						X: r.min.X + float64(x)*base,
						Y: r.min.Y + float64(y)*base,
						Z: r.min.Z + float64(z)*base,
					}
					u := r3.Norm2(f.g.MulVec(r3.Sub(p, f.center)))
					if u > 1 {
						continue
					}
					d := 1 - u
					w := poly6C * d * d * d
					if w == 0 {
						continue
					}
					r.field.Add(PackKey(uint64(x), uint64(y), uint64(z)), coef*w)
				}
			}
		}

		// Cells with a splatted corner lie within one cell of the range.
		for z := max(lo[2]-1, 0); z <= min(hi[2]+1, maxCell[2]); z++ {
			for y := max(lo[1]-1, 0); y <= min(hi[1]+1, maxCell[1]); y++ {
				for x := max(lo[0]-1, 0); x <= min(hi[0]+1, maxCell[0]); x++ {
					r.cells[PackKey(uint64(x), uint64(y), uint64(z))] = struct{}{}
				}
			}
		}
	}
}

// ceilIdx and floorIdx convert lattice-space coordinates to indices,
// saturating so out-of-range values still clip correctly.
func ceilIdx(x float64) int {
	return int(math.Max(math.Min(math.Ceil(x), MaxLatticeAxis), -1))
}

func floorIdx(x float64) int {
	return int(math.Max(math.Min(math.Floor(x), MaxLatticeAxis), -1))
}

// march polygonises the recorded cells in ascending key order.
func (r *Reconstructor) march() *Mesh {
	for k := range r.cells {
		r.cellOrder = append(r.cellOrder, k)
	}
	slices.Sort(r.cellOrder)

	iso := r.params.IsoLevel
	var tris [][3]int32
	var corner [8]VoxelKey
	var value [8]float64
	var vert [12]int32

	for _, cell := range r.cellOrder {
		cube := 0
		for c := 0; c < 8; c++ {
			corner[c] = cell.Offset(cornerDX[c], cornerDY[c], cornerDZ[c])
			value[c] = r.field.Get(corner[c])
			if value[c] > iso {
				cube |= 1 << c
			}
		}

		edges := edgeTable[cube]
		if edges == 0 {
			continue
		}
		for e := 0; e < 12; e++ {
			if edges&(1<<e) == 0 {
				continue
			}
			a, b := corner[edgeCorners[e][0]], corner[edgeCorners[e][1]]
			vert[e] = r.edges.GetOrInsert(a, b, r.interpolate)
		}

		row := &triTable[cube]
		for t := 0; row[t] != -1; t += 3 {
			tris = append(tris, [3]int32{vert[row[t]], vert[row[t+1]], vert[row[t+2]]})
		}
	}

	return &Mesh{Vertices: r.edges.Take(), Triangles: tris}
}

// interpolate places the isosurface crossing on the lattice edge lo→hi.
func (r *Reconstructor) interpolate(lo, hi VoxelKey) r3.Vec {
	pa, pb := r.latticePoint(lo), r.latticePoint(hi)
	va, vb := r.field.Get(lo), r.field.Get(hi)
	if math.Abs(va-vb) < interpolationSnap {
		return pa
	}
	t := (r.params.IsoLevel - va) / (vb - va)
	return r3.Add(pa, r3.Scale(t, r3.Sub(pb, pa)))
}

func (r *Reconstructor) latticePoint(k VoxelKey) r3.Vec {
	x, y, z := k.Unpack()
	base := r.params.VoxelSize
	return r3.Vec{
		X: r.min.X + float64(x)*base,
		Y: r.min.Y + float64(y)*base,
		Z: r.min.Z + float64(z)*base,
	}
}
