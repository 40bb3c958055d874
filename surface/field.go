package surface

import "gonum.org/v1/gonum/spatial/r3"

// ScalarField is a sparse lattice of accumulated kernel values. A key is
// present only if some kernel contributed to it; absent keys read as zero.
type ScalarField struct {
	values map[VoxelKey]float64
}

// NewScalarField creates an empty field.
func NewScalarField() *ScalarField {
	return &ScalarField{values: make(map[VoxelKey]float64)}
}

// Add accumulates v at k.
func (f *ScalarField) Add(k VoxelKey, v float64) {
	f.values[k] += v
}

// Get returns the value at k, or 0 if nothing was splatted there.
func (f *ScalarField) Get(k VoxelKey) float64 {
	return f.values[k]
}

// Len returns the number of populated lattice points.
func (f *ScalarField) Len() int { return len(f.values) }

// Reset empties the field, keeping its storage.
func (f *ScalarField) Reset() { clear(f.values) }

// EdgeCache deduplicates marching cubes vertices. Each lattice edge gets at
// most one vertex, so cells sharing an edge share the vertex index.
type EdgeCache struct {
	index    map[edgeKey]int32
	vertices []r3.Vec
}

// edgeKey is an unordered pair of corner keys stored as (lo, hi).
type edgeKey struct{ lo, hi VoxelKey }

// NewEdgeCache creates an empty cache.
func NewEdgeCache() *EdgeCache {
	return &EdgeCache{index: make(map[edgeKey]int32)}
}

// GetOrInsert returns the vertex index for the edge between a and b,
// calling interp with the corners ordered (lower key, higher key) to place
// the vertex the first time the edge is seen.
func (c *EdgeCache) GetOrInsert(a, b VoxelKey, interp func(lo, hi VoxelKey) r3.Vec) int32 {
	if b < a {
		a, b = b, a
	}
	k := edgeKey{a, b}
	if idx, ok := c.index[k]; ok {
		return idx
	}
	idx := int32(len(c.vertices))
	c.vertices = append(c.vertices, interp(a, b))
	c.index[k] = idx
	return idx
}

// Len returns the number of vertices created.
func (c *EdgeCache) Len() int { return len(c.vertices) }

// Take hands the vertex list to the caller and empties the cache.
func (c *EdgeCache) Take() []r3.Vec {
	v := c.vertices
	c.vertices = nil
	clear(c.index)
	return v
}
