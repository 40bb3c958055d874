package surface

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrMalformedMesh is returned by ReadMesh for input that is not a
// trianglemesh block.
var ErrMalformedMesh = errors.New("surface: malformed mesh")

// Mesh is an indexed triangle mesh. Triangle winding follows the marching
// cubes table.
type Mesh struct {
	Vertices  []r3.Vec
	Triangles [][3]int32
}

// Empty reports whether the mesh has no triangles.
func (m *Mesh) Empty() bool { return len(m.Triangles) == 0 }

// Bounds returns the axis-aligned bounds of the vertices. ok is false for an
// empty vertex list.
func (m *Mesh) Bounds() (lo, hi r3.Vec, ok bool) {
	if len(m.Vertices) == 0 {
		return lo, hi, false
	}
	lo, hi = boundsOf(m.Vertices)
	return lo, hi, true
}

// OpenEdges counts undirected edges used by exactly one triangle. A closed
// surface has none.
func (m *Mesh) OpenEdges() int {
	uses := make(map[[2]int32]int, len(m.Triangles)*3/2)
	for _, t := range m.Triangles {
		for e := 0; e < 3; e++ {
			a, b := t[e], t[(e+1)%3]
			if b < a {
				a, b = b, a
			}
			uses[[2]int32{a, b}]++
		}
	}
	open := 0
	for _, n := range uses {
		if n == 1 {
			open++
		}
	}
	return open
}

// WriteTo writes the mesh as a renderer scene fragment:
//
//	Shape "trianglemesh" "integer indices" [
//	i0 i1 i2
//	] "point P" [
//	x z y
//	]
//
// Points are written with y and z swapped for the renderer's up axis.
func (m *Mesh) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}
	buf := make([]byte, 0, 96)

	cw.putString("Shape \"trianglemesh\" \"integer indices\" [\n")
	for _, t := range m.Triangles {
		buf = buf[:0]
		buf = strconv.AppendInt(buf, int64(t[0]), 10)
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, int64(t[1]), 10)
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, int64(t[2]), 10)
		buf = append(buf, '\n')
		cw.put(buf)
	}
	cw.putString("] \"point P\" [\n")
	for _, v := range m.Vertices {
		buf = buf[:0]
		buf = strconv.AppendFloat(buf, v.X, 'g', -1, 64)
		buf = append(buf, ' ')
		buf = strconv.AppendFloat(buf, v.Z, 'g', -1, 64)
		buf = append(buf, ' ')
		buf = strconv.AppendFloat(buf, v.Y, 'g', -1, 64)
		buf = append(buf, '\n')
		cw.put(buf)
	}
	cw.putString("]\n")

	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, bw.Flush()
}

// countingWriter keeps the first error so WriteTo can check once.
type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) put(p []byte) {
	if c.err != nil {
		return
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
}

func (c *countingWriter) putString(s string) {
	if c.err != nil {
		return
	}
	n, err := c.w.WriteString(s)
	c.n += int64(n)
	c.err = err
}

// ReadMesh parses the format produced by WriteTo, swapping the point
// coordinates back.
func ReadMesh(r io.Reader) (*Mesh, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	const (
		header = 0
		tris   = 1
		points = 2
		done   = 3
	)
	state := header
	m := &Mesh{}
	line := 0

	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		switch state {
		case header:
			if !strings.HasPrefix(text, "Shape \"trianglemesh\"") || !strings.HasSuffix(text, "[") {
				return nil, fmt.Errorf("%w: line %d: expected trianglemesh header", ErrMalformedMesh, line)
			}
			state = tris
		case tris:
			if strings.HasPrefix(text, "]") {
				if !strings.Contains(text, "\"point P\"") {
					return nil, fmt.Errorf("%w: line %d: expected point list", ErrMalformedMesh, line)
				}
				state = points
				continue
			}
			var t [3]int32
			f := strings.Fields(text)
			if len(f) != 3 {
				return nil, fmt.Errorf("%w: line %d: want 3 indices, got %d", ErrMalformedMesh, line, len(f))
			}
			for i, s := range f {
				v, err := strconv.ParseInt(s, 10, 32)
				if err != nil || v < 0 {
					return nil, fmt.Errorf("%w: line %d: bad index %q", ErrMalformedMesh, line, s)
				}
				t[i] = int32(v)
			}
			m.Triangles = append(m.Triangles, t)
		case points:
			if text == "]" {
				state = done
				continue
			}
			f := strings.Fields(text)
			if len(f) != 3 {
				return nil, fmt.Errorf("%w: line %d: want 3 coordinates, got %d", ErrMalformedMesh, line, len(f))
			}
			var c [3]float64
			for i, s := range f {
				v, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return nil, fmt.Errorf("%w: line %d: bad coordinate %q", ErrMalformedMesh, line, s)
				}
				c[i] = v
			}
			m.Vertices = append(m.Vertices, r3.Vec{X: c[0], Y: c[2], Z: c[1]})
		case done:
			return nil, fmt.Errorf("%w: line %d: trailing data", ErrMalformedMesh, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if state != done {
		return nil, fmt.Errorf("%w: unexpected end of input", ErrMalformedMesh)
	}
	for i, t := range m.Triangles {
		for _, idx := range t {
			if int(idx) >= len(m.Vertices) {
				return nil, fmt.Errorf("%w: triangle %d references vertex %d of %d",
					ErrMalformedMesh, i, idx, len(m.Vertices))
			}
		}
	}
	return m, nil
}
