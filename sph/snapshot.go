package sph

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
)

// StreamVersion is incremented when the stream file format changes.
const StreamVersion = 1

// ErrNoSnapshot is returned for steps that have not been recorded.
var ErrNoSnapshot = errors.New("sph: no snapshot for step")

// Snapshot is an immutable copy of the particle state after a step.
type Snapshot struct {
	Step      int
	Time      float64
	Positions []r3.Vec
	Densities []float64
}

// Len returns the particle count.
func (s *Snapshot) Len() int { return len(s.Positions) }

// snapshotJSON is the on-disk form; positions are stored as [x, y, z] triples.
type snapshotJSON struct {
	Step      int          `json:"step"`
	Time      float64      `json:"time"`
	Positions [][3]float64 `json:"positions"`
	Densities []float64    `json:"densities"`
}

// MarshalJSON implements json.Marshaler.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		Step:      s.Step,
		Time:      s.Time,
		Positions: make([][3]float64, len(s.Positions)),
		Densities: s.Densities,
	}
	for i, p := range s.Positions {
		out.Positions[i] = vecToArray(p)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var in snapshotJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if len(in.Densities) != len(in.Positions) {
		return fmt.Errorf("snapshot %d: %d positions but %d densities",
			in.Step, len(in.Positions), len(in.Densities))
	}
	s.Step = in.Step
	s.Time = in.Time
	s.Densities = in.Densities
	s.Positions = make([]r3.Vec, len(in.Positions))
	for i, p := range in.Positions {
		s.Positions[i] = arrayToVec(p)
	}
	return nil
}

// Stream is an append-only sequence of snapshots indexed by step. It is safe
// for concurrent readers while the solver appends.
type Stream struct {
	mu    sync.RWMutex
	snaps []*Snapshot
	first int // step of snaps[0]
}

// NewStream creates an empty stream.
func NewStream() *Stream {
	return &Stream{}
}

// Append records a snapshot. Steps must be consecutive.
func (st *Stream) Append(s *Snapshot) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.snaps) == 0 {
		st.first = s.Step
	} else if want := st.first + len(st.snaps); s.Step != want {
		return fmt.Errorf("sph: appending step %d, expected %d", s.Step, want)
	}
	st.snaps = append(st.snaps, s)
	return nil
}

// Get returns the snapshot recorded for step.
func (st *Stream) Get(step int) (*Snapshot, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	i := step - st.first
	if i < 0 || i >= len(st.snaps) {
		return nil, fmt.Errorf("%w %d", ErrNoSnapshot, step)
	}
	return st.snaps[i], nil
}

// Len returns the number of recorded snapshots.
func (st *Stream) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.snaps)
}

// Range returns the first and last recorded steps. ok is false when empty.
func (st *Stream) Range() (first, last int, ok bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if len(st.snaps) == 0 {
		return 0, 0, false
	}
	return st.first, st.first + len(st.snaps) - 1, true
}

// streamFile is the JSON layout written by SaveStream.
type streamFile struct {
	Version   int         `json:"version"`
	Snapshots []*Snapshot `json:"snapshots"`
}

// SaveStream writes the stream to path as JSON, creating parent directories.
func SaveStream(st *Stream, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create stream dir: %w", err)
	}

	st.mu.RLock()
	file := streamFile{Version: StreamVersion, Snapshots: st.snaps}
	data, err := json.Marshal(file)
	st.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal stream: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write stream: %w", err)
	}
	return nil
}

// LoadStream reads a stream written by SaveStream.
func LoadStream(path string) (*Stream, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	var file streamFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal stream: %w", err)
	}
	if file.Version != StreamVersion {
		return nil, fmt.Errorf("stream version %d, want %d", file.Version, StreamVersion)
	}

	st := NewStream()
	for _, s := range file.Snapshots {
		if err := st.Append(s); err != nil {
			return nil, fmt.Errorf("load stream: %w", err)
		}
	}
	return st, nil
}
