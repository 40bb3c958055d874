package surface

import (
	"fmt"
	"os"
	"path/filepath"
)

// MeshWriter persists the mesh for one frame and returns where it went.
type MeshWriter interface {
	WriteMesh(frame int, m *Mesh) (string, error)
}

// FileWriter writes one file per frame into Dir, named by Pattern
// (a fmt verb taking the frame number, e.g. "water_%d").
type FileWriter struct {
	Dir     string
	Pattern string
}

// Path returns the output path for frame.
func (w FileWriter) Path(frame int) string {
	return filepath.Join(w.Dir, fmt.Sprintf(w.Pattern, frame))
}

// WriteMesh writes m through a temporary file renamed into place, so a
// failed write never leaves a truncated frame behind.
func (w FileWriter) WriteMesh(frame int, m *Mesh) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	path := w.Path(frame)

	tmp, err := os.CreateTemp(w.Dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := m.WriteTo(tmp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing frame %d: %w", frame, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing frame %d: %w", frame, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("renaming frame %d: %w", frame, err)
	}
	return path, nil
}
