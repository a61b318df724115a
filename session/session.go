package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaban/patchbay"
)

const snapshotVersion = "1.0"

// Snapshot is the persisted shape of one engine session. It captures what the
// user chose, not what was negotiated: on restore the engine renegotiates with
// whatever hardware is present.
type Snapshot struct {
	Version     string    `yaml:"version"`
	SavedAt     time.Time `yaml:"saved_at"`
	Driver      string    `yaml:"driver"`
	Device      string    `yaml:"device"`
	SampleRate  float64   `yaml:"sample_rate"`
	BufferSize  uint32    `yaml:"buffer_size"`
	Mode        string    `yaml:"mode"`
	MidiInputs  []string  `yaml:"midi_inputs,omitempty"`
	MidiOutputs []string  `yaml:"midi_outputs,omitempty"`
}

// Capture snapshots the current state of a live engine, including its open
// MIDI handles.
func Capture(e *patchbay.Engine) Snapshot {
	s := Snapshot{
		Version:    snapshotVersion,
		SavedAt:    time.Now(),
		Driver:     e.DriverName(),
		Device:     e.DeviceName(),
		SampleRate: e.GetSampleRate(),
		BufferSize: e.GetBufferSize(),
		Mode:       modeString(e.ProcessMode()),
	}
	for _, h := range e.Pool().InputHandles() {
		s.MidiInputs = append(s.MidiInputs, h.Name)
	}
	for _, h := range e.Pool().OutputHandles() {
		s.MidiOutputs = append(s.MidiOutputs, h.Name)
	}
	return s
}

func modeString(m patchbay.ProcessMode) string {
	switch m {
	case patchbay.ProcessModeRack:
		return "rack"
	case patchbay.ProcessModePatchbay:
		return "patchbay"
	}
	return ""
}

// ProcessMode resolves the snapshot's mode string back to a process mode.
// Unknown strings fall back to patchbay mode.
func (s Snapshot) ProcessMode() patchbay.ProcessMode {
	if s.Mode == "rack" {
		return patchbay.ProcessModeRack
	}
	return patchbay.ProcessModePatchbay
}

// Store reads and writes snapshots below a directory, one YAML file per
// session name.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// DefaultStore roots the store in the user config directory.
func DefaultStore() (*Store, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("resolving config directory: %w", err)
	}
	return NewStore(filepath.Join(base, "patchbay", "sessions")), nil
}

func (st *Store) path(name string) string {
	return filepath.Join(st.dir, name+".yaml")
}

// Save writes the snapshot under name. The write goes through a temp file and
// rename so a crash mid-write never corrupts an existing session.
func (st *Store) Save(name string, s Snapshot) error {
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session %q: %w", name, err)
	}

	tmp := st.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing session %q: %w", name, err)
	}
	if err := os.Rename(tmp, st.path(name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing session %q: %w", name, err)
	}
	return nil
}

// ErrNotFound reports that no snapshot exists under the requested name.
var ErrNotFound = errors.New("session not found")

// Load reads the snapshot saved under name.
func (st *Store) Load(name string) (Snapshot, error) {
	data, err := os.ReadFile(st.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, fmt.Errorf("session %q: %w", name, ErrNotFound)
		}
		return Snapshot{}, fmt.Errorf("reading session %q: %w", name, err)
	}

	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decoding session %q: %w", name, err)
	}
	return s, nil
}

// List returns the saved session names in directory order.
func (st *Store) List() ([]string, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".yaml" {
			continue
		}
		names = append(names, name[:len(name)-len(".yaml")])
	}
	return names, nil
}

// Delete removes the snapshot saved under name.
func (st *Store) Delete(name string) error {
	if err := os.Remove(st.path(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("session %q: %w", name, ErrNotFound)
		}
		return fmt.Errorf("deleting session %q: %w", name, err)
	}
	return nil
}
