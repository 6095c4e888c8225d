// Package dataspace manages the double-buffered data slots. The user data
// directory carries four slots (slots/slotA..slotD); state.json records
// which slot is active and which, if any, is pending a switch. State writes
// are crash-safe: write to state.json.tmp, fsync, rename, fsync the parent.
package dataspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// SlotNames are the fixed slot identifiers.
var SlotNames = []string{"slotA", "slotB", "slotC", "slotD"}

const (
	slotsDirName  = "slots"
	stateFileName = "state.json"
)

// State is the persisted slot state.
type State struct {
	Active    string `json:"active"`
	Pending   string `json:"pending,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

// Manager owns the slots directory and the state file.
type Manager struct {
	mu      sync.Mutex
	baseDir string // user data directory
	state   State
}

// Open initializes the slots directory, creating all slots and a default
// state (active = slotA) on first run. A corrupt state.json is recovered
// from state.json.tmp when possible.
func Open(baseDir string) (*Manager, error) {
	if baseDir == "" {
		return nil, apperr.Validation("dataspace.Open", "base directory required")
	}

	slotsDir := filepath.Join(baseDir, slotsDirName)
	for _, name := range SlotNames {
		if err := os.MkdirAll(filepath.Join(slotsDir, name), 0755); err != nil {
			return nil, apperr.FileSystem("dataspace.Open", err)
		}
	}

	m := &Manager{baseDir: baseDir}
	state, err := m.loadState()
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &State{Active: SlotNames[0]}
		if err := m.writeState(*state); err != nil {
			return nil, err
		}
		logging.Dataspace("initialized slot state, active=%s", state.Active)
	}
	m.state = *state
	return m, nil
}

func (m *Manager) statePath() string {
	return filepath.Join(m.baseDir, slotsDirName, stateFileName)
}

// loadState reads state.json, falling back to the .tmp file when the
// primary is missing or corrupt. Returns nil state on first run.
func (m *Manager) loadState() (*State, error) {
	primary := m.statePath()
	state, err := readStateFile(primary)
	if err == nil {
		return state, nil
	}
	if !os.IsNotExist(err) {
		logging.DataspaceWarn("state.json unreadable (%v), trying tmp fallback", err)
	}

	fallback, ferr := readStateFile(primary + ".tmp")
	if ferr == nil {
		logging.Dataspace("recovered slot state from tmp fallback, active=%s", fallback.Active)
		// Promote the recovered content so the next read hits the primary.
		if werr := m.writeStateTo(primary, *fallback); werr != nil {
			logging.DataspaceWarn("failed to promote recovered state: %v", werr)
		}
		return fallback, nil
	}

	if os.IsNotExist(err) && os.IsNotExist(ferr) {
		return nil, nil // first run
	}
	return nil, apperr.Wrap(apperr.KindFileSystem, "dataspace.loadState", err,
		"state file corrupt and no usable fallback")
}

func readStateFile(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if !validSlot(s.Active) {
		return nil, fmt.Errorf("state names unknown active slot %q", s.Active)
	}
	return &s, nil
}

func validSlot(name string) bool {
	for _, s := range SlotNames {
		if s == name {
			return true
		}
	}
	return false
}

// writeState persists state durably: tmp write + fsync + rename + parent fsync.
func (m *Manager) writeState(s State) error {
	return m.writeStateTo(m.statePath(), s)
}

func (m *Manager) writeStateTo(path string, s State) error {
	s.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return apperr.Internal("dataspace.writeState", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return apperr.FileSystem("dataspace.writeState", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return apperr.FileSystem("dataspace.writeState", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return apperr.FileSystem("dataspace.writeState", err)
	}
	if err := f.Close(); err != nil {
		return apperr.FileSystem("dataspace.writeState", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperr.FileSystem("dataspace.writeState", err)
	}
	// fsync the parent so the rename itself survives a crash.
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// Active returns the active slot name.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Active
}

// Pending returns the pending slot name, or "" when no switch is pending.
func (m *Manager) Pending() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Pending
}

// ActivePath returns the directory of the active slot.
func (m *Manager) ActivePath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filepath.Join(m.baseDir, slotsDirName, m.state.Active)
}

// SlotPath returns the directory of a named slot.
func (m *Manager) SlotPath(name string) (string, error) {
	if !validSlot(name) {
		return "", apperr.Validation("dataspace.SlotPath", "unknown slot %q", name)
	}
	return filepath.Join(m.baseDir, slotsDirName, name), nil
}

// MarkPendingSwitch records that target should become active on the next
// commit. After this returns nil the intent is durable: a crash and restart
// observes either the prior active slot or, after CommitSwitch, the target.
func (m *Manager) MarkPendingSwitch(target string) error {
	if !validSlot(target) {
		return apperr.Validation("dataspace.MarkPendingSwitch", "unknown slot %q", target)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if target == m.state.Active {
		return apperr.Validation("dataspace.MarkPendingSwitch", "slot %q already active", target)
	}

	next := m.state
	next.Pending = target
	if err := m.writeState(next); err != nil {
		return err
	}
	m.state = next
	logging.Dataspace("pending switch marked: %s -> %s", m.state.Active, target)
	return nil
}

// CommitSwitch promotes the pending slot to active.
func (m *Manager) CommitSwitch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Pending == "" {
		return apperr.Validation("dataspace.CommitSwitch", "no pending switch")
	}

	next := State{Active: m.state.Pending}
	if err := m.writeState(next); err != nil {
		return err
	}
	logging.Dataspace("switched active slot: %s -> %s", m.state.Active, next.Active)
	m.state = next
	return nil
}

// CancelSwitch clears a pending switch.
func (m *Manager) CancelSwitch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Pending == "" {
		return nil
	}
	next := m.state
	next.Pending = ""
	if err := m.writeState(next); err != nil {
		return err
	}
	m.state = next
	return nil
}
