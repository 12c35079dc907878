package scripting

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"sync"
)

const AutoloadFile = "autoload"

// AutoloadSet is the ordered list of script ids started at boot. It is
// written through to disk on every change as packed little-endian uint32s.
type AutoloadSet struct {
	path string

	mu  sync.Mutex
	ids []uint32
}

func NewAutoloadSet(path string) *AutoloadSet {
	return &AutoloadSet{path: path}
}

// Load replaces the in-memory set with the file contents. A missing file is
// an empty set and a truncated trailing entry is dropped.
func (a *AutoloadSet) Load() error {
	raw, err := os.ReadFile(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		a.mu.Lock()
		a.ids = nil
		a.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	ids := make([]uint32, 0, len(raw)/4)
	for i := 0; i+4 <= len(raw); i += 4 {
		ids = append(ids, binary.LittleEndian.Uint32(raw[i:]))
	}
	a.mu.Lock()
	a.ids = ids
	a.mu.Unlock()
	return nil
}

func (a *AutoloadSet) IDs() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint32(nil), a.ids...)
}

func (a *AutoloadSet) Contains(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return indexOf(a.ids, id) >= 0
}

func (a *AutoloadSet) Enable(id uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if indexOf(a.ids, id) >= 0 {
		return nil
	}
	a.ids = append(a.ids, id)
	return a.writeLocked()
}

func (a *AutoloadSet) Disable(id uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i := indexOf(a.ids, id); i >= 0 {
		a.ids = append(a.ids[:i], a.ids[i+1:]...)
	}
	return a.writeLocked()
}

// writeLocked drops duplicates (first occurrence wins) and recreates the file.
func (a *AutoloadSet) writeLocked() error {
	fixed := make([]uint32, 0, len(a.ids))
	for _, id := range a.ids {
		if indexOf(fixed, id) < 0 {
			fixed = append(fixed, id)
		}
	}
	a.ids = fixed

	if err := os.Remove(a.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	buf := make([]byte, 4*len(fixed))
	for i, id := range fixed {
		binary.LittleEndian.PutUint32(buf[i*4:], id)
	}
	return os.WriteFile(a.path, buf, 0o644)
}

func indexOf(ids []uint32, id uint32) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// Save rewrites the file from the in-memory set.
func (a *AutoloadSet) Save() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeLocked()
}
