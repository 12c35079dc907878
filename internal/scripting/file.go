// Package scripting runs user Lua scripts, each in its own sandboxed VM, and
// fans engine events out to them.
package scripting

import (
	"bufio"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
)

type ScriptType uint32

const (
	TypeScript ScriptType = iota
	TypeRemote
	TypeLibrary
)

func (t ScriptType) String() string {
	switch t {
	case TypeScript:
		return "script"
	case TypeRemote:
		return "remote"
	case TypeLibrary:
		return "library"
	default:
		return "unknown"
	}
}

func ParseScriptType(s string) (ScriptType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "script":
		return TypeScript, true
	case "remote":
		return TypeRemote, true
	case "library", "lib":
		return TypeLibrary, true
	default:
		return 0, false
	}
}

// Dir is the directory of a script type relative to the data root.
func (t ScriptType) Dir() string {
	switch t {
	case TypeRemote:
		return filepath.Join("scripts", "remote")
	case TypeLibrary:
		return filepath.Join("scripts", "lib")
	default:
		return "scripts"
	}
}

type Metadata struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	UseState    bool   `json:"use_state,omitempty"`
}

// ScriptFile is a catalog entry: a script on disk that may or may not be
// running.
type ScriptFile struct {
	Type     ScriptType `json:"type"`
	Name     string     `json:"name"`
	Metadata Metadata   `json:"metadata"`
}

// Hash is the 32-bit FNV-1a hash used for script and event ids.
func Hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// ID identifies the script across runs and in the autoload file.
func (f ScriptFile) ID() uint32 { return Hash(f.Name) ^ uint32(f.Type) }

// ValidName reports whether name is a bare file name, so that Path stays inside
// the directory of its type.
func ValidName(name string) bool {
	if name == "" || strings.ContainsAny(name, "/\\\x00") || strings.Contains(name, "..") {
		return false
	}
	return name == filepath.Base(name)
}

func (f ScriptFile) Path(root string) string {
	return filepath.Join(root, f.Type.Dir(), f.Name+".lua")
}

const metadataPrefix = "--."

// ParseMetadata reads "--.key value" lines from the script source. Unknown
// keys are ignored; a missing file leaves the metadata empty.
func (f *ScriptFile) ParseMetadata(root string) {
	file, err := os.Open(f.Path(root))
	if err != nil {
		return
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, metadataPrefix) {
			continue
		}
		line = strings.TrimPrefix(line, metadataPrefix)
		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "name":
			f.Metadata.Name = value
		case "description":
			f.Metadata.Description = value
		case "author":
			f.Metadata.Author = value
		case "use_state":
			f.Metadata.UseState = true
		}
	}
}

func listDir(root string, t ScriptType) ([]ScriptFile, error) {
	entries, err := os.ReadDir(filepath.Join(root, t.Dir()))
	if err != nil {
		return nil, err
	}
	var out []ScriptFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lua" {
			continue
		}
		f := ScriptFile{Type: t, Name: strings.TrimSuffix(e.Name(), ".lua")}
		f.ParseMetadata(root)
		out = append(out, f)
	}
	return out, nil
}
