package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

type Options struct {
	// Root holds scripts/, scripts/remote/, scripts/lib/ and the autoload file.
	Root     string
	Logger   *zap.Logger
	Notifier Notifier
	// Timeout bounds every single call into a VM; zero disables it.
	Timeout  time.Duration
	Now      func() time.Time
	Disabled bool
}

// Engine owns the script and library registries. Lock order is always mu
// (scripts) before libMu (libraries). Script code only runs while mu is held
// and library code only while libMu is held.
type Engine struct {
	root     string
	log      *zap.Logger
	notify   Notifier
	timeout  time.Duration
	now      func() time.Time
	disabled bool

	filesMu sync.RWMutex
	files   []ScriptFile

	mu      sync.Mutex
	scripts map[uint32]*Script

	libMu     sync.Mutex
	libraries map[uint32]*Script

	eventsMu sync.Mutex
	events   []string

	autoload *AutoloadSet
}

func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("scripting")
	e := &Engine{
		root:      opts.Root,
		log:       log,
		notify:    opts.Notifier,
		timeout:   opts.Timeout,
		now:       opts.Now,
		disabled:  opts.Disabled,
		scripts:   map[uint32]*Script{},
		libraries: map[uint32]*Script{},
		events:    append([]string(nil), builtinEvents...),
		autoload:  NewAutoloadSet(filepath.Join(opts.Root, AutoloadFile)),
	}
	if e.notify == nil {
		e.notify = logNotifier{log: log}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) Root() string { return e.root }

// RefreshScripts rescans the script directories, creating them when missing,
// and reloads the autoload list.
func (e *Engine) RefreshScripts() error {
	var files []ScriptFile
	for _, t := range []ScriptType{TypeScript, TypeRemote, TypeLibrary} {
		dir := filepath.Join(e.root, t.Dir())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		found, err := listDir(e.root, t)
		if err != nil {
			return fmt.Errorf("scan %s: %w", dir, err)
		}
		files = append(files, found...)
	}
	e.filesMu.Lock()
	e.files = files
	e.filesMu.Unlock()

	if err := e.autoload.Load(); err != nil {
		return fmt.Errorf("autoload: %w", err)
	}
	e.log.Info("scripts refreshed", zap.Int("files", len(files)))
	return nil
}

func (e *Engine) Files() []ScriptFile {
	e.filesMu.RLock()
	defer e.filesMu.RUnlock()
	return append([]ScriptFile(nil), e.files...)
}

// ForEachScriptName visits every catalog entry that is not a library.
func (e *Engine) ForEachScriptName(fn func(ScriptFile)) {
	for _, f := range e.Files() {
		if f.Type != TypeLibrary {
			fn(f)
		}
	}
}

// Lookup finds a catalog entry by type and name.
func (e *Engine) Lookup(t ScriptType, name string) (ScriptFile, bool) {
	for _, f := range e.Files() {
		if f.Type == t && f.Name == name {
			return f, true
		}
	}
	return ScriptFile{}, false
}

func (e *Engine) eventNames() []string {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	return append([]string(nil), e.events...)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// RunScript starts a script, replacing any instance with the same id.
func (e *Engine) RunScript(file ScriptFile, sounds bool) error {
	if file.Type == TypeLibrary {
		return ErrLibrary
	}
	if e.disabled {
		return ErrDisabled
	}
	if !ValidName(file.Name) {
		err := fmt.Errorf("%q: %w", file.Name, ErrBadName)
		e.notify.ScriptError(file.Name, err)
		return err
	}
	declared, err := e.runScript(file, sounds)
	if err != nil {
		return err
	}
	for _, name := range declared {
		e.CreateCallback(name)
	}
	return nil
}

func (e *Engine) runScript(file ScriptFile, sounds bool) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	path := file.Path(e.root)
	if !fileExists(path) {
		if sounds {
			e.notify.PlaySound(SoundError)
		}
		err := fmt.Errorf("%s: %w", path, ErrFileNotFound)
		e.notify.ScriptError(file.Name, err)
		return nil, err
	}

	id := file.ID()
	if old, ok := e.scripts[id]; ok {
		e.teardown(old)
		delete(e.scripts, id)
	}

	s := e.newScript(file)
	e.scripts[id] = s
	err := s.initialize()
	if err == nil {
		err = s.callMain()
	}
	if err != nil {
		s.close()
		delete(e.scripts, id)
		if sounds {
			e.notify.PlaySound(SoundError)
		}
		e.notify.ScriptError(file.Name, err)
		return nil, err
	}

	s.createForwards(e.eventNames())
	s.running.Store(true)
	if sounds {
		e.notify.PlaySound(SoundSuccess)
	}
	e.log.Info("script started", zap.String("script", file.Name), zap.Uint32("id", id))
	return append([]string(nil), s.declared...), nil
}

// teardown delivers on_shutdown and closes the VM.
func (e *Engine) teardown(s *Script) {
	if s.Running() {
		if err := s.callForward(Hash(EventShutdown), nil); err != nil {
			s.log.Warn("on_shutdown failed", zap.Error(err))
		}
	}
	s.close()
}

// StopScript stops the running instance of file, if any.
func (e *Engine) StopScript(file ScriptFile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := file.ID()
	if s, ok := e.scripts[id]; ok {
		e.teardown(s)
		delete(e.scripts, id)
		e.log.Info("script stopped", zap.String("script", file.Name))
	}
}

// RunLibrary loads a library unless it is already running. Failures are not
// reported to the user. Events the library declares are shared with every
// instance once it is loaded.
func (e *Engine) RunLibrary(file ScriptFile) bool {
	if file.Type != TypeLibrary {
		return false
	}
	e.libMu.Lock()
	lib, err := e.runLibraryLocked(file)
	var declared []string
	if err == nil {
		declared = append(declared, lib.declared...)
	}
	e.libMu.Unlock()
	if err != nil {
		e.log.Debug("library failed", zap.String("library", file.Name), zap.Error(err))
		return false
	}
	for _, name := range declared {
		e.CreateCallback(name)
	}
	return true
}

func (e *Engine) runLibraryLocked(file ScriptFile) (*Script, error) {
	if !ValidName(file.Name) {
		return nil, fmt.Errorf("%q: %w", file.Name, ErrBadName)
	}
	id := file.ID()
	if lib, ok := e.libraries[id]; ok {
		if lib.Running() {
			return lib, nil
		}
		if lib.loading {
			return nil, fmt.Errorf("library %s: circular require", file.Name)
		}
		lib.close()
		delete(e.libraries, id)
	}

	path := file.Path(e.root)
	if !fileExists(path) {
		return nil, fmt.Errorf("%s: %w", path, ErrFileNotFound)
	}

	lib := e.newScript(file)
	lib.loading = true
	e.libraries[id] = lib
	err := lib.initialize()
	if err == nil {
		err = lib.callMain()
	}
	lib.loading = false
	if err != nil {
		lib.close()
		delete(e.libraries, id)
		return nil, err
	}
	lib.createForwards(e.eventNames())
	lib.running.Store(true)
	return lib, nil
}

// StopLibrary delivers on_shutdown to the library and unloads it. Proxies
// already handed to other instances raise an error when called afterwards.
func (e *Engine) StopLibrary(id uint32) {
	e.libMu.Lock()
	defer e.libMu.Unlock()
	if lib, ok := e.libraries[id]; ok {
		e.teardown(lib)
		delete(e.libraries, id)
	}
}

// sorted returns the registry values ordered by id so event delivery is
// deterministic.
func sorted(m map[uint32]*Script) []*Script {
	out := make([]*Script, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Callback delivers an event to every running script, then every running
// library. A failing instance is logged and does not stop delivery.
func (e *Engine) Callback(eventID uint32, args ArgBuilder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range sorted(e.scripts) {
		e.deliver(s, eventID, args)
	}

	e.libMu.Lock()
	defer e.libMu.Unlock()
	for _, s := range sorted(e.libraries) {
		e.deliver(s, eventID, args)
	}
}

func (e *Engine) deliver(s *Script, eventID uint32, args ArgBuilder) {
	if !s.Running() {
		return
	}
	if err := s.callForward(eventID, args); err != nil {
		s.log.Warn("callback failed", zap.String("event", s.forwards[eventID]), zap.Error(err))
	}
}

func (e *Engine) CallbackNamed(name string, args ArgBuilder) {
	e.Callback(Hash(name), args)
}

// CreateCallback registers a custom event and gives every live instance a
// forward for it.
func (e *Engine) CreateCallback(name string) {
	e.eventsMu.Lock()
	known := false
	for _, n := range e.events {
		if n == name {
			known = true
			break
		}
	}
	if !known {
		e.events = append(e.events, name)
	}
	e.eventsMu.Unlock()

	id := Hash(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.scripts {
		if !s.hasForward(id) {
			s.createForward(name)
		}
	}
	e.libMu.Lock()
	defer e.libMu.Unlock()
	for _, s := range e.libraries {
		if !s.hasForward(id) {
			s.createForward(name)
		}
	}
}

// StopAll closes every script and library without delivering on_shutdown.
func (e *Engine) StopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, s := range e.scripts {
		s.close()
		delete(e.scripts, id)
	}
	e.libMu.Lock()
	defer e.libMu.Unlock()
	for id, s := range e.libraries {
		s.close()
		delete(e.libraries, id)
	}
}

// RunTimers fires every due timer of every running instance once.
func (e *Engine) RunTimers() {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range sorted(e.scripts) {
		if s.Running() {
			s.runTimers(now)
		}
	}
	e.libMu.Lock()
	defer e.libMu.Unlock()
	for _, s := range sorted(e.libraries) {
		if s.Running() {
			s.runTimers(now)
		}
	}
}

// FindByState returns the instance owning L. It must not be called from
// script code.
func (e *Engine) FindByState(L *lua.LState) *Script {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.scripts {
		if s.L == L {
			return s
		}
	}
	e.libMu.Lock()
	defer e.libMu.Unlock()
	for _, s := range e.libraries {
		if s.L == L {
			return s
		}
	}
	return nil
}

// FindByID looks in scripts first, then libraries.
func (e *Engine) FindByID(id uint32) *Script {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.scripts[id]; ok {
		return s
	}
	e.libMu.Lock()
	defer e.libMu.Unlock()
	return e.libraries[id]
}

// Exists reports whether an instance with the id is running.
func (e *Engine) Exists(id uint32) bool {
	s := e.FindByID(id)
	return s != nil && s.Running()
}

type InstanceInfo struct {
	ID       uint32   `json:"id"`
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Running  bool     `json:"running"`
	Forwards []string `json:"forwards"`
	Timers   int      `json:"timers"`
}

// Instances describes every live instance, scripts first.
func (e *Engine) Instances() []InstanceInfo {
	var out []InstanceInfo
	info := func(s *Script) InstanceInfo {
		return InstanceInfo{
			ID:       s.ID,
			Name:     s.Name,
			Type:     s.Type.String(),
			Running:  s.Running(),
			Forwards: s.Forwards(),
			Timers:   len(s.timers),
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range sorted(e.scripts) {
		out = append(out, info(s))
	}
	e.libMu.Lock()
	defer e.libMu.Unlock()
	for _, s := range sorted(e.libraries) {
		out = append(out, info(s))
	}
	return out
}

func (e *Engine) EnableAutoload(file ScriptFile) error  { return e.autoload.Enable(file.ID()) }
func (e *Engine) DisableAutoload(file ScriptFile) error { return e.autoload.Disable(file.ID()) }
func (e *Engine) IsAutoloadEnabled(file ScriptFile) bool {
	return e.autoload.Contains(file.ID())
}

// RunAutoload starts every autoload entry present in the catalog, in order,
// without sounds. It returns how many started.
func (e *Engine) RunAutoload() int {
	files := e.Files()
	started := 0
	for _, id := range e.autoload.IDs() {
		for _, f := range files {
			if f.ID() != id {
				continue
			}
			if err := e.RunScript(f, false); err != nil {
				e.log.Warn("autoload failed", zap.String("script", f.Name), zap.Error(err))
			} else {
				started++
			}
			break
		}
	}
	return started
}
