package scripting

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Built-in events every instance gets a forward for.
const (
	EventShutdown   = "on_shutdown"
	EventFrame      = "on_frame"
	EventScanTarget = "on_scan_target"
)

var builtinEvents = []string{EventShutdown, EventFrame, EventScanTarget}

// ArgBuilder produces the arguments of one event call inside the receiving VM.
type ArgBuilder func(L *lua.LState) []lua.LValue

// Script is one running VM. Script instances are only touched while the
// registry lock of their kind is held.
type Script struct {
	ID   uint32
	Name string
	Type ScriptType
	File string

	L *lua.LState

	engine   *Engine
	log      *zap.Logger
	running  atomic.Bool
	loading  bool
	forwards map[uint32]string
	declared []string
	timers   []*timer
	exports  *lua.LTable
}

func (e *Engine) newScript(f ScriptFile) *Script {
	return &Script{
		ID:       f.ID(),
		Name:     f.Name,
		Type:     f.Type,
		File:     f.Path(e.root),
		engine:   e,
		log:      e.log.With(zap.String("script", f.Name), zap.Stringer("type", f.Type)),
		forwards: map[uint32]string{},
	}
}

func (s *Script) Running() bool { return s.running.Load() }

func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// initialize creates the VM and runs the chunk. A table returned by the chunk
// becomes the instance's exports.
func (s *Script) initialize() error {
	s.L = newSandbox()
	s.registerAPI()

	fn, err := s.L.LoadFile(s.File)
	if err != nil {
		return &InitError{Script: s.Name, Stage: "load", Err: err}
	}
	if err := s.call(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return &InitError{Script: s.Name, Stage: "load", Err: err}
	}
	ret := s.L.Get(-1)
	s.L.Pop(1)
	if t, ok := ret.(*lua.LTable); ok {
		s.exports = t
	}
	return nil
}

func (s *Script) callMain() error {
	fn, ok := s.L.GetGlobal("main").(*lua.LFunction)
	if !ok {
		return nil
	}
	if err := s.call(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		return &InitError{Script: s.Name, Stage: "main", Err: err}
	}
	return nil
}

// call runs fn with the engine's per-call deadline.
func (s *Script) call(p lua.P, args ...lua.LValue) error {
	if d := s.engine.timeout; d > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()
		prev := s.L.RemoveContext()
		s.L.SetContext(ctx)
		defer func() {
			if prev != nil {
				s.L.SetContext(prev)
			} else {
				s.L.RemoveContext()
			}
		}()
	}
	return s.L.CallByParam(p, args...)
}

func (s *Script) hasForward(id uint32) bool {
	_, ok := s.forwards[id]
	return ok
}

func (s *Script) createForward(name string) {
	s.forwards[Hash(name)] = name
}

func (s *Script) createForwards(names []string) {
	for _, n := range names {
		if !s.hasForward(Hash(n)) {
			s.createForward(n)
		}
	}
}

// Forwards lists the event names this instance listens to.
func (s *Script) Forwards() []string {
	out := make([]string, 0, len(s.forwards))
	for _, n := range s.forwards {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// callForward invokes the global function named after the event, if the
// instance has a forward for it and defines the function.
func (s *Script) callForward(id uint32, args ArgBuilder) error {
	name, ok := s.forwards[id]
	if !ok {
		return nil
	}
	fn, ok := s.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return nil
	}
	var vals []lua.LValue
	if args != nil {
		vals = args(s.L)
	}
	return s.call(lua.P{Fn: fn, NRet: 0, Protect: true}, vals...)
}

func (s *Script) close() {
	s.running.Store(false)
	if s.L != nil {
		s.L.Close()
	}
}

type timer struct {
	delay   time.Duration
	fn      *lua.LFunction
	active  bool
	once    bool
	oneShot bool
	next    time.Time
	fired   bool
}

func (t *timer) start(now time.Time) {
	t.active = true
	t.next = now.Add(t.delay)
}

func (s *Script) runTimers(now time.Time) {
	due := make([]*timer, 0, len(s.timers))
	for _, t := range s.timers {
		if t.active && !now.Before(t.next) {
			due = append(due, t)
		}
	}
	for _, t := range due {
		if t.once {
			t.active = false
			t.once = false
		} else {
			t.next = now.Add(t.delay)
		}
		t.fired = true
		if err := s.call(lua.P{Fn: t.fn, NRet: 0, Protect: true}); err != nil {
			s.log.Warn("timer callback failed", zap.Error(err))
		}
	}
	kept := s.timers[:0]
	for _, t := range s.timers {
		if t.oneShot && t.fired && !t.active {
			continue
		}
		kept = append(kept, t)
	}
	s.timers = kept
}
