package scripting

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func writeScript(t *testing.T, root string, typ ScriptType, name, src string) ScriptFile {
	t.Helper()
	f := ScriptFile{Type: typ, Name: name}
	path := f.Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return f
}

type recorder struct {
	mu     sync.Mutex
	errors []string
	sounds []Sound
}

func (r *recorder) ScriptError(script string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, script)
}

func (r *recorder) PlaySound(s Sound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sounds = append(r.sounds, s)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newEngine(t *testing.T) (*Engine, *recorder, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	rec := &recorder{}
	e := New(Options{Root: t.TempDir(), Logger: zap.New(core), Notifier: rec, Timeout: time.Second})
	t.Cleanup(e.StopAll)
	return e, rec, logs
}

func globalNumber(t *testing.T, s *Script, name string) float64 {
	t.Helper()
	n, ok := s.L.GetGlobal(name).(lua.LNumber)
	if !ok {
		t.Fatalf("%s: global %s is %s", s.Name, name, s.L.GetGlobal(name).Type())
	}
	return float64(n)
}

func printed(logs *observer.ObservedLogs, msg string) int {
	n := 0
	for _, e := range logs.FilterMessage("print").All() {
		if e.ContextMap()["msg"] == msg {
			n++
		}
	}
	return n
}

func TestRunScript_FileNotFound(t *testing.T) {
	e, rec, _ := newEngine(t)
	err := e.RunScript(ScriptFile{Type: TypeScript, Name: "ghost"}, true)
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
	if len(rec.errors) != 1 || len(rec.sounds) != 1 || rec.sounds[0] != SoundError {
		t.Fatalf("user should be notified: %+v", rec)
	}
}

func TestRunScript_RejectsLibraries(t *testing.T) {
	e, _, _ := newEngine(t)
	lib := writeScript(t, e.Root(), TypeLibrary, "util", `return {}`)
	if err := e.RunScript(lib, false); !errors.Is(err, ErrLibrary) {
		t.Fatalf("expected ErrLibrary, got %v", err)
	}
	if e.Exists(lib.ID()) {
		t.Fatalf("library must not be started by RunScript")
	}
}

func TestRunScript_SuccessSound(t *testing.T) {
	e, rec, _ := newEngine(t)
	f := writeScript(t, e.Root(), TypeScript, "ok", `function main() started = 1 end`)
	if err := e.RunScript(f, true); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if len(rec.sounds) != 1 || rec.sounds[0] != SoundSuccess {
		t.Fatalf("sounds: %v", rec.sounds)
	}
	s := e.FindByID(f.ID())
	if s == nil || !s.Running() || globalNumber(t, s, "started") != 1 {
		t.Fatalf("script should be running with main executed")
	}
}

func TestRunScript_ReplacementObservesShutdown(t *testing.T) {
	e, _, logs := newEngine(t)
	f := writeScript(t, e.Root(), TypeScript, "hud", `
function on_shutdown() print("bye") end
`)
	if err := e.RunScript(f, false); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := e.FindByID(f.ID())
	if err := e.RunScript(f, false); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if printed(logs, "bye") != 1 {
		t.Fatalf("old instance should see on_shutdown exactly once")
	}
	second := e.FindByID(f.ID())
	if second == first || !second.Running() || first.Running() {
		t.Fatalf("expected a fresh running instance")
	}
	if len(e.Instances()) != 1 {
		t.Fatalf("at most one instance per id: %+v", e.Instances())
	}

	e.StopScript(f)
	if printed(logs, "bye") != 2 || e.FindByID(f.ID()) != nil {
		t.Fatalf("StopScript should deliver on_shutdown and remove the instance")
	}
	e.StopScript(f)
}

func TestRunScript_InitFailureLeavesNoInstance(t *testing.T) {
	e, rec, _ := newEngine(t)
	cases := map[string]string{
		"load": `this is not lua`,
		"main": `function main() error("nope") end`,
	}
	for stage, src := range cases {
		f := writeScript(t, e.Root(), TypeScript, "bad_"+stage, src)
		err := e.RunScript(f, false)
		var ie *InitError
		if !errors.As(err, &ie) || ie.Stage != stage {
			t.Fatalf("%s: expected InitError, got %v", stage, err)
		}
		if e.FindByID(f.ID()) != nil {
			t.Fatalf("%s: failed script left in registry", stage)
		}
	}
	if len(rec.errors) != 2 {
		t.Fatalf("each failure should be reported: %v", rec.errors)
	}
}

func TestRunScript_Timeout(t *testing.T) {
	core, _ := observer.New(zap.InfoLevel)
	e := New(Options{Root: t.TempDir(), Logger: zap.New(core), Timeout: 50 * time.Millisecond})
	defer e.StopAll()
	f := writeScript(t, e.Root(), TypeScript, "spin", `function main() while true do end end`)
	var ie *InitError
	if err := e.RunScript(f, false); !errors.As(err, &ie) {
		t.Fatalf("expected the runaway main to be cut off, got %v", err)
	}
}

func TestRunScript_Disabled(t *testing.T) {
	e := New(Options{Root: t.TempDir(), Disabled: true})
	f := writeScript(t, e.Root(), TypeScript, "x", ``)
	if err := e.RunScript(f, false); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestSandbox_DangerousGlobalsRemoved(t *testing.T) {
	e, _, _ := newEngine(t)
	f := writeScript(t, e.Root(), TypeScript, "probe", `
missing = 0
for _, name in ipairs({"dofile", "loadfile", "load", "loadstring", "os", "io"}) do
  if _G[name] == nil then missing = missing + 1 end
end
`)
	if err := e.RunScript(f, false); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if got := globalNumber(t, e.FindByID(f.ID()), "missing"); got != 6 {
		t.Fatalf("sandbox leaks: %v of 6 removed", got)
	}
}

func TestCallback_DeliversToRunningOnly(t *testing.T) {
	e, _, _ := newEngine(t)
	counter := `
count = 0
function on_frame(n) count = count + n end
`
	a := writeScript(t, e.Root(), TypeScript, "a", counter)
	b := writeScript(t, e.Root(), TypeScript, "b", counter)
	broken := writeScript(t, e.Root(), TypeScript, "0broken", `function on_frame() error("boom") end`)
	for _, f := range []ScriptFile{broken, a, b} {
		if err := e.RunScript(f, false); err != nil {
			t.Fatalf("RunScript %s: %v", f.Name, err)
		}
	}
	args := func(L *lua.LState) []lua.LValue { return []lua.LValue{lua.LNumber(2)} }

	e.CallbackNamed(EventFrame, args)
	sa := e.FindByID(a.ID())
	if globalNumber(t, sa, "count") != 2 || globalNumber(t, e.FindByID(b.ID()), "count") != 2 {
		t.Fatalf("a failing sibling must not stop delivery")
	}

	e.StopScript(a)
	e.CallbackNamed(EventFrame, args)
	if globalNumber(t, e.FindByID(b.ID()), "count") != 4 {
		t.Fatalf("b should keep receiving")
	}
	if sa.Running() {
		t.Fatalf("stopped instance still marked running")
	}

	// An unknown event reaches nobody.
	e.CallbackNamed("on_nothing", args)
	if globalNumber(t, e.FindByID(b.ID()), "count") != 4 {
		t.Fatalf("unknown event delivered")
	}
}

func TestCreateCallback_CustomEvents(t *testing.T) {
	e, _, _ := newEngine(t)
	listener := writeScript(t, e.Root(), TypeScript, "listener", `
hits = 0
function on_round_start() hits = hits + 1 end
`)
	declarer := writeScript(t, e.Root(), TypeScript, "declarer", `
events.register("on_round_start")
hits = 0
function on_round_start() hits = hits + 1 end
`)
	if err := e.RunScript(listener, false); err != nil {
		t.Fatalf("listener: %v", err)
	}
	e.CallbackNamed("on_round_start", nil)
	if globalNumber(t, e.FindByID(listener.ID()), "hits") != 0 {
		t.Fatalf("undeclared event delivered")
	}

	if err := e.RunScript(declarer, false); err != nil {
		t.Fatalf("declarer: %v", err)
	}
	e.CallbackNamed("on_round_start", nil)
	if globalNumber(t, e.FindByID(listener.ID()), "hits") != 1 || globalNumber(t, e.FindByID(declarer.ID()), "hits") != 1 {
		t.Fatalf("declared event should reach every instance")
	}

	late := writeScript(t, e.Root(), TypeScript, "late", `
hits = 0
function on_round_start() hits = hits + 1 end
`)
	if err := e.RunScript(late, false); err != nil {
		t.Fatalf("late: %v", err)
	}
	e.CallbackNamed("on_round_start", nil)
	if globalNumber(t, e.FindByID(late.ID()), "hits") != 1 {
		t.Fatalf("instances started later should get known custom events")
	}
}

func TestRunLibrary_Idempotent(t *testing.T) {
	e, _, _ := newEngine(t)
	lib := writeScript(t, e.Root(), TypeLibrary, "util", `return { answer = 42 }`)
	if !e.RunLibrary(lib) {
		t.Fatalf("RunLibrary failed")
	}
	first := e.FindByID(lib.ID())
	if !e.RunLibrary(lib) || e.FindByID(lib.ID()) != first {
		t.Fatalf("running library should be reused")
	}
	if e.RunLibrary(ScriptFile{Type: TypeScript, Name: "util"}) {
		t.Fatalf("non-library accepted")
	}
	if e.RunLibrary(ScriptFile{Type: TypeLibrary, Name: "missing"}) {
		t.Fatalf("missing library reported success")
	}

	e.StopLibrary(lib.ID())
	if e.Exists(lib.ID()) {
		t.Fatalf("library still exists after stop")
	}
	if !e.RunLibrary(lib) || e.FindByID(lib.ID()) == first {
		t.Fatalf("stopped library should be reloaded")
	}
}

func TestRequire_ProxiesLibraryExports(t *testing.T) {
	e, _, _ := newEngine(t)
	writeScript(t, e.Root(), TypeLibrary, "mathx", `
calls = 0
local M = { version = 3, tags = { "a", "b" } }
function M.add(a, b) calls = calls + 1 return a + b end
function M.pair() return 1, 2 end
return M
`)
	writeScript(t, e.Root(), TypeLibrary, "wrapper", `
local m = require("mathx")
return { add3 = function(a) return m.add(a, 3) end }
`)
	f := writeScript(t, e.Root(), TypeScript, "user", `
local m = require("mathx")
sum = m.add(2, 3)
ver = m.version
ntags = #m.tags
local a, b = m.pair()
pair = a + b
local w = require("wrapper")
wrapped = w.add3(4)
`)
	if err := e.RunScript(f, false); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	s := e.FindByID(f.ID())
	for name, want := range map[string]float64{"sum": 5, "ver": 3, "ntags": 2, "pair": 3, "wrapped": 7} {
		if got := globalNumber(t, s, name); got != want {
			t.Fatalf("%s: got %v want %v", name, got, want)
		}
	}
	lib := e.FindByID(ScriptFile{Type: TypeLibrary, Name: "mathx"}.ID())
	if lib == nil || globalNumber(t, lib, "calls") != 2 {
		t.Fatalf("library should be shared and called twice")
	}
}

func TestRequire_MissingLibraryFailsInit(t *testing.T) {
	e, _, _ := newEngine(t)
	f := writeScript(t, e.Root(), TypeScript, "needy", `local m = require("nope")`)
	var ie *InitError
	if err := e.RunScript(f, false); !errors.As(err, &ie) {
		t.Fatalf("expected InitError, got %v", err)
	}
}

func TestRequire_CircularLibrary(t *testing.T) {
	e, _, _ := newEngine(t)
	writeScript(t, e.Root(), TypeLibrary, "ping", `local p = require("pong") return {}`)
	writeScript(t, e.Root(), TypeLibrary, "pong", `local p = require("ping") return {}`)
	f := writeScript(t, e.Root(), TypeScript, "loop", `require("ping")`)
	if err := e.RunScript(f, false); err == nil {
		t.Fatalf("circular require should fail")
	}
}

func TestTimers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	e := New(Options{Root: t.TempDir(), Now: clock.Now})
	defer e.StopAll()
	f := writeScript(t, e.Root(), TypeScript, "ticker", `
ticks, delayed, once = 0, 0, 0
t = timer.new(0.5, function() ticks = ticks + 1 end)
t:start()
timer.run_delayed(1, function() delayed = delayed + 1 end)
o = timer.new(0.25, function() once = once + 1 end)
o:run_once()
function stop_ticker() t:stop() end
function active() return t:is_active() end
`)
	if err := e.RunScript(f, false); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	s := e.FindByID(f.ID())

	clock.Advance(400 * time.Millisecond)
	e.RunTimers()
	if globalNumber(t, s, "ticks") != 0 || globalNumber(t, s, "once") != 1 {
		t.Fatalf("t=0.4: ticks=%v once=%v", globalNumber(t, s, "ticks"), globalNumber(t, s, "once"))
	}
	clock.Advance(100 * time.Millisecond)
	e.RunTimers()
	clock.Advance(500 * time.Millisecond)
	e.RunTimers()
	clock.Advance(500 * time.Millisecond)
	e.RunTimers()
	if got := globalNumber(t, s, "ticks"); got != 3 {
		t.Fatalf("ticks: got %v want 3", got)
	}
	if globalNumber(t, s, "delayed") != 1 || globalNumber(t, s, "once") != 1 {
		t.Fatalf("one-shot timers fired more than once")
	}

	if err := s.L.CallByParam(lua.P{Fn: s.L.GetGlobal("stop_ticker"), Protect: true}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	clock.Advance(time.Second)
	e.RunTimers()
	if globalNumber(t, s, "ticks") != 3 {
		t.Fatalf("stopped timer fired")
	}
	if len(s.timers) != 2 {
		t.Fatalf("fired run_delayed timer should be dropped, have %d", len(s.timers))
	}
}

func TestVec3(t *testing.T) {
	e, _, _ := newEngine(t)
	f := writeScript(t, e.Root(), TypeScript, "vec", `
local v = math.vec3(3, 4, 12)
len = v:length()
len2d = v:length2d()
local c = math.vec3(1, 0, 0):cross(math.vec3(0, 1, 0))
cz = c.z
local s = math.vec3(1, 2, 3) + math.vec3(1, 1, 1) * 2
sy = s.y
dot = math.vec3(1, 2, 3):dot(math.vec3(4, 5, 6))
local n = math.vec3(0, 0, 9)
n:normalize()
nz = n.z
n.x = 7
nx = n.x
`)
	if err := e.RunScript(f, false); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	s := e.FindByID(f.ID())
	for name, want := range map[string]float64{"len": 13, "len2d": 5, "cz": 1, "sy": 4, "dot": 32, "nz": 1, "nx": 7} {
		if got := globalNumber(t, s, name); got != want {
			t.Fatalf("%s: got %v want %v", name, got, want)
		}
	}
}

func TestEngineScriptName(t *testing.T) {
	e, _, logs := newEngine(t)
	f := writeScript(t, e.Root(), TypeScript, "whoami", `print(engine.script_name(), 1)`)
	if err := e.RunScript(f, false); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if printed(logs, "whoami\t1") != 1 {
		t.Fatalf("print should log tab-joined values")
	}
}

func TestRefreshAndAutoload(t *testing.T) {
	e, _, _ := newEngine(t)
	if err := e.RefreshScripts(); err != nil {
		t.Fatalf("RefreshScripts: %v", err)
	}
	for _, d := range []string{"scripts", "scripts/remote", "scripts/lib"} {
		if st, err := os.Stat(filepath.Join(e.Root(), d)); err != nil || !st.IsDir() {
			t.Fatalf("missing dir %s", d)
		}
	}

	a := writeScript(t, e.Root(), TypeScript, "alpha", `--.name Alpha
function main() ok = 1 end`)
	b := writeScript(t, e.Root(), TypeRemote, "beta", `function main() ok = 1 end`)
	writeScript(t, e.Root(), TypeLibrary, "gamma", `return {}`)
	if err := os.WriteFile(filepath.Join(e.Root(), "scripts", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := e.RefreshScripts(); err != nil {
		t.Fatalf("RefreshScripts: %v", err)
	}
	if got := len(e.Files()); got != 3 {
		t.Fatalf("files: got %d want 3", got)
	}
	var names []string
	e.ForEachScriptName(func(f ScriptFile) { names = append(names, f.Name) })
	if len(names) != 2 {
		t.Fatalf("ForEachScriptName should skip libraries: %v", names)
	}
	if f, ok := e.Lookup(TypeScript, "alpha"); !ok || f.Metadata.Name != "Alpha" {
		t.Fatalf("lookup: %+v %v", f, ok)
	}

	if err := e.EnableAutoload(b); err != nil {
		t.Fatalf("EnableAutoload: %v", err)
	}
	if err := e.EnableAutoload(a); err != nil {
		t.Fatalf("EnableAutoload: %v", err)
	}
	if !e.IsAutoloadEnabled(a) {
		t.Fatalf("alpha should be enabled")
	}

	fresh := New(Options{Root: e.Root()})
	defer fresh.StopAll()
	if err := fresh.RefreshScripts(); err != nil {
		t.Fatalf("RefreshScripts: %v", err)
	}
	if n := fresh.RunAutoload(); n != 2 {
		t.Fatalf("autoload started %d, want 2", n)
	}
	if !fresh.Exists(a.ID()) || !fresh.Exists(b.ID()) {
		t.Fatalf("autoloaded scripts not running")
	}

	if err := fresh.DisableAutoload(a); err != nil {
		t.Fatalf("DisableAutoload: %v", err)
	}
	if fresh.IsAutoloadEnabled(a) {
		t.Fatalf("alpha still enabled")
	}
}

func TestRunScript_RejectsPathNames(t *testing.T) {
	e, rec, logs := newEngine(t)
	if err := os.WriteFile(filepath.Join(e.Root(), "evil.lua"), []byte(`print("escaped")`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, name := range []string{"../evil", "../../evil", `..\evil`, "/tmp/evil"} {
		if err := e.RunScript(ScriptFile{Type: TypeScript, Name: name}, false); !errors.Is(err, ErrBadName) {
			t.Fatalf("%q: expected ErrBadName, got %v", name, err)
		}
	}
	if e.RunLibrary(ScriptFile{Type: TypeLibrary, Name: "../../evil"}) {
		t.Fatalf("library outside scripts/lib was loaded")
	}
	f := writeScript(t, e.Root(), TypeScript, "sneaky", `require("../../evil")`)
	var ie *InitError
	if err := e.RunScript(f, false); !errors.As(err, &ie) {
		t.Fatalf("require of a path should fail init, got %v", err)
	}
	if n := printed(logs, "escaped"); n != 0 {
		t.Fatalf("file outside the script directories ran %d times", n)
	}
	if len(rec.errors) != 5 {
		t.Fatalf("user should be told about every rejected run: %v", rec.errors)
	}
}

func TestRunLibrary_SharesDeclaredEvents(t *testing.T) {
	e, _, _ := newEngine(t)
	listener := `
lib_hits = 0
herald_hits = 0
function on_lib_evt() lib_hits = lib_hits + 1 end
function on_herald() herald_hits = herald_hits + 1 end
`
	early := writeScript(t, e.Root(), TypeScript, "early", listener)
	if err := e.RunScript(early, false); err != nil {
		t.Fatalf("early: %v", err)
	}

	lib := writeScript(t, e.Root(), TypeLibrary, "announcer", `
events.register("on_lib_evt")
return {}
`)
	if !e.RunLibrary(lib) {
		t.Fatalf("RunLibrary failed")
	}
	late := writeScript(t, e.Root(), TypeScript, "late", listener)
	if err := e.RunScript(late, false); err != nil {
		t.Fatalf("late: %v", err)
	}
	e.CallbackNamed("on_lib_evt", nil)
	for _, f := range []ScriptFile{early, late} {
		if got := globalNumber(t, e.FindByID(f.ID()), "lib_hits"); got != 1 {
			t.Fatalf("%s: library event delivered %v times", f.Name, got)
		}
	}

	writeScript(t, e.Root(), TypeLibrary, "herald", `
events.register("on_herald")
return {}
`)
	user := writeScript(t, e.Root(), TypeScript, "user", `local h = require("herald")`)
	if err := e.RunScript(user, false); err != nil {
		t.Fatalf("user: %v", err)
	}
	e.CallbackNamed("on_herald", nil)
	if got := globalNumber(t, e.FindByID(early.ID()), "herald_hits"); got != 1 {
		t.Fatalf("event declared by a required library delivered %v times", got)
	}
}

func TestStopLibrary_DeliversShutdown(t *testing.T) {
	e, _, logs := newEngine(t)
	lib := writeScript(t, e.Root(), TypeLibrary, "closer", `
function on_shutdown() print("lib down") end
return {}
`)
	if !e.RunLibrary(lib) {
		t.Fatalf("RunLibrary failed")
	}
	e.StopLibrary(lib.ID())
	if n := printed(logs, "lib down"); n != 1 {
		t.Fatalf("on_shutdown delivered %d times", n)
	}
	e.StopLibrary(lib.ID())
	if n := printed(logs, "lib down"); n != 1 {
		t.Fatalf("stopping a missing library should be a no-op, got %d deliveries", n)
	}
}

func TestRequire_ConcurrentWithLibraryLoads(t *testing.T) {
	e, _, _ := newEngine(t)
	writeScript(t, e.Root(), TypeLibrary, "shared", `
local M = { n = 0, list = {} }
function M.bump() M.n = M.n + 1 M.list[#M.list + 1] = M.n end
return M
`)
	wrapper := writeScript(t, e.Root(), TypeLibrary, "wrapper", `
local s = require("shared")
s.bump()
return {}
`)
	user := writeScript(t, e.Root(), TypeScript, "user", `
local s = require("shared")
seen = s.n
`)

	const rounds = 50
	var wg sync.WaitGroup
	errs := make(chan error, rounds)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if err := e.RunScript(user, false); err != nil {
				errs <- err
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			e.StopLibrary(wrapper.ID())
			if !e.RunLibrary(wrapper) {
				errs <- errors.New("wrapper failed to load")
				return
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("%v", err)
	}
	if got := globalNumber(t, e.FindByID(user.ID()), "seen"); got < 0 || got > rounds {
		t.Fatalf("seen: %v", got)
	}
}
