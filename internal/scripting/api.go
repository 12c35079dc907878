package scripting

import (
	"fmt"
	"math"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"wallsim.ai/internal/geom"
)

const (
	timerTypeName = "wallsim.timer"
	vec3TypeName  = "wallsim.vec3"
)

func (s *Script) registerAPI() {
	L := s.L
	L.SetGlobal("print", L.NewFunction(s.luaPrint))
	L.SetGlobal("require", L.NewFunction(s.luaRequire))

	tm := L.NewTypeMetatable(timerTypeName)
	L.SetField(tm, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"start":     s.timerStart,
		"stop":      timerStop,
		"run_once":  s.timerRunOnce,
		"set_delay": timerSetDelay,
		"is_active": timerIsActive,
	}))
	L.SetGlobal("timer", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"new":         s.timerNew,
		"run_delayed": s.timerRunDelayed,
	}))

	L.SetGlobal("events", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"register": s.eventsRegister,
	}))

	registerVec3(L)

	L.SetGlobal("engine", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"script_name": func(L *lua.LState) int {
			L.Push(lua.LString(s.Name))
			return 1
		},
		"script_id": func(L *lua.LState) int {
			L.Push(lua.LNumber(s.ID))
			return 1
		},
	}))
}

func (s *Script) luaPrint(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	s.log.Info("print", zap.String("msg", strings.Join(parts, "\t")))
	return 0
}

// luaRequire loads a library and returns a table of its exports.
func (s *Script) luaRequire(L *lua.LState) int {
	name := L.CheckString(1)
	mod, err := s.engine.require(s, name)
	if err != nil {
		L.RaiseError("require %q: %v", name, err)
		return 0
	}
	L.Push(mod)
	return 1
}

func (s *Script) eventsRegister(L *lua.LState) int {
	name := L.CheckString(1)
	if !s.hasForward(Hash(name)) {
		s.createForward(name)
	}
	s.declared = append(s.declared, name)
	return 0
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (s *Script) newTimer(L *lua.LState) *timer {
	delay := L.CheckNumber(1)
	fn := L.CheckFunction(2)
	if delay < 0 {
		L.ArgError(1, "delay must be >= 0")
	}
	t := &timer{delay: seconds(float64(delay)), fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func pushTimer(L *lua.LState, t *timer) {
	ud := L.NewUserData()
	ud.Value = t
	L.SetMetatable(ud, L.GetTypeMetatable(timerTypeName))
	L.Push(ud)
}

func checkTimer(L *lua.LState) *timer {
	ud := L.CheckUserData(1)
	if t, ok := ud.Value.(*timer); ok {
		return t
	}
	L.ArgError(1, "timer expected")
	return nil
}

func (s *Script) timerNew(L *lua.LState) int {
	pushTimer(L, s.newTimer(L))
	return 1
}

func (s *Script) timerRunDelayed(L *lua.LState) int {
	t := s.newTimer(L)
	t.once = true
	t.oneShot = true
	t.start(s.engine.now())
	return 0
}

func (s *Script) timerStart(L *lua.LState) int {
	checkTimer(L).start(s.engine.now())
	return 0
}

func (s *Script) timerRunOnce(L *lua.LState) int {
	t := checkTimer(L)
	t.once = true
	t.start(s.engine.now())
	return 0
}

func timerStop(L *lua.LState) int {
	checkTimer(L).active = false
	return 0
}

func timerSetDelay(L *lua.LState) int {
	t := checkTimer(L)
	d := L.CheckNumber(2)
	if d < 0 {
		L.ArgError(2, "delay must be >= 0")
	}
	t.delay = seconds(float64(d))
	return 0
}

func timerIsActive(L *lua.LState) int {
	L.Push(lua.LBool(checkTimer(L).active))
	return 1
}

// vec3 userdata wraps *geom.Vec3 so field assignment is visible to every
// reference.

func registerVec3(L *lua.LState) {
	mt := L.NewTypeMetatable(vec3TypeName)
	methods := map[string]lua.LGFunction{
		"length": func(L *lua.LState) int {
			L.Push(lua.LNumber(checkVec3(L, 1).Len()))
			return 1
		},
		"length2d": func(L *lua.LState) int {
			L.Push(lua.LNumber(geom.Length2D(*checkVec3(L, 1))))
			return 1
		},
		"dot": func(L *lua.LState) int {
			L.Push(lua.LNumber(checkVec3(L, 1).Dot(*checkVec3(L, 2))))
			return 1
		},
		"cross": func(L *lua.LState) int {
			PushVec3(L, checkVec3(L, 1).Cross(*checkVec3(L, 2)))
			return 1
		},
		"normalize": func(L *lua.LState) int {
			v := checkVec3(L, 1)
			*v = geom.Normalize(*v)
			L.Push(L.Get(1))
			return 1
		},
		"unpack": func(L *lua.LState) int {
			v := checkVec3(L, 1)
			L.Push(lua.LNumber(v[0]))
			L.Push(lua.LNumber(v[1]))
			L.Push(lua.LNumber(v[2]))
			return 3
		},
	}
	L.SetField(mt, "__index", L.NewFunction(func(L *lua.LState) int {
		v := checkVec3(L, 1)
		key := L.CheckString(2)
		if i, ok := vec3Axis(key); ok {
			L.Push(lua.LNumber(v[i]))
			return 1
		}
		if fn, ok := methods[key]; ok {
			L.Push(L.NewFunction(fn))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}))
	L.SetField(mt, "__newindex", L.NewFunction(func(L *lua.LState) int {
		v := checkVec3(L, 1)
		i, ok := vec3Axis(L.CheckString(2))
		if !ok {
			L.ArgError(2, "x, y or z expected")
		}
		v[i] = float64(L.CheckNumber(3))
		return 0
	}))
	L.SetField(mt, "__add", L.NewFunction(func(L *lua.LState) int {
		PushVec3(L, checkVec3(L, 1).Add(*checkVec3(L, 2)))
		return 1
	}))
	L.SetField(mt, "__sub", L.NewFunction(func(L *lua.LState) int {
		PushVec3(L, checkVec3(L, 1).Sub(*checkVec3(L, 2)))
		return 1
	}))
	L.SetField(mt, "__mul", L.NewFunction(func(L *lua.LState) int {
		a, b := L.Get(1), L.Get(2)
		switch {
		case a.Type() == lua.LTNumber:
			PushVec3(L, checkVec3(L, 2).Mul(float64(a.(lua.LNumber))))
		case b.Type() == lua.LTNumber:
			PushVec3(L, checkVec3(L, 1).Mul(float64(b.(lua.LNumber))))
		default:
			x, y := checkVec3(L, 1), checkVec3(L, 2)
			PushVec3(L, geom.Vec3{x[0] * y[0], x[1] * y[1], x[2] * y[2]})
		}
		return 1
	}))
	L.SetField(mt, "__div", L.NewFunction(func(L *lua.LState) int {
		v := checkVec3(L, 1)
		d := float64(L.CheckNumber(2))
		if d == 0 {
			PushVec3(L, geom.Vec3{math.Inf(1), math.Inf(1), math.Inf(1)})
			return 1
		}
		PushVec3(L, v.Mul(1/d))
		return 1
	}))
	L.SetField(mt, "__eq", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(*checkVec3(L, 1) == *checkVec3(L, 2)))
		return 1
	}))
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		v := checkVec3(L, 1)
		L.Push(lua.LString(fmt.Sprintf("vec3(%g, %g, %g)", v[0], v[1], v[2])))
		return 1
	}))

	ctor := L.NewFunction(func(L *lua.LState) int {
		PushVec3(L, geom.Vec3{
			float64(L.OptNumber(1, 0)),
			float64(L.OptNumber(2, 0)),
			float64(L.OptNumber(3, 0)),
		})
		return 1
	})
	if m, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(m, "vec3", ctor)
	}
}

func vec3Axis(key string) (int, bool) {
	switch key {
	case "x":
		return 0, true
	case "y":
		return 1, true
	case "z":
		return 2, true
	}
	return 0, false
}

// PushVec3 pushes v as a vec3 userdata.
func PushVec3(L *lua.LState, v geom.Vec3) {
	L.Push(NewVec3(L, v))
}

func NewVec3(L *lua.LState, v geom.Vec3) *lua.LUserData {
	ud := L.NewUserData()
	p := v
	ud.Value = &p
	L.SetMetatable(ud, L.GetTypeMetatable(vec3TypeName))
	return ud
}

func checkVec3(L *lua.LState, n int) *geom.Vec3 {
	ud := L.CheckUserData(n)
	if v, ok := ud.Value.(*geom.Vec3); ok {
		return v
	}
	L.ArgError(n, "vec3 expected")
	return nil
}
