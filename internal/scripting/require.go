package scripting

import (
	lua "github.com/yuin/gopher-lua"
)

const maxCopyDepth = 16

// require runs the named library for caller and returns a table in the
// caller's VM mirroring the library's exports. Functions are proxied into the
// library VM; other values are copied.
func (e *Engine) require(caller *Script, name string) (*lua.LTable, error) {
	file := ScriptFile{Type: TypeLibrary, Name: name}
	if f, ok := e.Lookup(TypeLibrary, name); ok {
		file = f
	}

	// Library callers already hold libMu. Script callers keep it until the
	// exports are copied out of the library VM.
	if caller.Type != TypeLibrary {
		e.libMu.Lock()
		defer e.libMu.Unlock()
	}
	lib, err := e.runLibraryLocked(file)
	if err != nil {
		return nil, err
	}
	// The caller's loader turns these into engine-wide events.
	caller.declared = append(caller.declared, lib.declared...)

	mod := caller.L.NewTable()
	if lib.exports == nil {
		return mod, nil
	}
	lib.exports.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok {
			return
		}
		if fn, ok := v.(*lua.LFunction); ok {
			mod.RawSetString(string(key), caller.L.NewFunction(e.proxy(caller, lib, string(key), fn)))
			return
		}
		mod.RawSetString(string(key), copyValue(caller.L, v, 0))
	})
	return mod, nil
}

func (e *Engine) proxy(caller, lib *Script, name string, fn *lua.LFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if caller.Type != TypeLibrary {
			e.libMu.Lock()
			defer e.libMu.Unlock()
		}
		if !lib.Running() {
			L.RaiseError("library %s is not running", lib.Name)
			return 0
		}
		args := make([]lua.LValue, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			args = append(args, copyValue(lib.L, L.Get(i), 0))
		}
		base := lib.L.GetTop()
		if err := lib.call(lua.P{Fn: fn, NRet: lua.MultRet, Protect: true}, args...); err != nil {
			L.RaiseError("%s.%s: %v", lib.Name, name, err)
			return 0
		}
		n := lib.L.GetTop() - base
		for i := 1; i <= n; i++ {
			L.Push(copyValue(L, lib.L.Get(base+i), 0))
		}
		lib.L.Pop(n)
		return n
	}
}

// copyValue rebuilds v for the VM to. Functions, userdata and threads do not
// cross VMs and become nil.
func copyValue(to *lua.LState, v lua.LValue, depth int) lua.LValue {
	switch x := v.(type) {
	case lua.LBool, lua.LNumber, lua.LString:
		return x
	case *lua.LTable:
		if depth >= maxCopyDepth {
			return lua.LNil
		}
		t := to.NewTable()
		x.ForEach(func(k, val lua.LValue) {
			ck := copyValue(to, k, depth+1)
			if ck == lua.LNil {
				return
			}
			t.RawSet(ck, copyValue(to, val, depth+1))
		})
		return t
	default:
		return lua.LNil
	}
}
