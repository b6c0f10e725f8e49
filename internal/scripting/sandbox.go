package scripting

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/plantflow/flowengine/internal/flow/message"
)

var safeLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// removedBaseFuncs are base library entries that reach outside the sandbox.
var removedBaseFuncs = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"collectgarbage", "getfenv", "setfenv", "_printregs", "newproxy",
}

func openSafeLibs(L *lua.LState) error {
	for _, lib := range safeLibs {
		err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name))
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", lib.name, err)
		}
	}
	for _, name := range removedBaseFuncs {
		L.SetGlobal(name, lua.LNil)
	}
	boundStringLib(L)
	return nil
}

// sandbox binds the script-visible helpers to one execution. Logs are
// guarded because a timed-out run keeps executing until it next yields to
// the VM.
type sandbox struct {
	ctx  context.Context
	req  Request
	mu   sync.Mutex
	logs []string
}

func (s *sandbox) collectedLogs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.logs))
	copy(out, s.logs)
	return out
}

func (s *sandbox) install(L *lua.LState) {
	L.SetGlobal("getTag", L.NewFunction(s.getTag))
	L.SetGlobal("getTagNumber", L.NewFunction(s.getTagNumber))
	L.SetGlobal("getTagBool", L.NewFunction(s.getTagBool))
	L.SetGlobal("setTag", L.NewFunction(s.setTag))
	L.SetGlobal("getState", L.NewFunction(s.getState))
	L.SetGlobal("setState", L.NewFunction(s.setState))
	L.SetGlobal("log", L.NewFunction(s.log))
	L.SetGlobal("print", L.NewFunction(s.log))
	L.SetGlobal("input", toLua(L, message.Normalize(s.req.Input), 0))
}

func (s *sandbox) readTag(L *lua.LState) (interface{}, bool) {
	path := L.CheckString(1)
	if s.req.Tags == nil {
		L.RaiseError("tag access is not available")
	}
	v, err := s.req.Tags.GetValue(s.ctx, path)
	if err != nil {
		L.RaiseError("getTag(%q): %s", path, err.Error())
	}
	if v == nil {
		return nil, false
	}
	return v.Value, true
}

func (s *sandbox) getTag(L *lua.LState) int {
	v, _ := s.readTag(L)
	L.Push(toLua(L, message.Normalize(v), 0))
	return 1
}

// getTagNumber returns the tag as a number, or the optional default (0)
// when the tag is missing or not numeric.
func (s *sandbox) getTagNumber(L *lua.LState) int {
	def := L.OptNumber(2, 0)
	v, ok := s.readTag(L)
	if !ok {
		L.Push(def)
		return 1
	}
	f, ok := message.ToFloat(v)
	if !ok {
		L.Push(def)
		return 1
	}
	L.Push(lua.LNumber(f))
	return 1
}

func (s *sandbox) getTagBool(L *lua.LState) int {
	def := L.OptBool(2, false)
	v, ok := s.readTag(L)
	if !ok {
		L.Push(lua.LBool(def))
		return 1
	}
	if str, isStr := v.(string); isStr {
		if b, err := strconv.ParseBool(strings.TrimSpace(str)); err == nil {
			L.Push(lua.LBool(b))
			return 1
		}
	}
	L.Push(lua.LBool(message.Truthy(v)))
	return 1
}

func (s *sandbox) setTag(L *lua.LState) int {
	path := L.CheckString(1)
	value := fromLua(L.Get(2), 0)
	if s.req.Tags == nil {
		L.RaiseError("tag access is not available")
	}
	if err := s.req.Tags.WriteValue(s.ctx, path, value); err != nil {
		L.RaiseError("setTag(%q): %s", path, err.Error())
	}
	return 0
}

func (s *sandbox) getState(L *lua.LState) int {
	key := L.CheckString(1)
	if s.req.State == nil {
		L.Push(lua.LNil)
		return 1
	}
	v, ok, err := s.req.State.Get(key)
	if err != nil {
		L.RaiseError("getState(%q): %s", key, err.Error())
	}
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(toLua(L, v, 0))
	return 1
}

func (s *sandbox) setState(L *lua.LState) int {
	key := L.CheckString(1)
	if s.req.State == nil {
		L.RaiseError("state is not available")
	}
	if err := s.req.State.Set(key, fromLua(L.Get(2), 0)); err != nil {
		L.RaiseError("setState(%q): %s", key, err.Error())
	}
	return 0
}

func (s *sandbox) log(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	s.mu.Lock()
	if len(s.logs) < maxLogLines {
		s.logs = append(s.logs, strings.Join(parts, "\t"))
	}
	s.mu.Unlock()
	return 0
}

const maxDepth = 32

// toLua converts a normalized Go value into a Lua value.
func toLua(L *lua.LState, v interface{}, depth int) lua.LValue {
	if depth > maxDepth {
		return lua.LNil
	}
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case float64:
		return lua.LNumber(t)
	case string:
		return lua.LString(t)
	case []interface{}:
		tbl := L.NewTable()
		for _, item := range t {
			tbl.Append(toLua(L, item, depth+1))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tbl.RawSetString(k, toLua(L, t[k], depth+1))
		}
		return tbl
	default:
		return toLua(L, message.Normalize(v), depth+1)
	}
}

// fromLua converts a Lua value into its JSON-shaped Go form. Tables with
// keys 1..n become arrays, other tables become maps.
func fromLua(v lua.LValue, depth int) interface{} {
	if depth > maxDepth {
		return nil
	}
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case *lua.LTable:
		n := t.MaxN()
		count := 0
		t.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if n > 0 && n == count {
			arr := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, fromLua(t.RawGetInt(i), depth+1))
			}
			return arr
		}
		m := make(map[string]interface{}, count)
		t.ForEach(func(k, val lua.LValue) {
			m[k.String()] = fromLua(val, depth+1)
		})
		return m
	default:
		return v.String()
	}
}
