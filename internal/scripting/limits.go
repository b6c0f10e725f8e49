package scripting

import (
	"math"

	lua "github.com/yuin/gopher-lua"
)

const (
	// maxStringSize caps strings built by string.rep.
	maxStringSize = 1 << 20
	// maxPatternWork caps the worst-case backtracking of one pattern call,
	// estimated as len(subject)^(quantifiers+1).
	maxPatternWork = 1e10
)

var patternFuncs = []string{"find", "match", "gmatch", "gfind", "gsub"}

// boundStringLib replaces the string functions that run entirely in Go, and
// so cannot be interrupted by the run context, with size-checked versions.
func boundStringLib(L *lua.LState) {
	mod, ok := L.GetGlobal(lua.StringLibName).(*lua.LTable)
	if !ok {
		return
	}
	mod.RawSetString("rep", L.NewFunction(boundedRep))
	for _, name := range patternFuncs {
		orig, ok := mod.RawGetString(name).(*lua.LFunction)
		if !ok {
			continue
		}
		mod.RawSetString(name, L.NewFunction(boundedPattern(name, orig)))
	}
}

func boundedRep(L *lua.LState) int {
	str := L.CheckString(1)
	n := L.CheckInt(2)
	if n <= 0 || len(str) == 0 {
		L.Push(lua.LString(""))
		return 1
	}
	if len(str) > maxStringSize/n {
		L.RaiseError("string.rep: result exceeds %d bytes", maxStringSize)
	}
	buf := make([]byte, 0, len(str)*n)
	for i := 0; i < n; i++ {
		buf = append(buf, str...)
	}
	L.Push(lua.LString(buf))
	return 1
}

func boundedPattern(name string, orig *lua.LFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		subject := L.CheckString(1)
		pattern := L.CheckString(2)
		plain := name == "find" && lua.LVAsBool(L.Get(4))
		if !plain && patternWork(len(subject), pattern) > maxPatternWork {
			L.RaiseError("string.%s: pattern %q is too complex for a %d byte subject", name, pattern, len(subject))
		}
		L.Insert(orig, 1)
		L.Call(L.GetTop()-1, lua.MultRet)
		return L.GetTop()
	}
}

// patternWork estimates the worst-case steps of matching pattern against a
// subject of n bytes.
func patternWork(n int, pattern string) float64 {
	if n < 2 {
		return float64(n)
	}
	return math.Pow(float64(n), float64(countQuantifiers(pattern)+1))
}

// countQuantifiers counts single-class items followed by *, +, - or ?.
func countQuantifiers(pattern string) int {
	count := 0
	i := 0
	if i < len(pattern) && pattern[i] == '^' {
		i++
	}
	for i < len(pattern) {
		switch pattern[i] {
		case '%':
			if i+1 < len(pattern) && pattern[i+1] == 'b' {
				i += 4
				continue
			}
			if i+1 < len(pattern) && pattern[i+1] == 'f' {
				i = skipSet(pattern, i+2)
				continue
			}
			i += 2
		case '[':
			i = skipSet(pattern, i)
		case '(', ')':
			i++
			continue
		default:
			i++
		}
		if i < len(pattern) {
			switch pattern[i] {
			case '*', '+', '-', '?':
				count++
				i++
			}
		}
	}
	return count
}

// skipSet returns the index after the set starting at pattern[i] == '['.
func skipSet(pattern string, i int) int {
	if i >= len(pattern) || pattern[i] != '[' {
		return i
	}
	i++
	if i < len(pattern) && pattern[i] == '^' {
		i++
	}
	if i < len(pattern) && pattern[i] == ']' {
		i++
	}
	for i < len(pattern) && pattern[i] != ']' {
		if pattern[i] == '%' {
			i++
		}
		i++
	}
	return i + 1
}
