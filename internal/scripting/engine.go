// Package scripting runs user-supplied Lua code in a restricted sandbox.
// It backs both script nodes and state-machine conditions.
package scripting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/plantflow/flowengine/internal/flow/message"
	"github.com/plantflow/flowengine/internal/tags"
	"github.com/plantflow/flowengine/pkg/logger"
	"github.com/plantflow/flowengine/pkg/metrics"
)

const (
	DefaultTimeoutMs     = 1000
	DefaultCacheSize     = 256
	DefaultCallStackSize = 120
	DefaultRegistryMax   = 1024 * 80
	maxLogLines          = 1000
)

type Config struct {
	DefaultTimeoutMs int
	CacheSize        int
	CallStackSize    int
	RegistryMaxSize  int
}

func DefaultConfig() Config {
	return Config{
		DefaultTimeoutMs: DefaultTimeoutMs,
		CacheSize:        DefaultCacheSize,
		CallStackSize:    DefaultCallStackSize,
		RegistryMaxSize:  DefaultRegistryMax,
	}
}

// StateBag is the persistent key/value state a script reads and writes
// through getState/setState.
type StateBag interface {
	Get(key string) (interface{}, bool, error)
	Set(key string, value interface{}) error
}

type Request struct {
	Code      string
	State     StateBag
	Input     interface{}
	TimeoutMs int
	Tags      tags.Access
}

type Result struct {
	Success bool          `json:"success"`
	Value   interface{}   `json:"value,omitempty"`
	Error   string        `json:"error,omitempty"`
	Logs    []string      `json:"logs"`
	Elapsed time.Duration `json:"elapsed"`
}

type Engine struct {
	config Config
	cache  *protoCache
	logger logger.Logger
}

func NewEngine(cfg Config, log logger.Logger) *Engine {
	if cfg.DefaultTimeoutMs <= 0 {
		cfg.DefaultTimeoutMs = DefaultTimeoutMs
	}
	if cfg.CallStackSize <= 0 {
		cfg.CallStackSize = DefaultCallStackSize
	}
	if cfg.RegistryMaxSize <= 0 {
		cfg.RegistryMaxSize = DefaultRegistryMax
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{
		config: cfg,
		cache:  newProtoCache(cfg.CacheSize),
		logger: log,
	}
}

// Validate compiles code without running it and returns errors and
// warnings.
func (e *Engine) Validate(code string) []Diagnostic {
	if strings.TrimSpace(code) == "" {
		return []Diagnostic{{
			Severity: SeverityWarning, Code: CodeEmptyScript, Message: "Script is empty",
			StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 1,
		}}
	}

	_, chunk, diags := compileChunk(code)
	if chunk != nil {
		diags = append(diags, lint(code, chunk)...)
	}
	return diags
}

func (e *Engine) CacheStats() CacheStats {
	return e.cache.stats()
}

// compile returns the cached compiled form of code.
func (e *Engine) compile(code string) (*lua.FunctionProto, error) {
	key := sourceKey(code)
	if proto, ok := e.cache.get(key); ok {
		return proto, nil
	}

	proto, _, diags := compileChunk(code)
	if proto == nil {
		return nil, errors.New(diags[0].String())
	}
	e.cache.put(key, proto)
	return proto, nil
}

// Execute runs req.Code under its own timeout linked to ctx. Compilation and
// runtime failures are reported in the result, never returned.
func (e *Engine) Execute(ctx context.Context, req Request) *Result {
	start := time.Now()
	result := e.execute(ctx, req)
	result.Elapsed = time.Since(start)

	outcome := "success"
	if !result.Success {
		outcome = "failure"
		if strings.Contains(result.Error, "timed out") {
			outcome = "timeout"
		}
	}
	metrics.RecordScriptExecution(outcome, result.Elapsed.Seconds())
	return result
}

type runOutcome struct {
	value interface{}
	err   error
}

func (e *Engine) execute(ctx context.Context, req Request) *Result {
	result := &Result{Logs: []string{}}

	proto, err := e.compile(req.Code)
	if err != nil {
		result.Error = "Compilation failed: " + err.Error()
		return result
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = e.config.DefaultTimeoutMs
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   e.config.CallStackSize,
		RegistryMaxSize: e.config.RegistryMaxSize,
	})
	if err := openSafeLibs(L); err != nil {
		L.Close()
		result.Error = "Sandbox setup failed: " + err.Error()
		return result
	}
	sb := &sandbox{ctx: runCtx, req: req}
	sb.install(L)
	L.SetContext(runCtx)

	// The state is owned by the goroutine and closed there, so a run stuck
	// in a Go-side call is abandoned at the deadline instead of awaited.
	done := make(chan runOutcome, 1)
	go func() {
		defer L.Close()
		L.Push(L.NewFunctionFromProto(proto))
		if err := L.PCall(0, 1, nil); err != nil {
			done <- runOutcome{err: err}
			return
		}
		done <- runOutcome{value: fromLua(L.Get(-1), 0)}
	}()

	var out runOutcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		out = runOutcome{err: runCtx.Err()}
	}
	result.Logs = sb.collectedLogs()

	switch {
	case out.err == nil:
		result.Success = true
		result.Value = out.value
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Error = fmt.Sprintf("Script timed out after %dms", timeoutMs)
	case ctx.Err() != nil:
		result.Error = "Script cancelled: " + ctx.Err().Error()
	default:
		result.Error = runtimeMessage(out.err)
	}

	if !result.Success {
		e.logger.Debug("Script execution failed", "error", result.Error)
	}
	return result
}

func runtimeMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return "Runtime error: " + apiErr.Object.String()
	}
	return "Runtime error: " + err.Error()
}

// EvaluateCondition runs code as a boolean condition. Bare expressions such
// as `getTagNumber("tank.level") > 80` are accepted as well as chunks that
// return a value. The value is coerced with the usual truthiness rules.
func (e *Engine) EvaluateCondition(ctx context.Context, req Request) (bool, *Result) {
	if expr := "return " + req.Code; e.compiles(expr) {
		req.Code = expr
	}
	res := e.Execute(ctx, req)
	if !res.Success {
		return false, res
	}
	return message.Truthy(res.Value), res
}

func (e *Engine) compiles(code string) bool {
	if _, ok := e.cache.peek(sourceKey(code)); ok {
		return true
	}
	proto, _, _ := compileChunk(code)
	if proto == nil {
		return false
	}
	e.cache.put(sourceKey(code), proto)
	return true
}

// ValidateCondition validates code the way EvaluateCondition will run it.
func (e *Engine) ValidateCondition(code string) []Diagnostic {
	if strings.TrimSpace(code) != "" {
		if diags := e.Validate("return " + code); !HasErrors(diags) {
			return diags
		}
	}
	return e.Validate(code)
}
