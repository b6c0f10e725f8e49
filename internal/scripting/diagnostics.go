package scripting

import (
	"errors"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

type Severity string

const (
	SeverityError   Severity = "Error"
	SeverityWarning Severity = "Warning"
)

// Diagnostic codes
const (
	CodeSyntaxError       = "SYNTAX_ERROR"
	CodeCompileError      = "COMPILE_ERROR"
	CodeUnavailableGlobal = "UNAVAILABLE_GLOBAL"
	CodeEmptyScript       = "EMPTY_SCRIPT"
	CodeUnreachableCode   = "UNREACHABLE_CODE"
)

// Diagnostic positions are 1-based.
type Diagnostic struct {
	Severity    Severity `json:"severity"`
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	StartLine   int      `json:"startLine"`
	StartColumn int      `json:"startColumn"`
	EndLine     int      `json:"endLine"`
	EndColumn   int      `json:"endColumn"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%d:%d: %s: %s", d.StartLine, d.StartColumn, strings.ToLower(string(d.Severity)), d.Message)
}

// HasErrors reports whether any diagnostic is an error.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// unavailableGlobals are names scripts commonly reach for that the sandbox
// does not provide.
var unavailableGlobals = map[string]bool{
	"os": true, "io": true, "require": true, "dofile": true, "loadfile": true,
	"load": true, "loadstring": true, "debug": true, "package": true, "module": true,
}

const chunkName = "<script>"

// compileChunk parses and compiles code. On failure the diagnostics carry
// the error.
func compileChunk(code string) (*lua.FunctionProto, []ast.Stmt, []Diagnostic) {
	lines := strings.Split(code, "\n")

	chunk, err := parse.Parse(strings.NewReader(code), chunkName)
	if err != nil {
		return nil, nil, []Diagnostic{syntaxDiagnostic(err, lines)}
	}

	proto, err := lua.Compile(chunk, chunkName)
	if err != nil {
		d := Diagnostic{Severity: SeverityError, Code: CodeCompileError, Message: err.Error(), StartLine: 1, StartColumn: 1}
		var cerr *lua.CompileError
		if errors.As(err, &cerr) {
			d.Message = cerr.Message
			d.StartLine = clampLine(cerr.Line, lines)
		}
		d.EndLine = d.StartLine
		d.EndColumn = len(lineText(lines, d.StartLine)) + 1
		return nil, chunk, []Diagnostic{d}
	}
	return proto, chunk, nil
}

func syntaxDiagnostic(err error, lines []string) Diagnostic {
	d := Diagnostic{Severity: SeverityError, Code: CodeSyntaxError, Message: err.Error(), StartLine: 1, StartColumn: 1}

	var perr *parse.Error
	if !errors.As(err, &perr) {
		d.EndLine, d.EndColumn = 1, 1
		return d
	}

	d.Message = perr.Message
	if perr.Token != "" {
		d.Message = fmt.Sprintf("%s near '%s'", perr.Message, perr.Token)
	}

	if perr.Pos.Line == parse.EOF {
		d.StartLine = len(lines)
		d.StartColumn = len(lines[len(lines)-1]) + 1
		d.Message = perr.Message + " at end of script"
	} else {
		d.StartLine = clampLine(perr.Pos.Line, lines)
		d.StartColumn = perr.Pos.Column
		if d.StartColumn < 1 {
			d.StartColumn = 1
		}
	}

	d.EndLine = d.StartLine
	d.EndColumn = d.StartColumn + len(perr.Token)
	if d.EndColumn <= d.StartColumn {
		d.EndColumn = d.StartColumn + 1
	}
	return d
}

func clampLine(line int, lines []string) int {
	if line < 1 {
		return 1
	}
	if line > len(lines) {
		return len(lines)
	}
	return line
}

func lineText(lines []string, line int) string {
	if line < 1 || line > len(lines) {
		return ""
	}
	return lines[line-1]
}

// lint walks the AST and reports warnings.
func lint(code string, chunk []ast.Stmt) []Diagnostic {
	lines := strings.Split(code, "\n")
	w := &linter{lines: lines, seen: make(map[string]bool)}
	w.block(chunk)
	return w.diags
}

type linter struct {
	lines []string
	diags []Diagnostic
	seen  map[string]bool
}

func (l *linter) warn(code, msg string, line int, token string) {
	line = clampLine(line, l.lines)
	col := 1
	if token != "" {
		if idx := strings.Index(lineText(l.lines, line), token); idx >= 0 {
			col = idx + 1
		}
	}
	key := fmt.Sprintf("%s:%d:%d", code, line, col)
	if l.seen[key] {
		return
	}
	l.seen[key] = true
	l.diags = append(l.diags, Diagnostic{
		Severity:    SeverityWarning,
		Code:        code,
		Message:     msg,
		StartLine:   line,
		StartColumn: col,
		EndLine:     line,
		EndColumn:   col + len(token),
	})
}

func (l *linter) block(stmts []ast.Stmt) {
	for i, s := range stmts {
		if do, ok := s.(*ast.DoBlockStmt); ok && i < len(stmts)-1 && endsWithReturn(do.Stmts) {
			next := stmts[i+1]
			l.warn(CodeUnreachableCode, "Unreachable code after return", next.Line(), "")
		}
		l.stmt(s)
	}
}

func endsWithReturn(stmts []ast.Stmt) bool {
	if len(stmts) == 0 {
		return false
	}
	_, ok := stmts[len(stmts)-1].(*ast.ReturnStmt)
	return ok
}

func (l *linter) stmt(s ast.Stmt) {
	switch s := s.(type) {
	case *ast.AssignStmt:
		l.exprs(s.Lhs)
		l.exprs(s.Rhs)
	case *ast.LocalAssignStmt:
		l.exprs(s.Exprs)
	case *ast.FuncCallStmt:
		l.expr(s.Expr)
	case *ast.DoBlockStmt:
		l.block(s.Stmts)
	case *ast.WhileStmt:
		l.expr(s.Condition)
		l.block(s.Stmts)
	case *ast.RepeatStmt:
		l.block(s.Stmts)
		l.expr(s.Condition)
	case *ast.IfStmt:
		l.expr(s.Condition)
		l.block(s.Then)
		l.block(s.Else)
	case *ast.NumberForStmt:
		l.expr(s.Init)
		l.expr(s.Limit)
		l.expr(s.Step)
		l.block(s.Stmts)
	case *ast.GenericForStmt:
		l.exprs(s.Exprs)
		l.block(s.Stmts)
	case *ast.FuncDefStmt:
		l.expr(s.Func)
	case *ast.ReturnStmt:
		l.exprs(s.Exprs)
	}
}

func (l *linter) exprs(exprs []ast.Expr) {
	for _, e := range exprs {
		l.expr(e)
	}
}

func (l *linter) expr(e ast.Expr) {
	switch e := e.(type) {
	case nil:
	case *ast.IdentExpr:
		if unavailableGlobals[e.Value] {
			l.warn(CodeUnavailableGlobal, fmt.Sprintf("'%s' is not available in scripts", e.Value), e.Line(), e.Value)
		}
	case *ast.AttrGetExpr:
		l.expr(e.Object)
		l.expr(e.Key)
	case *ast.TableExpr:
		for _, f := range e.Fields {
			l.expr(f.Key)
			l.expr(f.Value)
		}
	case *ast.FuncCallExpr:
		l.expr(e.Func)
		l.expr(e.Receiver)
		l.exprs(e.Args)
	case *ast.LogicalOpExpr:
		l.expr(e.Lhs)
		l.expr(e.Rhs)
	case *ast.RelationalOpExpr:
		l.expr(e.Lhs)
		l.expr(e.Rhs)
	case *ast.StringConcatOpExpr:
		l.expr(e.Lhs)
		l.expr(e.Rhs)
	case *ast.ArithmeticOpExpr:
		l.expr(e.Lhs)
		l.expr(e.Rhs)
	case *ast.UnaryMinusOpExpr:
		l.expr(e.Expr)
	case *ast.UnaryNotOpExpr:
		l.expr(e.Expr)
	case *ast.UnaryLenOpExpr:
		l.expr(e.Expr)
	case *ast.FunctionExpr:
		l.block(e.Stmts)
	}
}
