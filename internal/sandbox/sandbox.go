// Package sandbox gates and runs generated tool code.
//
// Tool code is Go source interpreted by yaegi. It must declare package
// "tool", a Schema string constant holding a JSON Schema for its parameters,
// and
//
//	func Run(params map[string]interface{}) (map[string]interface{}, error)
//
// Every candidate passes three gates before registration: a static safety
// scan, a compile check in a throwaway interpreter, and schema validation.
// Execution happens in a fresh interpreter per call, bounded by the caller's
// context.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/json-iterator/go"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
)

var (
	// ErrUnsafe marks candidates rejected by the safety scan.
	ErrUnsafe = errors.New("unsafe code")
	// ErrCompile marks candidates that do not compile or lack a valid Run.
	ErrCompile = errors.New("compile check failed")
	// ErrSchema marks candidates whose parameter schema is missing or malformed.
	ErrSchema = errors.New("schema validation failed")
	// ErrInvalidParams is returned when call parameters do not satisfy the schema.
	ErrInvalidParams = errors.New("invalid parameters")
	// ErrTimeout is returned when execution outlives its context.
	ErrTimeout = errors.New("tool execution timed out")
	// ErrExecution wraps errors and panics raised by tool code.
	ErrExecution = errors.New("tool execution failed")
)

// RunFunc is the entry point every tool exports.
type RunFunc = func(map[string]interface{}) (map[string]interface{}, error)

// DefaultAllowedImports is used when no allowlist is configured.
var DefaultAllowedImports = []string{
	"bytes", "encoding/base64", "encoding/json", "errors", "fmt", "math",
	"math/big", "regexp", "sort", "strconv", "strings", "time", "unicode",
	"unicode/utf8",
}

// Sandbox validates and executes tool code. It is safe for concurrent use.
type Sandbox struct {
	logger  *zap.Logger
	allowed map[string]bool
	symbols interp.Exports
	schemas *schemaCache

	// Executions that timed out and whose goroutine is still running.
	abandoned atomic.Int64
}

// New builds a sandbox that exposes only the allowlisted stdlib packages to
// interpreted code.
func New(logger *zap.Logger, allowedImports []string) *Sandbox {
	if len(allowedImports) == 0 {
		allowedImports = DefaultAllowedImports
	}
	allowed := make(map[string]bool, len(allowedImports))
	for _, p := range allowedImports {
		allowed[p] = true
	}

	// stdlib.Symbols keys look like "encoding/json/json": import path plus
	// package name.
	symbols := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		idx := strings.LastIndex(key, "/")
		if idx < 0 {
			continue
		}
		if allowed[key[:idx]] {
			symbols[key] = syms
		}
	}

	return &Sandbox{
		logger:  logger.Named("sandbox"),
		allowed: allowed,
		symbols: symbols,
		schemas: newSchemaCache(defaultSchemaCacheSize),
	}
}

// Abandoned reports how many timed-out executions are still running.
func (s *Sandbox) Abandoned() int64 { return s.abandoned.Load() }

// newInterpreter returns a fresh interpreter with the filtered stdlib.
func (s *Sandbox) newInterpreter() (*interp.Interpreter, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(s.symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}
	return i, nil
}

// asMain rewrites the package clause so the interpreter exposes the tool's
// symbols under "main".
func asMain(code string) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "tool.go", code, parser.PackageClauseOnly)
	if err != nil {
		return "", err
	}
	start := fset.Position(file.Name.Pos()).Offset
	end := fset.Position(file.Name.End()).Offset
	return code[:start] + "main" + code[end:], nil
}

// load evaluates code in a fresh interpreter and returns its Run function.
func (s *Sandbox) load(code string) (RunFunc, error) {
	src, err := asMain(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	i, err := s.newInterpreter()
	if err != nil {
		return nil, err
	}
	if _, err := i.Eval(src); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	v, err := i.Eval("main.Run")
	if err != nil {
		return nil, fmt.Errorf("%w: Run function not found: %v", ErrCompile, err)
	}
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: Run is not a function", ErrCompile)
	}
	run, ok := v.Interface().(RunFunc)
	if !ok {
		return nil, fmt.Errorf("%w: Run has signature %s, expected func(map[string]interface{}) (map[string]interface{}, error)", ErrCompile, v.Type())
	}
	return run, nil
}

// Compile checks that code builds in isolation and exports a correctly typed Run.
func (s *Sandbox) Compile(code string) error {
	_, err := s.load(code)
	return err
}

// Verify runs all three gates in order: scan, compile, schema. It returns the
// schema on success; the error matches ErrUnsafe, ErrCompile or ErrSchema.
func (s *Sandbox) Verify(code string) (string, error) {
	if err := s.Scan(code); err != nil {
		return "", err
	}
	if err := s.Compile(code); err != nil {
		return "", err
	}
	return s.ValidateSchema(code)
}

// Execute runs the tool's Run function against params. The code is scanned
// again first, params are validated against the tool's schema, and the call
// runs on its own goroutine so a panic or hang never reaches the caller. Go
// cannot preempt interpreted code, so a call that outlives ctx is abandoned
// and keeps running until it returns on its own.
func (s *Sandbox) Execute(ctx context.Context, code string, params map[string]interface{}) (map[string]interface{}, error) {
	if err := s.Scan(code); err != nil {
		return nil, err
	}

	normalized, err := normalize(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := s.ValidateParams(code, normalized); err != nil {
		return nil, err
	}

	run, err := s.load(code)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		result map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", ErrExecution, r)}
			}
		}()
		result, err := run(normalized)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrExecution, err)
		}
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		result, err := normalize(out.result)
		if err != nil {
			return nil, fmt.Errorf("%w: result is not JSON-encodable: %v", ErrExecution, err)
		}
		return result, nil
	case <-ctx.Done():
		s.abandoned.Add(1)
		go func() {
			<-done
			s.abandoned.Add(-1)
		}()
		s.logger.Warn("Tool execution exceeded its deadline; abandoning goroutine",
			zap.Duration("elapsed", time.Since(start)), zap.Error(ctx.Err()))
		return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, time.Since(start).Round(time.Millisecond), ctx.Err())
	}
}

// normalize round-trips a map through JSON so numbers, maps and slices take
// the shapes the schema validator, tool code and event consumers expect.
func normalize(params map[string]interface{}) (map[string]interface{}, error) {
	if params == nil {
		return map[string]interface{}{}, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}
