package sandbox

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
)

// ViolationType categorizes safety violations.
type ViolationType int

const (
	ViolationParseError ViolationType = iota
	ViolationPackage
	ViolationForbiddenImport
	ViolationDangerousCall
	ViolationGoroutine
	ViolationCGO
	ViolationReservedFunc
)

func (v ViolationType) String() string {
	switch v {
	case ViolationParseError:
		return "parse_error"
	case ViolationPackage:
		return "package"
	case ViolationForbiddenImport:
		return "forbidden_import"
	case ViolationDangerousCall:
		return "dangerous_call"
	case ViolationGoroutine:
		return "goroutine"
	case ViolationCGO:
		return "cgo"
	case ViolationReservedFunc:
		return "reserved_func"
	default:
		return "unknown"
	}
}

// Violation is one finding of the safety scan.
type Violation struct {
	Type   ViolationType
	Line   int
	Detail string
}

func (v Violation) String() string {
	if v.Line > 0 {
		return fmt.Sprintf("%s at line %d: %s", v.Type, v.Line, v.Detail)
	}
	return fmt.Sprintf("%s: %s", v.Type, v.Detail)
}

// ScanError carries every violation found in a candidate. It matches ErrUnsafe.
type ScanError struct {
	Violations []Violation
}

func (e *ScanError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "unsafe code: " + strings.Join(parts, "; ")
}

func (e *ScanError) Is(target error) bool { return target == ErrUnsafe }

// PackageName is the package clause every tool must declare.
const PackageName = "tool"

// dangerousCalls are rejected even when reachable through an allowed import
// alias or a local helper of the same name.
var dangerousCalls = map[string]string{
	"exec.Command":        "process invocation",
	"exec.CommandContext": "process invocation",
	"os.StartProcess":     "process invocation",
	"os.Exit":             "process termination",
	"syscall.Exec":        "process invocation",
	"syscall.ForkExec":    "process invocation",
	"syscall.Syscall":     "raw system call",
	"plugin.Open":         "dynamic code loading",
	"interp.New":          "dynamic code evaluation",
	"unsafe.Pointer":      "unsafe pointer conversion",
}

// dangerousIdents catch dynamic evaluation helpers regardless of package.
var dangerousIdents = map[string]string{
	"eval":   "dynamic code evaluation",
	"exec":   "dynamic code evaluation",
	"system": "process invocation",
	"popen":  "process invocation",
}

// Scan parses code and reports every construct the sandbox refuses to run.
func (s *Sandbox) Scan(code string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "tool.go", code, parser.ParseComments)
	if err != nil {
		return &ScanError{Violations: []Violation{{Type: ViolationParseError, Detail: err.Error()}}}
	}
	if violations := s.scanFile(fset, file); len(violations) > 0 {
		return &ScanError{Violations: violations}
	}
	return nil
}

func (s *Sandbox) scanFile(fset *token.FileSet, file *ast.File) []Violation {
	var out []Violation
	line := func(p token.Pos) int { return fset.Position(p).Line }

	if file.Name.Name != PackageName {
		out = append(out, Violation{Type: ViolationPackage, Line: line(file.Name.Pos()),
			Detail: fmt.Sprintf("package must be %q, got %q", PackageName, file.Name.Name)})
	}

	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			path = imp.Path.Value
		}
		switch {
		case path == "C":
			out = append(out, Violation{Type: ViolationCGO, Line: line(imp.Pos()), Detail: "cgo is not allowed"})
		case !s.allowed[path]:
			out = append(out, Violation{Type: ViolationForbiddenImport, Line: line(imp.Pos()),
				Detail: fmt.Sprintf("import %q is not in the allowlist", path)})
		case imp.Name != nil && (imp.Name.Name == "." || imp.Name.Name == "_"):
			out = append(out, Violation{Type: ViolationForbiddenImport, Line: line(imp.Pos()),
				Detail: fmt.Sprintf("%s import of %q is not allowed", imp.Name.Name, path)})
		}
	}

	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Recv == nil {
			if fn.Name.Name == "init" || fn.Name.Name == "main" {
				out = append(out, Violation{Type: ViolationReservedFunc, Line: line(fn.Pos()),
					Detail: fmt.Sprintf("func %s is not allowed", fn.Name.Name)})
			}
		}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.GoStmt:
			out = append(out, Violation{Type: ViolationGoroutine, Line: line(node.Go), Detail: "go statements are not allowed"})
		case *ast.CallExpr:
			name := calleeName(node.Fun)
			if reason, bad := dangerousCalls[name]; bad {
				out = append(out, Violation{Type: ViolationDangerousCall, Line: line(node.Pos()), Detail: fmt.Sprintf("%s (%s)", name, reason)})
			} else if reason, bad := dangerousIdents[strings.ToLower(name)]; bad {
				out = append(out, Violation{Type: ViolationDangerousCall, Line: line(node.Pos()), Detail: fmt.Sprintf("%s (%s)", name, reason)})
			}
		}
		return true
	})
	return out
}

// calleeName renders the called expression as "pkg.Func" or "Func".
func calleeName(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.Ident:
		return e.Name
	case *ast.SelectorExpr:
		if x, ok := e.X.(*ast.Ident); ok {
			return x.Name + "." + e.Sel.Name
		}
		return e.Sel.Name
	case *ast.IndexExpr:
		return calleeName(e.X)
	case *ast.ParenExpr:
		return calleeName(e.X)
	default:
		return ""
	}
}

// schemaLiteral extracts the Schema constant without evaluating the code.
func schemaLiteral(file *ast.File) (string, bool) {
	for _, decl := range file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.CONST {
			continue
		}
		for _, spec := range gen.Specs {
			vs, ok := spec.(*ast.ValueSpec)
			if !ok {
				continue
			}
			for i, name := range vs.Names {
				if name.Name != "Schema" || i >= len(vs.Values) {
					continue
				}
				lit, ok := vs.Values[i].(*ast.BasicLit)
				if !ok || lit.Kind != token.STRING {
					return "", false
				}
				value, err := strconv.Unquote(lit.Value)
				if err != nil {
					return "", false
				}
				return value, true
			}
		}
	}
	return "", false
}
