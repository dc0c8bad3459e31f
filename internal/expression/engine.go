// Package expression evaluates attribute transformation expressions with a
// pipe-based transform library.
package expression

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// ErrInvalidExpression is returned when an expression cannot be parsed or
// evaluated.
var ErrInvalidExpression = errors.New("expression: invalid expression")

// ErrInvalidTransform is returned when a caller-supplied transform is not
// callable.
var ErrInvalidTransform = errors.New("expression: transform is not callable")

// Func is the signature every transform is normalised to. The first argument
// is the piped value.
type Func func(args ...any) (any, error)

// Engine compiles and runs expressions against a context map.
// It is safe for concurrent use.
type Engine struct {
	transforms map[string]Func
	options    []expr.Option
	programs   sync.Map // preprocessed source -> *vm.Program
}

var (
	defaultEngine     *Engine
	defaultEngineOnce sync.Once
)

// Default returns the process-wide engine holding only the built-in
// transforms.
func Default() *Engine {
	defaultEngineOnce.Do(func() {
		e, err := New(nil)
		if err != nil {
			panic(fmt.Sprintf("expression: building default engine: %v", err))
		}
		defaultEngine = e
	})
	return defaultEngine
}

// New builds an engine from the built-in transforms plus extra. Built-ins
// win on name clashes. Every extra entry must be one of:
//
//	func(args ...any) (any, error)
//	func(args ...any) any
//	Func
func New(extra map[string]any) (*Engine, error) {
	transforms := make(map[string]Func, len(builtinTransforms)+len(extra))

	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn, err := toFunc(extra[name])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidTransform, name, err)
		}
		transforms[name] = fn
	}
	for name, fn := range builtinTransforms {
		transforms[name] = fn
	}

	e := &Engine{transforms: transforms}
	e.options = []expr.Option{
		expr.AllowUndefinedVariables(),
		expr.DisableAllBuiltins(),
	}
	for name, fn := range transforms {
		e.options = append(e.options, expr.Function(name, safe(fn)))
	}
	return e, nil
}

func toFunc(v any) (Func, error) {
	switch fn := v.(type) {
	case Func:
		if fn == nil {
			return nil, errors.New("nil function")
		}
		return fn, nil
	case func(...any) (any, error):
		if fn == nil {
			return nil, errors.New("nil function")
		}
		return fn, nil
	case func(...any) any:
		if fn == nil {
			return nil, errors.New("nil function")
		}
		return func(args ...any) (any, error) { return fn(args...), nil }, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// safe turns a transform panic or error into a nil result.
func safe(fn Func) func(params ...any) (any, error) {
	return func(params ...any) (result any, err error) {
		defer func() {
			if recover() != nil {
				result, err = nil, nil
			}
		}()
		out, callErr := fn(params...)
		if callErr != nil {
			return nil, nil
		}
		return out, nil
	}
}

// IsTransform reports whether name is a registered transform.
func (e *Engine) IsTransform(name string) bool {
	_, ok := e.transforms[name]
	return ok
}

// Evaluate runs expression against ctx. Entries of ctx holding nil or NaN
// are treated as absent. Any parse or runtime failure wraps
// ErrInvalidExpression.
func (e *Engine) Evaluate(expression string, ctx map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	out, err := expr.Run(program, stripUndefined(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidExpression, expression, err)
	}
	return out, nil
}

// ContextAvailable reports whether expression parses, every identifier it
// references is bound in ctx or names a transform, and it evaluates cleanly.
// It never fails.
func (e *Engine) ContextAvailable(expression string, ctx map[string]any) bool {
	tree, err := parser.Parse(preprocess(expression))
	if err != nil {
		return false
	}

	bound := stripUndefined(ctx)
	v := &identifierCollector{}
	ast.Walk(&tree.Node, v)
	for _, name := range v.names {
		if _, ok := bound[name]; ok {
			continue
		}
		if e.IsTransform(name) {
			continue
		}
		return false
	}

	_, err = e.Evaluate(expression, bound)
	return err == nil
}

// Apply evaluates expression and coerces the result by attribute type:
//
//	Number       float when the text has a decimal point, else integer
//	Boolean      true for "true" or "1"
//	None         nil
//	Text/String  string form
//
// Other types pass the result through unchanged.
func (e *Engine) Apply(expression string, ctx map[string]any, attrType string) (any, error) {
	out, err := e.Evaluate(expression, ctx)
	if err != nil {
		return nil, err
	}
	return Coerce(out, attrType), nil
}

func (e *Engine) compile(expression string) (*vm.Program, error) {
	source := preprocess(expression)
	if cached, ok := e.programs.Load(source); ok {
		return cached.(*vm.Program), nil
	}

	program, err := expr.Compile(source, e.options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidExpression, expression, err)
	}
	e.programs.Store(source, program)
	return program, nil
}

type identifierCollector struct {
	names []string
}

func (c *identifierCollector) Visit(node *ast.Node) {
	if id, ok := (*node).(*ast.IdentifierNode); ok {
		c.names = append(c.names, id.Value)
	}
}

// preprocess rewrites bare pipe transforms ("value|trim") into calls
// ("value|trim()"). String literals and "||" are left alone.
func preprocess(expression string) string {
	var b strings.Builder
	b.Grow(len(expression) + 8)

	var quote rune
	runes := []rune(expression)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if quote != 0 {
			b.WriteRune(r)
			switch {
			case r == '\\' && i+1 < len(runes):
				i++
				b.WriteRune(runes[i])
			case r == quote:
				quote = 0
			}
			continue
		}

		switch {
		case r == '"' || r == '\'' || r == '`':
			quote = r
			b.WriteRune(r)
		case r == '|' && i+1 < len(runes) && runes[i+1] == '|':
			b.WriteString("||")
			i++
		case r == '|':
			b.WriteRune(r)
			j := i + 1
			for j < len(runes) && runes[j] == ' ' {
				b.WriteRune(runes[j])
				j++
			}
			start := j
			for j < len(runes) && isIdentRune(runes[j]) {
				j++
			}
			b.WriteString(string(runes[start:j]))
			k := j
			for k < len(runes) && runes[k] == ' ' {
				k++
			}
			if j > start && (k >= len(runes) || runes[k] != '(') {
				b.WriteString("()")
			}
			i = j - 1
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '$' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// stripUndefined copies ctx without nil and NaN entries.
func stripUndefined(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if isUndefined(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func isUndefined(v any) bool {
	switch n := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(n)
	case float32:
		return math.IsNaN(float64(n))
	}
	return false
}
