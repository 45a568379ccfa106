package sandbox

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// allowedSymbols lists the standard packages scripts may use. A nil list
// exposes the whole package.
var allowedSymbols = map[string][]string{
	"fmt":     {"Errorf", "Sprint", "Sprintf", "Sprintln", "Stringer"},
	"math":    nil,
	"sort":    nil,
	"strconv": nil,
	"strings": nil,
}

const goWrapper = `package main

import (
	"bot"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var (
	_ = bot.Balance
	_ = fmt.Sprint
	_ = math.Abs
	_ = sort.Strings
	_ = strconv.Itoa
	_ = strings.TrimSpace
)

func run() (result any) {
%s
	return
}

func Result() []string {
	r := run()
	if r == nil {
		return nil
	}
	return []string{fmt.Sprint(r)}
}
`

var filteredStdlib = sync.OnceValue(func() interp.Exports {
	out := interp.Exports{}
	for pkg, names := range allowedSymbols {
		key := pkg + "/" + path.Base(pkg)
		src, ok := stdlib.Symbols[key]
		if !ok {
			continue
		}
		if names == nil {
			out[key] = src
			continue
		}
		syms := map[string]reflect.Value{}
		for _, name := range names {
			if v, ok := src[name]; ok {
				syms[name] = v
			}
		}
		out[key] = syms
	}
	return out
})

// Go runs snippets as the body of a function returning any, with package
// bot exposing the caller and the ledger:
//
//	bot.Caller() string
//	bot.Balance(id) (int64, error)
//	bot.Credit(id, amount) (int64, error)
//	bot.Transfer(from, to, amount) error
//	bot.History(id) ([]string, error)
//	bot.Reply(text) error
//
// fmt, math, sort, strconv and strings are pre-imported.
type Go struct{}

func NewGo() *Go {
	return &Go{}
}

func (*Go) Name() string {
	return "go"
}

func (*Go) Run(ctx context.Context, code string, host Host) (Result, error) {
	src := fmt.Sprintf(goWrapper, code)
	if err := checkGoSource(src); err != nil {
		return Result{}, &FaultError{Message: err.Error()}
	}

	i := interp.New(interp.Options{
		Stdin:                strings.NewReader(""),
		Stdout:               io.Discard,
		Stderr:               io.Discard,
		Env:                  []string{},
		SourcecodeFilesystem: emptyFS{},
	})
	if err := i.Use(filteredStdlib()); err != nil {
		return Result{}, fmt.Errorf("load stdlib: %w", err)
	}
	if err := i.Use(hostExports(host)); err != nil {
		return Result{}, fmt.Errorf("load host: %w", err)
	}

	if _, err := i.EvalWithContext(ctx, src); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &FaultError{Message: err.Error()}
	}
	v, err := i.EvalWithContext(ctx, "main.Result()")
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &FaultError{Message: err.Error()}
	}

	var out []string
	if v.IsValid() {
		out, _ = v.Interface().([]string)
	}
	if len(out) == 0 {
		return Result{}, nil
	}
	return Result{Output: out[0], HasValue: true}, nil
}

// emptyFS keeps the interpreter from reading sources off the host disk.
type emptyFS struct{}

func (emptyFS) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

func hostExports(host Host) interp.Exports {
	return interp.Exports{
		"bot/bot": {
			"Caller":   reflect.ValueOf(host.Caller),
			"Balance":  reflect.ValueOf(host.Balance),
			"Credit":   reflect.ValueOf(host.Credit),
			"Transfer": reflect.ValueOf(host.Transfer),
			"History":  reflect.ValueOf(host.History),
			"Reply":    reflect.ValueOf(host.Reply),
		},
	}
}

// checkGoSource rejects snippets that escape the wrapper function or start
// goroutines, which would outlive the execution.
func checkGoSource(src string) error {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "snippet.go", src, 0)
	if err != nil {
		return err
	}

	funcs := 0
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Name.Name != "run" && d.Name.Name != "Result" {
				return fmt.Errorf("declaring %s is not allowed", d.Name.Name)
			}
			funcs++
		case *ast.GenDecl:
			if d.Tok == token.IMPORT && d != f.Decls[0] {
				return fmt.Errorf("imports are not allowed")
			}
		}
	}
	if funcs != 2 {
		return fmt.Errorf("snippet must be a function body")
	}

	var bad error
	ast.Inspect(f, func(n ast.Node) bool {
		if _, ok := n.(*ast.GoStmt); ok && bad == nil {
			bad = fmt.Errorf("%s: go statements are not allowed", fset.Position(n.Pos()))
		}
		return bad == nil
	})
	return bad
}
